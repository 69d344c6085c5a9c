package domain

import "errors"

var (
	ErrNotFound = errors.New("not found")
	// ErrPoolUnavailable signals that a market has no liquidity pool yet.
	// Quote and balance operations short-circuit on it; it is distinct from a
	// zero price or zero balance.
	ErrPoolUnavailable = errors.New("pool unavailable")
	// ErrNotLoaded is returned by session operations invoked before the
	// session finished initializing.
	ErrNotLoaded = errors.New("session not loaded")
	// ErrNoPrice signals that no price has been computed yet for an asset.
	ErrNoPrice      = errors.New("no price available")
	ErrWSDisconnect = errors.New("websocket disconnected")
	ErrContextDone  = errors.New("context cancelled")
	// ErrLockHeld signals that a distributed lock is already held elsewhere.
	ErrLockHeld = errors.New("lock already held")
)

package domain

// MarketStatus represents the lifecycle state of a market.
//
// Ended is not a status the chain ever reports: it is derived at read time
// whenever the market's end timestamp has passed while the stored status is
// still Active.
type MarketStatus string

const (
	MarketStatusProposed MarketStatus = "Proposed"
	MarketStatusActive   MarketStatus = "Active"
	MarketStatusEnded    MarketStatus = "Ended"
	MarketStatusReported MarketStatus = "Reported"
	MarketStatusDisputed MarketStatus = "Disputed"
	MarketStatusResolved MarketStatus = "Resolved"
)

// Market holds the chain-side metadata of one prediction market.
type Market struct {
	ID         int64
	Slug       string
	Categories []string
	// EndTimestamp is the market end in unix milliseconds.
	EndTimestamp int64
	// Status is the status as stored on chain (never Ended).
	Status MarketStatus
	// ReportedOutcome is the categorical index of the reported outcome, nil
	// before a report exists.
	ReportedOutcome *int
	// ResolvedOutcome is the categorical index of the resolved outcome, nil
	// unless the market is Resolved.
	ResolvedOutcome *int
}

// Dispute is one raised dispute against a reported outcome.
type Dispute struct {
	By      string
	Outcome int
	// At is the dispute block timestamp in unix milliseconds.
	At int64
}

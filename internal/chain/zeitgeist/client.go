// Package zeitgeist talks JSON-RPC over WebSocket to a Zeitgeist node. It is
// the only package that knows the node's wire format; everything above it
// works with domain types and raw integer balances.
package zeitgeist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/derbylabs/derbybot/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

var (
	_ domain.ChainReader     = (*Client)(nil)
	_ domain.BlockSubscriber = (*Client)(nil)
	_ domain.TradeSubmitter  = (*Client)(nil)
)

// Client is a WebSocket JSON-RPC client for a Zeitgeist node. It multiplexes
// concurrent calls over one connection and routes subscription notifications
// to their consumers.
type Client struct {
	wsURL  string
	logger *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	nextID atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan rpcResponse

	subMu sync.Mutex
	subs  map[string]chan json.RawMessage

	done chan struct{}
}

// NewClient creates a client for the given node endpoint, e.g.
// "wss://rpc.zeitgeist.pm". Call Connect before use.
func NewClient(wsURL string, logger *slog.Logger) *Client {
	return &Client{
		wsURL:   wsURL,
		logger:  logger.With(slog.String("component", "zeitgeist")),
		pending: make(map[uint64]chan rpcResponse),
		subs:    make(map[string]chan json.RawMessage),
		done:    make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection and starts the read and ping
// loops.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("zeitgeist: %w", domain.ErrWSDisconnect)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("zeitgeist: connect %q: %w", c.wsURL, err)
	}

	c.conn = conn

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.readLoop(conn)
	go c.pingLoop(conn)

	return nil
}

// Close shuts the connection down and fails every pending call.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)

	c.failAll(domain.ErrWSDisconnect)

	if c.conn != nil {
		_ = c.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return c.conn.Close()
	}
	return nil
}

// ReadBaseBalance implements domain.ChainReader.
func (c *Client) ReadBaseBalance(ctx context.Context, accountAddress string) (decimal.Decimal, error) {
	var payload balancePayload
	if err := c.call(ctx, "system_accountBalance", []any{accountAddress}, &payload); err != nil {
		return decimal.Zero, fmt.Errorf("zeitgeist: base balance of %q: %w", accountAddress, err)
	}
	return payload.toDecimal()
}

// ReadTokenBalance implements domain.ChainReader.
func (c *Client) ReadTokenBalance(ctx context.Context, accountAddress, assetID string) (decimal.Decimal, error) {
	var payload balancePayload
	if err := c.call(ctx, "tokens_accountBalance", []any{accountAddress, assetID}, &payload); err != nil {
		return decimal.Zero, fmt.Errorf("zeitgeist: token balance of %q asset %q: %w", accountAddress, assetID, err)
	}
	return payload.toDecimal()
}

// ReadPoolMetadata implements domain.ChainReader. A market without liquidity
// reports domain.ErrNotFound.
func (c *Client) ReadPoolMetadata(ctx context.Context, marketID int64) (*domain.Pool, error) {
	var payload *poolPayload
	if err := c.call(ctx, "swaps_poolInfo", []any{marketID}, &payload); err != nil {
		return nil, fmt.Errorf("zeitgeist: pool of market %d: %w", marketID, err)
	}
	if payload == nil {
		return nil, fmt.Errorf("zeitgeist: pool of market %d: %w", marketID, domain.ErrNotFound)
	}
	pool, err := payload.toDomain()
	if err != nil {
		return nil, fmt.Errorf("zeitgeist: pool of market %d: %w", marketID, err)
	}
	return pool, nil
}

// ReadMarket implements domain.ChainReader.
func (c *Client) ReadMarket(ctx context.Context, marketID int64) (domain.Market, error) {
	var payload *marketPayload
	if err := c.call(ctx, "predictionMarkets_marketInfo", []any{marketID}, &payload); err != nil {
		return domain.Market{}, fmt.Errorf("zeitgeist: market %d: %w", marketID, err)
	}
	if payload == nil {
		return domain.Market{}, fmt.Errorf("zeitgeist: market %d: %w", marketID, domain.ErrNotFound)
	}
	return payload.toDomain(), nil
}

// ReadDisputes implements domain.ChainReader.
func (c *Client) ReadDisputes(ctx context.Context, marketID int64) ([]domain.Dispute, error) {
	var payloads []disputePayload
	if err := c.call(ctx, "predictionMarkets_disputes", []any{marketID}, &payloads); err != nil {
		return nil, fmt.Errorf("zeitgeist: disputes of market %d: %w", marketID, err)
	}
	disputes := make([]domain.Dispute, 0, len(payloads))
	for _, d := range payloads {
		disputes = append(disputes, d.toDomain())
	}
	return disputes, nil
}

// BlockTimestamp implements domain.ChainReader.
func (c *Client) BlockTimestamp(ctx context.Context) (int64, error) {
	var head headPayload
	if err := c.call(ctx, "chain_latestHead", nil, &head); err != nil {
		return 0, fmt.Errorf("zeitgeist: block timestamp: %w", err)
	}
	return head.Timestamp, nil
}

// SubscribeBlocks implements domain.BlockSubscriber.
func (c *Client) SubscribeBlocks(ctx context.Context) (<-chan int64, error) {
	subID, raw, err := c.subscribe(ctx, "chain_subscribeNewHeads", nil)
	if err != nil {
		return nil, fmt.Errorf("zeitgeist: subscribe new heads: %w", err)
	}

	out := make(chan int64, 1)
	go func() {
		defer close(out)
		defer c.unsubscribe(subID, "chain_unsubscribeNewHeads")

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-raw:
				if !ok {
					return
				}
				var head headPayload
				if err := json.Unmarshal(msg, &head); err != nil {
					c.logger.Warn("malformed head notification", slog.String("error", err.Error()))
					continue
				}
				select {
				case out <- head.Timestamp:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// SubmitSwap implements domain.TradeSubmitter. The returned channel delivers
// status events for the submitted swap and is closed after a terminal one.
func (c *Client) SubmitSwap(ctx context.Context, intent domain.SwapIntent) (<-chan domain.TradeEvent, error) {
	params := swapParams{
		IntentID:     intent.ID,
		MarketID:     intent.MarketID,
		PoolID:       intent.PoolID,
		Account:      intent.Account,
		AssetIn:      intent.AssetIn.PoolAssetID,
		AmountIn:     intent.AmountIn.String(),
		AssetOut:     intent.AssetOut.PoolAssetID,
		MinAmountOut: intent.MinAmountOut.String(),
		MaxPrice:     intent.MaxPrice.String(),
	}

	subID, raw, err := c.subscribe(ctx, "swaps_submitAndWatch", []any{params})
	if err != nil {
		return nil, fmt.Errorf("zeitgeist: submit swap %s: %w", intent.ID, err)
	}

	out := make(chan domain.TradeEvent, 4)
	go func() {
		defer close(out)
		defer c.unsubscribe(subID, "swaps_unwatch")

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-raw:
				if !ok {
					out <- domain.TradeEvent{
						IntentID: intent.ID,
						Status:   domain.TradeFailed,
						Err:      domain.ErrWSDisconnect.Error(),
					}
					return
				}
				var status swapStatusPayload
				if err := json.Unmarshal(msg, &status); err != nil {
					c.logger.Warn("malformed swap status",
						slog.String("intent_id", intent.ID),
						slog.String("error", err.Error()),
					)
					continue
				}
				event := domain.TradeEvent{
					IntentID: intent.ID,
					Status:   domain.TradeStatus(status.Status),
					Err:      status.Error,
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
				if event.Status == domain.TradeSuccess || event.Status == domain.TradeFailed {
					return
				}
			}
		}
	}()
	return out, nil
}

// call performs one JSON-RPC request and decodes the result into out. A JSON
// null result leaves out at its zero value.
func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	id := c.nextID.Add(1)
	reply := make(chan rpcResponse, 1)

	c.pendingMu.Lock()
	c.pending[id] = reply
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.send(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return domain.ErrWSDisconnect
	case resp := <-reply:
		if resp.Error != nil {
			return fmt.Errorf("%s: %w", method, resp.Error)
		}
		if out == nil || len(resp.Result) == 0 || string(resp.Result) == "null" {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
		return nil
	}
}

// subscribe performs a subscription call and registers a notification channel
// under the returned subscription id.
func (c *Client) subscribe(ctx context.Context, method string, params []any) (string, <-chan json.RawMessage, error) {
	var subID string
	if err := c.call(ctx, method, params, &subID); err != nil {
		return "", nil, err
	}
	if subID == "" {
		return "", nil, fmt.Errorf("%s: empty subscription id", method)
	}

	ch := make(chan json.RawMessage, 16)
	c.subMu.Lock()
	c.subs[subID] = ch
	c.subMu.Unlock()
	return subID, ch, nil
}

// unsubscribe tells the node to stop a subscription and drops its channel.
// Best effort; a dead connection has already dropped it server-side.
func (c *Client) unsubscribe(subID, method string) {
	c.subMu.Lock()
	delete(c.subs, subID)
	c.subMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := c.call(ctx, method, []any{subID}, nil); err != nil {
		c.logger.Debug("unsubscribe failed",
			slog.String("subscription", subID),
			slog.String("error", err.Error()),
		)
	}
}

// send writes one frame. The connection mutex serializes writers.
func (c *Client) send(req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return domain.ErrWSDisconnect
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop reads frames from one connection until it dies, then triggers
// reconnection. Pending calls and open subscriptions fail on disconnect; it
// is the consumers' job to retry or resubscribe.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.logger.Warn("connection lost", slog.String("error", err.Error()))
			c.failAll(domain.ErrWSDisconnect)
			c.reconnect()
			return
		}
		c.dispatch(message)
	}
}

// pingLoop keeps one connection alive until it is replaced or the client
// closes.
func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch routes one frame to the pending call or subscription it belongs
// to. Unknown frames are dropped.
func (c *Client) dispatch(raw []byte) {
	var resp rpcResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return
	}

	if resp.ID != nil {
		c.pendingMu.Lock()
		reply, ok := c.pending[*resp.ID]
		c.pendingMu.Unlock()
		if ok {
			reply <- resp
		}
		return
	}

	if resp.Params == nil {
		return
	}
	c.subMu.Lock()
	ch, ok := c.subs[resp.Params.Subscription]
	c.subMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp.Params.Result:
	default:
		// Slow consumer: drop rather than stall the read loop.
	}
}

// failAll errors out every pending call and closes every subscription.
func (c *Client) failAll(err error) {
	c.pendingMu.Lock()
	for id, reply := range c.pending {
		reply <- rpcResponse{Error: &rpcError{Code: -1, Message: err.Error()}}
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	c.subMu.Lock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.subMu.Unlock()
}

// reconnect re-establishes the connection with exponential backoff. It blocks
// until successful or the client is closed.
func (c *Client) reconnect() {
	delay := reconnectDelay

	for {
		select {
		case <-c.done:
			return
		default:
		}

		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := c.Connect(ctx)
		cancel()

		if err == nil {
			c.logger.Info("reconnected", slog.String("url", c.wsURL))
			return
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

package zeitgeist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derbylabs/derbybot/internal/domain"
)

// newMockNode runs a scripted JSON-RPC node. The handler receives each parsed
// request and a reply function; subscription pushes go through notify.
func newMockNode(t *testing.T, handle func(req rpcRequest, reply func(result any, rpcErr *rpcError), notify func(subID string, result any))) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()

		write := func(v any) {
			data, err := json.Marshal(v)
			require.NoError(t, err)
			_ = conn.WriteMessage(websocket.TextMessage, data)
		}

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req rpcRequest
			require.NoError(t, json.Unmarshal(msg, &req))

			reply := func(result any, rpcErr *rpcError) {
				raw, err := json.Marshal(result)
				require.NoError(t, err)
				write(map[string]any{
					"jsonrpc": "2.0",
					"id":      req.ID,
					"result":  json.RawMessage(raw),
					"error":   rpcErr,
				})
			}
			notify := func(subID string, result any) {
				raw, err := json.Marshal(result)
				require.NoError(t, err)
				write(map[string]any{
					"jsonrpc": "2.0",
					"method":  "subscription",
					"params": map[string]any{
						"subscription": subID,
						"result":       json.RawMessage(raw),
					},
				})
			}
			handle(req, reply, notify)
		}
	}))
}

func connect(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	url := strings.Replace(server.URL, "http://", "ws://", 1)
	c := NewClient(url, slog.Default())
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestReadCalls(t *testing.T) {
	server := newMockNode(t, func(req rpcRequest, reply func(any, *rpcError), _ func(string, any)) {
		switch req.Method {
		case "system_accountBalance":
			reply(balancePayload{Free: "5000000000000"}, nil)
		case "tokens_accountBalance":
			reply(balancePayload{Free: "25000000000"}, nil)
		case "chain_latestHead":
			reply(headPayload{Number: 42, Timestamp: 1_700_000_000_000}, nil)
		case "predictionMarkets_marketInfo":
			reply(marketPayload{
				ID:           7,
				Slug:         "derby-7",
				Categories:   []string{"X", "Y"},
				EndTimestamp: 5_000_000,
				Status:       "Active",
			}, nil)
		case "predictionMarkets_disputes":
			reply([]disputePayload{{By: "acct", Outcome: 1, At: 900}}, nil)
		case "swaps_poolInfo":
			reply(poolPayload{
				ID:      3,
				Address: "pool-acct",
				Assets: []assetPayload{
					{Name: "X", PoolAssetID: "tok-x"},
					{Name: "ztg", PoolAssetID: "tok-ztg"},
				},
				Weights: map[string]string{"tok-x": "25", "tok-ztg": "25"},
				SwapFee: "0",
			}, nil)
		default:
			reply(nil, &rpcError{Code: -32601, Message: "method not found"})
		}
	})
	defer server.Close()

	c := connect(t, server)
	ctx := context.Background()

	bal, err := c.ReadBaseBalance(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, "5000000000000", bal.String())

	tok, err := c.ReadTokenBalance(ctx, "acct", "tok-x")
	require.NoError(t, err)
	assert.Equal(t, "25000000000", tok.String())

	ts, err := c.BlockTimestamp(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_000_000), ts)

	m, err := c.ReadMarket(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "derby-7", m.Slug)
	assert.Equal(t, domain.MarketStatusActive, m.Status)

	disputes, err := c.ReadDisputes(ctx, 7)
	require.NoError(t, err)
	require.Len(t, disputes, 1)
	assert.Equal(t, 1, disputes[0].Outcome)

	pool, err := c.ReadPoolMetadata(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "pool-acct", pool.Address)
	w, ok := pool.Weight(domain.Asset{Name: "X", PoolAssetID: "tok-x"})
	require.True(t, ok)
	assert.Equal(t, "25", w.String())
}

func TestPoolNotFound(t *testing.T) {
	server := newMockNode(t, func(req rpcRequest, reply func(any, *rpcError), _ func(string, any)) {
		reply(nil, nil)
	})
	defer server.Close()

	c := connect(t, server)
	_, err := c.ReadPoolMetadata(context.Background(), 99)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCallErrorsSurface(t *testing.T) {
	server := newMockNode(t, func(req rpcRequest, reply func(any, *rpcError), _ func(string, any)) {
		reply(nil, &rpcError{Code: 4003, Message: "storage query failed"})
	})
	defer server.Close()

	c := connect(t, server)
	_, err := c.ReadMarket(context.Background(), 7)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage query failed")
}

func TestSubscribeBlocks(t *testing.T) {
	server := newMockNode(t, func(req rpcRequest, reply func(any, *rpcError), notify func(string, any)) {
		switch req.Method {
		case "chain_subscribeNewHeads":
			reply("sub-1", nil)
			notify("sub-1", headPayload{Number: 1, Timestamp: 1000})
			notify("sub-1", headPayload{Number: 2, Timestamp: 2000})
		case "chain_unsubscribeNewHeads":
			reply(true, nil)
		}
	})
	defer server.Close()

	c := connect(t, server)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	heads, err := c.SubscribeBlocks(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(1000), <-heads)
	assert.Equal(t, int64(2000), <-heads)

	cancel()
	select {
	case _, ok := <-heads:
		assert.False(t, ok, "channel must close on cancel")
	case <-time.After(time.Second):
		t.Fatal("channel never closed")
	}
}

func TestSubmitSwap(t *testing.T) {
	received := make(chan swapParams, 1)
	server := newMockNode(t, func(req rpcRequest, reply func(any, *rpcError), notify func(string, any)) {
		switch req.Method {
		case "swaps_submitAndWatch":
			raw, err := json.Marshal(req.Params[0])
			require.NoError(t, err)
			var params swapParams
			require.NoError(t, json.Unmarshal(raw, &params))
			received <- params

			reply("sub-9", nil)
			notify("sub-9", swapStatusPayload{Status: "broadcast"})
			notify("sub-9", swapStatusPayload{Status: "success"})
		case "swaps_unwatch":
			reply(true, nil)
		}
	})
	defer server.Close()

	c := connect(t, server)
	intent := domain.SwapIntent{
		ID:           "intent-1",
		MarketID:     7,
		PoolID:       3,
		Account:      "acct",
		AssetIn:      domain.Asset{Name: "ztg", PoolAssetID: "tok-ztg"},
		AmountIn:     domain.ZTG.Mul(decimal.NewFromInt(10)),
		AssetOut:     domain.Asset{Name: "X", PoolAssetID: "tok-x"},
		MinAmountOut: domain.ZTG.Mul(decimal.NewFromInt(9)),
		MaxPrice:     domain.ZTG,
	}

	events, err := c.SubmitSwap(context.Background(), intent)
	require.NoError(t, err)

	params := <-received
	assert.Equal(t, "intent-1", params.IntentID)
	assert.Equal(t, "tok-ztg", params.AssetIn)
	assert.Equal(t, "100000000000", params.AmountIn)

	first := <-events
	assert.Equal(t, domain.TradeBroadcast, first.Status)

	second := <-events
	assert.Equal(t, domain.TradeSuccess, second.Status)
	assert.Equal(t, "intent-1", second.IntentID)

	select {
	case _, ok := <-events:
		assert.False(t, ok, "channel must close after the terminal event")
	case <-time.After(time.Second):
		t.Fatal("channel never closed")
	}
}

func TestConcurrentCalls(t *testing.T) {
	server := newMockNode(t, func(req rpcRequest, reply func(any, *rpcError), _ func(string, any)) {
		account, ok := req.Params[0].(string)
		if !ok {
			reply(nil, &rpcError{Code: -32602, Message: "bad params"})
			return
		}
		reply(balancePayload{Free: fmt.Sprintf("%s000", strings.TrimPrefix(account, "acct-"))}, nil)
	})
	defer server.Close()

	c := connect(t, server)
	ctx := context.Background()

	done := make(chan error, 10)
	for i := range 10 {
		go func() {
			bal, err := c.ReadBaseBalance(ctx, fmt.Sprintf("acct-%d", i+1))
			if err == nil && bal.String() != fmt.Sprintf("%d000", i+1) {
				err = fmt.Errorf("wrong balance %s for account %d", bal, i+1)
			}
			done <- err
		}()
	}
	for range 10 {
		assert.NoError(t, <-done)
	}
}

package adapters

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ducminhle1904/trade-execution-core/internal/exchange"
	"github.com/ducminhle1904/trade-execution-core/pkg/types"
)

var paperClock = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

func newConnectedPaper(t *testing.T) *PaperAdapter {
	t.Helper()
	p := NewPaperAdapter("paper", exchange.PaperConfig{StartingBalance: 1000, FeeRate: 0.001, FillOnSubmit: true}, paperClock)
	ok, err := p.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	return p
}

// TestPaperAdapter_MarketOrderFillsAtMark tests that market orders fill through the fill callback
func TestPaperAdapter_MarketOrderFillsAtMark(t *testing.T) {
	p := newConnectedPaper(t)
	p.SetMark("BTCUSDT", 100)

	var fills []types.Fill
	p.SubscribeFills(func(f types.Fill) { fills = append(fills, f) })

	accepted, err := p.SubmitOrder(context.Background(), types.Order{
		ID: "o-1", Instrument: "BTCUSDT", Side: types.SideBuy, Quantity: 2, Type: types.OrderTypeMarket,
	})
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusSubmitted, accepted.Status)
	assert.NotEmpty(t, accepted.VenueOrderID)

	require.Len(t, fills, 1)
	assert.Equal(t, "o-1", fills[0].OrderID)
	assert.Equal(t, 100.0, fills[0].Price)
	assert.Equal(t, 2.0, fills[0].Quantity)
	assert.InDelta(t, 0.2, fills[0].Fee, 1e-12)

	status, err := p.GetOrderStatus(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusFilled, status.Status)

	positions, err := p.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, types.DirectionLong, positions[0].Side)
	assert.Equal(t, 2.0, positions[0].Quantity)
}

// TestPaperAdapter_RealizesPnLOnClose tests that closing a position moves the balance
func TestPaperAdapter_RealizesPnLOnClose(t *testing.T) {
	p := NewPaperAdapter("paper", exchange.PaperConfig{StartingBalance: 1000, FillOnSubmit: true}, paperClock)
	_, err := p.Connect(context.Background())
	require.NoError(t, err)

	p.SetMark("ETHUSDT", 10)
	_, err = p.SubmitOrder(context.Background(), types.Order{ID: "a", Instrument: "ETHUSDT", Side: types.SideSell, Quantity: 5, Type: types.OrderTypeMarket})
	require.NoError(t, err)

	p.SetMark("ETHUSDT", 8)
	_, err = p.SubmitOrder(context.Background(), types.Order{ID: "b", Instrument: "ETHUSDT", Side: types.SideBuy, Quantity: 5, Type: types.OrderTypeMarket})
	require.NoError(t, err)

	balance, err := p.GetAccountBalance(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 1010.0, balance, 1e-9)

	positions, err := p.GetPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)
}

// TestPaperAdapter_LimitOrderRestsUntilCrossed tests resting limit orders
func TestPaperAdapter_LimitOrderRestsUntilCrossed(t *testing.T) {
	p := newConnectedPaper(t)
	p.SetMark("BTCUSDT", 100)

	var fills []types.Fill
	p.SubscribeFills(func(f types.Fill) { fills = append(fills, f) })

	_, err := p.SubmitOrder(context.Background(), types.Order{
		ID: "l-1", Instrument: "BTCUSDT", Side: types.SideBuy, Quantity: 1, Type: types.OrderTypeLimit, LimitPrice: 95,
	})
	require.NoError(t, err)
	assert.Empty(t, fills)

	ok, err := p.ModifyOrder(context.Background(), "l-1", 0, 97)
	require.NoError(t, err)
	assert.True(t, ok)

	p.SetMark("BTCUSDT", 96)
	require.Len(t, fills, 1)
	assert.Equal(t, 97.0, fills[0].Price)

	ok, err = p.CancelOrder(context.Background(), "l-1")
	require.NoError(t, err)
	assert.False(t, ok, "filled order cannot be cancelled")
}

// TestPaperAdapter_ScriptedFailures tests failure injection and call counting
func TestPaperAdapter_ScriptedFailures(t *testing.T) {
	p := newConnectedPaper(t)
	p.SetMark("BTCUSDT", 100)
	p.FailNext(MethodSubmitOrder, exchange.ErrTimeout, exchange.ErrRateLimitExceeded)

	order := types.Order{ID: "o", Instrument: "BTCUSDT", Side: types.SideBuy, Quantity: 1, Type: types.OrderTypeMarket}

	_, err := p.SubmitOrder(context.Background(), order)
	assert.ErrorIs(t, err, exchange.ErrTimeout)
	_, err = p.SubmitOrder(context.Background(), order)
	assert.ErrorIs(t, err, exchange.ErrRateLimitExceeded)
	_, err = p.SubmitOrder(context.Background(), order)
	assert.NoError(t, err)

	assert.Equal(t, 3, p.Calls(MethodSubmitOrder))
}

// TestPaperAdapter_RequiresConnection tests calls before Connect
func TestPaperAdapter_RequiresConnection(t *testing.T) {
	p := NewPaperAdapter("", exchange.PaperConfig{}, nil)
	assert.Equal(t, "paper", p.Name())

	_, err := p.GetAccountBalance(context.Background())
	assert.ErrorIs(t, err, exchange.ErrNotConnected)

	_, err = p.GetOrderStatus(context.Background(), "missing")
	assert.Error(t, err)
}

// TestPaperAdapter_RejectsUnknownInstrument tests market orders without a mark price
func TestPaperAdapter_RejectsUnknownInstrument(t *testing.T) {
	p := newConnectedPaper(t)
	_, err := p.SubmitOrder(context.Background(), types.Order{ID: "x", Instrument: "NOPE", Side: types.SideBuy, Quantity: 1, Type: types.OrderTypeMarket})
	require.Error(t, err)

	var exErr *exchange.ExchangeError
	require.ErrorAs(t, err, &exErr)
	assert.Equal(t, "INVALID_SYMBOL", exErr.Code)
	assert.False(t, exErr.IsTransient())
}

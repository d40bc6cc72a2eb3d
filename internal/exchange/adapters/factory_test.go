package adapters

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ducminhle1904/trade-execution-core/internal/exchange"
	"github.com/ducminhle1904/trade-execution-core/internal/exchange/bybit"
	"github.com/ducminhle1904/trade-execution-core/internal/logger"
	"github.com/ducminhle1904/trade-execution-core/pkg/types"
)

func TestFactory_CreateAdapter(t *testing.T) {
	f := NewFactory(logger.Nop(), nil)

	tests := []struct {
		name     string
		config   exchange.VenueConfig
		wantName string
		wantCode string
	}{
		{name: "paper defaults", config: exchange.VenueConfig{Name: "paper"}, wantName: "paper"},
		{name: "bybit", config: exchange.VenueConfig{Name: "Bybit", Bybit: &exchange.BybitConfig{APIKey: "k", APISecret: "s", Testnet: true}}, wantName: "bybit"},
		{name: "bybit missing secret", config: exchange.VenueConfig{Name: "bybit", Bybit: &exchange.BybitConfig{APIKey: "k"}}, wantCode: "MISSING_API_SECRET"},
		{name: "bybit testnet and demo", config: exchange.VenueConfig{Name: "bybit", Bybit: &exchange.BybitConfig{APIKey: "k", APISecret: "s", Testnet: true, Demo: true}}, wantCode: "INVALID_ENVIRONMENT_CONFIG"},
		{name: "unknown venue", config: exchange.VenueConfig{Name: "kraken"}, wantCode: "UNSUPPORTED_EXCHANGE"},
		{name: "empty name", config: exchange.VenueConfig{}, wantCode: "MISSING_EXCHANGE_NAME"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter, err := f.CreateAdapter(tt.config)
			if tt.wantCode != "" {
				var exErr *exchange.ExchangeError
				require.ErrorAs(t, err, &exErr)
				assert.Equal(t, tt.wantCode, exErr.Code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, adapter.Name())
		})
	}
}

// TestFactory_DryRunUsesPaper tests that dry run swaps live venues for paper ones
func TestFactory_DryRunUsesPaper(t *testing.T) {
	f := NewFactory(logger.Nop(), time.Now)
	adapters, err := f.CreateAdapters([]exchange.VenueConfig{
		{Name: "bybit", Bybit: &exchange.BybitConfig{APIKey: "k", APISecret: "s"}},
	}, true)
	require.NoError(t, err)
	require.Contains(t, adapters, "bybit")
	_, isPaper := adapters["bybit"].(*PaperAdapter)
	assert.True(t, isPaper)
}

func TestFactory_DuplicateVenue(t *testing.T) {
	f := NewFactory(logger.Nop(), nil)
	_, err := f.CreateAdapters([]exchange.VenueConfig{{Name: "paper"}, {Name: "paper"}}, false)
	assert.Error(t, err)
}

func TestConvertOrderStatus(t *testing.T) {
	tests := []struct {
		in   bybit.OrderStatus
		want types.OrderStatus
	}{
		{bybit.OrderStatusNew, types.OrderStatusSubmitted},
		{bybit.OrderStatusCreated, types.OrderStatusSubmitted},
		{bybit.OrderStatusPartiallyFilled, types.OrderStatusPartiallyFilled},
		{bybit.OrderStatusFilled, types.OrderStatusFilled},
		{bybit.OrderStatusCancelled, types.OrderStatusCancelled},
		{bybit.OrderStatusPartiallyFilledCanceled, types.OrderStatusCancelled},
		{bybit.OrderStatusDeactivated, types.OrderStatusCancelled},
		{bybit.OrderStatusRejected, types.OrderStatusRejected},
	}
	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
			assert.Equal(t, tt.want, convertOrderStatus(tt.in))
		})
	}
}

// TestBybitAdapter_ConvertError tests that retryability survives error mapping
func TestBybitAdapter_ConvertError(t *testing.T) {
	a, err := NewBybitAdapter(&exchange.BybitConfig{APIKey: "k", APISecret: "s"}, logger.Nop())
	require.NoError(t, err)

	tests := []struct {
		name      string
		err       error
		wantCode  string
		transient bool
	}{
		{"auth", bybit.NewBybitError(bybit.ErrCodeInvalidAPIKey, "bad key"), "AUTHENTICATION_FAILED", false},
		{"balance", bybit.NewBybitError(bybit.ErrCodeInsufficientBalance, "no funds"), "INSUFFICIENT_BALANCE", false},
		{"rate limit", bybit.NewBybitError(bybit.ErrCodeRateLimitExceeded, "slow down"), "RATE_LIMIT_EXCEEDED", true},
		{"busy", bybit.NewBybitError(bybit.ErrCodeSystemBusy, "busy"), "BYBIT_10016", true},
		{"quantity", bybit.NewBybitError(bybit.ErrCodeInvalidQuantity, "too small"), "ORDER_SIZE_TOO_SMALL", false},
		{"transport", errors.New("dial tcp: connection refused"), "CONNECTION_FAILED", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var exErr *exchange.ExchangeError
			require.ErrorAs(t, a.convertError(tt.err), &exErr)
			assert.Equal(t, tt.wantCode, exErr.Code)
			assert.Equal(t, tt.transient, exErr.IsTransient())
		})
	}
}

func TestBybitAdapter_ExecutionMapsToClientOrder(t *testing.T) {
	a, err := NewBybitAdapter(&exchange.BybitConfig{APIKey: "k", APISecret: "s"}, logger.Nop())
	require.NoError(t, err)

	var got []types.Fill
	a.SubscribeFills(func(f types.Fill) { got = append(got, f) })
	a.byVenue["venue-1"] = "client-1"

	a.onExecution(bybit.Execution{OrderID: "venue-1", ExecID: "e1", ExecPrice: 10, ExecQty: 2, ExecFee: 0.01})
	a.onExecution(bybit.Execution{OrderID: "venue-2", OrderLinkID: "client-2", ExecID: "e2", ExecPrice: 11, ExecQty: 1})
	a.onExecution(bybit.Execution{OrderID: "foreign", ExecID: "e3"})

	require.Len(t, got, 2)
	assert.Equal(t, "client-1", got[0].OrderID)
	assert.Equal(t, "e1", got[0].ID)
	assert.Equal(t, "client-2", got[1].OrderID)
}

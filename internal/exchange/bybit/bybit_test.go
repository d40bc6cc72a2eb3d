package bybit

import (
	"testing"
	"time"

	bybit_api "github.com/bybit-exchange/bybit.go.api"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExecutionMessage(t *testing.T) {
	t.Run("execution push", func(t *testing.T) {
		msg := []byte(`{"topic":"execution","data":[{"symbol":"BTCUSDT","orderId":"v1","orderLinkId":"c1","execId":"e1","side":"Buy","execPrice":"50000.5","execQty":"0.01","execFee":"0.3","leavesQty":"0","execTime":"1709294400000"}]}`)
		execs, err := ParseExecutionMessage(msg)
		require.NoError(t, err)
		require.Len(t, execs, 1)

		e := execs[0]
		assert.Equal(t, "c1", e.OrderLinkID)
		assert.Equal(t, OrderSideBuy, e.Side)
		assert.Equal(t, 50000.5, e.ExecPrice)
		assert.Equal(t, 0.01, e.ExecQty)
		assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), e.ExecTime)
	})

	t.Run("control frames", func(t *testing.T) {
		for _, msg := range []string{
			`{"op":"auth","success":true}`,
			`{"op":"pong"}`,
			`{"topic":"order","data":[]}`,
		} {
			execs, err := ParseExecutionMessage([]byte(msg))
			assert.NoError(t, err)
			assert.Empty(t, execs)
		}
	})

	t.Run("auth failure", func(t *testing.T) {
		_, err := ParseExecutionMessage([]byte(`{"op":"auth","success":false,"ret_msg":"invalid signature"}`))
		assert.True(t, IsAuthenticationError(err))
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := ParseExecutionMessage([]byte(`not json`))
		assert.Error(t, err)
	})
}

func TestSignStream(t *testing.T) {
	a := signStream("secret", 1700000000000)
	b := signStream("secret", 1700000000000)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, signStream("other", 1700000000000))
}

func TestInstrumentInfo_FormatQuantity(t *testing.T) {
	info := &InstrumentInfo{
		Symbol:      "BTCUSDT",
		MinOrderQty: decimal.RequireFromString("0.001"),
		MaxOrderQty: decimal.RequireFromString("100"),
		QtyStep:     decimal.RequireFromString("0.001"),
		TickSize:    decimal.RequireFromString("0.10"),
	}

	tests := []struct {
		name    string
		qty     float64
		want    string
		wantErr bool
	}{
		{name: "floors to step", qty: 0.0129, want: "0.012"},
		{name: "exact", qty: 1.5, want: "1.5"},
		{name: "capped at max", qty: 250, want: "100"},
		{name: "below minimum", qty: 0.0004, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := info.FormatQuantity(tt.qty)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, "50000.1", info.FormatPrice(50000.12))
}

func TestDecodeResult(t *testing.T) {
	var out struct {
		OrderID string `json:"orderId"`
	}

	err := decodeResult(&bybit_api.ServerResponse{RetCode: 0, Result: map[string]interface{}{"orderId": "abc"}}, &out)
	require.NoError(t, err)
	assert.Equal(t, "abc", out.OrderID)

	err = decodeResult(&bybit_api.ServerResponse{RetCode: ErrCodeRateLimitExceeded, RetMsg: "too many"}, &out)
	require.Error(t, err)
	assert.True(t, IsRetryableError(err))

	err = decodeResult("unexpected", &out)
	assert.Error(t, err)
}

func TestBybitError_IsTransient(t *testing.T) {
	assert.True(t, NewBybitError(ErrCodeServerTimeout, "x").IsTransient())
	assert.True(t, NewBybitError(503, "x").IsTransient())
	assert.False(t, NewBybitError(ErrCodeInsufficientBalance, "x").IsTransient())
	assert.False(t, NewBybitError(ErrCodeInvalidSignature, "x").IsTransient())
}

package bybit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// InstrumentInfo holds the lot and price filters of a trading instrument
type InstrumentInfo struct {
	Symbol      string
	Status      string
	MinOrderQty decimal.Decimal
	MaxOrderQty decimal.Decimal
	QtyStep     decimal.Decimal
	TickSize    decimal.Decimal
	MinNotional decimal.Decimal
	fetchedAt   time.Time
}

// InstrumentManager caches instrument filters and formats order fields to them
type InstrumentManager struct {
	client         *Client
	instruments    map[string]*InstrumentInfo
	mutex          sync.RWMutex
	updateInterval time.Duration
}

// NewInstrumentManager creates a new instrument manager
func NewInstrumentManager(client *Client) *InstrumentManager {
	return &InstrumentManager{
		client:         client,
		instruments:    make(map[string]*InstrumentInfo),
		updateInterval: time.Hour,
	}
}

// GetInstrumentInfo retrieves and caches instrument information
func (im *InstrumentManager) GetInstrumentInfo(ctx context.Context, symbol string) (*InstrumentInfo, error) {
	im.mutex.RLock()
	if instrument, exists := im.instruments[symbol]; exists && time.Since(instrument.fetchedAt) < im.updateInterval {
		im.mutex.RUnlock()
		return instrument, nil
	}
	im.mutex.RUnlock()

	instrument, err := im.fetchInstrumentInfo(ctx, symbol)
	if err != nil {
		return nil, err
	}

	im.mutex.Lock()
	im.instruments[symbol] = instrument
	im.mutex.Unlock()

	return instrument, nil
}

// Put seeds the cache, used when filters are known up front
func (im *InstrumentManager) Put(info *InstrumentInfo) {
	im.mutex.Lock()
	defer im.mutex.Unlock()
	if info.fetchedAt.IsZero() {
		info.fetchedAt = time.Now()
	}
	im.instruments[info.Symbol] = info
}

func (im *InstrumentManager) fetchInstrumentInfo(ctx context.Context, symbol string) (*InstrumentInfo, error) {
	params := map[string]interface{}{
		"category": im.client.category,
		"symbol":   symbol,
	}

	result, err := im.client.httpClient.NewUtaBybitServiceWithParams(params).GetInstrumentInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch instrument info: %w", err)
	}

	var instrumentResult struct {
		List []struct {
			Symbol      string `json:"symbol"`
			Status      string `json:"status"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			LotSizeFilter struct {
				MinNotionalValue string `json:"minNotionalValue"`
				MinOrderAmt      string `json:"minOrderAmt"`
				MaxOrderQty      string `json:"maxOrderQty"`
				MinOrderQty      string `json:"minOrderQty"`
				QtyStep          string `json:"qtyStep"`
				BasePrecision    string `json:"basePrecision"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}
	if err := decodeResult(result, &instrumentResult); err != nil {
		return nil, err
	}

	for _, item := range instrumentResult.List {
		if item.Symbol != symbol {
			continue
		}
		step := item.LotSizeFilter.QtyStep
		if step == "" {
			// spot instruments publish basePrecision instead of qtyStep
			step = item.LotSizeFilter.BasePrecision
		}
		minNotional := item.LotSizeFilter.MinNotionalValue
		if minNotional == "" {
			minNotional = item.LotSizeFilter.MinOrderAmt
		}
		return &InstrumentInfo{
			Symbol:      item.Symbol,
			Status:      item.Status,
			MinOrderQty: parseDecimal(item.LotSizeFilter.MinOrderQty),
			MaxOrderQty: parseDecimal(item.LotSizeFilter.MaxOrderQty),
			QtyStep:     parseDecimal(step),
			TickSize:    parseDecimal(item.PriceFilter.TickSize),
			MinNotional: parseDecimal(minNotional),
			fetchedAt:   time.Now(),
		}, nil
	}

	return nil, NewBybitError(ErrCodeSymbolNotFound, "instrument not found", symbol)
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// FormatQuantity floors qty to the instrument's step and checks the lot filter
func (info *InstrumentInfo) FormatQuantity(qty float64) (string, error) {
	q := decimal.NewFromFloat(qty)
	if info.QtyStep.IsPositive() {
		q = q.Div(info.QtyStep).Floor().Mul(info.QtyStep)
	}
	if info.MinOrderQty.IsPositive() && q.LessThan(info.MinOrderQty) {
		return "", NewBybitError(ErrCodeInvalidQuantity, "quantity below minimum",
			fmt.Sprintf("%s < %s", q.String(), info.MinOrderQty.String()))
	}
	if info.MaxOrderQty.IsPositive() && q.GreaterThan(info.MaxOrderQty) {
		q = info.MaxOrderQty
	}
	return q.String(), nil
}

// FormatPrice rounds price to the instrument's tick size
func (info *InstrumentInfo) FormatPrice(price float64) string {
	p := decimal.NewFromFloat(price)
	if info.TickSize.IsPositive() {
		p = p.Div(info.TickSize).Round(0).Mul(info.TickSize)
	}
	return p.String()
}

package adapters

import (
	"fmt"
	"strings"
	"time"

	"github.com/ducminhle1904/trade-execution-core/internal/exchange"
	"github.com/ducminhle1904/trade-execution-core/internal/logger"
)

// Factory creates venue adapters based on configuration
type Factory struct {
	log *logger.Logger
	now func() time.Time
}

// NewFactory creates a new adapter factory. now drives paper venue timestamps.
func NewFactory(log *logger.Logger, now func() time.Time) *Factory {
	if now == nil {
		now = time.Now
	}
	return &Factory{log: log, now: now}
}

// CreateAdapter builds the adapter for one venue
func (f *Factory) CreateAdapter(config exchange.VenueConfig) (exchange.BrokerAdapter, error) {
	if err := exchange.ValidateVenueConfig(config); err != nil {
		return nil, err
	}

	switch strings.ToLower(strings.TrimSpace(config.Name)) {
	case "bybit":
		adapter, err := NewBybitAdapter(config.Bybit, f.log)
		if err != nil {
			return nil, &exchange.ExchangeError{
				Code:    "ADAPTER_CREATION_FAILED",
				Message: "Failed to create Bybit adapter",
				Details: err.Error(),
			}
		}
		return adapter, nil
	case "paper":
		paper := exchange.PaperConfig{StartingBalance: 10000, FeeRate: 0.001, FillOnSubmit: true}
		if config.Paper != nil {
			paper = *config.Paper
		}
		return NewPaperAdapter("paper", paper, f.now), nil
	}

	return nil, &exchange.ExchangeError{
		Code:    "UNSUPPORTED_EXCHANGE",
		Message: fmt.Sprintf("Exchange '%s' is not supported", config.Name),
	}
}

// CreateAdapters builds every configured venue, keyed by adapter name.
// dryRun replaces live venues with paper venues of the same name.
func (f *Factory) CreateAdapters(configs []exchange.VenueConfig, dryRun bool) (map[string]exchange.BrokerAdapter, error) {
	out := make(map[string]exchange.BrokerAdapter, len(configs))
	for _, cfg := range configs {
		if dryRun && !strings.EqualFold(cfg.Name, "paper") {
			name := strings.ToLower(cfg.Name)
			paper := exchange.PaperConfig{StartingBalance: 10000, FeeRate: 0.001, FillOnSubmit: true}
			if cfg.Paper != nil {
				paper = *cfg.Paper
			}
			out[name] = NewPaperAdapter(name, paper, f.now)
			f.log.Info("dry run: venue %s replaced by paper adapter", name)
			continue
		}

		adapter, err := f.CreateAdapter(cfg)
		if err != nil {
			return nil, fmt.Errorf("venue %s: %w", cfg.Name, err)
		}
		if _, dup := out[adapter.Name()]; dup {
			return nil, fmt.Errorf("venue %s configured twice", adapter.Name())
		}
		out[adapter.Name()] = adapter
	}
	return out, nil
}

// VenueCapabilities represents what features each venue supports
type VenueCapabilities struct {
	LimitOrders  bool `json:"limit_orders"`
	ModifyOrders bool `json:"modify_orders"`
	FillStream   bool `json:"fill_stream"`
	DemoMode     bool `json:"demo_mode"`
	TestnetMode  bool `json:"testnet_mode"`
}

// GetVenueCapabilities returns the capabilities of a venue kind
func (f *Factory) GetVenueCapabilities(name string) (*VenueCapabilities, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "bybit":
		return &VenueCapabilities{
			LimitOrders:  true,
			ModifyOrders: true,
			FillStream:   true,
			DemoMode:     true,
			TestnetMode:  true,
		}, nil
	case "paper":
		return &VenueCapabilities{
			LimitOrders:  true,
			ModifyOrders: true,
			FillStream:   true,
		}, nil
	default:
		return nil, &exchange.ExchangeError{
			Code:    "UNSUPPORTED_EXCHANGE",
			Message: fmt.Sprintf("Exchange '%s' is not supported", name),
		}
	}
}

package exchange

import (
	"fmt"
	"strings"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

// VenueConfig describes one venue the engine can route to
type VenueConfig struct {
	Name  string       `yaml:"name" json:"name" validate:"required,oneof=bybit paper"`
	Bybit *BybitConfig `yaml:"bybit,omitempty" json:"bybit,omitempty"`
	Paper *PaperConfig `yaml:"paper,omitempty" json:"paper,omitempty"`
}

// BybitConfig holds Bybit-specific configuration
type BybitConfig struct {
	APIKey     string `yaml:"api_key" json:"api_key"`
	APISecret  string `yaml:"api_secret" json:"api_secret"`
	Testnet    bool   `yaml:"testnet" json:"testnet"`
	Demo       bool   `yaml:"demo" json:"demo"`
	Category   string `yaml:"category" json:"category" default:"linear"`
	SettleCoin string `yaml:"settle_coin" json:"settle_coin" default:"USDT"`
	Stream     bool   `yaml:"stream" json:"stream" default:"true"`
}

// PaperConfig holds the in-memory venue settings
type PaperConfig struct {
	StartingBalance float64 `yaml:"starting_balance" json:"starting_balance" default:"10000"`
	FeeRate         float64 `yaml:"fee_rate" json:"fee_rate" default:"0.001"`
	FillOnSubmit    bool    `yaml:"fill_on_submit" json:"fill_on_submit" default:"true"`
}

// UnmarshalYAML applies tag defaults before decoding so omitted keys keep them
func (c *BybitConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain BybitConfig
	p := plain{}
	if err := defaults.Set(&p); err != nil {
		return err
	}
	if err := node.Decode(&p); err != nil {
		return err
	}
	*c = BybitConfig(p)
	return nil
}

// UnmarshalYAML applies tag defaults before decoding so omitted keys keep them
func (c *PaperConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain PaperConfig
	p := plain{}
	if err := defaults.Set(&p); err != nil {
		return err
	}
	if err := node.Decode(&p); err != nil {
		return err
	}
	*c = PaperConfig(p)
	return nil
}

// SupportedVenues lists the adapter kinds the factory can build
func SupportedVenues() []string {
	return []string{"bybit", "paper"}
}

// ValidateVenueConfig checks that the venue section is complete
func ValidateVenueConfig(config VenueConfig) error {
	name := strings.ToLower(strings.TrimSpace(config.Name))
	if name == "" {
		return &ExchangeError{
			Code:    "MISSING_EXCHANGE_NAME",
			Message: "Exchange name is required",
		}
	}

	switch name {
	case "bybit":
		return validateBybitConfig(config.Bybit)
	case "paper":
		return nil
	default:
		return &ExchangeError{
			Code:    "UNSUPPORTED_EXCHANGE",
			Message: fmt.Sprintf("Exchange '%s' is not supported", config.Name),
			Details: fmt.Sprintf("Supported exchanges: %v", SupportedVenues()),
		}
	}
}

func validateBybitConfig(config *BybitConfig) error {
	if config == nil {
		return &ExchangeError{
			Code:    "MISSING_BYBIT_CONFIG",
			Message: "Bybit configuration is required",
		}
	}

	if config.APIKey == "" {
		return &ExchangeError{
			Code:    "MISSING_API_KEY",
			Message: "Bybit API key is required",
			Details: "Set BYBIT_API_KEY environment variable or provide in config",
		}
	}

	if config.APISecret == "" {
		return &ExchangeError{
			Code:    "MISSING_API_SECRET",
			Message: "Bybit API secret is required",
			Details: "Set BYBIT_API_SECRET environment variable or provide in config",
		}
	}

	if config.Testnet && config.Demo {
		return &ExchangeError{
			Code:    "INVALID_ENVIRONMENT_CONFIG",
			Message: "Cannot use both testnet and demo mode simultaneously",
			Details: "Choose either testnet OR demo mode, not both",
		}
	}

	return nil
}

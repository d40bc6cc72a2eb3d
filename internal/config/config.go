package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	boterrors "github.com/ducminhle1904/trade-execution-core/internal/errors"
	"github.com/ducminhle1904/trade-execution-core/internal/exchange"
	"github.com/ducminhle1904/trade-execution-core/internal/logger"
	"github.com/ducminhle1904/trade-execution-core/internal/oms"
	"github.com/ducminhle1904/trade-execution-core/internal/orchestrator"
	"github.com/ducminhle1904/trade-execution-core/internal/portfolio"
	"github.com/ducminhle1904/trade-execution-core/internal/resiliency"
	"github.com/ducminhle1904/trade-execution-core/internal/risk"
	"github.com/ducminhle1904/trade-execution-core/internal/signal"
	"github.com/ducminhle1904/trade-execution-core/internal/sizing"
)

// Environment variables read for venue secrets
const (
	EnvBybitAPIKey    = "BYBIT_API_KEY"
	EnvBybitAPISecret = "BYBIT_API_SECRET"
)

// EngineConfig controls the event loop and its periodic jobs
type EngineConfig struct {
	Session       string        `yaml:"session" json:"session" default:"execution-core" validate:"required"`
	InitialEquity float64       `yaml:"initial_equity" json:"initial_equity" default:"10000" validate:"gt=0"`
	CycleInterval time.Duration `yaml:"cycle_interval" json:"cycle_interval" default:"100ms" validate:"gt=0"`
	// TimeoutCheckInterval is how often open orders are checked against the order timeout
	TimeoutCheckInterval time.Duration `yaml:"timeout_check_interval" json:"timeout_check_interval" default:"1s" validate:"gt=0"`
	ReconcileInterval    time.Duration `yaml:"reconcile_interval" json:"reconcile_interval" default:"5m" validate:"gte=0"`
	StatusInterval       time.Duration `yaml:"status_interval" json:"status_interval" default:"1m" validate:"gte=0"`
	StateDir             string        `yaml:"state_dir" json:"state_dir" default:"state"`
	// StateMaxAge discards snapshots older than this; 0 resumes any snapshot
	StateMaxAge time.Duration `yaml:"state_max_age" json:"state_max_age" default:"168h" validate:"gte=0"`
	ReportDir   string        `yaml:"report_dir" json:"report_dir" default:"reports"`
	DryRun      bool          `yaml:"dry_run" json:"dry_run"`
}

// MonitoringConfig controls the metrics and health endpoint
type MonitoringConfig struct {
	Addr string `yaml:"addr" json:"addr" default:":9090"`
}

// Config is the complete engine configuration
type Config struct {
	Engine       EngineConfig          `yaml:"engine" json:"engine"`
	Signal       signal.Config         `yaml:"signal" json:"signal"`
	Sizing       sizing.Config         `yaml:"sizing" json:"sizing"`
	Risk         risk.Config           `yaml:"risk" json:"risk"`
	Portfolio    portfolio.Config      `yaml:"portfolio" json:"portfolio"`
	Orchestrator orchestrator.Config   `yaml:"orchestrator" json:"orchestrator"`
	OMS          oms.Config            `yaml:"oms" json:"oms"`
	Resiliency   resiliency.Config     `yaml:"resiliency" json:"resiliency"`
	Venues       []exchange.VenueConfig `yaml:"venues" json:"venues" validate:"dive"`
	Logging      logger.Config         `yaml:"logging" json:"logging"`
	Monitoring   MonitoringConfig      `yaml:"monitoring" json:"monitoring"`
}

// Default returns the configuration with every default applied and a single paper venue
func Default() *Config {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	cfg.fillDerived()
	return cfg
}

// fillDerived sets defaults that struct tags cannot express
func (c *Config) fillDerived() {
	if len(c.Signal.ProfitBands) == 0 {
		c.Signal.ProfitBands = signal.DefaultProfitBands()
	}
	if len(c.Venues) == 0 {
		paper := &exchange.PaperConfig{}
		_ = defaults.Set(paper)
		c.Venues = []exchange.VenueConfig{{Name: "paper", Paper: paper}}
	}
	if c.Orchestrator.DefaultVenue == "" || !c.hasVenue(c.Orchestrator.DefaultVenue) {
		c.Orchestrator.DefaultVenue = strings.ToLower(c.Venues[0].Name)
	}
}

func (c *Config) hasVenue(name string) bool {
	for _, v := range c.Venues {
		if strings.EqualFold(v.Name, name) {
			return true
		}
	}
	return false
}

// Load reads a YAML or JSON file. Defaults are applied before decoding so that
// explicit zero values in the file are kept. Secrets come from the environment.
func Load(path string) (*Config, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" && ext != ".json" {
		return nil, boterrors.NewConfigurationError("config", "load", fmt.Sprintf("unsupported config format %q", ext))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, boterrors.NewConfigurationError("config", "load", fmt.Sprintf("failed to read config file %s: %v", path, err))
	}

	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, boterrors.NewConfigurationError("config", "load", err.Error())
	}
	// JSON is a subset of YAML, so one decoder serves both and durations parse the same way
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, boterrors.NewConfigurationError("config", "load", fmt.Sprintf("failed to parse config file: %v", err))
	}
	cfg.fillDerived()
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv fills venue secrets that the file left empty
func (c *Config) ApplyEnv() {
	key := os.Getenv(EnvBybitAPIKey)
	secret := os.Getenv(EnvBybitAPISecret)
	for i := range c.Venues {
		v := &c.Venues[i]
		if !strings.EqualFold(v.Name, "bybit") {
			continue
		}
		if v.Bybit == nil {
			v.Bybit = &exchange.BybitConfig{}
			_ = defaults.Set(v.Bybit)
		}
		if v.Bybit.APIKey == "" {
			v.Bybit.APIKey = key
		}
		if v.Bybit.APISecret == "" {
			v.Bybit.APISecret = secret
		}
	}
}

// Validate checks struct constraints and venue completeness. Live venue
// credentials are not required in dry-run mode.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed '%s' (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return boterrors.NewConfigurationError("config", "validate", strings.Join(msgs, "; "))
		}
		return boterrors.NewConfigurationError("config", "validate", err.Error())
	}

	seen := map[string]bool{}
	for _, venue := range c.Venues {
		name := strings.ToLower(venue.Name)
		if seen[name] {
			return boterrors.NewConfigurationError("config", "validate", fmt.Sprintf("venue %s configured twice", name))
		}
		seen[name] = true
		if c.Engine.DryRun {
			continue
		}
		if err := exchange.ValidateVenueConfig(venue); err != nil {
			return boterrors.NewConfigurationError("config", "validate", fmt.Sprintf("venue %s: %v", name, err))
		}
	}
	return nil
}

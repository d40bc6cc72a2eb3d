package bot

import (
	"fmt"
	"time"

	"github.com/ducminhle1904/trade-execution-core/internal/config"
	"github.com/ducminhle1904/trade-execution-core/internal/exchange/adapters"
	"github.com/ducminhle1904/trade-execution-core/internal/logger"
	"github.com/ducminhle1904/trade-execution-core/internal/monitoring"
	"github.com/ducminhle1904/trade-execution-core/internal/oms"
	"github.com/ducminhle1904/trade-execution-core/internal/orchestrator"
	"github.com/ducminhle1904/trade-execution-core/internal/portfolio"
	"github.com/ducminhle1904/trade-execution-core/internal/resiliency"
	"github.com/ducminhle1904/trade-execution-core/internal/risk"
	"github.com/ducminhle1904/trade-execution-core/internal/signal"
	"github.com/ducminhle1904/trade-execution-core/internal/sizing"
	"github.com/ducminhle1904/trade-execution-core/internal/state"
	"github.com/ducminhle1904/trade-execution-core/pkg/types"
)

// Build assembles every component of a session from configuration. The state
// directory lock is taken here; Close releases it.
func Build(cfg *config.Config, log *logger.Logger, now func() time.Time) (*Engine, error) {
	if now == nil {
		now = time.Now
	}

	venues, err := adapters.NewFactory(log, now).CreateAdapters(cfg.Venues, cfg.Engine.DryRun)
	if err != nil {
		return nil, fmt.Errorf("failed to create venues: %w", err)
	}

	var store resiliency.DeadLetterStore
	if cfg.Resiliency.DeadLetterPath != "" {
		sqlite, err := resiliency.OpenSQLiteDeadLetterStore(cfg.Resiliency.DeadLetterPath)
		if err != nil {
			return nil, err
		}
		store = sqlite
	}
	res := resiliency.NewManager(cfg.Resiliency, store, log, resiliency.WithClock(now))

	metrics := monitoring.NewMetrics()
	metrics.Attach(res)
	health := monitoring.NewHealthChecker(10*cfg.Engine.CycleInterval+time.Second, metrics.Errors(),
		monitoring.CircuitSource(res.Breakers()))

	riskManager, err := risk.NewManager(cfg.Risk, log, now)
	if err != nil {
		res.Close()
		return nil, err
	}
	portfolioManager := portfolio.NewManager(cfg.Portfolio, log, now)
	orch := orchestrator.New(cfg.Orchestrator,
		signal.NewGenerator(cfg.Signal),
		sizing.NewSizer(cfg.Sizing),
		riskManager, portfolioManager,
		types.NewStrategyState(cfg.Engine.InitialEquity, now()),
		log, now)
	orders := oms.NewManager(cfg.OMS, venues, res, log, now)

	var persistence *state.StatePersistence
	if cfg.Engine.StateDir != "" {
		persistence = state.NewStatePersistence(log, cfg.Engine.StateDir, cfg.Engine.Session, cfg.Engine.StateMaxAge)
		if err := persistence.Initialize(); err != nil {
			res.Close()
			return nil, err
		}
	}

	return NewEngine(Options{
		Session:              cfg.Engine.Session,
		InitialEquity:        cfg.Engine.InitialEquity,
		CycleInterval:        cfg.Engine.CycleInterval,
		TimeoutCheckInterval: cfg.Engine.TimeoutCheckInterval,
		ReconcileInterval:    cfg.Engine.ReconcileInterval,
		StatusInterval:       cfg.Engine.StatusInterval,
	}, Components{
		Orchestrator: orch,
		OMS:          orders,
		Risk:         riskManager,
		Portfolio:    portfolioManager,
		Resiliency:   res,
		Venues:       venues,
		Persistence:  persistence,
		Metrics:      metrics,
		Health:       health,
	}, log, now), nil
}

// Close releases the state lock and the dead-letter store
func (e *Engine) Close() error {
	var firstErr error
	if e.Persistence != nil {
		if err := e.Persistence.Close(); err != nil {
			firstErr = err
		}
	}
	if e.Resiliency != nil {
		if err := e.Resiliency.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

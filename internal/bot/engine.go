package bot

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	boterrors "github.com/ducminhle1904/trade-execution-core/internal/errors"
	"github.com/ducminhle1904/trade-execution-core/internal/exchange"
	"github.com/ducminhle1904/trade-execution-core/internal/exchange/adapters"
	"github.com/ducminhle1904/trade-execution-core/internal/logger"
	"github.com/ducminhle1904/trade-execution-core/internal/monitoring"
	"github.com/ducminhle1904/trade-execution-core/internal/oms"
	"github.com/ducminhle1904/trade-execution-core/internal/orchestrator"
	"github.com/ducminhle1904/trade-execution-core/internal/portfolio"
	"github.com/ducminhle1904/trade-execution-core/internal/resiliency"
	"github.com/ducminhle1904/trade-execution-core/internal/risk"
	"github.com/ducminhle1904/trade-execution-core/internal/safety"
	"github.com/ducminhle1904/trade-execution-core/internal/state"
	"github.com/ducminhle1904/trade-execution-core/pkg/types"
)

// Options controls the event loop
type Options struct {
	Session              string
	InitialEquity        float64
	CycleInterval        time.Duration
	TimeoutCheckInterval time.Duration
	ReconcileInterval    time.Duration // 0 disables
	StatusInterval       time.Duration // 0 disables
	// ForecastsPerCycle bounds how many queued forecasts one cycle processes
	ForecastsPerCycle int
	ForecastBuffer    int
}

func (o *Options) setDefaults() {
	if o.CycleInterval <= 0 {
		o.CycleInterval = 100 * time.Millisecond
	}
	if o.TimeoutCheckInterval <= 0 {
		o.TimeoutCheckInterval = time.Second
	}
	if o.ForecastsPerCycle <= 0 {
		o.ForecastsPerCycle = 64
	}
	if o.ForecastBuffer <= 0 {
		o.ForecastBuffer = 1024
	}
}

// Components are the collaborators the engine drives. Persistence, Metrics
// and Health are optional.
type Components struct {
	Orchestrator *orchestrator.Orchestrator
	OMS          *oms.Manager
	Risk         *risk.Manager
	Portfolio    *portfolio.Manager
	Resiliency   *resiliency.Manager
	Venues       map[string]exchange.BrokerAdapter
	Persistence  *state.StatePersistence
	Metrics      *monitoring.Metrics
	Health       *monitoring.HealthChecker
}

// MarkSetter is implemented by simulated venues that fill at an injected price
type MarkSetter interface {
	SetMark(instrument string, price float64)
}

type feedItem struct {
	forecast   *types.Forecast
	bar        *types.OHLCV
	instrument string
}

// Engine is the single event loop of a session. Strategy state and the OMS
// ledger are only mutated from the loop goroutine; venue fill callbacks are
// queued and applied at the start of the next cycle.
type Engine struct {
	opts Options
	Components
	log       *logger.Logger
	now       func() time.Time
	out       io.Writer
	validator *safety.Validator

	feed  chan feedItem
	fills *fillQueue

	// loop-owned
	inflight      map[string]types.ExecutionDecision // by order id
	marks         map[string]float64
	lastTimeout   time.Time
	lastReconcile time.Time
	lastStatus    time.Time
	lastReports   []oms.VenueReport

	running  atomic.Bool
	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

// NewEngine wires the components into a loop. Fill subscriptions are
// registered here so that no execution report is missed after Start.
func NewEngine(opts Options, c Components, log *logger.Logger, now func() time.Time) *Engine {
	opts.setDefaults()
	if now == nil {
		now = time.Now
	}
	e := &Engine{
		opts:       opts,
		Components: c,
		log:        log.Component("engine"),
		now:        now,
		out:        os.Stdout,
		validator:  safety.NewValidator(),
		feed:       make(chan feedItem, opts.ForecastBuffer),
		fills:      newFillQueue(),
		inflight:   make(map[string]types.ExecutionDecision),
		marks:      make(map[string]float64),
		stopChan:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, venue := range c.Venues {
		name := venue.Name()
		venue.SubscribeFills(func(f types.Fill) {
			e.fills.push(name, f)
		})
	}
	return e
}

// SetOutput redirects the status tables
func (e *Engine) SetOutput(w io.Writer) {
	e.out = w
}

// SubmitForecast queues a forecast for the next cycle. It reports false when
// the queue is full or the engine has stopped.
func (e *Engine) SubmitForecast(f types.Forecast) bool {
	return e.enqueue(feedItem{forecast: &f})
}

// SubmitBar queues a completed bar for the next cycle
func (e *Engine) SubmitBar(instrument string, bar types.OHLCV) bool {
	return e.enqueue(feedItem{bar: &bar, instrument: instrument})
}

func (e *Engine) enqueue(item feedItem) bool {
	select {
	case <-e.stopChan:
		return false
	default:
	}
	select {
	case e.feed <- item:
		return true
	default:
		e.log.Warning("feed queue full, dropping item")
		return false
	}
}

// Start connects the venues, resumes the saved session and runs the loop in
// the background until Stop or ctx is done.
func (e *Engine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already running")
	}
	if err := e.connect(ctx); err != nil {
		e.running.Store(false)
		return err
	}
	if err := e.resume(); err != nil {
		e.running.Store(false)
		return err
	}
	e.printStartup()
	go e.loop(ctx)
	return nil
}

func (e *Engine) connect(ctx context.Context) error {
	for _, name := range sortedVenues(e.Venues) {
		venue := e.Venues[name]
		ok, err := venue.Connect(ctx)
		if err != nil || !ok {
			if e.Health != nil {
				e.Health.SetVenue(name, false)
			}
			return fmt.Errorf("failed to connect to %s: %v", name, err)
		}
		if e.Health != nil {
			e.Health.SetVenue(name, true)
		}
		e.log.Info("connected to venue %s", name)
	}
	return nil
}

// resume restores the last snapshot and rebinds pending decisions to their orders
func (e *Engine) resume() error {
	if e.Persistence == nil {
		return nil
	}
	saved, err := e.Persistence.Load()
	if err != nil {
		return err
	}
	if saved == nil {
		return nil
	}

	e.Orchestrator.Restore(saved.Orchestrator)
	e.Risk.Restore(saved.Risk)
	e.Portfolio.Restore(saved.Portfolio)
	e.OMS.Restore(saved.Ledger)
	// completions raised by the restore itself are settled below through the pending decisions
	e.OMS.DrainCompleted()

	for _, d := range e.Orchestrator.Pending() {
		order, ok := e.OMS.FindByDecision(d.ID)
		switch {
		case !ok:
			e.Orchestrator.RecordFailure(d, "no order found after restart")
		case order.Status.IsTerminal():
			e.complete(oms.Completion{Order: order, RealizedPnL: e.OMS.RealizedPnL(order.ID)}, d)
		default:
			e.inflight[order.ID] = d
		}
	}

	st := e.Orchestrator.State()
	for name, pos := range st.OpenPositions {
		e.setMark(name, pos.CurrentPrice)
	}
	e.log.Info("resumed session saved at %s: equity %.2f, %d open positions, %d orders in flight",
		saved.SavedAt.Format(time.RFC3339), st.Equity, len(st.OpenPositions), len(e.inflight))
	return nil
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)
	defer e.shutdown()

	ticker := time.NewTicker(e.opts.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("context done - ending event loop")
			return
		case <-e.stopChan:
			e.log.Info("stop signal received - ending event loop")
			return
		case <-e.fills.ready:
			e.applyFills()
			e.settle()
		case <-ticker.C:
			if !e.running.Load() {
				return
			}
			e.safeCycle(ctx)
		}
	}
}

func (e *Engine) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("panic in event loop: %v", r)
			e.recordError(boterrors.NewStateError("engine", "cycle", fmt.Errorf("%v", r)))
		}
	}()
	e.cycle(ctx)
}

// cycle runs one pass: apply fills, settle orders, process the feed, check
// exits, settle again, then the periodic jobs
func (e *Engine) cycle(ctx context.Context) {
	now := e.now()
	e.applyFills()
	e.settle()

feed:
	for i := 0; i < e.opts.ForecastsPerCycle; i++ {
		select {
		case item := <-e.feed:
			e.handle(ctx, item)
		default:
			break feed
		}
	}

	for _, d := range e.Orchestrator.EvaluateExits(now) {
		e.observe(d)
		e.execute(ctx, d)
	}

	e.applyFills()
	e.settle()
	e.periodic(ctx, now)

	if e.Metrics != nil {
		e.Metrics.UpdateState(e.Orchestrator.State())
	}
	if e.Health != nil {
		e.Health.MarkCycle(now)
		e.Health.SetHalted(e.haltReason())
	}
}

func (e *Engine) handle(ctx context.Context, item feedItem) {
	if item.bar != nil {
		e.setMark(item.instrument, item.bar.Close)
		e.Orchestrator.UpdateBar(item.instrument, *item.bar)
		return
	}
	f := *item.forecast
	if f.Timestamp.IsZero() {
		f.Timestamp = e.now()
	}
	// the orchestrator still answers an invalid forecast with a HOLD
	if r := e.validator.ValidateForecast(f); !r.Valid {
		e.log.LogWarning("feed", "%s: %s", r.Code, r.Message)
	}
	if f.Price > 0 {
		e.setMark(f.Instrument, f.Price)
		e.Orchestrator.UpdatePrice(f.Instrument, f.Price, f.Timestamp)
	}
	d := e.Orchestrator.ProcessForecast(f)
	e.observe(d)
	if d.IsExecutable() {
		e.execute(ctx, d)
	}
}

func (e *Engine) setMark(instrument string, price float64) {
	if !(price > 0) || math.IsInf(price, 0) {
		return
	}
	e.marks[instrument] = price
	for _, venue := range e.Venues {
		if ms, ok := venue.(MarkSetter); ok {
			ms.SetMark(instrument, price)
		}
	}
}

func (e *Engine) observe(d types.ExecutionDecision) {
	if e.Metrics != nil {
		e.Metrics.RecordDecision(d)
	}
	if e.Health != nil && d.IsExecutable() {
		e.Health.MarkDecision(d.Timestamp)
	}
}

// execute turns a decision into an order. A decision that cannot reach a
// venue is failed so its instrument is free again.
func (e *Engine) execute(ctx context.Context, d types.ExecutionDecision) {
	req, err := e.orderFor(ctx, d)
	if err != nil {
		e.fail(d, err)
		return
	}
	order, err := e.OMS.Submit(ctx, req)
	if err != nil {
		if order.ID != "" && e.Metrics != nil {
			e.Metrics.RecordOrder(order)
		}
		e.fail(d, err)
		return
	}
	e.inflight[order.ID] = d
	e.log.Trade("decision %s -> order %s %s %s %.8f on %s", d.ID, order.ID, order.Side, order.Instrument, order.Quantity, order.Venue)
	// the venue now holds a live order; a restart must be able to rebind it
	e.save()
}

func (e *Engine) orderFor(ctx context.Context, d types.ExecutionDecision) (oms.OrderRequest, error) {
	req := oms.OrderRequest{
		Instrument: d.Instrument,
		Type:       types.OrderTypeMarket,
		Venue:      d.Venue,
		DecisionID: d.ID,
	}
	if d.Action.IsEntry() {
		price, err := e.referencePrice(ctx, d.Venue, d.Instrument)
		if err != nil {
			return req, err
		}
		qty, err := e.validator.SafeDivision(d.Size, price)
		if err != nil {
			return req, boterrors.NewValidationError("engine", "order_for", err.Error())
		}
		req.Side = d.Action.OrderSide("")
		req.Quantity = qty
		req.Purpose = types.PurposeEntry
		return req, nil
	}

	qty, _ := d.Metadata["quantity"].(float64)
	side, _ := d.Metadata["position_side"].(string)
	if !(qty > 0) || side == "" {
		return req, boterrors.NewValidationError("engine", "order_for", fmt.Sprintf("exit decision %s lacks quantity or side", d.ID))
	}
	req.Side = d.Action.OrderSide(types.Direction(side))
	req.Quantity = qty
	req.Purpose = types.PurposeExit
	return req, nil
}

// referencePrice converts entry notional to quantity: the latest feed price,
// else the venue's last price when it can quote one
func (e *Engine) referencePrice(ctx context.Context, venueName, instrument string) (float64, error) {
	if p, ok := e.marks[instrument]; ok && p > 0 {
		return p, nil
	}
	if venue, ok := e.Venues[venueName]; ok {
		if src, ok := venue.(exchange.PriceSource); ok {
			call := resiliency.Call{Venue: venueName, Method: adapters.MethodGetLatestPrice, Payload: map[string]string{"instrument": instrument}}
			price, err := resiliency.Do(ctx, e.Resiliency, call, func(ctx context.Context) (float64, error) {
				return src.GetLatestPrice(ctx, instrument)
			})
			if err == nil && price > 0 {
				e.marks[instrument] = price
				return price, nil
			}
			if err != nil {
				return 0, err
			}
		}
	}
	return 0, boterrors.NewValidationError("engine", "reference_price", fmt.Sprintf("no price for %s", instrument))
}

func (e *Engine) fail(d types.ExecutionDecision, err error) {
	e.Orchestrator.RecordFailure(d, err.Error())
	e.recordError(boterrors.Classify(err, "engine", "execute"))
}

func (e *Engine) recordError(err *boterrors.BotError) {
	if e.Metrics != nil {
		e.Metrics.RecordError(err)
	}
}

// applyFills moves queued venue fills into the OMS
func (e *Engine) applyFills() {
	for _, qf := range e.fills.drain() {
		ev, err := e.OMS.ApplyFill(qf.fill)
		if err != nil {
			e.log.LogError("apply fill", err)
			e.recordError(boterrors.Classify(err, "engine", "apply_fill"))
			continue
		}
		if ev.Duplicate || ev.Parked {
			continue
		}
		e.log.LogTradeExecution(ev.Order.ID, ev.Order.Instrument, string(ev.Order.Side), ev.Fill.Quantity, ev.Fill.Price, ev.Fill.Fee, string(ev.Order.Status))
		if e.Metrics != nil {
			e.Metrics.RecordFill(qf.venue, ev.Order.Instrument, ev.Fill)
		}
	}
}

// settle hands terminal orders back to the orchestrator
func (e *Engine) settle() {
	for _, c := range e.OMS.DrainCompleted() {
		if e.Metrics != nil {
			e.Metrics.RecordOrder(c.Order)
		}
		d, ok := e.inflight[c.Order.ID]
		if !ok {
			continue
		}
		delete(e.inflight, c.Order.ID)
		e.complete(c, d)
	}
}

func (e *Engine) complete(c oms.Completion, d types.ExecutionDecision) {
	order := c.Order
	if order.FilledQuantity <= 0 {
		reason := order.RejectReason
		if reason == "" {
			reason = fmt.Sprintf("order %s %s without fills", order.ID, order.Status)
		}
		e.Orchestrator.RecordFailure(d, reason)
		e.save()
		return
	}

	exec := d
	exec.Size = order.FilledQuantity * order.AvgFillPrice
	exec.Metadata = make(map[string]interface{}, len(d.Metadata)+2)
	for k, v := range d.Metadata {
		exec.Metadata[k] = v
	}
	exec.Metadata["order_id"] = order.ID
	exec.Metadata["order_status"] = string(order.Status)

	if err := e.Orchestrator.RecordExecution(exec, c.RealizedPnL, order.Fees, order.AvgFillPrice); err != nil {
		e.log.LogError("record execution", err)
		e.recordError(boterrors.Classify(err, "engine", "record_execution"))
		e.Orchestrator.RecordFailure(d, err.Error())
	}
	e.save()
}

func (e *Engine) periodic(ctx context.Context, now time.Time) {
	if now.Sub(e.lastTimeout) >= e.opts.TimeoutCheckInterval {
		e.lastTimeout = now
		for _, out := range e.OMS.CheckTimeouts(ctx) {
			if out.Err != nil {
				e.recordError(boterrors.Classify(out.Err, "engine", "check_timeouts"))
			}
		}
		e.applyFills()
		e.settle()
	}

	if e.opts.ReconcileInterval > 0 && now.Sub(e.lastReconcile) >= e.opts.ReconcileInterval {
		e.lastReconcile = now
		e.reconcile(ctx)
	}

	if e.opts.StatusInterval > 0 && now.Sub(e.lastStatus) >= e.opts.StatusInterval {
		e.lastStatus = now
		e.printStatus()
	}
}

func (e *Engine) reconcile(ctx context.Context) {
	e.lastReports = e.OMS.Reconcile(ctx)
	for _, r := range e.lastReports {
		if e.Health != nil {
			e.Health.SetVenue(r.Venue, r.Err == nil)
		}
		if r.Err != nil {
			e.recordError(boterrors.Classify(r.Err, "engine", "reconcile"))
		}
	}
	if e.Metrics != nil && e.Resiliency != nil {
		if n, err := e.Resiliency.DeadLetterCount(ctx); err == nil {
			e.Metrics.SetDeadLetters(n)
		}
	}
}

func (e *Engine) haltReason() string {
	if e.Risk.Halted() {
		return "risk limits halted trading"
	}
	if e.Portfolio.Status() == portfolio.StatusHalted {
		return "portfolio halted"
	}
	return ""
}

// save writes the session snapshot; failures are logged and retried on the next execution
func (e *Engine) save() {
	if e.Persistence == nil {
		return
	}
	err := e.Persistence.Save(state.SessionState{
		Orchestrator: e.Orchestrator.Snapshot(),
		Risk:         e.Risk.Snapshot(),
		Portfolio:    e.Portfolio.Snapshot(),
		Ledger:       e.OMS.Snapshot(),
	})
	if err != nil {
		e.log.LogError("save state", err)
		e.recordError(boterrors.Classify(err, "engine", "save"))
	}
}

// Stop ends the loop after the current cycle and waits for shutdown
func (e *Engine) Stop() {
	if !e.running.Load() {
		return
	}
	e.stopOnce.Do(func() {
		e.running.Store(false)
		close(e.stopChan)
	})
	<-e.done
}

// Done is closed once the loop has shut down
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

func (e *Engine) shutdown() {
	e.applyFills()
	e.settle()
	e.save()
	for _, name := range sortedVenues(e.Venues) {
		if err := e.Venues[name].Disconnect(); err != nil {
			e.log.LogWarning("shutdown", "disconnect %s: %v", name, err)
		}
	}
	e.printStatus()
	e.log.Info("engine stopped")
}

package oms

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	boterrors "github.com/ducminhle1904/trade-execution-core/internal/errors"
	"github.com/ducminhle1904/trade-execution-core/internal/exchange"
	"github.com/ducminhle1904/trade-execution-core/internal/exchange/adapters"
	"github.com/ducminhle1904/trade-execution-core/internal/logger"
	"github.com/ducminhle1904/trade-execution-core/internal/resiliency"
	"github.com/ducminhle1904/trade-execution-core/internal/safety"
	"github.com/ducminhle1904/trade-execution-core/pkg/types"
)

// Config controls order lifecycle timing
type Config struct {
	// OrderTimeout cancels orders still open at the venue after this long
	OrderTimeout time.Duration `yaml:"order_timeout" json:"order_timeout" default:"30s" validate:"gt=0"`
	// ReconcileTolerance is the absolute quantity difference tolerated before a drift is reported
	ReconcileTolerance float64 `yaml:"reconcile_tolerance" json:"reconcile_tolerance" default:"0.000001" validate:"gte=0"`
}

// OrderRequest describes an order before the OMS assigns it an identity
type OrderRequest struct {
	Instrument string
	Side       types.Side
	Quantity   float64
	Type       types.OrderType
	LimitPrice float64
	Venue      string
	Purpose    types.OrderPurpose
	DecisionID string
}

// FillEvent is what applying one fill did to the ledger
type FillEvent struct {
	Fill        types.Fill
	Order       types.Order
	Position    NetPosition
	RealizedPnL float64
	// Parked is set when the fill arrived before the venue acknowledged the order
	Parked    bool
	Duplicate bool
}

// Completion reports an order that reached a terminal state
type Completion struct {
	Order       types.Order
	RealizedPnL float64
}

// Manager owns every order from creation to a terminal state. Orders live in
// an arena keyed by client order id and fills reference them by that id.
type Manager struct {
	config     Config
	venues     map[string]exchange.BrokerAdapter
	resiliency *resiliency.Manager
	validator  *safety.Validator
	log        *logger.Logger
	now        func() time.Time

	mu         sync.Mutex
	orders     map[string]*types.Order
	fills      map[string]types.Fill
	orderFills map[string][]string
	parked     map[string][]types.Fill
	positions  map[string]*NetPosition
	openByLeg  map[string]string
	orderPnL   map[string]float64
	completed  []Completion
	metrics    Metrics
}

// NewManager creates an order manager routing through the given venues
func NewManager(config Config, venues map[string]exchange.BrokerAdapter, res *resiliency.Manager, log *logger.Logger, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		config:     config,
		venues:     venues,
		resiliency: res,
		validator:  safety.NewValidator(),
		log:        log.Component("oms"),
		now:        now,
		orders:     make(map[string]*types.Order),
		fills:      make(map[string]types.Fill),
		orderFills: make(map[string][]string),
		parked:     make(map[string][]types.Fill),
		positions:  make(map[string]*NetPosition),
		openByLeg:  make(map[string]string),
		orderPnL:   make(map[string]float64),
	}
}

func legKey(venue, instrument string) string {
	return positionKey(venue, instrument)
}

func (m *Manager) venue(name string) (exchange.BrokerAdapter, error) {
	v, ok := m.venues[name]
	if !ok {
		return nil, boterrors.NewValidationError("oms", "venue", fmt.Sprintf("unknown venue %q", name))
	}
	return v, nil
}

// Submit creates an order, validates it and sends it through the resiliency
// layer. A rejected or failed order is still recorded in the ledger.
func (m *Manager) Submit(ctx context.Context, req OrderRequest) (types.Order, error) {
	now := m.now()
	if req.Type == "" {
		req.Type = types.OrderTypeMarket
	}
	order := &types.Order{
		ID:         uuid.NewString(),
		Instrument: req.Instrument,
		Side:       req.Side,
		Quantity:   req.Quantity,
		Type:       req.Type,
		LimitPrice: req.LimitPrice,
		Status:     types.OrderStatusNew,
		Venue:      req.Venue,
		Purpose:    req.Purpose,
		DecisionID: req.DecisionID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	m.mu.Lock()
	m.orders[order.ID] = order
	m.metrics.OrdersCreated++

	if err := m.validator.ValidateOrder(*order).Err("oms", "submit"); err != nil {
		m.rejectLocked(order, err.Error())
		m.mu.Unlock()
		return *order, err
	}
	leg := legKey(order.Venue, order.Instrument)
	if existing, busy := m.openByLeg[leg]; busy {
		err := boterrors.NewValidationError("oms", "submit", fmt.Sprintf("order %s already open for %s", existing, leg))
		m.rejectLocked(order, err.Error())
		m.mu.Unlock()
		return *order, err
	}
	adapter, err := m.venue(order.Venue)
	if err != nil {
		m.rejectLocked(order, err.Error())
		m.mu.Unlock()
		return *order, err
	}
	m.openByLeg[leg] = order.ID
	outbound := *order
	m.mu.Unlock()

	// the venue may report fills before this call returns; those are parked
	start := m.now()
	call := resiliency.Call{Venue: order.Venue, Method: adapters.MethodSubmitOrder, Payload: outbound}
	accepted, err := resiliency.Do(ctx, m.resiliency, call, func(ctx context.Context) (types.Order, error) {
		return adapter.SubmitOrder(ctx, outbound)
	})
	latency := m.now().Sub(start)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.log.LogWarning("submit", "order %s %s %s %.8f failed: %v", order.ID, order.Instrument, order.Side, order.Quantity, err)
		m.rejectLocked(order, err.Error())
		delete(m.parked, order.ID)
		return *order, err
	}

	m.metrics.SubmitLatencyTotal += latency
	m.metrics.SubmitSamples++
	m.acceptLocked(order, accepted.VenueOrderID)
	m.log.Info("order %s submitted to %s venue_id=%s latency=%s", order.ID, order.Venue, order.VenueOrderID, latency)
	return *order, nil
}

// acceptLocked records venue acknowledgement and applies any fills that beat it
func (m *Manager) acceptLocked(order *types.Order, venueOrderID string) {
	order.VenueOrderID = venueOrderID
	order.SubmittedAt = m.now()
	if !m.transitionLocked(order, types.OrderStatusSubmitted) {
		return
	}
	m.metrics.OrdersSubmitted++

	parked := m.parked[order.ID]
	delete(m.parked, order.ID)
	for _, fill := range parked {
		if _, err := m.applyFillLocked(fill); err != nil {
			m.log.LogError("apply parked fill", err)
		}
	}
}

func (m *Manager) rejectLocked(order *types.Order, reason string) {
	order.RejectReason = reason
	m.transitionLocked(order, types.OrderStatusRejected)
	m.metrics.OrdersRejected++
}

// transitionLocked moves an order forward when the lifecycle allows it
func (m *Manager) transitionLocked(order *types.Order, to types.OrderStatus) bool {
	if !types.CanTransition(order.Status, to) {
		m.log.Warning("order %s: illegal transition %s -> %s ignored", order.ID, order.Status, to)
		return false
	}
	order.Status = to
	order.UpdatedAt = m.now()
	if to.IsTerminal() {
		leg := legKey(order.Venue, order.Instrument)
		if m.openByLeg[leg] == order.ID {
			delete(m.openByLeg, leg)
		}
		m.completed = append(m.completed, Completion{Order: *order, RealizedPnL: m.orderPnL[order.ID]})
	}
	return true
}

// ApplyFill folds a venue fill into its order and net position. Replayed fill
// ids are ignored so the ledger is idempotent.
func (m *Manager) ApplyFill(fill types.Fill) (FillEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyFillLocked(fill)
}

func (m *Manager) applyFillLocked(fill types.Fill) (FillEvent, error) {
	if fill.ID == "" {
		fill.ID = uuid.NewString()
	}
	if _, seen := m.fills[fill.ID]; seen {
		return FillEvent{Fill: fill, Duplicate: true}, nil
	}

	order, ok := m.orders[fill.OrderID]
	if !ok {
		return FillEvent{Fill: fill}, boterrors.NewStateError("oms", "apply_fill", fmt.Errorf("fill %s references unknown order %s", fill.ID, fill.OrderID))
	}
	if r := m.validator.ValidatePrice(fill.Price, order.Instrument); !r.Valid {
		return FillEvent{Fill: fill}, r.Err("oms", "apply_fill")
	}
	if r := m.validator.ValidateQuantity(fill.Quantity, order.Instrument); !r.Valid {
		return FillEvent{Fill: fill}, r.Err("oms", "apply_fill")
	}

	if order.Status == types.OrderStatusNew {
		for _, p := range m.parked[order.ID] {
			if p.ID == fill.ID {
				return FillEvent{Fill: fill, Duplicate: true}, nil
			}
		}
		m.parked[order.ID] = append(m.parked[order.ID], fill)
		return FillEvent{Fill: fill, Order: *order, Parked: true}, nil
	}
	if !order.Status.IsOpen() {
		return FillEvent{Fill: fill, Order: *order}, boterrors.NewStateError("oms", "apply_fill", fmt.Errorf("fill %s for order %s in state %s", fill.ID, order.ID, order.Status))
	}

	remaining := order.RemainingQuantity()
	if fill.Quantity > remaining+qtyEpsilon {
		m.log.Warning("fill %s overfills order %s by %.8f, clipping", fill.ID, order.ID, fill.Quantity-remaining)
		fill.Quantity = remaining
	}

	first := order.FilledQuantity == 0
	filled := order.FilledQuantity + fill.Quantity
	order.AvgFillPrice = (order.AvgFillPrice*order.FilledQuantity + fill.Price*fill.Quantity) / filled
	order.FilledQuantity = filled
	order.Fees += fill.Fee

	key := positionKey(order.Venue, order.Instrument)
	pos, ok := m.positions[key]
	if !ok {
		pos = &NetPosition{Venue: order.Venue, Instrument: order.Instrument}
		m.positions[key] = pos
	}
	realized := pos.apply(signedQty(order.Side, fill.Quantity), fill.Price, fill.Timestamp)
	m.orderPnL[order.ID] += realized

	m.fills[fill.ID] = fill
	m.orderFills[order.ID] = append(m.orderFills[order.ID], fill.ID)

	m.metrics.FillCount++
	m.metrics.Volume += fill.Notional()
	m.metrics.Commission += fill.Fee
	if first && !order.SubmittedAt.IsZero() {
		m.metrics.FillLatencyTotal += m.now().Sub(order.SubmittedAt)
		m.metrics.FillSamples++
	}

	if order.RemainingQuantity() <= qtyEpsilon*math.Max(1, order.Quantity) {
		m.metrics.OrdersFilled++
		m.transitionLocked(order, types.OrderStatusFilled)
	} else if order.Status != types.OrderStatusPartiallyFilled {
		m.metrics.OrdersPartial++
		m.transitionLocked(order, types.OrderStatusPartiallyFilled)
	}

	return FillEvent{
		Fill:        fill,
		Order:       *order,
		Position:    *pos,
		RealizedPnL: realized,
	}, nil
}

// Cancel cancels an order. A NEW order never reached a venue and is cancelled
// locally. Returns false when the venue no longer knows the order.
func (m *Manager) Cancel(ctx context.Context, orderID string) (bool, error) {
	m.mu.Lock()
	order, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		return false, boterrors.NewValidationError("oms", "cancel", fmt.Sprintf("unknown order %s", orderID))
	}
	if order.Status.IsTerminal() {
		m.mu.Unlock()
		return false, nil
	}
	if order.Status == types.OrderStatusNew && order.VenueOrderID == "" {
		m.markCancelledLocked(order)
		m.mu.Unlock()
		return true, nil
	}
	venueName := order.Venue
	m.mu.Unlock()

	adapter, err := m.venue(venueName)
	if err != nil {
		return false, err
	}
	call := resiliency.Call{Venue: venueName, Method: adapters.MethodCancelOrder, Payload: map[string]string{"order_id": orderID}}
	cancelled, err := resiliency.Do(ctx, m.resiliency, call, func(ctx context.Context) (bool, error) {
		return adapter.CancelOrder(ctx, orderID)
	})
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cancelled && order.Status.IsOpen() {
		m.markCancelledLocked(order)
	}
	return cancelled, nil
}

func (m *Manager) markCancelledLocked(order *types.Order) {
	if m.transitionLocked(order, types.OrderStatusCancelled) {
		m.metrics.OrdersCancelled++
		m.log.Info("order %s cancelled (filled %.8f of %.8f)", order.ID, order.FilledQuantity, order.Quantity)
	}
}

// Modify changes the quantity and limit price of an open order
func (m *Manager) Modify(ctx context.Context, orderID string, quantity, price float64) (bool, error) {
	m.mu.Lock()
	order, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		return false, boterrors.NewValidationError("oms", "modify", fmt.Sprintf("unknown order %s", orderID))
	}
	if !order.Status.IsOpen() {
		m.mu.Unlock()
		return false, boterrors.NewValidationError("oms", "modify", fmt.Sprintf("order %s is %s", orderID, order.Status))
	}
	if r := m.validator.ValidateQuantity(quantity, order.Instrument); !r.Valid {
		m.mu.Unlock()
		return false, r.Err("oms", "modify")
	}
	if quantity < order.FilledQuantity {
		m.mu.Unlock()
		return false, boterrors.NewValidationError("oms", "modify", fmt.Sprintf("quantity %.8f below filled %.8f", quantity, order.FilledQuantity))
	}
	venueName := order.Venue
	m.mu.Unlock()

	adapter, err := m.venue(venueName)
	if err != nil {
		return false, err
	}
	call := resiliency.Call{Venue: venueName, Method: adapters.MethodModifyOrder, Payload: map[string]interface{}{"order_id": orderID, "quantity": quantity, "price": price}}
	ok, err = resiliency.Do(ctx, m.resiliency, call, func(ctx context.Context) (bool, error) {
		return adapter.ModifyOrder(ctx, orderID, quantity, price)
	})
	if err != nil || !ok {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	order.Quantity = quantity
	if price > 0 {
		order.LimitPrice = price
	}
	order.UpdatedAt = m.now()
	return true, nil
}

// QueryOrder asks the venue for an order and reconciles the ledger with the
// answer: missing fill quantity is booked as a synthetic fill and venue-side
// cancels or rejects are adopted.
func (m *Manager) QueryOrder(ctx context.Context, orderID string) (types.Order, error) {
	m.mu.Lock()
	order, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		return types.Order{}, boterrors.NewValidationError("oms", "query", fmt.Sprintf("unknown order %s", orderID))
	}
	if !order.Status.IsOpen() {
		snapshot := *order
		m.mu.Unlock()
		return snapshot, nil
	}
	venueName := order.Venue
	m.mu.Unlock()

	adapter, err := m.venue(venueName)
	if err != nil {
		return types.Order{}, err
	}
	call := resiliency.Call{Venue: venueName, Method: adapters.MethodGetOrderStatus, Payload: map[string]string{"order_id": orderID}}
	remote, err := resiliency.Do(ctx, m.resiliency, call, func(ctx context.Context) (types.Order, error) {
		return adapter.GetOrderStatus(ctx, orderID)
	})
	if err != nil {
		return types.Order{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconcileOrderLocked(order, remote)
	return *order, nil
}

func (m *Manager) reconcileOrderLocked(order *types.Order, remote types.Order) {
	missing := remote.FilledQuantity - order.FilledQuantity
	if missing > qtyEpsilon && order.Status.IsOpen() {
		price := remote.AvgFillPrice
		if order.FilledQuantity > 0 && remote.AvgFillPrice > 0 {
			price = (remote.AvgFillPrice*remote.FilledQuantity - order.AvgFillPrice*order.FilledQuantity) / missing
		}
		fill := types.Fill{
			ID:        fmt.Sprintf("reconcile-%s-%d", order.ID, len(m.orderFills[order.ID])),
			OrderID:   order.ID,
			Price:     price,
			Quantity:  missing,
			Fee:       math.Max(0, remote.Fees-order.Fees),
			Timestamp: m.now(),
		}
		m.log.Warning("order %s: venue reports %.8f filled, ledger %.8f; booking %s", order.ID, remote.FilledQuantity, order.FilledQuantity, fill.ID)
		if _, err := m.applyFillLocked(fill); err != nil {
			m.log.LogError("reconcile fill", err)
		}
	}

	switch remote.Status {
	case types.OrderStatusCancelled:
		if order.Status.IsOpen() {
			m.markCancelledLocked(order)
		}
	case types.OrderStatusRejected:
		if order.Status.IsOpen() && order.FilledQuantity == 0 {
			m.rejectLocked(order, "rejected by venue")
		}
	}
}

// TimeoutOutcome reports what happened to one stale order
type TimeoutOutcome struct {
	OrderID   string
	Age       time.Duration
	Cancelled bool
	Err       error
}

// CheckTimeouts cancels every order still open at its venue past the configured
// timeout. An order the venue no longer knows is re-queried instead.
func (m *Manager) CheckTimeouts(ctx context.Context) []TimeoutOutcome {
	now := m.now()
	m.mu.Lock()
	var stale []*types.Order
	for _, order := range m.orders {
		if order.Status.IsOpen() && !order.SubmittedAt.IsZero() && now.Sub(order.SubmittedAt) >= m.config.OrderTimeout {
			stale = append(stale, order)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].SubmittedAt.Before(stale[j].SubmittedAt) })
	ids := make([]string, len(stale))
	ages := make([]time.Duration, len(stale))
	for i, o := range stale {
		ids[i] = o.ID
		ages[i] = now.Sub(o.SubmittedAt)
	}
	m.mu.Unlock()

	outcomes := make([]TimeoutOutcome, 0, len(ids))
	for i, id := range ids {
		out := TimeoutOutcome{OrderID: id, Age: ages[i]}
		out.Cancelled, out.Err = m.Cancel(ctx, id)
		if out.Err == nil && !out.Cancelled {
			_, out.Err = m.QueryOrder(ctx, id)
		}
		if out.Cancelled {
			m.mu.Lock()
			m.metrics.OrdersTimedOut++
			m.mu.Unlock()
		}
		if out.Err != nil {
			m.log.LogWarning("timeout", "order %s open for %s: %v", id, ages[i], out.Err)
		} else {
			m.log.Warning("order %s timed out after %s (cancelled=%v)", id, ages[i], out.Cancelled)
		}
		outcomes = append(outcomes, out)
	}
	return outcomes
}

// DrainCompleted returns and clears orders that reached a terminal state
func (m *Manager) DrainCompleted() []Completion {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.completed
	m.completed = nil
	return out
}

// Order returns a snapshot of one order
func (m *Manager) Order(orderID string) (types.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return types.Order{}, false
	}
	return *o, true
}

// FindByDecision returns the most recent order created for a decision
func (m *Manager) FindByDecision(decisionID string) (types.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *types.Order
	for _, o := range m.orders {
		if o.DecisionID != decisionID {
			continue
		}
		if found == nil || o.CreatedAt.After(found.CreatedAt) {
			found = o
		}
	}
	if found == nil {
		return types.Order{}, false
	}
	return *found, true
}

// RealizedPnL returns the PnL realized so far by an order's fills
func (m *Manager) RealizedPnL(orderID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orderPnL[orderID]
}

// OpenOrders returns live orders sorted by creation time
func (m *Manager) OpenOrders() []types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Order
	for _, o := range m.orders {
		if !o.Status.IsTerminal() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Fills returns the fills recorded for an order in arrival order
func (m *Manager) Fills(orderID string) []types.Fill {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.orderFills[orderID]
	out := make([]types.Fill, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.fills[id])
	}
	return out
}

// Positions returns the net position at every venue that has traded
func (m *Manager) Positions() []NetPosition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]NetPosition, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return positionKey(out[i].Venue, out[i].Instrument) < positionKey(out[j].Venue, out[j].Instrument) })
	return out
}

// NetQuantity sums the signed quantity held in an instrument across venues
func (m *Manager) NetQuantity(instrument string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0.0
	for _, p := range m.positions {
		if p.Instrument == instrument {
			total += p.Quantity
		}
	}
	return total
}

// Metrics returns a copy of the execution statistics
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

// Snapshot copies the ledger for persistence
func (m *Manager) Snapshot() Ledger {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := Ledger{
		Orders:     make(map[string]types.Order, len(m.orders)),
		Fills:      make(map[string]types.Fill, len(m.fills)),
		OrderFills: make(map[string][]string, len(m.orderFills)),
		Positions:  make(map[string]NetPosition, len(m.positions)),
		OrderPnL:   make(map[string]float64, len(m.orderPnL)),
		Metrics:    m.metrics,
	}
	for id, o := range m.orders {
		l.Orders[id] = *o
	}
	for id, f := range m.fills {
		l.Fills[id] = f
	}
	for id, fills := range m.orderFills {
		l.OrderFills[id] = append([]string(nil), fills...)
	}
	for k, p := range m.positions {
		l.Positions[k] = *p
	}
	for id, pnl := range m.orderPnL {
		l.OrderPnL[id] = pnl
	}
	return l
}

// Restore replaces the ledger with a persisted one. Orders that never reached
// a venue are rejected since their submission cannot be resumed.
func (m *Manager) Restore(l Ledger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = make(map[string]*types.Order, len(l.Orders))
	m.openByLeg = make(map[string]string)
	m.parked = make(map[string][]types.Fill)
	m.completed = nil
	for id, o := range l.Orders {
		order := o
		m.orders[id] = &order
		if order.Status == types.OrderStatusNew {
			m.rejectLocked(&order, "interrupted before submission")
			continue
		}
		if order.Status.IsOpen() {
			m.openByLeg[legKey(order.Venue, order.Instrument)] = id
		}
	}
	m.fills = make(map[string]types.Fill, len(l.Fills))
	for id, f := range l.Fills {
		m.fills[id] = f
	}
	m.orderFills = make(map[string][]string, len(l.OrderFills))
	for id, fills := range l.OrderFills {
		m.orderFills[id] = append([]string(nil), fills...)
	}
	m.positions = make(map[string]*NetPosition, len(l.Positions))
	for k, p := range l.Positions {
		pos := p
		m.positions[k] = &pos
	}
	m.orderPnL = make(map[string]float64, len(l.OrderPnL))
	for id, pnl := range l.OrderPnL {
		m.orderPnL[id] = pnl
	}
	m.metrics = l.Metrics
}

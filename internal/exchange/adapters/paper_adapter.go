package adapters

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ducminhle1904/trade-execution-core/internal/exchange"
	"github.com/ducminhle1904/trade-execution-core/pkg/types"
)

// Venue method names, shared with breaker keys and failure scripts
const (
	MethodConnect        = "connect"
	MethodSubmitOrder    = "submit_order"
	MethodCancelOrder    = "cancel_order"
	MethodModifyOrder    = "modify_order"
	MethodGetOrderStatus = "get_order_status"
	MethodGetPositions   = "get_positions"
	MethodGetBalance     = "get_account_balance"
	MethodGetLatestPrice = "get_latest_price"
)

// PaperAdapter is an in-memory venue. Market orders fill at the mark price,
// limit orders fill when the mark crosses them. Failures can be scripted per method.
type PaperAdapter struct {
	name   string
	config exchange.PaperConfig
	now    func() time.Time

	mu        sync.Mutex
	connected bool
	balance   float64
	marks     map[string]float64
	orders    map[string]*types.Order
	positions map[string]*paperPosition
	failures  map[string][]error
	calls     map[string]int
	handler   exchange.FillHandler
}

type paperPosition struct {
	qty      float64 // signed, positive is long
	avgPrice float64
	opened   time.Time
}

// NewPaperAdapter creates an in-memory venue with the given name
func NewPaperAdapter(name string, config exchange.PaperConfig, now func() time.Time) *PaperAdapter {
	if now == nil {
		now = time.Now
	}
	if name == "" {
		name = "paper"
	}
	return &PaperAdapter{
		name:      name,
		config:    config,
		now:       now,
		balance:   config.StartingBalance,
		marks:     make(map[string]float64),
		orders:    make(map[string]*types.Order),
		positions: make(map[string]*paperPosition),
		failures:  make(map[string][]error),
		calls:     make(map[string]int),
	}
}

// Name returns the venue name
func (p *PaperAdapter) Name() string {
	return p.name
}

// FailNext queues errors returned by the next calls of method, one per call
func (p *PaperAdapter) FailNext(method string, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[method] = append(p.failures[method], errs...)
}

// Calls returns how many times method reached the venue
func (p *PaperAdapter) Calls(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[method]
}

// SetMark sets the price orders fill at and triggers resting limit orders
func (p *PaperAdapter) SetMark(instrument string, price float64) {
	p.mu.Lock()
	p.marks[instrument] = price
	var fills []types.Fill
	for _, o := range p.orders {
		if o.Instrument != instrument || !o.Status.IsOpen() || o.Type != types.OrderTypeLimit {
			continue
		}
		if limitCrosses(o, price) {
			fills = append(fills, p.fillLocked(o, o.LimitPrice))
		}
	}
	handler := p.handler
	p.mu.Unlock()

	p.emit(handler, fills)
}

// GetLatestPrice returns the mark price of an instrument
func (p *PaperAdapter) GetLatestPrice(_ context.Context, instrument string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.marks[instrument]
	if !ok {
		return 0, exchange.ErrInvalidSymbol.WithDetails(instrument)
	}
	return price, nil
}

// enter counts the call and pops a scripted failure; callers hold p.mu
func (p *PaperAdapter) enter(method string) error {
	p.calls[method]++
	if queue := p.failures[method]; len(queue) > 0 {
		err := queue[0]
		p.failures[method] = queue[1:]
		return err
	}
	if method != MethodConnect && !p.connected {
		return exchange.ErrNotConnected
	}
	return nil
}

func (p *PaperAdapter) Connect(_ context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(MethodConnect); err != nil {
		return false, err
	}
	p.connected = true
	return true, nil
}

func (p *PaperAdapter) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

func (p *PaperAdapter) SubmitOrder(_ context.Context, order types.Order) (types.Order, error) {
	p.mu.Lock()
	if err := p.enter(MethodSubmitOrder); err != nil {
		p.mu.Unlock()
		return order, err
	}

	mark, ok := p.marks[order.Instrument]
	if !ok && order.Type == types.OrderTypeMarket {
		p.mu.Unlock()
		return order, exchange.ErrInvalidSymbol.WithDetails("no mark price for " + order.Instrument)
	}
	if order.Quantity <= 0 {
		p.mu.Unlock()
		return order, exchange.ErrOrderSizeTooSmall
	}

	stored := order
	stored.VenueOrderID = "paper-" + uuid.NewString()
	stored.Status = types.OrderStatusSubmitted
	stored.SubmittedAt = p.now()
	stored.UpdatedAt = stored.SubmittedAt
	p.orders[order.ID] = &stored

	var fills []types.Fill
	if p.config.FillOnSubmit {
		switch {
		case order.Type == types.OrderTypeMarket:
			fills = append(fills, p.fillLocked(&stored, mark))
		case ok && limitCrosses(&stored, mark):
			fills = append(fills, p.fillLocked(&stored, order.LimitPrice))
		}
	}

	accepted := stored
	accepted.Status = types.OrderStatusSubmitted
	accepted.FilledQuantity = 0
	accepted.AvgFillPrice = 0
	accepted.Fees = 0
	handler := p.handler
	p.mu.Unlock()

	p.emit(handler, fills)
	return accepted, nil
}

func limitCrosses(o *types.Order, mark float64) bool {
	if o.Side == types.SideBuy {
		return mark <= o.LimitPrice
	}
	return mark >= o.LimitPrice
}

// fillLocked fills the remaining quantity of o at price; callers hold p.mu
func (p *PaperAdapter) fillLocked(o *types.Order, price float64) types.Fill {
	qty := o.RemainingQuantity()
	fee := price * qty * p.config.FeeRate
	at := p.now()

	o.AvgFillPrice = (o.AvgFillPrice*o.FilledQuantity + price*qty) / (o.FilledQuantity + qty)
	o.FilledQuantity += qty
	o.Fees += fee
	o.Status = types.OrderStatusFilled
	o.UpdatedAt = at

	signed := qty
	if o.Side == types.SideSell {
		signed = -qty
	}
	p.applyPositionLocked(o.Instrument, signed, price, at)
	p.balance -= fee

	return types.Fill{
		ID:        "paper-exec-" + uuid.NewString(),
		OrderID:   o.ID,
		Price:     price,
		Quantity:  qty,
		Fee:       fee,
		Timestamp: at,
	}
}

func (p *PaperAdapter) applyPositionLocked(instrument string, signed, price float64, at time.Time) {
	pos, ok := p.positions[instrument]
	if !ok {
		p.positions[instrument] = &paperPosition{qty: signed, avgPrice: price, opened: at}
		return
	}

	if pos.qty*signed >= 0 {
		total := pos.qty + signed
		pos.avgPrice = (pos.avgPrice*abs(pos.qty) + price*abs(signed)) / abs(total)
		pos.qty = total
		return
	}

	closing := min(abs(signed), abs(pos.qty))
	direction := 1.0
	if pos.qty < 0 {
		direction = -1.0
	}
	p.balance += (price - pos.avgPrice) * closing * direction

	pos.qty += signed
	switch {
	case abs(pos.qty) < 1e-12:
		delete(p.positions, instrument)
	case pos.qty*direction < 0:
		// flipped through zero
		pos.avgPrice = price
		pos.opened = at
	}
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func (p *PaperAdapter) emit(handler exchange.FillHandler, fills []types.Fill) {
	if handler == nil {
		return
	}
	for _, f := range fills {
		handler(f)
	}
}

func (p *PaperAdapter) CancelOrder(_ context.Context, orderID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(MethodCancelOrder); err != nil {
		return false, err
	}
	o, ok := p.orders[orderID]
	if !ok {
		return false, exchange.ErrOrderNotFound.WithDetails(orderID)
	}
	if !o.Status.IsOpen() {
		return false, nil
	}
	o.Status = types.OrderStatusCancelled
	o.UpdatedAt = p.now()
	return true, nil
}

func (p *PaperAdapter) ModifyOrder(_ context.Context, orderID string, quantity, price float64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(MethodModifyOrder); err != nil {
		return false, err
	}
	o, ok := p.orders[orderID]
	if !ok {
		return false, exchange.ErrOrderNotFound.WithDetails(orderID)
	}
	if !o.Status.IsOpen() {
		return false, nil
	}
	if quantity > 0 {
		if quantity < o.FilledQuantity {
			return false, exchange.ErrOrderRejected.WithDetails(
				fmt.Sprintf("quantity %.8f below filled %.8f", quantity, o.FilledQuantity))
		}
		o.Quantity = quantity
	}
	if price > 0 {
		o.LimitPrice = price
	}
	o.UpdatedAt = p.now()
	return true, nil
}

func (p *PaperAdapter) GetOrderStatus(_ context.Context, orderID string) (types.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(MethodGetOrderStatus); err != nil {
		return types.Order{}, err
	}
	o, ok := p.orders[orderID]
	if !ok {
		return types.Order{}, exchange.ErrOrderNotFound.WithDetails(orderID)
	}
	return *o, nil
}

func (p *PaperAdapter) GetPositions(_ context.Context) ([]types.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(MethodGetPositions); err != nil {
		return nil, err
	}

	out := make([]types.Position, 0, len(p.positions))
	for instrument, pos := range p.positions {
		side := types.DirectionLong
		if pos.qty < 0 {
			side = types.DirectionShort
		}
		out = append(out, types.Position{
			Instrument:   instrument,
			Side:         side,
			EntryPrice:   pos.avgPrice,
			CurrentPrice: p.marks[instrument],
			Quantity:     abs(pos.qty),
			InitialQty:   abs(pos.qty),
			OpenedAt:     pos.opened,
			Venue:        p.name,
		})
	}
	return out, nil
}

func (p *PaperAdapter) GetAccountBalance(_ context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(MethodGetBalance); err != nil {
		return 0, err
	}
	return p.balance, nil
}

func (p *PaperAdapter) SubscribeFills(handler exchange.FillHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = handler
}

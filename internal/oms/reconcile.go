package oms

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"

	boterrors "github.com/ducminhle1904/trade-execution-core/internal/errors"
	"github.com/ducminhle1904/trade-execution-core/internal/exchange/adapters"
	"github.com/ducminhle1904/trade-execution-core/internal/resiliency"
	"github.com/ducminhle1904/trade-execution-core/pkg/types"
)

// PositionDrift is a disagreement between the ledger and a venue
type PositionDrift struct {
	Venue      string  `json:"venue"`
	Instrument string  `json:"instrument"`
	LedgerQty  float64 `json:"ledger_qty"`
	VenueQty   float64 `json:"venue_qty"`
	Difference float64 `json:"difference"`
}

// VenueReport is the reconciliation result for one venue
type VenueReport struct {
	Venue   string          `json:"venue"`
	Balance float64         `json:"balance"`
	Drifts  []PositionDrift `json:"drifts,omitempty"`
	Err     error           `json:"-"`
}

// Reconcile compares ledger positions with every venue's positions and reads
// balances. Drifts are reported, never corrected automatically.
func (m *Manager) Reconcile(ctx context.Context) []VenueReport {
	names := make([]string, 0, len(m.venues))
	for name := range m.venues {
		names = append(names, name)
	}
	sort.Strings(names)

	reports := make([]VenueReport, 0, len(names))
	for _, name := range names {
		reports = append(reports, m.reconcileVenue(ctx, name))
	}
	return reports
}

func (m *Manager) reconcileVenue(ctx context.Context, name string) VenueReport {
	report := VenueReport{Venue: name}
	adapter := m.venues[name]

	remote, err := resiliency.Do(ctx, m.resiliency, resiliency.Call{Venue: name, Method: adapters.MethodGetPositions}, adapter.GetPositions)
	if err != nil {
		report.Err = err
		return report
	}
	balance, err := resiliency.Do(ctx, m.resiliency, resiliency.Call{Venue: name, Method: adapters.MethodGetBalance}, adapter.GetAccountBalance)
	if err != nil {
		report.Err = err
		return report
	}
	if r := m.validator.ValidateBalance(balance, name); !r.Valid {
		report.Err = r.Err("oms", "reconcile")
		return report
	}
	report.Balance = balance

	venueQty := make(map[string]float64)
	for _, p := range remote {
		qty := p.Quantity
		if p.Side == types.DirectionShort {
			qty = -qty
		}
		venueQty[p.Instrument] += qty
	}

	m.mu.Lock()
	ledgerQty := make(map[string]float64)
	for _, p := range m.positions {
		if p.Venue == name {
			ledgerQty[p.Instrument] += p.Quantity
		}
	}
	m.mu.Unlock()

	instruments := make(map[string]struct{})
	for k := range venueQty {
		instruments[k] = struct{}{}
	}
	for k := range ledgerQty {
		instruments[k] = struct{}{}
	}
	for instrument := range instruments {
		diff := venueQty[instrument] - ledgerQty[instrument]
		if math.Abs(diff) > m.config.ReconcileTolerance {
			report.Drifts = append(report.Drifts, PositionDrift{
				Venue:      name,
				Instrument: instrument,
				LedgerQty:  ledgerQty[instrument],
				VenueQty:   venueQty[instrument],
				Difference: diff,
			})
		}
	}
	sort.Slice(report.Drifts, func(i, j int) bool { return report.Drifts[i].Instrument < report.Drifts[j].Instrument })

	for _, d := range report.Drifts {
		m.log.Warning("position drift %s/%s ledger=%.8f venue=%.8f", d.Venue, d.Instrument, d.LedgerQty, d.VenueQty)
	}
	return report
}

// ReplayDeadLetter re-runs a dead-lettered venue call. A replayed submission
// enters the ledger as a new order; the returned order is empty otherwise.
func (m *Manager) ReplayDeadLetter(ctx context.Context, id string) (types.Order, error) {
	var replayed *types.Order
	err := m.resiliency.Replay(ctx, id, func(ctx context.Context, letter resiliency.DeadLetter) error {
		adapter, err := m.venue(letter.Venue)
		if err != nil {
			return err
		}
		switch letter.Method {
		case adapters.MethodSubmitOrder:
			if replayed == nil {
				var original types.Order
				if err := letter.DecodePayload(&original); err != nil {
					return boterrors.NewValidationError("oms", "replay", err.Error())
				}
				if replayed, err = m.admitReplay(original); err != nil {
					return err
				}
			}
			m.mu.Lock()
			outbound := *replayed
			m.mu.Unlock()
			accepted, err := adapter.SubmitOrder(ctx, outbound)
			if err != nil {
				return err
			}
			m.mu.Lock()
			m.acceptLocked(replayed, accepted.VenueOrderID)
			m.mu.Unlock()
			return nil
		case adapters.MethodCancelOrder, adapters.MethodGetOrderStatus:
			var args struct {
				OrderID string `json:"order_id"`
			}
			if err := letter.DecodePayload(&args); err != nil {
				return boterrors.NewValidationError("oms", "replay", err.Error())
			}
			if letter.Method == adapters.MethodCancelOrder {
				ok, err := adapter.CancelOrder(ctx, args.OrderID)
				if err == nil && ok {
					m.mu.Lock()
					if o, found := m.orders[args.OrderID]; found && o.Status.IsOpen() {
						m.markCancelledLocked(o)
					}
					m.mu.Unlock()
				}
				return err
			}
			remote, err := adapter.GetOrderStatus(ctx, args.OrderID)
			if err == nil {
				m.mu.Lock()
				if o, found := m.orders[args.OrderID]; found {
					m.reconcileOrderLocked(o, remote)
				}
				m.mu.Unlock()
			}
			return err
		case adapters.MethodModifyOrder:
			var args struct {
				OrderID  string  `json:"order_id"`
				Quantity float64 `json:"quantity"`
				Price    float64 `json:"price"`
			}
			if err := letter.DecodePayload(&args); err != nil {
				return boterrors.NewValidationError("oms", "replay", err.Error())
			}
			_, err := adapter.ModifyOrder(ctx, args.OrderID, args.Quantity, args.Price)
			return err
		case adapters.MethodGetPositions:
			_, err := adapter.GetPositions(ctx)
			return err
		case adapters.MethodGetBalance:
			_, err := adapter.GetAccountBalance(ctx)
			return err
		}
		return boterrors.NewValidationError("oms", "replay", fmt.Sprintf("cannot replay method %q", letter.Method))
	})

	if replayed == nil {
		return types.Order{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil && replayed.Status == types.OrderStatusNew {
		m.rejectLocked(replayed, err.Error())
		delete(m.parked, replayed.ID)
	}
	return *replayed, err
}

// admitReplay puts a copy of a dead-lettered order into the ledger under a new id
func (m *Manager) admitReplay(original types.Order) (*types.Order, error) {
	now := m.now()
	order := &types.Order{
		ID:         uuid.NewString(),
		Instrument: original.Instrument,
		Side:       original.Side,
		Quantity:   original.Quantity,
		Type:       original.Type,
		LimitPrice: original.LimitPrice,
		Status:     types.OrderStatusNew,
		Venue:      original.Venue,
		Purpose:    original.Purpose,
		DecisionID: original.DecisionID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.validator.ValidateOrder(*order).Err("oms", "replay"); err != nil {
		return nil, err
	}
	leg := legKey(order.Venue, order.Instrument)
	if existing, busy := m.openByLeg[leg]; busy {
		return nil, boterrors.NewValidationError("oms", "replay", fmt.Sprintf("order %s already open for %s", existing, leg))
	}
	m.orders[order.ID] = order
	m.openByLeg[leg] = order.ID
	m.metrics.OrdersCreated++
	return order, nil
}

package adapters

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/ducminhle1904/trade-execution-core/internal/exchange"
	"github.com/ducminhle1904/trade-execution-core/internal/exchange/bybit"
	"github.com/ducminhle1904/trade-execution-core/internal/logger"
	"github.com/ducminhle1904/trade-execution-core/pkg/types"
)

// BybitAdapter implements BrokerAdapter for Bybit v5 unified trading
type BybitAdapter struct {
	client *bybit.Client
	config *exchange.BybitConfig
	log    *logger.Logger
	stream *bybit.ExecutionStream

	mu        sync.Mutex
	connected bool
	handler   exchange.FillHandler
	// client order id -> venue reference
	orders map[string]venueRef
	// venue order id -> client order id
	byVenue map[string]string
}

type venueRef struct {
	venueOrderID string
	symbol       string
}

// NewBybitAdapter creates a new Bybit adapter instance
func NewBybitAdapter(config *exchange.BybitConfig, log *logger.Logger) (*BybitAdapter, error) {
	if config == nil {
		return nil, &exchange.ExchangeError{
			Code:    "MISSING_CONFIG",
			Message: "Bybit configuration is required",
		}
	}

	client := bybit.NewClient(bybit.Config{
		APIKey:    config.APIKey,
		APISecret: config.APISecret,
		Testnet:   config.Testnet,
		Demo:      config.Demo,
		Category:  config.Category,
	})

	return &BybitAdapter{
		client:  client,
		config:  config,
		log:     log.Component("bybit"),
		orders:  make(map[string]venueRef),
		byVenue: make(map[string]string),
	}, nil
}

// Name returns the venue name
func (b *BybitAdapter) Name() string {
	return "bybit"
}

// GetEnvironment returns the current environment string
func (b *BybitAdapter) GetEnvironment() string {
	return b.client.GetEnvironment()
}

// Connect verifies credentials with a balance query and opens the execution stream
func (b *BybitAdapter) Connect(ctx context.Context) (bool, error) {
	if _, err := b.client.GetEquity(ctx, bybit.AccountTypeUnified, b.settleCoin()); err != nil {
		return false, b.convertError(err)
	}

	if b.config.Stream {
		stream := b.client.NewExecutionStream(b.log)
		stream.OnExecution(b.onExecution)
		if err := stream.Connect(ctx); err != nil {
			return false, exchange.ErrConnectionFailed.WithDetails(err.Error())
		}
		b.stream = stream
	}

	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	b.log.Info("connected to Bybit %s (%s)", b.client.GetEnvironment(), b.client.Category())
	return true, nil
}

// Disconnect closes the execution stream
func (b *BybitAdapter) Disconnect() error {
	if b.stream != nil {
		b.stream.Close()
		b.stream = nil
	}
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
	return nil
}

func (b *BybitAdapter) settleCoin() string {
	if b.config.SettleCoin == "" {
		return "USDT"
	}
	return b.config.SettleCoin
}

// SubmitOrder formats the order to the instrument filters and places it.
// The client order id travels as orderLinkId so executions map back to it.
func (b *BybitAdapter) SubmitOrder(ctx context.Context, order types.Order) (types.Order, error) {
	info, err := b.client.Instruments().GetInstrumentInfo(ctx, order.Instrument)
	if err != nil {
		return order, b.convertError(err)
	}

	qty, err := info.FormatQuantity(order.Quantity)
	if err != nil {
		return order, b.convertError(err)
	}

	params := bybit.PlaceOrderParams{
		Symbol:      order.Instrument,
		Side:        convertOrderSide(order.Side),
		OrderType:   bybit.OrderTypeMarket,
		Qty:         qty,
		OrderLinkID: order.ID,
		ReduceOnly:  order.Purpose == types.PurposeExit,
	}
	if order.Type == types.OrderTypeLimit {
		params.OrderType = bybit.OrderTypeLimit
		params.Price = info.FormatPrice(order.LimitPrice)
		params.TimeInForce = bybit.TimeInForceGTC
	}

	venueOrderID, err := b.client.PlaceOrder(ctx, params)
	if err != nil {
		return order, b.convertError(err)
	}

	b.mu.Lock()
	b.orders[order.ID] = venueRef{venueOrderID: venueOrderID, symbol: order.Instrument}
	b.byVenue[venueOrderID] = order.ID
	b.mu.Unlock()

	order.VenueOrderID = venueOrderID
	order.Status = types.OrderStatusSubmitted
	return order, nil
}

func (b *BybitAdapter) lookup(orderID string) (venueRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ref, ok := b.orders[orderID]
	if !ok {
		return venueRef{}, exchange.ErrOrderNotFound.WithDetails(orderID)
	}
	return ref, nil
}

// CancelOrder cancels an order by client id; an order already gone reports false
func (b *BybitAdapter) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	ref, err := b.lookup(orderID)
	if err != nil {
		return false, err
	}
	if err := b.client.CancelOrder(ctx, ref.symbol, ref.venueOrderID); err != nil {
		if bybit.IsOrderNotFoundError(err) {
			return false, nil
		}
		return false, b.convertError(err)
	}
	return true, nil
}

// ModifyOrder amends quantity and/or price; zero leaves a field unchanged
func (b *BybitAdapter) ModifyOrder(ctx context.Context, orderID string, quantity, price float64) (bool, error) {
	ref, err := b.lookup(orderID)
	if err != nil {
		return false, err
	}
	info, err := b.client.Instruments().GetInstrumentInfo(ctx, ref.symbol)
	if err != nil {
		return false, b.convertError(err)
	}

	var qty, px string
	if quantity > 0 {
		if qty, err = info.FormatQuantity(quantity); err != nil {
			return false, b.convertError(err)
		}
	}
	if price > 0 {
		px = info.FormatPrice(price)
	}

	if err := b.client.AmendOrder(ctx, ref.symbol, ref.venueOrderID, qty, px); err != nil {
		if bybit.IsOrderNotFoundError(err) {
			return false, nil
		}
		return false, b.convertError(err)
	}
	return true, nil
}

// GetOrderStatus returns the venue view of an order mapped to the core order model
func (b *BybitAdapter) GetOrderStatus(ctx context.Context, orderID string) (types.Order, error) {
	ref, err := b.lookup(orderID)
	if err != nil {
		return types.Order{}, err
	}
	vo, err := b.client.GetOrder(ctx, ref.symbol, ref.venueOrderID)
	if err != nil {
		return types.Order{}, b.convertError(err)
	}

	order := types.Order{
		ID:             orderID,
		VenueOrderID:   vo.OrderID,
		Instrument:     vo.Symbol,
		Side:           convertVenueSide(vo.Side),
		Quantity:       vo.Qty,
		Type:           types.OrderTypeMarket,
		Status:         convertOrderStatus(vo.OrderStatus),
		Venue:          b.Name(),
		CreatedAt:      vo.CreatedTime,
		UpdatedAt:      vo.UpdatedTime,
		FilledQuantity: vo.CumExecQty,
		AvgFillPrice:   vo.AvgPrice,
		Fees:           vo.CumExecFee,
		RejectReason:   vo.RejectReason,
	}
	if vo.OrderType == bybit.OrderTypeLimit {
		order.Type = types.OrderTypeLimit
		order.LimitPrice = vo.Price
	}
	return order, nil
}

// GetPositions retrieves open positions settled in the configured coin
func (b *BybitAdapter) GetPositions(ctx context.Context) ([]types.Position, error) {
	positions, err := b.client.GetPositions(ctx, "", b.settleCoin())
	if err != nil {
		return nil, b.convertError(err)
	}

	result := make([]types.Position, 0, len(positions))
	for _, pos := range positions {
		side := types.DirectionLong
		if pos.Side == string(bybit.OrderSideSell) {
			side = types.DirectionShort
		}
		result = append(result, types.Position{
			Instrument:   pos.Symbol,
			Side:         side,
			EntryPrice:   pos.AvgPrice,
			CurrentPrice: pos.MarkPrice,
			Quantity:     pos.Size,
			InitialQty:   pos.Size,
			OpenedAt:     pos.CreatedTime,
			UpdatedAt:    pos.UpdatedTime,
			Venue:        b.Name(),
		})
	}
	return result, nil
}

// GetAccountBalance returns the equity in the settle coin
func (b *BybitAdapter) GetAccountBalance(ctx context.Context) (float64, error) {
	equity, err := b.client.GetEquity(ctx, bybit.AccountTypeUnified, b.settleCoin())
	if err != nil {
		return 0, b.convertError(err)
	}
	return equity, nil
}

// GetLatestPrice retrieves the latest price for a symbol
func (b *BybitAdapter) GetLatestPrice(ctx context.Context, symbol string) (float64, error) {
	price, err := b.client.GetLatestPrice(ctx, symbol)
	if err != nil {
		return 0, b.convertError(err)
	}
	return price, nil
}

// SubscribeFills registers the fill handler; executions arrive from the private stream
func (b *BybitAdapter) SubscribeFills(handler exchange.FillHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
}

func (b *BybitAdapter) onExecution(e bybit.Execution) {
	b.mu.Lock()
	handler := b.handler
	orderID := e.OrderLinkID
	if orderID == "" {
		orderID = b.byVenue[e.OrderID]
	}
	b.mu.Unlock()

	if handler == nil || orderID == "" {
		// not placed by this engine
		return
	}
	handler(executionToFill(orderID, e))
}

func executionToFill(orderID string, e bybit.Execution) types.Fill {
	return types.Fill{
		ID:        e.ExecID,
		OrderID:   orderID,
		Price:     e.ExecPrice,
		Quantity:  e.ExecQty,
		Fee:       e.ExecFee,
		Timestamp: e.ExecTime,
	}
}

func convertOrderSide(side types.Side) bybit.OrderSide {
	if side == types.SideSell {
		return bybit.OrderSideSell
	}
	return bybit.OrderSideBuy
}

func convertVenueSide(side bybit.OrderSide) types.Side {
	if side == bybit.OrderSideSell {
		return types.SideSell
	}
	return types.SideBuy
}

func convertOrderStatus(status bybit.OrderStatus) types.OrderStatus {
	switch status {
	case bybit.OrderStatusCreated, bybit.OrderStatusNew:
		return types.OrderStatusSubmitted
	case bybit.OrderStatusPartiallyFilled:
		return types.OrderStatusPartiallyFilled
	case bybit.OrderStatusFilled:
		return types.OrderStatusFilled
	case bybit.OrderStatusCancelled, bybit.OrderStatusPartiallyFilledCanceled, bybit.OrderStatusDeactivated:
		return types.OrderStatusCancelled
	case bybit.OrderStatusRejected:
		return types.OrderStatusRejected
	default:
		return types.OrderStatusSubmitted
	}
}

// convertError maps Bybit errors onto the venue-neutral error set, keeping retryability
func (b *BybitAdapter) convertError(err error) error {
	if err == nil {
		return nil
	}

	var exchangeErr *exchange.ExchangeError
	if stderrors.As(err, &exchangeErr) {
		return exchangeErr
	}

	var bybitErr *bybit.BybitError
	if stderrors.As(err, &bybitErr) {
		switch {
		case bybit.IsAuthenticationError(err):
			return exchange.ErrAuthenticationFailed.WithDetails(err.Error())
		case bybit.IsInsufficientBalanceError(err):
			return exchange.ErrInsufficientBalance.WithDetails(err.Error())
		case bybit.IsOrderNotFoundError(err):
			return exchange.ErrOrderNotFound.WithDetails(err.Error())
		case bybitErr.Code == bybit.ErrCodeSymbolNotFound:
			return exchange.ErrInvalidSymbol.WithDetails(err.Error())
		case bybitErr.Code == bybit.ErrCodeInvalidQuantity:
			return exchange.ErrOrderSizeTooSmall.WithDetails(err.Error())
		case bybitErr.Code == bybit.ErrCodeRateLimitExceeded:
			return exchange.ErrRateLimitExceeded.WithDetails(err.Error())
		}
		return &exchange.ExchangeError{
			Code:        fmt.Sprintf("BYBIT_%d", bybitErr.Code),
			Message:     bybit.GetErrorDescription(bybitErr.Code),
			Details:     err.Error(),
			IsRetryable: bybitErr.IsTransient(),
		}
	}

	// transport failures from the SDK never reached the matching engine
	return exchange.ErrConnectionFailed.WithDetails(err.Error())
}

package bybit

import (
	"context"
	"fmt"
	"time"
)

// OrderSide represents the side of an order
type OrderSide string

const (
	OrderSideBuy  OrderSide = "Buy"
	OrderSideSell OrderSide = "Sell"
)

// OrderType represents the type of an order
type OrderType string

const (
	OrderTypeMarket OrderType = "Market"
	OrderTypeLimit  OrderType = "Limit"
)

// TimeInForce represents how long an order remains active
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
)

// OrderStatus is the venue-side order status
type OrderStatus string

const (
	OrderStatusCreated                 OrderStatus = "Created"
	OrderStatusNew                     OrderStatus = "New"
	OrderStatusPartiallyFilled         OrderStatus = "PartiallyFilled"
	OrderStatusFilled                  OrderStatus = "Filled"
	OrderStatusCancelled               OrderStatus = "Cancelled"
	OrderStatusPartiallyFilledCanceled OrderStatus = "PartiallyFilledCanceled"
	OrderStatusRejected                OrderStatus = "Rejected"
	OrderStatusDeactivated             OrderStatus = "Deactivated"
)

// Order is the venue view of an order
type Order struct {
	OrderID      string
	OrderLinkID  string
	Symbol       string
	Side         OrderSide
	OrderType    OrderType
	Qty          float64
	Price        float64
	OrderStatus  OrderStatus
	CumExecQty   float64
	CumExecValue float64
	CumExecFee   float64
	AvgPrice     float64
	RejectReason string
	CreatedTime  time.Time
	UpdatedTime  time.Time
}

type orderData struct {
	OrderID      string `json:"orderId"`
	OrderLinkID  string `json:"orderLinkId"`
	Symbol       string `json:"symbol"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	Side         string `json:"side"`
	OrderStatus  string `json:"orderStatus"`
	AvgPrice     string `json:"avgPrice"`
	CumExecQty   string `json:"cumExecQty"`
	CumExecValue string `json:"cumExecValue"`
	CumExecFee   string `json:"cumExecFee"`
	OrderType    string `json:"orderType"`
	RejectReason string `json:"rejectReason"`
	CreatedTime  string `json:"createdTime"`
	UpdatedTime  string `json:"updatedTime"`
}

func (d orderData) toOrder() Order {
	return Order{
		OrderID:      d.OrderID,
		OrderLinkID:  d.OrderLinkID,
		Symbol:       d.Symbol,
		Side:         OrderSide(d.Side),
		OrderType:    OrderType(d.OrderType),
		Qty:          parseFloat64(d.Qty),
		Price:        parseFloat64(d.Price),
		OrderStatus:  OrderStatus(d.OrderStatus),
		CumExecQty:   parseFloat64(d.CumExecQty),
		CumExecValue: parseFloat64(d.CumExecValue),
		CumExecFee:   parseFloat64(d.CumExecFee),
		AvgPrice:     parseFloat64(d.AvgPrice),
		RejectReason: d.RejectReason,
		CreatedTime:  parseTimestamp(d.CreatedTime),
		UpdatedTime:  parseTimestamp(d.UpdatedTime),
	}
}

// PlaceOrderParams holds parameters for placing an order. Quantities and prices
// are already formatted to the instrument's steps.
type PlaceOrderParams struct {
	Symbol      string
	Side        OrderSide
	OrderType   OrderType
	Qty         string
	Price       string
	TimeInForce TimeInForce
	OrderLinkID string
	ReduceOnly  bool
}

// PlaceOrder places a new order and returns the venue order id
func (c *Client) PlaceOrder(ctx context.Context, params PlaceOrderParams) (string, error) {
	if params.Symbol == "" {
		return "", fmt.Errorf("symbol is required")
	}
	if params.Side == "" {
		return "", fmt.Errorf("side is required")
	}
	if params.Qty == "" {
		return "", fmt.Errorf("qty is required")
	}
	if params.OrderType == "" {
		params.OrderType = OrderTypeMarket
	}
	if params.OrderType == OrderTypeLimit && params.Price == "" {
		return "", fmt.Errorf("price is required for limit orders")
	}
	if params.OrderType == OrderTypeLimit && params.TimeInForce == "" {
		params.TimeInForce = TimeInForceGTC
	}

	apiParams := map[string]interface{}{
		"category":  c.category,
		"symbol":    params.Symbol,
		"side":      string(params.Side),
		"orderType": string(params.OrderType),
		"qty":       params.Qty,
	}
	if params.Price != "" {
		apiParams["price"] = params.Price
	}
	if params.TimeInForce != "" {
		apiParams["timeInForce"] = string(params.TimeInForce)
	}
	if params.OrderLinkID != "" {
		apiParams["orderLinkId"] = params.OrderLinkID
	}
	if params.ReduceOnly && c.category != "spot" {
		apiParams["reduceOnly"] = true
	}

	result, err := c.httpClient.NewUtaBybitServiceWithParams(apiParams).PlaceOrder(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to place order: %w", err)
	}

	var placed struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := decodeResult(result, &placed); err != nil {
		return "", err
	}
	return placed.OrderID, nil
}

// AmendOrder changes quantity and/or price of a resting order. Empty strings leave a field unchanged.
func (c *Client) AmendOrder(ctx context.Context, symbol, orderID, qty, price string) error {
	params := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	if qty != "" {
		params["qty"] = qty
	}
	if price != "" {
		params["price"] = price
	}

	result, err := c.httpClient.NewUtaBybitServiceWithParams(params).AmendOrder(ctx)
	if err != nil {
		return fmt.Errorf("failed to amend order: %w", err)
	}
	return decodeResult(result, nil)
}

// CancelOrder cancels an existing order
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
		"orderId":  orderID,
	}

	result, err := c.httpClient.NewUtaBybitServiceWithParams(params).CancelOrder(ctx)
	if err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}
	return decodeResult(result, nil)
}

// GetOrder looks an order up among open orders first, then in recent history
func (c *Client) GetOrder(ctx context.Context, symbol, orderID string) (*Order, error) {
	params := map[string]interface{}{
		"category": c.category,
		"orderId":  orderID,
	}
	if symbol != "" {
		params["symbol"] = symbol
	}

	result, err := c.httpClient.NewUtaBybitServiceWithParams(params).GetOpenOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get open orders: %w", err)
	}
	if order, err := findOrder(result, orderID); err != nil || order != nil {
		return order, err
	}

	result, err = c.httpClient.NewUtaBybitServiceWithParams(params).GetOrderHistory(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get order history: %w", err)
	}
	order, err := findOrder(result, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, NewBybitError(ErrCodeOrderNotFound, "order not found", orderID)
	}
	return order, nil
}

func findOrder(result interface{}, orderID string) (*Order, error) {
	var list struct {
		List []orderData `json:"list"`
	}
	if err := decodeResult(result, &list); err != nil {
		return nil, err
	}
	for _, d := range list.List {
		if d.OrderID == orderID {
			o := d.toOrder()
			return &o, nil
		}
	}
	return nil, nil
}

// PositionInfo represents a venue position
type PositionInfo struct {
	Symbol        string
	Side          string // Buy, Sell or empty when flat
	Size          float64
	AvgPrice      float64
	MarkPrice     float64
	PositionValue float64
	UnrealisedPnl float64
	CreatedTime   time.Time
	UpdatedTime   time.Time
}

// GetPositions retrieves open positions in the client's category
func (c *Client) GetPositions(ctx context.Context, symbol, settleCoin string) ([]PositionInfo, error) {
	params := map[string]interface{}{
		"category": c.category,
	}
	if symbol != "" {
		params["symbol"] = symbol
	} else if settleCoin != "" {
		params["settleCoin"] = settleCoin
	}

	result, err := c.httpClient.NewUtaBybitServiceWithParams(params).GetPositionList(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get positions: %w", err)
	}

	var positionResult struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Side          string `json:"side"`
			Size          string `json:"size"`
			AvgPrice      string `json:"avgPrice"`
			MarkPrice     string `json:"markPrice"`
			PositionValue string `json:"positionValue"`
			UnrealisedPnl string `json:"unrealisedPnl"`
			CreatedTime   string `json:"createdTime"`
			UpdatedTime   string `json:"updatedTime"`
		} `json:"list"`
	}
	if err := decodeResult(result, &positionResult); err != nil {
		return nil, err
	}

	positions := make([]PositionInfo, 0, len(positionResult.List))
	for _, p := range positionResult.List {
		size := parseFloat64(p.Size)
		if size == 0 {
			continue
		}
		positions = append(positions, PositionInfo{
			Symbol:        p.Symbol,
			Side:          p.Side,
			Size:          size,
			AvgPrice:      parseFloat64(p.AvgPrice),
			MarkPrice:     parseFloat64(p.MarkPrice),
			PositionValue: parseFloat64(p.PositionValue),
			UnrealisedPnl: parseFloat64(p.UnrealisedPnl),
			CreatedTime:   parseTimestamp(p.CreatedTime),
			UpdatedTime:   parseTimestamp(p.UpdatedTime),
		})
	}
	return positions, nil
}

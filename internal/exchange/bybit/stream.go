package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ducminhle1904/trade-execution-core/internal/logger"
)

const (
	privateStreamMainnet = "wss://stream.bybit.com/v5/private"
	privateStreamTestnet = "wss://stream-testnet.bybit.com/v5/private"
	privateStreamDemo    = "wss://stream-demo.bybit.com/v5/private"
)

// Execution is one trade report from the private execution topic
type Execution struct {
	Symbol      string
	OrderID     string
	OrderLinkID string
	ExecID      string
	Side        OrderSide
	ExecPrice   float64
	ExecQty     float64
	ExecFee     float64
	LeavesQty   float64
	ExecTime    time.Time
}

// ExecutionStream keeps an authenticated private websocket open and forwards
// executions to a handler. It reconnects until Close is called.
type ExecutionStream struct {
	url       string
	apiKey    string
	apiSecret string
	log       *logger.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	handler func(Execution)
	cancel  context.CancelFunc
	done    chan struct{}

	PingInterval   time.Duration
	ReconnectDelay time.Duration
}

// NewExecutionStream builds a stream for the client's environment
func (c *Client) NewExecutionStream(log *logger.Logger) *ExecutionStream {
	url := privateStreamMainnet
	if c.demo {
		url = privateStreamDemo
	} else if c.testnet {
		url = privateStreamTestnet
	}
	return &ExecutionStream{
		url:            url,
		apiKey:         c.apiKey,
		apiSecret:      c.apiSecret,
		log:            log.Component("bybit-stream"),
		PingInterval:   20 * time.Second,
		ReconnectDelay: 5 * time.Second,
	}
}

// OnExecution sets the handler; it is called from the stream goroutine
func (s *ExecutionStream) OnExecution(fn func(Execution)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = fn
}

// Connect dials, authenticates and subscribes, then keeps the stream alive in the background
func (s *ExecutionStream) Connect(ctx context.Context) error {
	if err := s.dial(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx)
	return nil
}

// Close stops the stream and waits for the reader to exit
func (s *ExecutionStream) Close() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	<-s.done
}

func (s *ExecutionStream) dial(ctx context.Context) error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect execution stream: %w", err)
	}

	expires := time.Now().Add(10 * time.Second).UnixMilli()
	auth := map[string]interface{}{
		"op":   "auth",
		"args": []interface{}{s.apiKey, expires, signStream(s.apiSecret, expires)},
	}
	if err := conn.WriteJSON(auth); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send auth: %w", err)
	}
	sub := map[string]interface{}{
		"op":   "subscribe",
		"args": []string{"execution"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("failed to subscribe to executions: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.log.Info("execution stream connected to %s", s.url)
	return nil
}

func signStream(secret string, expires int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("GET/realtime" + strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *ExecutionStream) run(ctx context.Context) {
	defer close(s.done)

	for {
		s.readUntilError(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.ReconnectDelay):
		}

		if err := s.dial(ctx); err != nil {
			s.log.LogError("execution stream reconnect", err)
		}
	}
}

func (s *ExecutionStream) readUntilError(ctx context.Context) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(s.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				err := conn.WriteJSON(map[string]string{"op": "ping"})
				s.mu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.log.LogWarning("execution stream", "read failed: %v", err)
			}
			conn.Close()
			return
		}

		execs, err := ParseExecutionMessage(message)
		if err != nil {
			s.log.LogWarning("execution stream", "bad message: %v", err)
			continue
		}

		s.mu.Lock()
		handler := s.handler
		s.mu.Unlock()
		if handler == nil {
			continue
		}
		for _, e := range execs {
			handler(e)
		}
	}
}

// ParseExecutionMessage decodes an execution topic push. Control frames
// (auth, subscribe, pong) yield no executions.
func ParseExecutionMessage(message []byte) ([]Execution, error) {
	var envelope struct {
		Op      string `json:"op"`
		Success *bool  `json:"success"`
		RetMsg  string `json:"ret_msg"`
		Topic   string `json:"topic"`
		Data    []struct {
			Symbol      string `json:"symbol"`
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
			ExecID      string `json:"execId"`
			Side        string `json:"side"`
			ExecPrice   string `json:"execPrice"`
			ExecQty     string `json:"execQty"`
			ExecFee     string `json:"execFee"`
			LeavesQty   string `json:"leavesQty"`
			ExecTime    string `json:"execTime"`
		} `json:"data"`
	}
	if err := json.Unmarshal(message, &envelope); err != nil {
		return nil, err
	}

	if envelope.Op != "" {
		if envelope.Success != nil && !*envelope.Success {
			return nil, NewBybitError(ErrCodeInvalidSignature, "stream request rejected", envelope.Op+": "+envelope.RetMsg)
		}
		return nil, nil
	}
	if envelope.Topic != "execution" {
		return nil, nil
	}

	execs := make([]Execution, 0, len(envelope.Data))
	for _, d := range envelope.Data {
		execs = append(execs, Execution{
			Symbol:      d.Symbol,
			OrderID:     d.OrderID,
			OrderLinkID: d.OrderLinkID,
			ExecID:      d.ExecID,
			Side:        OrderSide(d.Side),
			ExecPrice:   parseFloat64(d.ExecPrice),
			ExecQty:     parseFloat64(d.ExecQty),
			ExecFee:     parseFloat64(d.ExecFee),
			LeavesQty:   parseFloat64(d.LeavesQty),
			ExecTime:    parseTimestamp(d.ExecTime),
		})
	}
	return execs, nil
}

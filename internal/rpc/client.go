// Package rpc is a JSON-RPC 2.0 client over a single websocket connection,
// with request/response correlation and subscription routing.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zkVerify/zkVerify-qa/internal/common"
)

var (
	// ErrSubscriptionOverflow is reported when a subscriber falls too far behind
	ErrSubscriptionOverflow = errors.New("subscription buffer overflow")
)

// Error is a JSON-RPC error object returned by the node
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s: %s", e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Options configures the connection
type Options struct {
	WriteTimeout       time.Duration
	PingInterval       time.Duration
	PongTimeout        time.Duration
	MaxMessageSize     int64
	SubscriptionBuffer int
	UnsubscribeTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 60 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 * 1024 * 1024 // metadata is large
	}
	if o.SubscriptionBuffer <= 0 {
		o.SubscriptionBuffer = 128
	}
	if o.UnsubscribeTimeout <= 0 {
		o.UnsubscribeTimeout = 3 * time.Second
	}
}

type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type notification struct {
	Subscription json.RawMessage `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

type pendingCall struct {
	resp chan *message
	sub  *Subscription
}

// Client is safe for concurrent use
type Client struct {
	logger  *zap.Logger
	options Options
	conn    *websocket.Conn

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]*pendingCall
	subs    map[string]*Subscription

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to url. The caller bounds the handshake with ctx.
func Dial(ctx context.Context, url string, logger *zap.Logger, options Options) (*Client, error) {
	options.setDefaults()

	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: websocket.DefaultDialer.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("dial %s: %w", url, ctx.Err())
		}
		return nil, fmt.Errorf("dial %s: %w: %v", url, common.ErrConnectionFailed, err)
	}

	c := &Client{
		logger:  logger,
		options: options,
		conn:    conn,
		pending: make(map[uint64]*pendingCall),
		subs:    make(map[string]*Subscription),
		closed:  make(chan struct{}),
	}

	conn.SetReadLimit(options.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(options.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(options.PongTimeout))
	})

	go c.readLoop()
	go c.pingLoop()

	logger.Debug("Connected", zap.String("url", url))
	return c, nil
}

// Call invokes method and decodes the result into result, which may be nil
func (c *Client) Call(ctx context.Context, result any, method string, params ...any) error {
	resp, err := c.roundTrip(ctx, method, params, nil)
	if err != nil {
		return err
	}

	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

// Subscribe opens a subscription. Notifications published right after the
// subscribe response are never lost: the subscription is routable before
// Subscribe returns.
func (c *Client) Subscribe(ctx context.Context, method, unsubMethod string, params ...any) (*Subscription, error) {
	sub := &Subscription{
		client:      c,
		method:      method,
		unsubMethod: unsubMethod,
		ch:          make(chan json.RawMessage, c.options.SubscriptionBuffer),
		errCh:       make(chan error, 1),
	}

	if _, err := c.roundTrip(ctx, method, params, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Done is closed once the connection is gone
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Close closes the connection and fails every pending call and subscription
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	c.shutdown(common.ErrClosed)
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method string, params []any, sub *Subscription) (*message, error) {
	if params == nil {
		params = []any{}
	}

	id := c.nextID.Add(1)
	call := &pendingCall{resp: make(chan *message, 1), sub: sub}

	c.mu.Lock()
	if c.closeErr != nil {
		err := c.closeErr
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	c.pending[id] = call
	c.mu.Unlock()

	if err := c.write(request{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	select {
	case resp := <-call.resp:
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %w", method, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		c.dropPending(id)
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	case <-c.closed:
		return nil, fmt.Errorf("%s: %w", method, c.closeErr)
	}
}

func (c *Client) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout))
	if err := c.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("%w: %v", common.ErrConnectionLost, err)
	}
	return nil
}

func (c *Client) dropPending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("Websocket read error", zap.Error(err))
			}
			c.shutdown(fmt.Errorf("%w: %v", common.ErrConnectionLost, err))
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("Discarding malformed message", zap.Error(err))
			continue
		}

		switch {
		case msg.ID != nil:
			c.handleResponse(&msg)
		case msg.Method != "":
			c.handleNotification(&msg)
		}
	}
}

func (c *Client) handleResponse(msg *message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	call, ok := c.pending[*msg.ID]
	if !ok {
		return
	}
	delete(c.pending, *msg.ID)

	// Register before handing back so the first notification finds the subscription
	if call.sub != nil && msg.Error == nil {
		var id json.RawMessage
		if err := json.Unmarshal(msg.Result, &id); err != nil || len(id) == 0 {
			msg.Error = &Error{Code: -32603, Message: "invalid subscription id"}
		} else {
			call.sub.id = subscriptionKey(id)
			c.subs[call.sub.id] = call.sub
		}
	}

	call.resp <- msg
}

func (c *Client) handleNotification(msg *message) {
	var n notification
	if err := json.Unmarshal(msg.Params, &n); err != nil {
		c.logger.Warn("Discarding malformed notification",
			zap.String("method", msg.Method),
			zap.Error(err),
		)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	sub, ok := c.subs[subscriptionKey(n.Subscription)]
	if !ok {
		return
	}

	select {
	case sub.ch <- n.Result:
	default:
		c.logger.Warn("Subscriber too slow, dropping subscription",
			zap.String("method", sub.method),
			zap.String("subscription", sub.id),
		)
		c.removeLocked(sub, ErrSubscriptionOverflow)
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.options.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = err
		for _, sub := range c.subs {
			c.removeLocked(sub, err)
		}
		c.pending = make(map[uint64]*pendingCall)
		c.mu.Unlock()

		close(c.closed)
		_ = c.conn.Close()
	})
}

// removeLocked must be called with c.mu held
func (c *Client) removeLocked(sub *Subscription, err error) {
	if _, ok := c.subs[sub.id]; !ok {
		return
	}
	delete(c.subs, sub.id)

	if err != nil {
		select {
		case sub.errCh <- err:
		default:
		}
	}
	close(sub.ch)
}

func subscriptionKey(raw json.RawMessage) string {
	return strings.Trim(string(raw), `"`)
}

// Subscription delivers raw notification results in arrival order
type Subscription struct {
	client      *Client
	method      string
	unsubMethod string
	id          string
	ch          chan json.RawMessage
	errCh       chan error
	once        sync.Once
}

// ID returns the node-assigned subscription id
func (s *Subscription) ID() string {
	return s.id
}

// Notifications is closed when the subscription ends
func (s *Subscription) Notifications() <-chan json.RawMessage {
	return s.ch
}

// Err delivers the reason a subscription ended other than Unsubscribe
func (s *Subscription) Err() <-chan error {
	return s.errCh
}

// Unsubscribe stops delivery and tells the node. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		c := s.client

		c.mu.Lock()
		_, live := c.subs[s.id]
		c.removeLocked(s, nil)
		closed := c.closeErr != nil
		c.mu.Unlock()

		if !live || closed || s.unsubMethod == "" {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.options.UnsubscribeTimeout)
		defer cancel()
		var ok bool
		if err := c.Call(ctx, &ok, s.unsubMethod, s.id); err != nil {
			c.logger.Debug("Unsubscribe failed",
				zap.String("method", s.unsubMethod),
				zap.String("subscription", s.id),
				zap.Error(err),
			)
		}
	})
}

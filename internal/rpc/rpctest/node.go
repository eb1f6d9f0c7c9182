// Package rpctest runs an in-process JSON-RPC websocket node for tests.
package rpctest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handler answers one method call. A returned *Error is sent as the error object.
type Handler func(conn *Conn, params []json.RawMessage) (any, error)

// Error is returned by handlers to produce a JSON-RPC error
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// Node is a fake node serving registered handlers over websocket
type Node struct {
	logger *zap.Logger
	server *httptest.Server

	mu       sync.RWMutex
	handlers map[string]Handler
	conns    map[*Conn]struct{}

	subCounter atomic.Uint64
	calls      sync.Map // method -> *atomic.Int64
}

// Conn is one client connection
type Conn struct {
	node *Node
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	// run after the current reply is queued, only touched by readPump
	after []func()
}

type rpcMessage struct {
	ID     *json.RawMessage  `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// NewNode starts a node; it is closed by Close
func NewNode(logger *zap.Logger) *Node {
	n := &Node{
		logger:   logger,
		handlers: make(map[string]Handler),
		conns:    make(map[*Conn]struct{}),
	}
	n.server = httptest.NewServer(http.HandlerFunc(n.handleConnection))
	return n
}

// URL returns the ws:// address of the node
func (n *Node) URL() string {
	return "ws" + strings.TrimPrefix(n.server.URL, "http")
}

// Handle registers a method handler
func (n *Node) Handle(method string, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[method] = h
}

// HandleResult registers a handler returning a fixed result
func (n *Node) HandleResult(method string, result any) {
	n.Handle(method, func(*Conn, []json.RawMessage) (any, error) {
		return result, nil
	})
}

// NewSubscriptionID returns a fresh subscription id
func (n *Node) NewSubscriptionID() string {
	return fmt.Sprintf("sub-%d", n.subCounter.Add(1))
}

// Calls reports how many times method was invoked
func (n *Node) Calls(method string) int64 {
	v, ok := n.calls.Load(method)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// Broadcast sends a notification to every connection
func (n *Node) Broadcast(method, subscription string, result any) {
	n.mu.RLock()
	conns := make([]*Conn, 0, len(n.conns))
	for c := range n.conns {
		conns = append(conns, c)
	}
	n.mu.RUnlock()

	for _, c := range conns {
		c.Notify(method, subscription, result)
	}
}

// DropConnections closes every client connection abruptly
func (n *Node) DropConnections() {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for c := range n.conns {
		_ = c.ws.Close()
	}
}

// Close stops the node
func (n *Node) Close() {
	n.DropConnections()
	n.server.Close()
}

// AfterReply runs fn once the reply to the call being handled is queued
func (c *Conn) AfterReply(fn func()) {
	c.after = append(c.after, fn)
}

// Notify pushes a subscription notification to this connection
func (c *Conn) Notify(method, subscription string, result any) {
	c.enqueue(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params": map[string]any{
			"subscription": subscription,
			"result":       result,
		},
	})
}

func (c *Conn) enqueue(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.node.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}

	select {
	case c.send <- data:
	case <-c.done:
	}
}

func (n *Node) handleConnection(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		n.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	c := &Conn{
		node: n,
		ws:   ws,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
	}

	n.mu.Lock()
	n.conns[c] = struct{}{}
	n.mu.Unlock()

	go c.writePump()
	c.readPump()
}

func (c *Conn) readPump() {
	defer c.disconnect()

	for {
		var msg rpcMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			return
		}
		c.handleMessage(msg)
	}
}

func (c *Conn) writePump() {
	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) handleMessage(msg rpcMessage) {
	n := c.node
	counter, _ := n.calls.LoadOrStore(msg.Method, new(atomic.Int64))
	counter.(*atomic.Int64).Add(1)

	n.mu.RLock()
	h, ok := n.handlers[msg.Method]
	n.mu.RUnlock()

	reply := map[string]any{"jsonrpc": "2.0", "id": msg.ID}
	if !ok {
		reply["error"] = map[string]any{"code": -32601, "message": "Method not found"}
		c.enqueue(reply)
		return
	}

	result, err := h(c, msg.Params)
	if err != nil {
		code, text := -32000, err.Error()
		if rpcErr, ok := err.(*Error); ok {
			code, text = rpcErr.Code, rpcErr.Message
		}
		reply["error"] = map[string]any{"code": code, "message": text}
	} else {
		reply["result"] = result
	}
	c.enqueue(reply)

	after := c.after
	c.after = nil
	for _, fn := range after {
		fn()
	}
}

func (c *Conn) disconnect() {
	c.once.Do(func() {
		close(c.done)
		c.node.mu.Lock()
		delete(c.node.conns, c)
		c.node.mu.Unlock()
		_ = c.ws.Close()
	})
}

// Package jsonrpc implements the line-delimited JSON-RPC 2.0 transport for
// ACP (Agent Client Protocol) over an agent subprocess's stdio.
package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/codedeck/codedeck/internal/common/logger"
	"github.com/codedeck/codedeck/pkg/acp/protocol"
	"go.uber.org/zap"
)

// ErrClosed is returned for calls attempted on, or interrupted by, a closed
// transport.
var ErrClosed = fmt.Errorf("jsonrpc: transport closed")

// RequestHandler serves agent->client requests (permission prompts, file
// reads and writes). The returned result is marshaled into the response;
// a non-nil *protocol.Error is sent back instead of a result.
type RequestHandler func(ctx context.Context, method string, params json.RawMessage) (interface{}, *protocol.Error)

// NotificationHandler receives agent->client notifications such as
// session/update.
type NotificationHandler func(method string, params json.RawMessage)

// Client is a bidirectional JSON-RPC 2.0 peer over stdin/stdout streams.
// Outbound writes are serialized; request IDs increase monotonically; the
// pending-call table is owned exclusively by the client and drained with
// ErrClosed on shutdown.
type Client struct {
	stdin  io.Writer
	stdout io.Reader

	writeMu   sync.Mutex
	requestID atomic.Int64

	mu      sync.Mutex
	pending map[interface{}]chan *protocol.Response
	closed  bool

	onNotification NotificationHandler
	onRequest      RequestHandler

	logger    *logger.Logger
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient creates a new JSON-RPC client bound to an agent's stdio pipes.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:   stdin,
		stdout:  stdout,
		pending: make(map[interface{}]chan *protocol.Response),
		logger:  log.WithFields(zap.String("component", "acp-transport")),
		done:    make(chan struct{}),
	}
}

// SetNotificationHandler sets the handler for incoming notifications.
// Must be called before Start.
func (c *Client) SetNotificationHandler(handler NotificationHandler) {
	c.onNotification = handler
}

// SetRequestHandler sets the handler for incoming agent->client requests.
// Must be called before Start.
func (c *Client) SetRequestHandler(handler RequestHandler) {
	c.onRequest = handler
}

// Start begins reading frames from stdout.
func (c *Client) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Close stops the client and fails every pending call with ErrClosed.
// Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		c.closed = true
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
	})
}

// Call sends a request and waits for the matching response.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (*protocol.Response, error) {
	id := c.requestID.Add(1)

	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	req := &protocol.Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  paramsJSON,
	}

	respCh := make(chan *protocol.Response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(req); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, ErrClosed
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// Notify sends a notification (no response expected).
func (c *Client) Notify(method string, params interface{}) error {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	notif := &protocol.Notification{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
	}

	return c.send(notif)
}

// WriteRaw writes a pre-encoded JSON frame to the agent's stdin. Used by the
// gateway to pass browser JSON-RPC frames through unchanged.
func (c *Client) WriteRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	if len(data) == 0 || data[len(data)-1] != '\n' {
		data = append(data, '\n')
	}
	_, err := c.stdin.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write raw frame: %w", err)
	}
	return nil
}

func (c *Client) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	data = append(data, '\n')
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	c.logger.Debug("sent message", zap.String("data", string(data)))
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(c.stdout)
	// Increase buffer size for large messages
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		c.logger.Debug("received message", zap.String("data", string(line)))

		// A frame with a method is a request (has id) or a notification;
		// anything else with an id is a response to one of our calls.
		var frame protocol.Request
		if err := json.Unmarshal(line, &frame); err != nil {
			c.logger.Warn("received malformed frame", zap.String("data", string(line)))
			continue
		}

		switch {
		case frame.Method != "" && frame.ID != nil:
			c.handleRequest(ctx, &frame)
		case frame.Method != "":
			c.handleNotification(frame.Method, frame.Params)
		default:
			var resp protocol.Response
			if err := json.Unmarshal(line, &resp); err == nil && resp.ID != nil {
				c.handleResponse(&resp)
			} else {
				c.logger.Warn("received unknown message format", zap.String("data", string(line)))
			}
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("read loop error", zap.Error(err))
	}
}

func (c *Client) handleResponse(resp *protocol.Response) {
	// Pending entries are keyed by the int64 ids we issue; JSON numbers
	// decode as float64, so normalize before the table lookup.
	id := resp.ID
	if f, ok := id.(float64); ok {
		id = int64(f)
	}

	// Deliver under the lock: Close closes pending channels, so an
	// unlocked send could hit a just-closed channel.
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		ch <- resp
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("received response for unknown request", zap.Any("id", resp.ID))
	}
}

func (c *Client) handleNotification(method string, params json.RawMessage) {
	if c.onNotification != nil {
		c.onNotification(method, params)
	}
}

// handleRequest serves an agent->client request and writes the reply back
// under the same id. Runs on its own goroutine so a slow handler (e.g. a
// permission prompt) does not stall the read loop.
func (c *Client) handleRequest(ctx context.Context, req *protocol.Request) {
	go func() {
		resp := &protocol.Response{JSONRPC: "2.0", ID: req.ID}

		if c.onRequest == nil {
			resp.Error = &protocol.Error{
				Code:    protocol.MethodNotFound,
				Message: fmt.Sprintf("method not supported: %s", req.Method),
			}
		} else {
			result, rpcErr := c.onRequest(ctx, req.Method, req.Params)
			if rpcErr != nil {
				resp.Error = rpcErr
			} else {
				data, err := json.Marshal(result)
				if err != nil {
					resp.Error = &protocol.Error{
						Code:    protocol.InternalError,
						Message: fmt.Sprintf("failed to marshal result: %v", err),
					}
				} else {
					resp.Result = data
				}
			}
		}

		if err := c.send(resp); err != nil {
			c.logger.Error("failed to send response",
				zap.Any("id", req.ID),
				zap.String("method", req.Method),
				zap.Error(err))
		}
	}()
}

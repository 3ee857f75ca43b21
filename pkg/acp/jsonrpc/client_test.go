package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/codedeck/codedeck/internal/common/logger"
	"github.com/codedeck/codedeck/pkg/acp/protocol"
)

// testTransport wires a Client to in-memory pipes standing in for the
// agent subprocess's stdio.
type testTransport struct {
	client *Client
	// agentIn receives everything the client writes to the agent.
	agentIn *bufio.Scanner
	// agentOut is written to emit frames from the fake agent.
	agentOut io.Writer
	cancel   context.CancelFunc
}

func newTestTransport(t *testing.T) *testTransport {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	if err != nil {
		t.Fatalf("create logger: %v", err)
	}

	// os.Pipe rather than io.Pipe: the client's writes are synchronous, and
	// several tests write a frame before reading it back, which deadlocks on
	// an unbuffered in-memory pipe.
	stdinReader, stdinWriter, err := os.Pipe()
	if err != nil {
		t.Fatalf("create stdin pipe: %v", err)
	}
	stdoutReader, stdoutWriter, err := os.Pipe()
	if err != nil {
		t.Fatalf("create stdout pipe: %v", err)
	}

	client := NewClient(stdinWriter, stdoutReader, log)

	_, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		client.Close()
		stdinWriter.Close()
		stdoutWriter.Close()
	})

	return &testTransport{
		client:   client,
		agentIn:  bufio.NewScanner(stdinReader),
		agentOut: stdoutWriter,
		cancel:   cancel,
	}
}

func (tt *testTransport) readFrame(t *testing.T) map[string]interface{} {
	t.Helper()
	if !tt.agentIn.Scan() {
		t.Fatalf("agent stdin closed: %v", tt.agentIn.Err())
	}
	var frame map[string]interface{}
	if err := json.Unmarshal(tt.agentIn.Bytes(), &frame); err != nil {
		t.Fatalf("unmarshal frame %q: %v", tt.agentIn.Text(), err)
	}
	return frame
}

func TestCall_MatchesResponseByID(t *testing.T) {
	t.Parallel()

	tt := newTestTransport(t)
	tt.client.Start(context.Background())

	type result struct {
		resp *protocol.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := tt.client.Call(context.Background(), "initialize", map[string]int{"protocolVersion": 1})
		done <- result{resp, err}
	}()

	frame := tt.readFrame(t)
	if frame["method"] != "initialize" {
		t.Fatalf("method = %v, want initialize", frame["method"])
	}
	id := frame["id"].(float64)

	// Respond with a JSON number id; the client must normalize the
	// decoded float64 back to its int64 pending key.
	fmt.Fprintf(tt.agentOut, `{"jsonrpc":"2.0","id":%d,"result":{"protocolVersion":1}}`+"\n", int64(id))

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("call error: %v", r.err)
		}
		if r.resp.Error != nil {
			t.Fatalf("unexpected rpc error: %+v", r.resp.Error)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("call did not complete")
	}
}

func TestCall_ContextCancel(t *testing.T) {
	t.Parallel()

	tt := newTestTransport(t)
	tt.client.Start(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := tt.client.Call(ctx, "session/prompt", nil)
		done <- err
	}()

	tt.readFrame(t) // request reaches the agent, which never answers
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("call did not observe cancellation")
	}
}

func TestClose_FailsPendingCalls(t *testing.T) {
	t.Parallel()

	tt := newTestTransport(t)
	tt.client.Start(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := tt.client.Call(context.Background(), "session/new", nil)
		done <- err
	}()

	tt.readFrame(t)
	tt.client.Close()

	select {
	case err := <-done:
		if err != ErrClosed {
			t.Fatalf("err = %v, want ErrClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending call not drained on close")
	}

	// Calls after close fail immediately.
	if _, err := tt.client.Call(context.Background(), "session/new", nil); err != ErrClosed {
		t.Fatalf("post-close call err = %v, want ErrClosed", err)
	}
}

func TestNotificationDispatch(t *testing.T) {
	t.Parallel()

	tt := newTestTransport(t)

	got := make(chan string, 1)
	tt.client.SetNotificationHandler(func(method string, params json.RawMessage) {
		got <- method
	})
	tt.client.Start(context.Background())

	fmt.Fprintln(tt.agentOut, `{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s1"}}`)

	select {
	case method := <-got:
		if method != "session/update" {
			t.Fatalf("method = %q, want session/update", method)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notification not dispatched")
	}
}

func TestAgentRequest_AnsweredUnderSameID(t *testing.T) {
	t.Parallel()

	tt := newTestTransport(t)
	tt.client.SetRequestHandler(func(ctx context.Context, method string, params json.RawMessage) (interface{}, *protocol.Error) {
		if method != "fs/read_text_file" {
			return nil, &protocol.Error{Code: protocol.MethodNotFound, Message: "unknown"}
		}
		return map[string]string{"content": "data"}, nil
	})
	tt.client.Start(context.Background())

	fmt.Fprintln(tt.agentOut, `{"jsonrpc":"2.0","id":"req-7","method":"fs/read_text_file","params":{"path":"/x"}}`)

	frame := tt.readFrame(t)
	if frame["id"] != "req-7" {
		t.Fatalf("response id = %v, want req-7", frame["id"])
	}
	result := frame["result"].(map[string]interface{})
	if result["content"] != "data" {
		t.Fatalf("result = %v", result)
	}
}

func TestAgentRequest_NoHandler(t *testing.T) {
	t.Parallel()

	tt := newTestTransport(t)
	tt.client.Start(context.Background())

	fmt.Fprintln(tt.agentOut, `{"jsonrpc":"2.0","id":3,"method":"terminal/create","params":{}}`)

	frame := tt.readFrame(t)
	errObj := frame["error"].(map[string]interface{})
	if int(errObj["code"].(float64)) != protocol.MethodNotFound {
		t.Fatalf("error code = %v, want %d", errObj["code"], protocol.MethodNotFound)
	}
}

func TestWriteRaw_AppendsNewline(t *testing.T) {
	t.Parallel()

	tt := newTestTransport(t)

	if err := tt.client.WriteRaw([]byte(`{"jsonrpc":"2.0","method":"session/cancel"}`)); err != nil {
		t.Fatalf("WriteRaw: %v", err)
	}
	frame := tt.readFrame(t)
	if frame["method"] != "session/cancel" {
		t.Fatalf("method = %v", frame["method"])
	}
}

func TestNotify_NoIDField(t *testing.T) {
	t.Parallel()

	tt := newTestTransport(t)

	if err := tt.client.Notify("session/cancel", map[string]string{"sessionId": "s1"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	frame := tt.readFrame(t)
	if _, hasID := frame["id"]; hasID {
		t.Fatal("notification carries an id")
	}
}

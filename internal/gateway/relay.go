// Package gateway relays browser WebSocket connections to session hosts.
package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/codedeck/codedeck/internal/common/config"
	"github.com/codedeck/codedeck/internal/common/logger"
	"github.com/codedeck/codedeck/internal/session"
	"github.com/codedeck/codedeck/pkg/acp/protocol"
)

const (
	// writeWait bounds control frame writes to the peer.
	writeWait = 10 * time.Second

	// maxFrameSize limits inbound frames; prompts with embedded file
	// context can get large but anything past this is abuse.
	maxFrameSize = 1024 * 1024
)

type readResult struct {
	msgType int
	data    []byte
	err     error
}

// Relay drives a single viewer connection: it reads browser frames,
// classifies them, and dispatches to the session host. Outbound traffic
// flows through the viewer's write pump, not through the relay.
type Relay struct {
	host   *session.Host
	viewer *session.Viewer
	conn   *websocket.Conn
	cfg    config.SessionConfig
	logger *logger.Logger
}

// NewRelay creates a relay for an attached viewer.
func NewRelay(host *session.Host, viewer *session.Viewer, conn *websocket.Conn, cfg config.SessionConfig, log *logger.Logger) *Relay {
	return &Relay{
		host:   host,
		viewer: viewer,
		conn:   conn,
		cfg:    cfg,
		logger: log.WithFields(zap.String("viewer_id", viewer.ID)),
	}
}

func (r *Relay) readWait() time.Duration {
	ping := r.cfg.PingInterval
	if ping <= 0 {
		ping = 30 * time.Second
	}
	pong := r.cfg.PongTimeout
	if pong <= 0 {
		pong = 10 * time.Second
	}
	return ping + pong
}

// Run blocks until the connection drops, the viewer's write pump dies,
// or the context is cancelled. Liveness is dual-layer: protocol pings
// with a read deadline, plus application-level ping frames from
// browsers whose WebSocket stacks hide protocol pongs.
func (r *Relay) Run(ctx context.Context) {
	readWait := r.readWait()
	r.conn.SetReadLimit(maxFrameSize)
	_ = r.conn.SetReadDeadline(time.Now().Add(readWait))
	r.conn.SetPongHandler(func(string) error {
		return r.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	readCh := make(chan readResult)
	go func() {
		defer close(readCh)
		for {
			msgType, data, err := r.conn.ReadMessage()
			select {
			case readCh <- readResult{msgType, data, err}:
			case <-r.viewer.Done():
				return
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	pingInterval := r.cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.viewer.Done():
			return
		case <-ticker.C:
			// WriteControl is safe alongside the write pump's data writes.
			if err := r.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				r.logger.Debug("ping write failed", zap.Error(err))
				return
			}
		case res, ok := <-readCh:
			if !ok {
				return
			}
			if res.err != nil {
				if websocket.IsUnexpectedCloseError(res.err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					r.logger.Warn("viewer read error", zap.Error(res.err))
				}
				return
			}
			if res.msgType != websocket.TextMessage {
				continue
			}
			_ = r.conn.SetReadDeadline(time.Now().Add(readWait))
			r.dispatch(ctx, res.data)
		}
	}
}

// dispatch classifies one inbound frame and routes it.
func (r *Relay) dispatch(ctx context.Context, data []byte) {
	if isControl, controlType := session.ParseControlMessage(data); isControl {
		switch controlType {
		case session.MsgSelectAgent:
			var msg session.SelectAgentMessage
			if err := json.Unmarshal(data, &msg); err != nil || msg.AgentType == "" {
				r.logger.Warn("malformed select_agent message")
				return
			}
			// Selection spawns a process and handshakes; never block the
			// read loop on it.
			go r.host.SelectAgent(ctx, msg.AgentType)
		case session.MsgPing:
			r.host.SendPongToViewer(r.viewer.ID)
		default:
			r.logger.Debug("ignoring control message from viewer",
				zap.String("type", string(controlType)))
		}
		return
	}

	var probe struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		r.logger.Warn("dropping unparseable frame", zap.Error(err))
		return
	}

	switch probe.Method {
	case protocol.MethodSessionPrompt:
		if len(probe.ID) == 0 {
			r.logger.Warn("prompt without request id dropped")
			return
		}
		go r.host.HandlePrompt(ctx, probe.ID, probe.Params, r.viewer.ID)
	case protocol.MethodSessionCancel:
		r.host.CancelPrompt()
		r.host.CancelSession("cancelled by user")
	default:
		r.host.ForwardToAgent(data)
	}
}

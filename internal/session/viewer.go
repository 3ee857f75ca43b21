package session

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const viewerWriteWait = 10 * time.Second

// Viewer is one WebSocket connection attached to a Host. Each viewer has
// its own buffered send channel drained by a dedicated write pump, so one
// slow browser cannot stall the broadcast path.
type Viewer struct {
	ID     string
	conn   *websocket.Conn
	sendCh chan []byte
	done   chan struct{}
	once   sync.Once
}

// Done is closed when the viewer's write pump exits. The gateway selects
// on it to leave its read loop promptly after a write failure.
func (v *Viewer) Done() <-chan struct{} {
	return v.done
}

func (v *Viewer) close() {
	v.once.Do(func() { close(v.done) })
}

// writePump drains the send channel onto the WebSocket. It signals done
// before closing the connection so the gateway read loop notices the
// failure immediately instead of waiting out its read deadline.
func (h *Host) viewerWritePump(viewer *Viewer) {
	defer func() {
		viewer.close()
		viewer.conn.Close()
	}()

	for {
		select {
		case data, ok := <-viewer.sendCh:
			if !ok {
				return
			}
			viewer.conn.SetWriteDeadline(time.Now().Add(viewerWriteWait))
			if err := viewer.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Error("viewer write failed",
					zap.String("viewer_id", viewer.ID),
					zap.Error(err))
				return
			}
		case <-viewer.done:
			return
		case <-h.ctx.Done():
			return
		}
	}
}

// sendToViewer delivers a message without blocking. A full channel drops
// the message for that viewer only; it can reconnect and replay.
func (h *Host) sendToViewer(viewer *Viewer, data []byte) {
	select {
	case viewer.sendCh <- data:
	case <-viewer.done:
	default:
		h.logger.Warn("viewer send buffer full, dropping message",
			zap.String("viewer_id", viewer.ID))
	}
}

// sendToViewerPriority delivers a control or status message. When the
// channel is full it evicts one queued item and retries once, so state
// transitions are not lost under replay backpressure.
func (h *Host) sendToViewerPriority(viewer *Viewer, data []byte) {
	select {
	case viewer.sendCh <- data:
		return
	case <-viewer.done:
		return
	default:
	}

	select {
	case <-viewer.sendCh:
	default:
	}

	select {
	case viewer.sendCh <- data:
	case <-viewer.done:
	default:
		h.logger.Warn("viewer priority message dropped, buffer saturated",
			zap.String("viewer_id", viewer.ID))
	}
}

// sendToViewerWithTimeout blocks up to timeout for room in the channel.
// Used during replay where dropping would corrupt the transcript order.
func (h *Host) sendToViewerWithTimeout(viewer *Viewer, data []byte, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case viewer.sendCh <- data:
		return true
	case <-viewer.done:
		return false
	case <-timer.C:
		h.logger.Warn("viewer replay send timed out",
			zap.String("viewer_id", viewer.ID),
			zap.Duration("timeout", timeout))
		return false
	}
}

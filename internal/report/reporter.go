package report

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/codedeck/codedeck/internal/common/logger"
)

// Message is the unit of work enqueued into the outbox.
type Message struct {
	MessageID    string `json:"messageId"`
	SessionID    string `json:"sessionId"`
	Role         string `json:"role"`
	Content      string `json:"content"`
	ToolMetadata string `json:"toolMetadata,omitempty"` // JSON string
	Timestamp    string `json:"timestamp"`
}

// Reporter batches chat messages from the SQLite outbox and POSTs them to
// the control plane. All methods are nil-safe: a nil *Reporter is a no-op,
// which is how workspaces without a control plane link run.
type Reporter struct {
	cfg    Config
	db     *sql.DB
	client *http.Client
	logger *logger.Logger

	mu        sync.Mutex
	authToken string

	stopC chan struct{}
	doneC chan struct{}
}

// New creates a Reporter backed by the given SQLite database, runs the
// outbox migration, and starts the background flush goroutine.
//
// Returns (nil, nil) when cfg.Endpoint or cfg.WorkspaceID is empty, which
// disables transcript delivery without burdening callers with nil checks.
func New(db *sql.DB, cfg Config, log *logger.Logger) (*Reporter, error) {
	if db == nil {
		return nil, fmt.Errorf("report: db must not be nil")
	}
	if cfg.Endpoint == "" || cfg.WorkspaceID == "" {
		return nil, nil
	}

	cfg.applyDefaults()

	if err := migrateOutbox(db); err != nil {
		return nil, fmt.Errorf("report: migrate outbox: %w", err)
	}

	r := &Reporter{
		cfg:    cfg,
		db:     db,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		logger: log.WithFields(zap.String("component", "message-report")),
		stopC:  make(chan struct{}),
		doneC:  make(chan struct{}),
	}

	go r.flushLoop()
	return r, nil
}

// SetToken updates the authorization token used for HTTP POSTs.
func (r *Reporter) SetToken(token string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.authToken = token
	r.mu.Unlock()
}

// Enqueue inserts a message into the outbox for eventual delivery.
// Non-blocking and safe from any goroutine. Fails only when the outbox is
// at capacity.
func (r *Reporter) Enqueue(msg Message) error {
	if r == nil {
		return nil
	}

	var count int
	if err := r.db.QueryRow("SELECT COUNT(*) FROM message_outbox").Scan(&count); err != nil {
		return fmt.Errorf("report: count outbox: %w", err)
	}
	if count >= r.cfg.OutboxMaxSize {
		r.logger.Warn("outbox full, dropping message",
			zap.Int("outbox_size", count),
			zap.String("message_id", msg.MessageID))
		return fmt.Errorf("report: outbox full (%d/%d)", count, r.cfg.OutboxMaxSize)
	}

	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	// INSERT OR IGNORE gives crash-recovery dedup on the message_id
	// UNIQUE constraint.
	_, err := r.db.Exec(
		`INSERT OR IGNORE INTO message_outbox
			(message_id, session_id, role, content, tool_metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.MessageID, msg.SessionID, msg.Role, msg.Content, msg.ToolMetadata, msg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("report: insert outbox: %w", err)
	}
	return nil
}

// Shutdown stops the background goroutine, performs a final flush, and
// blocks until it exits.
func (r *Reporter) Shutdown() {
	if r == nil {
		return
	}
	close(r.stopC)
	<-r.doneC
}

func (r *Reporter) flushLoop() {
	defer close(r.doneC)

	ticker := time.NewTicker(r.cfg.BatchMaxWait)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopC:
			r.flush()
			return
		case <-ticker.C:
			r.flush()
		}
	}
}

// flush drains the outbox in batches. On transient failure the rows stay
// in place with a bumped attempts counter for the next tick.
func (r *Reporter) flush() {
	for {
		batch, err := r.readBatch()
		if err != nil {
			r.logger.Error("read batch failed", zap.Error(err))
			return
		}
		if len(batch) == 0 {
			return
		}

		if err := r.sendBatch(batch); err != nil {
			r.logger.Warn("send batch failed",
				zap.Int("count", len(batch)),
				zap.Error(err))
			r.bumpAttempts(batch)
			return
		}

		r.deleteBatch(batch)
	}
}

type outboxRow struct {
	id           int64
	messageID    string
	sessionID    string
	role         string
	content      string
	toolMetadata sql.NullString
	createdAt    string
}

func (r *Reporter) readBatch() ([]outboxRow, error) {
	rows, err := r.db.Query(
		`SELECT id, message_id, session_id, role, content, tool_metadata, created_at
		 FROM message_outbox
		 ORDER BY created_at ASC
		 LIMIT ?`,
		r.cfg.BatchMaxSize,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batch []outboxRow
	var totalBytes int
	for rows.Next() {
		var row outboxRow
		if err := rows.Scan(&row.id, &row.messageID, &row.sessionID, &row.role, &row.content, &row.toolMetadata, &row.createdAt); err != nil {
			return nil, err
		}
		rowBytes := len(row.content)
		if row.toolMetadata.Valid {
			rowBytes += len(row.toolMetadata.String)
		}
		// Respect the byte limit but always include at least one message.
		if len(batch) > 0 && totalBytes+rowBytes > r.cfg.BatchMaxBytes {
			break
		}
		batch = append(batch, row)
		totalBytes += rowBytes
	}
	return batch, rows.Err()
}

// sendBatch POSTs the batch with exponential backoff and jitter.
// Permanent client errors (400/401/403) discard the batch so a poison
// message cannot wedge the outbox.
func (r *Reporter) sendBatch(batch []outboxRow) error {
	r.mu.Lock()
	token := r.authToken
	r.mu.Unlock()

	if token == "" {
		return fmt.Errorf("no auth token yet")
	}

	messages := make([]Message, 0, len(batch))
	for _, row := range batch {
		m := Message{
			MessageID: row.messageID,
			SessionID: row.sessionID,
			Role:      row.role,
			Content:   row.content,
			Timestamp: row.createdAt,
		}
		if row.toolMetadata.Valid {
			m.ToolMetadata = row.toolMetadata.String
		}
		messages = append(messages, m)
	}

	body, err := json.Marshal(map[string]interface{}{"messages": messages})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	url := strings.TrimRight(r.cfg.Endpoint, "/") +
		"/api/v1/workspaces/" + r.cfg.WorkspaceID + "/messages"

	delay := r.cfg.RetryInitial
	start := time.Now()

	for {
		statusCode, err := r.doPost(url, token, body)
		if err == nil && statusCode >= 200 && statusCode < 300 {
			return nil
		}

		if statusCode == http.StatusBadRequest || statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
			r.logger.Warn("permanent error, discarding batch",
				zap.Int("status_code", statusCode),
				zap.Int("count", len(batch)))
			r.deleteBatch(batch)
			return nil
		}

		if time.Since(start) > r.cfg.RetryMaxElapsed {
			return fmt.Errorf("retries exhausted after %v (last status=%d, err=%v)",
				time.Since(start), statusCode, err)
		}

		select {
		case <-r.stopC:
			return fmt.Errorf("shutdown during retry")
		default:
		}

		jitter := time.Duration(rand.Int63n(int64(delay) / 2))
		timer := time.NewTimer(delay + jitter)
		select {
		case <-timer.C:
		case <-r.stopC:
			timer.Stop()
			return fmt.Errorf("shutdown during backoff")
		}

		delay = time.Duration(math.Min(float64(delay*2), float64(r.cfg.RetryMax)))
	}
}

func (r *Reporter) doPost(url, token string, body []byte) (int, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (r *Reporter) bumpAttempts(batch []outboxRow) {
	now := time.Now().UTC().Format(time.RFC3339)
	for _, row := range batch {
		if _, err := r.db.Exec(
			"UPDATE message_outbox SET attempts = attempts + 1, last_attempt_at = ? WHERE id = ?",
			now, row.id,
		); err != nil {
			r.logger.Error("bump attempts failed", zap.Int64("id", row.id), zap.Error(err))
		}
	}
}

func (r *Reporter) deleteBatch(batch []outboxRow) {
	for _, row := range batch {
		if _, err := r.db.Exec("DELETE FROM message_outbox WHERE id = ?", row.id); err != nil {
			r.logger.Error("delete outbox row failed", zap.Int64("id", row.id), zap.Error(err))
		}
	}
}

package report

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codedeck/codedeck/internal/common/logger"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func testReportLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	return log
}

func testConfig(endpoint string) Config {
	cfg := DefaultConfig()
	cfg.Endpoint = endpoint
	cfg.WorkspaceID = "ws-1"
	cfg.BatchMaxWait = 50 * time.Millisecond
	cfg.RetryInitial = 10 * time.Millisecond
	cfg.RetryMax = 50 * time.Millisecond
	cfg.RetryMaxElapsed = 500 * time.Millisecond
	return cfg
}

func outboxCount(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM message_outbox").Scan(&n))
	return n
}

func TestNew_DisabledWithoutEndpoint(t *testing.T) {
	db := testDB(t)

	r, err := New(db, Config{}, testReportLogger(t))
	require.NoError(t, err)
	assert.Nil(t, r)

	// Every method is a no-op on the nil reporter.
	require.NoError(t, r.Enqueue(Message{MessageID: "m1"}))
	r.SetToken("x")
	r.Shutdown()
}

func TestEnqueue_DedupesOnMessageID(t *testing.T) {
	db := testDB(t)

	r, err := New(db, testConfig("http://127.0.0.1:1"), testReportLogger(t))
	require.NoError(t, err)
	require.NotNil(t, r)
	defer r.Shutdown()
	// No token set, so nothing is delivered while we inspect the outbox.

	require.NoError(t, r.Enqueue(Message{MessageID: "m1", SessionID: "s1", Role: "user", Content: "hi"}))
	require.NoError(t, r.Enqueue(Message{MessageID: "m1", SessionID: "s1", Role: "user", Content: "hi"}))
	require.NoError(t, r.Enqueue(Message{MessageID: "m2", SessionID: "s1", Role: "assistant", Content: "yo"}))

	assert.Equal(t, 2, outboxCount(t, db))
}

func TestEnqueue_OutboxFull(t *testing.T) {
	db := testDB(t)

	cfg := testConfig("http://127.0.0.1:1")
	cfg.OutboxMaxSize = 1
	r, err := New(db, cfg, testReportLogger(t))
	require.NoError(t, err)
	defer r.Shutdown()

	require.NoError(t, r.Enqueue(Message{MessageID: "m1", Content: "a"}))
	assert.Error(t, r.Enqueue(Message{MessageID: "m2", Content: "b"}))
}

func TestFlush_DeliversBatch(t *testing.T) {
	db := testDB(t)

	var mu sync.Mutex
	var delivered []Message
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var payload struct {
			Messages []Message `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(req.Body).Decode(&payload))
		mu.Lock()
		delivered = append(delivered, payload.Messages...)
		gotAuth = req.Header.Get("Authorization")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	r, err := New(db, testConfig(server.URL), testReportLogger(t))
	require.NoError(t, err)
	r.SetToken("secret")

	require.NoError(t, r.Enqueue(Message{MessageID: "m1", SessionID: "s1", Role: "user", Content: "hello"}))
	require.NoError(t, r.Enqueue(Message{MessageID: "m2", SessionID: "s1", Role: "assistant", Content: "world"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 2
	}, 5*time.Second, 20*time.Millisecond)

	r.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "m1", delivered[0].MessageID)
	assert.Equal(t, "m2", delivered[1].MessageID)
	assert.Equal(t, 0, outboxCount(t, db))
}

func TestFlush_PermanentErrorDiscardsBatch(t *testing.T) {
	db := testDB(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	r, err := New(db, testConfig(server.URL), testReportLogger(t))
	require.NoError(t, err)
	r.SetToken("bad")

	require.NoError(t, r.Enqueue(Message{MessageID: "m1", Content: "poison"}))

	require.Eventually(t, func() bool {
		return outboxCount(t, db) == 0
	}, 5*time.Second, 20*time.Millisecond)

	r.Shutdown()
}

func TestFlush_TransientErrorKeepsRows(t *testing.T) {
	db := testDB(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	r, err := New(db, testConfig(server.URL), testReportLogger(t))
	require.NoError(t, err)
	r.SetToken("tok")

	require.NoError(t, r.Enqueue(Message{MessageID: "m1", Content: "retry me"}))

	// Give the flush loop time to fail at least once.
	require.Eventually(t, func() bool {
		var attempts int
		err := db.QueryRow("SELECT attempts FROM message_outbox WHERE message_id = 'm1'").Scan(&attempts)
		return err == nil && attempts > 0
	}, 5*time.Second, 20*time.Millisecond)

	r.Shutdown()
	assert.Equal(t, 1, outboxCount(t, db))
}

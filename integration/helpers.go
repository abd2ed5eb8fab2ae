//go:build integration

package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

// TempDBPath creates a temporary database path for testing
func TempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

// fakeBackend is an in-process stand-in for the backend command surface
// and its event socket.
type fakeBackend struct {
	t *testing.T

	commands *httptest.Server
	events   *httptest.Server

	mu        sync.Mutex
	nextID    int
	cancelled []string
	snapshots map[string]map[string]any

	connMu sync.Mutex
	conn   *websocket.Conn
	ready  chan struct{}
}

// newFakeBackend starts command and event servers. Callers must Close it.
func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{
		t:         t,
		snapshots: make(map[string]map[string]any),
		ready:     make(chan struct{}),
	}

	fb.commands = httptest.NewServer(http.HandlerFunc(fb.handleCommand))

	upgrader := websocket.Upgrader{}
	fb.events = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		fb.connMu.Lock()
		fb.conn = conn
		fb.connMu.Unlock()
		close(fb.ready)
		conn.ReadMessage()
	}))

	return fb
}

func (fb *fakeBackend) Close() {
	fb.connMu.Lock()
	if fb.conn != nil {
		fb.conn.Close()
	}
	fb.connMu.Unlock()
	fb.events.Close()
	fb.commands.Close()
}

// CommandURL returns the backend command base URL
func (fb *fakeBackend) CommandURL() string { return fb.commands.URL }

// EventURL returns the websocket event URL
func (fb *fakeBackend) EventURL() string {
	return "ws" + strings.TrimPrefix(fb.events.URL, "http")
}

// SetSnapshot installs the response for get_<category>_snapshot
func (fb *fakeBackend) SetSnapshot(runID string, snap map[string]any) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.snapshots[runID] = snap
}

// Cancelled returns run ids the backend was asked to cancel
func (fb *fakeBackend) Cancelled() []string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]string(nil), fb.cancelled...)
}

// Emit writes one frame on the event socket
func (fb *fakeBackend) Emit(frame map[string]any) {
	select {
	case <-fb.ready:
	default:
		fb.t.Fatal("event socket not connected")
	}
	data, err := json.Marshal(frame)
	if err != nil {
		fb.t.Fatal(err)
	}
	fb.connMu.Lock()
	defer fb.connMu.Unlock()
	if err := fb.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		fb.t.Fatalf("emit failed: %v", err)
	}
}

// WaitConnected blocks until the feed has dialed the event socket
func (fb *fakeBackend) WaitConnected() <-chan struct{} { return fb.ready }

func (fb *fakeBackend) handleCommand(w http.ResponseWriter, r *http.Request) {
	command := strings.TrimPrefix(r.URL.Path, "/commands/")

	var body map[string]any
	json.NewDecoder(r.Body).Decode(&body)

	fb.mu.Lock()
	defer fb.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasPrefix(command, "start_"):
		fb.nextID++
		json.NewEncoder(w).Encode(map[string]any{"run_id": runID(fb.nextID)})

	case strings.HasPrefix(command, "cancel_"):
		if id, ok := body["run_id"].(string); ok {
			fb.cancelled = append(fb.cancelled, id)
		}
		json.NewEncoder(w).Encode(map[string]any{})

	case strings.HasPrefix(command, "get_") && strings.HasSuffix(command, "_snapshot"):
		id, _ := body["run_id"].(string)
		snap, ok := fb.snapshots[id]
		if !ok {
			http.Error(w, "no such run", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(snap)

	case strings.HasPrefix(command, "list_"):
		ids := make([]string, 0, len(fb.snapshots))
		for id := range fb.snapshots {
			ids = append(ids, id)
		}
		json.NewEncoder(w).Encode(map[string]any{"run_ids": ids})

	default:
		http.Error(w, "unknown command", http.StatusNotFound)
	}
}

func runID(n int) string {
	return fmt.Sprintf("backend-run-%d", n)
}

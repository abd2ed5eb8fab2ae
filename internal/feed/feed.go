// Package feed maintains the websocket connection to the backend's event
// stream and republishes every decoded envelope onto the in-process bus.
// The feed is transport only: correlation and status decisions live with
// the subscribers.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/personadesk/run-orchestrator/internal/bus"
	"github.com/personadesk/run-orchestrator/internal/domain"
)

// Backoff constants for reconnection
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2
)

// calculateBackoff returns the delay for a given attempt number using exponential backoff
func calculateBackoff(attempt int) time.Duration {
	delay := initialBackoff
	for i := 0; i < attempt; i++ {
		delay *= backoffFactor
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// pingWait is how long we wait for a ping from the backend before timing out
const pingWait = 90 * time.Second

// writeWait is time allowed to write a control message
const writeWait = 10 * time.Second

// frame is one message on the backend event socket: a run envelope tagged
// with its category topic.
type frame struct {
	Category string `json:"category"`
	domain.EventEnvelope
}

// Feed pumps backend event frames onto the bus.
type Feed struct {
	url string
	bus *bus.Bus

	mu   sync.Mutex
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a feed for the given websocket URL.
func New(url string, b *bus.Bus) *Feed {
	ctx, cancel := context.WithCancel(context.Background())
	return &Feed{url: url, bus: b, ctx: ctx, cancel: cancel}
}

// Connect establishes the websocket connection to the backend.
func (f *Feed) Connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pingWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pingWait))
		deadline := time.Now().Add(writeWait)
		return conn.WriteControl(websocket.PongMessage, []byte(appData), deadline)
	})

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	return nil
}

// Run reads frames until the connection drops or the feed is stopped.
// Frames that fail to decode are logged and skipped; a bad frame must not
// take the stream down.
func (f *Feed) Run() error {
	for {
		select {
		case <-f.ctx.Done():
			return nil
		default:
		}

		_, message, err := f.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}
		f.conn.SetReadDeadline(time.Now().Add(pingWait))

		var fr frame
		if err := json.Unmarshal(message, &fr); err != nil {
			log.Printf("feed: invalid frame: %v", err)
			continue
		}
		if fr.Category == "" {
			log.Printf("feed: frame without category, dropping")
			continue
		}

		f.bus.Publish(domain.RunCategory(fr.Category), fr.EventEnvelope)
	}
}

// RunWithReconnect runs the feed with automatic reconnection until ctx is
// cancelled. Cancellation closes the live connection, which is the only
// way to unblock a read parked on the socket.
func (f *Feed) RunWithReconnect(ctx context.Context) error {
	stop := context.AfterFunc(ctx, f.Stop)
	defer stop()

	attempt := 0

	for {
		select {
		case <-f.ctx.Done():
			return nil
		default:
		}

		if err := f.Connect(); err != nil {
			delay := calculateBackoff(attempt)
			log.Printf("feed: connection failed: %v, retrying in %v", err, delay)
			attempt++

			select {
			case <-f.ctx.Done():
				return nil
			case <-time.After(delay):
				continue
			}
		}

		attempt = 0
		log.Printf("feed: connected to %s", f.url)

		err := f.Run()

		f.mu.Lock()
		if f.conn != nil {
			f.conn.Close()
			f.conn = nil
		}
		f.mu.Unlock()

		if err != nil {
			log.Printf("feed: disconnected: %v", err)
		}

		select {
		case <-f.ctx.Done():
			return nil
		default:
		}
	}
}

// Stop shuts the feed down and closes the connection.
func (f *Feed) Stop() {
	f.cancel()
	f.mu.Lock()
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	f.mu.Unlock()
}

// Package correlator binds a subscriber to exactly one run identity so
// that late output from superseded or cancelled runs on the same category
// topic is never observed.
package correlator

import (
	"context"
	"log"
	"sync"

	"github.com/personadesk/run-orchestrator/internal/bus"
	"github.com/personadesk/run-orchestrator/internal/domain"
)

// Handler receives accepted envelopes together with their normalized
// canonical status.
type Handler func(env domain.EventEnvelope, status domain.RunStatus)

// Correlator filters a category topic down to a single run.
//
// The latch starts empty: the start call's run id may arrive after the
// first stream event, so the correlator accepts whichever id it observes
// first and latches to it. Everything else on the topic is discarded with
// no state change and no error.
type Correlator struct {
	category domain.RunCategory
	sub      *bus.Subscription
	handler  Handler

	mu      sync.Mutex
	latched string
	closed  bool
}

// New creates a correlator over an existing topic subscription.
func New(category domain.RunCategory, sub *bus.Subscription, handler Handler) *Correlator {
	return &Correlator{category: category, sub: sub, handler: handler}
}

// Latch pins the correlator to a run id if no id has been observed yet.
// Called by the registry when the start invocation returns before the
// first envelope arrives; the reverse ordering is handled by offer.
func (c *Correlator) Latch(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latched == "" {
		c.latched = runID
	}
}

// LatchedRunID returns the currently latched run id, or "" before latching.
func (c *Correlator) LatchedRunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latched
}

// Run consumes the subscription until the run reaches a terminal envelope,
// the subscription closes, or ctx is done. It always unsubscribes on exit.
func (c *Correlator) Run(ctx context.Context) {
	defer c.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-c.sub.C:
			if !ok {
				return
			}
			deliver, terminal := c.offer(&env)
			if deliver {
				status, known := domain.NormalizeStatus(c.category, env.Status)
				if !known {
					log.Printf("correlator %s: unknown status token %q from run %s, treating as failed", c.category, env.Status, env.RunID)
				}
				c.handler(env, status)
			}
			if terminal {
				return
			}
		}
	}
}

// Close releases the latch and the underlying subscription.
func (c *Correlator) Close() {
	c.mu.Lock()
	c.closed = true
	c.latched = ""
	c.mu.Unlock()
	c.sub.Unsubscribe()
}

// offer decides whether an envelope belongs to this correlator's run.
// Malformed envelopes are dropped silently: one bad event must not stall
// the run.
func (c *Correlator) offer(env *domain.EventEnvelope) (deliver, terminal bool) {
	if !env.Valid() {
		return false, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false, false
	}
	if c.latched == "" {
		c.latched = env.RunID
	}
	if env.RunID != c.latched {
		return false, false
	}

	status, _ := domain.NormalizeStatus(c.category, env.Status)
	if status == domain.StatusCancelled {
		return true, true
	}
	if env.Final() && domain.IsTerminal(status) {
		return true, true
	}
	return true, false
}

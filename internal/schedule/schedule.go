// Package schedule fires configured triggers on cron expressions, starting
// backend runs unattended. A trigger that lands while its slot is busy is
// skipped and retried on its next cron occurrence.
package schedule

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/personadesk/run-orchestrator/internal/config"
	"github.com/personadesk/run-orchestrator/internal/domain"
)

// Starter starts a run on a slot. It is the registry's Start method in
// production.
type Starter func(ctx context.Context, category domain.RunCategory, subjectKey string, params map[string]any) (domain.Run, error)

// Scheduler manages cron-triggered runs
type Scheduler struct {
	triggers map[string]config.TriggerConfig
	parser   cron.Parser
	lastRun  map[string]time.Time
	running  map[string]bool
	mu       sync.RWMutex
	stopChan chan struct{}
}

// NewScheduler creates a scheduler over the configured triggers
func NewScheduler(triggers []config.TriggerConfig) (*Scheduler, error) {
	s := &Scheduler{
		triggers: make(map[string]config.TriggerConfig),
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		lastRun:  make(map[string]time.Time),
		running:  make(map[string]bool),
		stopChan: make(chan struct{}),
	}

	for _, trig := range triggers {
		if _, err := s.parser.Parse(trig.Schedule); err != nil {
			return nil, err
		}
		s.triggers[trig.Name] = trig
	}

	return s, nil
}

// ParseCron parses a cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// NextRun returns the next scheduled time for a trigger
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trig, ok := s.triggers[name]
	if !ok {
		return time.Time{}
	}

	sched, err := s.parser.Parse(trig.Schedule)
	if err != nil {
		return time.Time{}
	}

	return sched.Next(time.Now())
}

// ShouldRun returns true if a trigger is due now
func (s *Scheduler) ShouldRun(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trig, ok := s.triggers[name]
	if !ok {
		return false
	}

	if s.running[name] {
		return false
	}

	sched, err := s.parser.Parse(trig.Schedule)
	if err != nil {
		return false
	}

	lastRun := s.lastRun[name]
	if lastRun.IsZero() {
		lastRun = time.Now().Add(-24 * time.Hour)
	}

	nextRun := sched.Next(lastRun)
	return time.Now().After(nextRun)
}

// MarkRunning marks a trigger as currently firing
func (s *Scheduler) MarkRunning(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = true
}

// MarkComplete records a firing as finished
func (s *Scheduler) MarkComplete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = false
	s.lastRun[name] = time.Now()
}

// GetTrigger returns a trigger by name
func (s *Scheduler) GetTrigger(name string) (config.TriggerConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	trig, ok := s.triggers[name]
	return trig, ok
}

// ListTriggers returns all trigger names
func (s *Scheduler) ListTriggers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.triggers))
	for name := range s.triggers {
		names = append(names, name)
	}
	return names
}

// Start begins the scheduler loop, starting due triggers through start.
// Blocks until Stop or ctx cancellation.
func (s *Scheduler) Start(ctx context.Context, start Starter) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			for name := range s.triggers {
				if s.ShouldRun(name) {
					trig, _ := s.GetTrigger(name)
					s.MarkRunning(name)
					go func(t config.TriggerConfig) {
						defer s.MarkComplete(t.Name)
						s.fire(ctx, t, start)
					}(trig)
				}
			}
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, trig config.TriggerConfig, start Starter) {
	run, err := start(ctx, domain.RunCategory(trig.Category), trig.SubjectKey, trig.Params)
	if err != nil {
		var busy *domain.SlotBusyError
		if errors.As(err, &busy) {
			log.Printf("schedule: trigger %s skipped, slot %s/%s busy", trig.Name, trig.Category, trig.SubjectKey)
			return
		}
		log.Printf("schedule: trigger %s failed: %v", trig.Name, err)
		return
	}
	log.Printf("schedule: trigger %s started run %s", trig.Name, run.ID)
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	close(s.stopChan)
}

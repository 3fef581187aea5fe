// Package sched runs periodic background tasks on a one second tick,
// gated by a Tempo derived from how long the system has been idle. Each
// task is guarded by its own circuit breaker so a repeatedly failing task
// benches itself instead of burning the interval forever.
package sched

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/halcyonlabs/halcyon/internal/breaker"
	"github.com/halcyonlabs/halcyon/internal/track"
)

// Tempo is the system idleness level. Deeper tempos admit heavier work.
type Tempo string

const (
	TempoFocused    Tempo = "FOCUSED"    // user active within the last minute
	TempoAlert      Tempo = "ALERT"      // idle under five minutes
	TempoReflective Tempo = "REFLECTIVE" // idle under thirty minutes
	TempoDeep       Tempo = "DEEP"       // idle thirty minutes or more
)

// Idle thresholds for the tempo ladder.
const (
	focusedIdle    = time.Minute
	alertIdle      = 5 * time.Minute
	reflectiveIdle = 30 * time.Minute
)

func tempoRank(t Tempo) int {
	switch t {
	case TempoFocused:
		return 0
	case TempoAlert:
		return 1
	case TempoReflective:
		return 2
	default:
		return 3
	}
}

// Task is one periodic job. MinTempo is the least idle the system must be
// before the task runs; essential tasks use TempoFocused so they always run.
type Task struct {
	Name     string
	Run      func(ctx context.Context) error
	Interval time.Duration
	MinTempo Tempo
	Timeout  time.Duration // per-run deadline; zero means a minute
}

type taskState struct {
	Task
	lastRun time.Time
	running bool
}

// Scheduler owns the tick loop. Register tasks before Start.
type Scheduler struct {
	mu       sync.Mutex
	tasks    []*taskState
	breakers *breaker.Registry
	tracker  *track.Tracker

	lastInput time.Time
	now       func() time.Time

	wg sync.WaitGroup
}

func New(breakers *breaker.Registry, tracker *track.Tracker) *Scheduler {
	return &Scheduler{
		breakers:  breakers,
		tracker:   tracker,
		lastInput: time.Now(),
		now:       time.Now,
	}
}

// Register adds a task. Its breaker is configured so three straight
// failures bench it for five minutes.
func (s *Scheduler) Register(t Task) {
	if t.Timeout <= 0 {
		t.Timeout = time.Minute
	}
	if t.MinTempo == "" {
		t.MinTempo = TempoFocused
	}
	s.breakers.Configure("task:"+t.Name, breaker.Config{
		FailureThreshold: 3,
		Cooldown:         5 * time.Minute,
	})
	s.mu.Lock()
	s.tasks = append(s.tasks, &taskState{Task: t})
	s.mu.Unlock()
}

// NoteActivity records a user interaction, resetting the tempo ladder.
func (s *Scheduler) NoteActivity() {
	s.mu.Lock()
	s.lastInput = s.now()
	s.mu.Unlock()
}

// CurrentTempo derives the tempo from time since the last user input.
func (s *Scheduler) CurrentTempo() Tempo {
	s.mu.Lock()
	idle := s.now().Sub(s.lastInput)
	s.mu.Unlock()
	switch {
	case idle < focusedIdle:
		return TempoFocused
	case idle < alertIdle:
		return TempoAlert
	case idle < reflectiveIdle:
		return TempoReflective
	default:
		return TempoDeep
	}
}

// Start runs the tick loop until ctx is cancelled, then waits for in-flight
// task runs to finish.
func (s *Scheduler) Start(ctx context.Context) {
	log.Printf("[Scheduler] Starting with %d tasks", len(s.tasks))
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			log.Println("[Scheduler] Stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	tempo := s.CurrentTempo()
	now := s.now()

	s.mu.Lock()
	due := make([]*taskState, 0, len(s.tasks))
	for _, t := range s.tasks {
		if t.running || now.Sub(t.lastRun) < t.Interval {
			continue
		}
		if tempoRank(tempo) < tempoRank(t.MinTempo) {
			continue
		}
		t.running = true
		t.lastRun = now
		due = append(due, t)
	}
	s.mu.Unlock()

	for _, t := range due {
		s.wg.Add(1)
		go s.run(ctx, t)
	}
}

func (s *Scheduler) run(ctx context.Context, t *taskState) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		t.running = false
		s.mu.Unlock()
	}()

	key := "task:" + t.Name
	if err := s.breakers.Allow(key); err != nil {
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	started := s.now()
	err := t.Run(runCtx)
	if s.tracker != nil {
		s.tracker.RecordOp(track.OpMetric{
			Component:  "scheduler",
			Operation:  t.Name,
			DurationMs: s.now().Sub(started).Milliseconds(),
			StartedAt:  started,
			OK:         err == nil,
		})
	}
	if err != nil {
		if ctx.Err() != nil {
			return // shutdown, not a task failure
		}
		log.Printf("[Scheduler] Task %s failed: %v", t.Name, err)
		s.breakers.RecordFailure(key, err.Error())
		if s.tracker != nil {
			s.tracker.RecordError("task:"+t.Name, "", err.Error())
		}
		return
	}
	s.breakers.RecordSuccess(key)
}

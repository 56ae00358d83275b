package automation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/linktrack/backend/internal/models"
	"go.uber.org/zap"
)

// WatchKind is the monitoring mode of a campaign.
type WatchKind int

const (
	WatchNone WatchKind = iota
	WatchActive
	WatchPaused
)

func (k WatchKind) String() string {
	switch k {
	case WatchActive:
		return "active_watch"
	case WatchPaused:
		return "paused_watch"
	default:
		return "none"
	}
}

func (k WatchKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// WatchFor maps an automation state to the watch that monitors it.
func WatchFor(s models.AutomationState) WatchKind {
	switch {
	case s.IsActive():
		return WatchActive
	case s.Known():
		return WatchPaused
	}
	return WatchNone
}

// TickFunc evaluates one campaign. StateMachine.Tick satisfies it.
type TickFunc func(ctx context.Context, id uuid.UUID) (*Result, error)

// TaskInfo describes one live monitoring task.
type TaskInfo struct {
	CampaignID uuid.UUID `json:"campaign_id"`
	Kind       WatchKind `json:"kind"`
	StartedAt  time.Time `json:"started_at"`
}

type task struct {
	kind      WatchKind
	cancel    context.CancelFunc
	startedAt time.Time
}

// Scheduler owns at most one live monitoring task per campaign id. Every
// mutation of the task map goes through its methods.
type Scheduler struct {
	tick      TickFunc
	intervals map[WatchKind]time.Duration

	mu     sync.Mutex
	tasks  map[uuid.UUID]*task
	closed bool

	wg      sync.WaitGroup
	running atomic.Int64
	log     *zap.Logger
}

func NewScheduler(tick TickFunc, activeInterval, pausedInterval time.Duration, log *zap.Logger) *Scheduler {
	if activeInterval <= 0 {
		activeInterval = time.Minute
	}
	if pausedInterval <= 0 {
		pausedInterval = time.Minute
	}
	return &Scheduler{
		tick: tick,
		intervals: map[WatchKind]time.Duration{
			WatchActive: activeInterval,
			WatchPaused: pausedInterval,
		},
		tasks: make(map[uuid.UUID]*task),
		log:   log,
	}
}

// Watch starts a task of the given kind, cancelling any existing task for id
// first. The first tick fires after firstDelay. After StopAll it is a no-op.
func (s *Scheduler) Watch(id uuid.UUID, kind WatchKind, firstDelay time.Duration) {
	if kind == WatchNone {
		s.Stop(id)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{kind: kind, cancel: cancel, startedAt: time.Now()}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		s.log.Debug("scheduler stopped, watch ignored", zap.String("campaign_id", id.String()))
		return
	}
	if old, ok := s.tasks[id]; ok {
		old.cancel()
	}
	s.tasks[id] = t
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.Debug("monitoring task started",
		zap.String("campaign_id", id.String()),
		zap.Stringer("kind", kind),
	)
	go s.run(ctx, id, t, firstDelay)
}

// Stop cancels and removes the task for id, if any.
func (s *Scheduler) Stop(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.cancel()
		delete(s.tasks, id)
	}
}

// StopAll cancels every task and waits for their goroutines to exit. The
// scheduler accepts no new tasks afterwards.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	s.closed = true
	for id, t := range s.tasks {
		t.cancel()
		delete(s.tasks, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Kind returns the kind of the live task for id, or WatchNone.
func (s *Scheduler) Kind(id uuid.UUID) WatchKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		return t.kind
	}
	return WatchNone
}

// Len returns the number of registered tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Running returns the number of task goroutines that have not exited yet.
func (s *Scheduler) Running() int {
	return int(s.running.Load())
}

// Tasks lists the live tasks ordered by start time.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.Lock()
	out := make([]TaskInfo, 0, len(s.tasks))
	for id, t := range s.tasks {
		out = append(out, TaskInfo{CampaignID: id, Kind: t.kind, StartedAt: t.startedAt})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// IDs returns the campaign ids that currently have a task.
func (s *Scheduler) IDs() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	return ids
}

func (s *Scheduler) run(ctx context.Context, id uuid.UUID, t *task, firstDelay time.Duration) {
	s.running.Add(1)
	defer s.running.Add(-1)
	defer s.wg.Done()

	if firstDelay < 0 {
		firstDelay = 0
	}
	timer := time.NewTimer(firstDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		next, stop := s.fire(ctx, id, t.kind)
		if ctx.Err() != nil {
			return
		}
		if stop {
			s.remove(id, t)
			return
		}
		if next != t.kind {
			s.replace(id, t, next)
			return
		}
		timer.Reset(s.intervals[t.kind])
	}
}

// fire runs one tick and decides what the task does next. Errors and panics
// stay inside the task.
func (s *Scheduler) fire(ctx context.Context, id uuid.UUID, kind WatchKind) (next WatchKind, stop bool) {
	next = kind
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("automation tick panicked",
				zap.String("campaign_id", id.String()),
				zap.Any("panic", r),
			)
			next, stop = kind, false
		}
	}()

	res, err := s.tick(ctx, id)
	if ctx.Err() != nil {
		return kind, false
	}

	switch {
	case errors.Is(err, ErrConfiguration):
		s.log.Error("automation skipped, campaign misconfigured",
			zap.String("campaign_id", id.String()),
			zap.Error(err),
		)
		return kind, true
	case errors.Is(err, ErrCampaignNotFound):
		s.log.Info("campaign gone, stopping monitoring", zap.String("campaign_id", id.String()))
		return kind, true
	case errors.Is(err, ErrExternalCall):
		s.log.Warn("automation tick failed, retrying next tick",
			zap.String("campaign_id", id.String()),
			zap.Error(err),
		)
		return kind, false
	case err != nil:
		s.log.Error("automation tick failed",
			zap.String("campaign_id", id.String()),
			zap.Error(err),
		)
		return kind, false
	}

	if res.Disabled {
		return WatchNone, true
	}
	if res.Skipped || res.Watch == WatchNone {
		return kind, false
	}
	return res.Watch, false
}

// replace swaps t for a task of another kind unless t was already stopped or
// superseded.
func (s *Scheduler) replace(id uuid.UUID, t *task, kind WatchKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.tasks[id]; s.closed || !ok || cur != t {
		return
	}
	t.cancel()

	ctx, cancel := context.WithCancel(context.Background())
	nt := &task{kind: kind, cancel: cancel, startedAt: time.Now()}
	s.tasks[id] = nt
	s.wg.Add(1)

	s.log.Debug("monitoring task replaced",
		zap.String("campaign_id", id.String()),
		zap.Stringer("from", t.kind),
		zap.Stringer("to", kind),
	)
	go s.run(ctx, id, nt, s.intervals[kind])
}

func (s *Scheduler) remove(id uuid.UUID, t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.tasks[id]; ok && cur == t {
		cur.cancel()
		delete(s.tasks, id)
	}
}

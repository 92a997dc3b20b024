package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/omnipost/beam/internal/broadcast"
	"github.com/omnipost/beam/internal/metrics"
)

// Runner executes one claimed broadcast. Satisfied by delivery.Executor.
type Runner interface {
	Execute(ctx context.Context, b *broadcast.Broadcast) error
}

type entry struct {
	id string
	at time.Time
}

type scheduleHeap []entry

func (h scheduleHeap) Len() int            { return len(h) }
func (h scheduleHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h scheduleHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *scheduleHeap) Push(x any)         { *h = append(*h, x.(entry)) }
func (h *scheduleHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Scheduler fires scheduled broadcasts at their instant. A single dispatch
// loop owns a min-heap of pending fire times; the database status is the
// source of truth, so a fire that loses the claim race (cancel won) is
// silently dropped.
type Scheduler struct {
	repo       *broadcast.Repository
	runner     Runner
	metrics    *metrics.Metrics
	logger     *slog.Logger
	staleAfter time.Duration

	mu   sync.Mutex
	heap scheduleHeap
	wake chan struct{}

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
	runs    sync.WaitGroup
}

func New(repo *broadcast.Repository, runner Runner, m *metrics.Metrics, staleAfter time.Duration, logger *slog.Logger) *Scheduler {
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	return &Scheduler{
		repo:       repo,
		runner:     runner,
		metrics:    m,
		logger:     logger.With("component", "scheduler"),
		staleAfter: staleAfter,
		wake:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the dispatch loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop halts dispatching and waits for in-flight deliveries to settle.
func (s *Scheduler) Stop() {
	s.stopped.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.runs.Wait()
}

// Schedule arms a fire time for a broadcast already transitioned to
// scheduled. An instant in the past fires on the next loop iteration.
func (s *Scheduler) Schedule(id string, at time.Time) {
	s.mu.Lock()
	heap.Push(&s.heap, entry{id: id, at: at})
	s.metrics.SchedulerQueueDepth.Set(float64(s.heap.Len()))
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Cancel transitions scheduled -> cancelled. The heap entry stays; when it
// fires, the claim CAS fails and the entry is dropped.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	return s.repo.UpdateStatusCAS(ctx, id, broadcast.StatusScheduled, broadcast.StatusCancelled)
}

// SendNow claims a broadcast from its current state and starts delivery
// immediately. The returned error reflects the claim only; delivery runs in
// the background.
func (s *Scheduler) SendNow(ctx context.Context, id string) error {
	b, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.UpdateStatusCAS(ctx, id, b.Status, broadcast.StatusSending); err != nil {
		return err
	}
	b.Status = broadcast.StatusSending
	s.run(b)
	return nil
}

// Recover re-arms persisted schedules and resumes interrupted runs. Called
// once at startup before the API accepts traffic.
func (s *Scheduler) Recover(ctx context.Context) error {
	scheduled, err := s.repo.ListByStatus(ctx, broadcast.StatusScheduled)
	if err != nil {
		return fmt.Errorf("failed to load scheduled broadcasts: %w", err)
	}
	for _, b := range scheduled {
		if b.ScheduleAt == nil {
			s.logger.Warn("scheduled broadcast without fire time", "broadcast_id", b.ID)
			continue
		}
		s.Schedule(b.ID, *b.ScheduleAt)
	}

	stale, err := s.repo.ListStaleSending(ctx, time.Now().UTC().Add(-s.staleAfter))
	if err != nil {
		return fmt.Errorf("failed to load stale broadcasts: %w", err)
	}
	for _, b := range stale {
		s.logger.Info("resuming interrupted delivery", "broadcast_id", b.ID, "claimed_at", b.ClaimedAt)
		s.run(b)
	}

	if len(scheduled) > 0 || len(stale) > 0 {
		s.logger.Info("recovery complete", "rearmed", len(scheduled), "resumed", len(stale))
	}
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		next, ok := s.peek()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if ok {
			d := time.Until(next.at)
			if d < 0 {
				d = 0
			}
			timer.Reset(d)
		} else {
			timer.Reset(time.Hour)
		}

		select {
		case <-timer.C:
			if ok {
				s.fire(ctx, next.id)
			}
		case <-s.wake:
			// Re-evaluate the earliest entry.
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) peek() (entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heap.Len() == 0 {
		return entry{}, false
	}
	return s.heap[0], true
}

func (s *Scheduler) fire(ctx context.Context, id string) {
	s.mu.Lock()
	if s.heap.Len() > 0 && s.heap[0].id == id {
		heap.Pop(&s.heap)
	}
	s.metrics.SchedulerQueueDepth.Set(float64(s.heap.Len()))
	s.mu.Unlock()

	b, err := s.repo.Get(ctx, id)
	if err != nil {
		s.logger.Debug("fire skipped", "broadcast_id", id, "error", err)
		return
	}
	if b.Status != broadcast.StatusScheduled {
		return
	}
	// Rescheduled after this entry was armed: re-arm at the new instant.
	if b.ScheduleAt != nil && time.Until(*b.ScheduleAt) > time.Second {
		s.Schedule(b.ID, *b.ScheduleAt)
		return
	}

	err = s.repo.UpdateStatusCAS(ctx, id, broadcast.StatusScheduled, broadcast.StatusSending)
	if errors.Is(err, broadcast.ErrConflict) || errors.Is(err, broadcast.ErrNotFound) {
		// Cancelled, deleted or claimed elsewhere since the read above.
		s.logger.Debug("fire skipped", "broadcast_id", id, "error", err)
		return
	}
	if err != nil {
		s.logger.Error("failed to claim broadcast", "broadcast_id", id, "error", err)
		return
	}
	b.Status = broadcast.StatusSending
	s.run(b)
}

func (s *Scheduler) run(b *broadcast.Broadcast) {
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		// Delivery outlives the request context; shutdown interrupts it
		// via Stop and recovery resumes it on the next start.
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-s.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()

		if err := s.runner.Execute(ctx, b); err != nil {
			s.logger.Error("delivery did not finalize", "broadcast_id", b.ID, "error", err)
		}
	}()
}

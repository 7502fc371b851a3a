package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/semaphore"

	"discburner/internal/logging"
	"discburner/internal/services"
)

// supervisor runs blocking stage work on a bounded set of goroutines whose
// lifetime is tied to the Queue. Slots are reserved with tryReserve while the
// queue lock is held, so a saturated pool defers dispatch instead of blocking.
type supervisor struct {
	logger *slog.Logger
	sem    *semaphore.Weighted
	slots  int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]*handler
}

// handler is one spawned stage goroutine. A retried job can briefly have a
// stale handler still winding down, so entries are compared by identity.
type handler struct {
	attempt uint64
	cancel  context.CancelFunc
}

func newSupervisor(logger *slog.Logger, slots int) *supervisor {
	if slots <= 0 {
		slots = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &supervisor{
		logger:  logger,
		sem:     semaphore.NewWeighted(int64(slots)),
		slots:   int64(slots),
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]*handler),
	}
}

func (s *supervisor) tryReserve() bool {
	if s.ctx.Err() != nil {
		return false
	}
	return s.sem.TryAcquire(1)
}

func (s *supervisor) release() {
	s.sem.Release(1)
}

// spawn starts fn on a previously reserved slot. onPanic converts a recovered
// panic into a job failure.
func (s *supervisor) spawn(job Job, stage string, fn func(context.Context, Job), onPanic func(Job, string)) {
	ctx, cancel := context.WithCancel(s.ctx)
	ctx = services.WithJob(ctx, services.JobScope{JobID: job.ID, SourceID: job.Source.ID, Stage: stage})

	h := &handler{attempt: job.attempt, cancel: cancel}
	s.mu.Lock()
	if prev, ok := s.running[job.ID]; ok {
		prev.cancel()
	}
	s.running[job.ID] = h
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release()
		defer func() {
			s.mu.Lock()
			if s.running[job.ID] == h {
				delete(s.running, job.ID)
			}
			s.mu.Unlock()
			cancel()
		}()
		defer func() {
			if r := recover(); r != nil {
				msg := fmt.Sprintf("%s stage panicked: %v", stage, r)
				logging.ErrorWithContext(logging.WithContext(ctx, s.logger), "stage handler panic", "stage_panic",
					logging.String("panic", fmt.Sprint(r)),
					logging.String("stack", string(debug.Stack())),
					logging.Alert("stage_panic"),
				)
				if onPanic != nil {
					onPanic(job, msg)
				}
			}
		}()
		fn(ctx, job)
	}()
}

// cancelJob aborts the in-flight handler for a job, if any.
func (s *supervisor) cancelJob(id string) bool {
	s.mu.Lock()
	h, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		h.cancel()
	}
	return ok
}

// inFlight counts jobs with a live stage handler.
func (s *supervisor) inFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// stop cancels every handler context and waits for the goroutines to return.
func (s *supervisor) stop() {
	s.cancel()
	s.wg.Wait()
}

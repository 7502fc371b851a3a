package queue

import (
	"fmt"
	"log/slog"
	"sync"

	"discburner/internal/logging"
	"discburner/internal/metrics"
)

const defaultSubscriberBuffer = 64

type subscriber struct {
	id     uint64
	name   string
	fn     func(Job)
	events chan Job
	done   chan struct{}
}

// notifier fans job snapshots out to subscribers. Each subscriber owns a
// bounded channel drained by its own goroutine; a full channel drops the event
// instead of blocking the publisher.
type notifier struct {
	logger *slog.Logger
	buffer int

	mu     sync.RWMutex
	nextID uint64
	subs   []*subscriber
	closed bool
	wg     sync.WaitGroup
}

func newNotifier(logger *slog.Logger, buffer int) *notifier {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &notifier{logger: logger, buffer: buffer}
}

func (n *notifier) subscribe(name string, fn func(Job)) func() {
	if fn == nil {
		return func() {}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return func() {}
	}
	n.nextID++
	if name == "" {
		name = fmt.Sprintf("subscriber-%d", n.nextID)
	}
	sub := &subscriber{
		id:     n.nextID,
		name:   name,
		fn:     fn,
		events: make(chan Job, n.buffer),
		done:   make(chan struct{}),
	}
	n.subs = append(n.subs, sub)
	n.wg.Add(1)
	go n.run(sub)

	var once sync.Once
	return func() {
		once.Do(func() { n.remove(sub.id) })
	}
}

func (n *notifier) unsubscribeName(name string) bool {
	n.mu.RLock()
	var ids []uint64
	for _, sub := range n.subs {
		if sub.name == name {
			ids = append(ids, sub.id)
		}
	}
	n.mu.RUnlock()
	for _, id := range ids {
		n.remove(id)
	}
	return len(ids) > 0
}

func (n *notifier) remove(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, sub := range n.subs {
		if sub.id == id {
			close(sub.events)
			n.subs = append(n.subs[:i], n.subs[i+1:]...)
			return
		}
	}
}

// publish never blocks.
func (n *notifier) publish(job Job) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	for _, sub := range n.subs {
		select {
		case sub.events <- job.Clone():
		default:
			metrics.IncSubscriberDrop(sub.name)
			logging.WarnWithContext(n.logger, "subscriber buffer full; notification dropped", "subscriber_drop",
				logging.String("subscriber", sub.name),
				logging.JobID(job.ID),
				logging.String("status", string(job.Status)),
				logging.Int("buffer", n.buffer),
				logging.String(logging.FieldErrorHint, "raise jobs.subscriber_buffer or speed up the subscriber"),
				logging.String(logging.FieldImpact, "subscriber misses one status change"),
			)
		}
	}
}

func (n *notifier) run(sub *subscriber) {
	defer n.wg.Done()
	defer close(sub.done)
	for job := range sub.events {
		n.deliver(sub, job)
	}
}

func (n *notifier) deliver(sub *subscriber, job Job) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncSubscriberPanic(sub.name)
			logging.ErrorWithContext(n.logger, "subscriber panicked", "subscriber_panic",
				logging.String("subscriber", sub.name),
				logging.JobID(job.ID),
				logging.String("panic", fmt.Sprint(r)),
				logging.Alert("subscriber_panic"),
			)
		}
	}()
	sub.fn(job)
}

// close stops accepting events, lets every subscriber drain what is buffered
// and waits for them to finish.
func (n *notifier) close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	for _, sub := range n.subs {
		close(sub.events)
	}
	n.subs = nil
	n.mu.Unlock()
	n.wg.Wait()
}

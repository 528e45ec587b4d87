package taskqueue

import (
	"context"
	"slices"
	"sync"

	"pkt.systems/pslog"
)

type notification struct {
	listener Listener
	note     Notification
}

// notifier delivers notifications on a fixed pool of workers. Dispatch
// blocks when the backlog is full.
type notifier struct {
	logger pslog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	listenersMu sync.RWMutex
	listeners   []Listener

	mu     sync.RWMutex
	closed bool
	jobs   chan notification
	wg     sync.WaitGroup
}

func newNotifier(workers int, logger pslog.Logger) *notifier {
	ctx, cancel := context.WithCancel(context.Background())
	n := &notifier{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan notification, workers*64),
	}
	for i := 0; i < workers; i++ {
		n.wg.Add(1)
		go n.work()
	}
	return n
}

func (n *notifier) register(l Listener) {
	if l == nil {
		return
	}
	n.listenersMu.Lock()
	defer n.listenersMu.Unlock()
	n.listeners = append(n.listeners, l)
}

func (n *notifier) unregister(l Listener) {
	n.listenersMu.Lock()
	defer n.listenersMu.Unlock()
	if i := slices.Index(n.listeners, l); i >= 0 {
		n.listeners = slices.Delete(n.listeners, i, i+1)
	}
}

func (n *notifier) hasListeners() bool {
	n.listenersMu.RLock()
	defer n.listenersMu.RUnlock()
	return len(n.listeners) > 0
}

// dispatch queues note for every registered listener.
func (n *notifier) dispatch(note Notification) {
	n.listenersMu.RLock()
	listeners := slices.Clone(n.listeners)
	n.listenersMu.RUnlock()
	if len(listeners) == 0 {
		return
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	for _, l := range listeners {
		select {
		case n.jobs <- notification{listener: l, note: note}:
		case <-n.ctx.Done():
			return
		}
	}
}

func (n *notifier) work() {
	defer n.wg.Done()
	for job := range n.jobs {
		n.deliver(job)
	}
}

func (n *notifier) deliver(job notification) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("taskqueue.listener.panic",
				"queue", job.note.Queue,
				"key", job.note.Key,
				"panic", r,
			)
		}
	}()
	job.listener.OnWorkAvailable(n.ctx, job.note)
}

// close stops accepting notifications, cancels the listener context and
// waits for the workers to drain.
func (n *notifier) close() {
	n.cancel()
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.jobs)
	n.mu.Unlock()
	n.wg.Wait()
}

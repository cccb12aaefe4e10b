package bus

import (
	"context"
	"sync"
)

// Mailbox runs posted jobs one at a time in posting order on its own
// goroutine. It gives every registration serial, ordered callbacks no matter
// how many goroutines deliver to it.
type Mailbox struct {
	jobs chan mailJob
	quit chan struct{}
	done chan struct{}

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

type mailJob struct {
	run     func()
	discard func()
}

func NewMailbox(size int) *Mailbox {
	if size <= 0 {
		size = 1
	}
	m := &Mailbox{
		jobs: make(chan mailJob, size),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go m.loop()
	return m
}

// Post queues run, blocking while the mailbox is full. If the mailbox closes
// before run executes, discard (when non-nil) is called instead.
func (m *Mailbox) Post(ctx context.Context, run, discard func()) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	select {
	case m.jobs <- mailJob{run: run, discard: discard}:
		return nil
	case <-m.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mailbox) loop() {
	defer close(m.done)
	for {
		select {
		case <-m.quit:
			return
		case j := <-m.jobs:
			select {
			case <-m.quit:
				if j.discard != nil {
					j.discard()
				}
				return
			default:
			}
			j.run()
		}
	}
}

// Close stops the mailbox, waits for a running job to return and discards
// the jobs still queued. It must not be called from inside a job.
func (m *Mailbox) Close() {
	m.once.Do(func() {
		close(m.quit)
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		<-m.done
		for {
			select {
			case j := <-m.jobs:
				if j.discard != nil {
					j.discard()
				}
			default:
				return
			}
		}
	})
}

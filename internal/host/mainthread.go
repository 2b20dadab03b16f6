package host

import (
	"context"
	"sync"

	"github.com/kingrea/pype/internal/publish"
)

// MainThread serializes work onto the goroutine that owns the host session.
// Interactive hosts pump it with Drain from their event loop; headless
// sessions call Run.
type MainThread struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	logger  Logger
}

// NewMainThread returns an empty queue.
func NewMainThread(logger Logger) *MainThread {
	return &MainThread{wake: make(chan struct{}, 1), logger: logger}
}

// Post schedules fn and returns immediately.
func (m *MainThread) Post(fn func()) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.pending = append(m.pending, fn)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Call schedules fn and blocks until it has run. It must not be called from
// the main thread itself.
func (m *MainThread) Call(fn func() error) error {
	done := make(chan error, 1)
	m.Post(func() {
		done <- guard(fn)
	})
	return <-done
}

// Drain runs everything queued so far and returns how many functions ran.
// Work posted while draining waits for the next Drain.
func (m *MainThread) Drain() int {
	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, fn := range batch {
		if err := guard(func() error { fn(); return nil }); err != nil && m.logger != nil {
			m.logger.Printf("host: main thread task failed: %v", err)
		}
	}
	return len(batch)
}

// Pending returns the number of queued functions.
func (m *MainThread) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Run drains the queue until ctx is done.
func (m *MainThread) Run(ctx context.Context) error {
	for {
		m.Drain()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.wake:
		}
	}
}

func guard(fn func() error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = &publish.PanicError{Value: recovered}
		}
	}()
	return fn()
}

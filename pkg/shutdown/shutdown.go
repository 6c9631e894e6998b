package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/psantana5/manim-studio/pkg/logging"
)

// Manager runs registered cleanup functions once, in reverse order
type Manager struct {
	mu      sync.Mutex
	funcs   []namedFunc
	timeout time.Duration
	log     *logging.Logger
	once    sync.Once
	err     error
}

type namedFunc struct {
	name string
	fn   func(context.Context) error
}

// New creates a new shutdown manager
func New(timeout time.Duration, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Nop()
	}
	return &Manager{timeout: timeout, log: log}
}

// Register adds a shutdown function.
// Functions are called in reverse order (LIFO).
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funcs = append(m.funcs, namedFunc{name: name, fn: fn})
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// Shutdown executes all registered functions within the timeout. Later
// calls return the first result.
func (m *Manager) Shutdown() error {
	m.once.Do(func() {
		m.mu.Lock()
		funcs := append([]namedFunc(nil), m.funcs...)
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()

		var errs []error
		for i := len(funcs) - 1; i >= 0; i-- {
			f := funcs[i]
			m.log.Debug("Stopping", map[string]interface{}{"resource": f.name})
			if err := f.fn(ctx); err != nil {
				m.log.Warn("Shutdown step failed", map[string]interface{}{
					"resource": f.name,
					"error":    err.Error(),
				})
				errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
			}
		}
		m.err = errors.Join(errs...)
	})
	return m.err
}

// Closer adapts an io.Closer style Close
func Closer(closer interface{ Close() error }) func(context.Context) error {
	return func(context.Context) error {
		return closer.Close()
	}
}

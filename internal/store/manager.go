package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"quoteresolver/internal/quote"
)

// State is the health of the connection manager.
type State int

const (
	StateHealthy  State = iota // pool serves requests
	StateDegraded              // pool construction failed, direct connections per call
	StateDisabled              // breaker open, no I/O attempted
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Pool PoolConfig
	// FailureThreshold is the number of consecutive pool construction
	// failures after which the manager stops attempting I/O.
	FailureThreshold int
	// RetryInterval is how long the manager stays disabled before one
	// acquire is allowed to retry pool construction. Zero disables retries.
	RetryInterval time.Duration
}

// DefaultManagerConfig returns the production defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Pool:             PoolConfig{MinConns: 1, MaxConns: 20, ConnectTimeout: 10 * time.Second},
		FailureThreshold: 3,
		RetryInterval:    5 * time.Minute,
	}
}

// Manager owns access to the persistent store. It lazily builds a pool,
// falls back to direct connections while the pool cannot be built, and
// short-circuits to quote.ErrUnavailable once the failure threshold is hit.
type Manager struct {
	connector Connector
	cfg       ManagerConfig
	logger    *slog.Logger
	now       func() time.Time

	mu         sync.Mutex
	state      State
	pool       Pool
	failures   int
	disabledAt time.Time
	// building is closed when the in-flight pool construction finishes.
	building chan struct{}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager. No I/O happens until the first Acquire.
func NewManager(c Connector, cfg ManagerConfig, opts ...ManagerOption) *Manager {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	m := &Manager{connector: c, cfg: cfg, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Acquire returns a connection or an error matching quote.ErrUnavailable.
// Callers must hand the connection back with Release. Only one caller builds
// the pool at a time and the lock is not held while it does; others wait
// for it, or fail fast while the breaker is half-open.
func (m *Manager) Acquire(ctx context.Context) (Conn, error) {
	m.mu.Lock()
	switch {
	case m.pool != nil:
		pool := m.pool
		m.mu.Unlock()
		return fromPool(ctx, pool)
	case m.state == StateDisabled && (m.cfg.RetryInterval <= 0 || m.now().Sub(m.disabledAt) < m.cfg.RetryInterval):
		m.mu.Unlock()
		return nil, quote.Wrap(quote.KindUnavailable, "store acquire", "", errors.New("circuit open"))
	case m.building == nil:
		return m.build(ctx)
	}
	done, halfOpen := m.building, m.state == StateDisabled
	m.mu.Unlock()
	if halfOpen {
		return nil, quote.Wrap(quote.KindUnavailable, "store acquire", "", errors.New("circuit half-open"))
	}

	select {
	case <-done:
	case <-ctx.Done():
		return nil, quote.Wrap(quote.KindUnavailable, "store acquire", "", ctx.Err())
	}
	m.mu.Lock()
	pool, state := m.pool, m.state
	m.mu.Unlock()
	switch {
	case pool != nil:
		return fromPool(ctx, pool)
	case state == StateDisabled:
		return nil, quote.Wrap(quote.KindUnavailable, "store acquire", "", errors.New("circuit open"))
	}
	return m.dial(ctx)
}

// build is called with m.mu held. It releases the lock while the connector
// runs and returns with it released.
func (m *Manager) build(ctx context.Context) (Conn, error) {
	if m.state == StateDisabled {
		m.logger.Info("store breaker half-open", slog.Int("failures", m.failures))
	}
	done := make(chan struct{})
	m.building = done
	m.mu.Unlock()

	pool, err := m.openPool(ctx)

	m.mu.Lock()
	m.building = nil
	close(done)
	if err != nil {
		return m.constructionFailed(ctx, err)
	}
	if m.state != StateHealthy {
		m.logger.Info("store pool established", slog.String("previous", m.state.String()))
	}
	m.pool, m.state, m.failures = pool, StateHealthy, 0
	m.mu.Unlock()
	return fromPool(ctx, pool)
}

func fromPool(ctx context.Context, pool Pool) (Conn, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, quote.Wrap(quote.KindUnavailable, "store acquire", "", err)
	}
	return conn, nil
}

// constructionFailed is called with m.mu held and releases it.
func (m *Manager) constructionFailed(ctx context.Context, cause error) (Conn, error) {
	m.failures++
	if m.failures >= m.cfg.FailureThreshold || m.state == StateDisabled {
		if m.state != StateDisabled {
			m.logger.Warn("store breaker open",
				slog.Int("failures", m.failures),
				slog.String("error", cause.Error()))
		}
		m.state = StateDisabled
		m.disabledAt = m.now()
		m.mu.Unlock()
		return nil, quote.Wrap(quote.KindUnavailable, "store acquire", "", cause)
	}
	m.state = StateDegraded
	failures := m.failures
	m.mu.Unlock()

	m.logger.Warn("store pool unavailable, using direct connection",
		slog.Int("failures", failures),
		slog.String("error", cause.Error()))
	return m.dial(ctx)
}

func (m *Manager) dial(ctx context.Context) (Conn, error) {
	conn, err := m.connector.Dial(ctx)
	if err != nil {
		return nil, quote.Wrap(quote.KindUnavailable, "store dial", "", err)
	}
	return conn, nil
}

func (m *Manager) openPool(ctx context.Context) (Pool, error) {
	if m.cfg.Pool.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Pool.ConnectTimeout)
		defer cancel()
	}
	return m.connector.OpenPool(ctx, m.cfg.Pool)
}

// Release hands conn back. Nil connections are ignored and close errors
// are only logged.
func (m *Manager) Release(conn Conn) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		m.logger.Debug("store release", slog.Any("error", err))
	}
}

// State reports the current breaker state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Close closes the pool if one was built.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pool == nil {
		return nil
	}
	err := m.pool.Close()
	m.pool = nil
	return err
}

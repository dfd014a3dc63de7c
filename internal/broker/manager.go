package broker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy controls reconnect backoff. Failure k (1-based) waits
// BaseDelay*2^(k-1), capped at MaxDelay when set. Failure MaxRetries+1 is
// returned to the caller.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy matches the relay's historical settings.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 10, BaseDelay: time.Second}
}

// Delay returns the wait after the given failed attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Manager owns the process's logical broker connection and redials it with
// exponential backoff.
type Manager struct {
	dialer   Dialer
	endpoint Endpoint
	policy   RetryPolicy
	logger   *zap.Logger
	sleep    SleepFunc

	// dialMu serializes dials and backoff; mu only guards conn so state
	// queries never wait on a reconnect in progress.
	dialMu sync.Mutex
	mu     sync.Mutex
	conn   Conn
}

type ManagerOption func(*Manager)

func WithManagerLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithSleep replaces the backoff wait, mostly so tests can record delays.
func WithSleep(sleep SleepFunc) ManagerOption {
	return func(m *Manager) {
		if sleep != nil {
			m.sleep = sleep
		}
	}
}

func NewManager(dialer Dialer, ep Endpoint, policy RetryPolicy, opts ...ManagerOption) *Manager {
	m := &Manager{
		dialer:   dialer,
		endpoint: ep,
		policy:   policy,
		logger:   zap.NewNop(),
		sleep:    Sleep,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("broker")
	return m
}

// Endpoint returns the endpoint the manager dials.
func (m *Manager) Endpoint() Endpoint { return m.endpoint }

// Connect returns the live connection, dialing a new one if there is none or
// the previous one closed. Concurrent callers share a single dial.
func (m *Manager) Connect(ctx context.Context) (Conn, error) {
	if conn := m.live(); conn != nil {
		return conn, nil
	}
	m.dialMu.Lock()
	defer m.dialMu.Unlock()
	if conn := m.live(); conn != nil {
		return conn, nil
	}
	for attempt := 1; ; attempt++ {
		conn, err := m.dialer.Dial(ctx, m.endpoint)
		if err == nil {
			if attempt > 1 {
				m.logger.Info("broker connection established", zap.String("endpoint", m.endpoint.Redacted()), zap.Int("attempt", attempt))
			}
			m.mu.Lock()
			m.conn = conn
			m.mu.Unlock()
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !IsRetryable(err) || attempt > m.policy.MaxRetries {
			m.logger.Error("broker connection failed", zap.String("endpoint", m.endpoint.Redacted()), zap.Int("attempts", attempt), zap.Error(err))
			return nil, &ConnectionError{Endpoint: m.endpoint.Redacted(), Attempts: attempt, Err: err}
		}
		delay := m.policy.Delay(attempt)
		m.logger.Warn("broker connection failed, retrying",
			zap.String("endpoint", m.endpoint.Redacted()),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", m.policy.MaxRetries),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := m.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// live returns the held connection if it is still open and forgets it
// otherwise.
func (m *Manager) live() Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil && m.conn.IsClosed() {
		m.conn = nil
	}
	return m.conn
}

// Connected reports whether a live connection is held.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil && !m.conn.IsClosed()
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil
	}
	err := m.conn.Close()
	m.conn = nil
	return err
}

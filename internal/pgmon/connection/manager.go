package connection

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/pgmonproject/pgmon/internal/pgmon/registry"
)

// Status is the connection state of one backend.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
	Backoff
	Down
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Backoff:
		return "BACKOFF"
	case Down:
		return "DOWN"
	default:
		return "UNKNOWN"
	}
}

// Config holds the connect/retry policy shared by all backends.
type Config struct {
	// Hard per-attempt deadline. On expiry the in-flight dial is torn down
	// and the attempt fails with a timeout error.
	ConnectTimeout time.Duration
	// Maximum number of connection attempts before a backend is marked down
	ConnectRetries uint
	// Delay between attempts
	ConnectBackoff time.Duration
}

// StatusReporter receives backend availability transitions. Implemented by
// the metric aggregator.
type StatusReporter interface {
	SetBackendUp(backend string, up bool)
	RecordBackendDown(backend string)
}

type state struct {
	backend    registry.BackendDescriptor
	status     Status
	retryCount uint
	lastError  error
	// Exclusively owned: only the single in-flight collection unit for this
	// backend ever touches the handle.
	client Client
}

// Manager owns one connection per backend and drives the per-backend
// connect/retry state machine. The states map is guarded by mu; the fields
// of an individual state are only touched by the one collection unit in
// flight for that backend, so per-state transitions need no extra locking.
type Manager struct {
	dial     DialFunc
	config   Config
	reporter StatusReporter
	mu       sync.Mutex
	states   map[string]*state
}

func NewManager(dial DialFunc, config Config, reporter StatusReporter) *Manager {
	return &Manager{
		dial:     dial,
		config:   config,
		reporter: reporter,
		states:   map[string]*state{},
	}
}

// Register creates connection state for a newly discovered backend. The
// first connection attempt happens on the next Ensure call.
func (m *Manager) Register(backend registry.BackendDescriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[backend.Name]; ok {
		return
	}
	m.states[backend.Name] = &state{backend: backend, status: Disconnected}
}

// Remove closes the backend's connection, if any, and discards its state.
func (m *Manager) Remove(ctx context.Context, name string) {
	m.mu.Lock()
	st := m.states[name]
	delete(m.states, name)
	m.mu.Unlock()
	if st == nil || st.client == nil {
		return
	}
	if err := st.client.Close(ctx); err != nil {
		log.WithError(err).Warnf("error closing connection to removed backend %s", name)
	}
}

// Status reports the current connection status for a backend.
func (m *Manager) Status(name string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[name]
	if !ok {
		return Disconnected, false
	}
	return st.status, true
}

// LastError reports the most recent connection error for a backend.
func (m *Manager) LastError(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[name]; ok {
		return st.lastError
	}
	return nil
}

// Ensure returns a connected client for the backend, establishing a
// connection if necessary subject to the retry policy. A backend marked
// down by a previous tick gets a fresh attempt; there is never more than one
// connection attempt in flight per backend because each backend has exactly
// one collection unit per tick and ticks do not overlap.
func (m *Manager) Ensure(ctx context.Context, name string) (Client, error) {
	m.mu.Lock()
	st, ok := m.states[name]
	m.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("backend %s is not registered", name)
	}

	if st.status == Connected {
		return st.client, nil
	}
	if st.status == Down {
		m.transition(st, Disconnected)
		st.retryCount = 0
	}

	var client Client
	err := retry.Do(
		func() error {
			m.transition(st, Connecting)
			c, err := m.connect(ctx, st.backend)
			if err != nil {
				return err
			}
			client = c
			return nil
		},
		retry.Attempts(m.config.ConnectRetries),
		retry.Delay(m.config.ConnectBackoff),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			m.mu.Lock()
			st.retryCount = n + 1
			st.lastError = err
			m.mu.Unlock()
			m.transition(st, Backoff)
			log.WithError(err).Warnf("connection attempt %d to backend %s failed", n+1, name)
		}),
	)
	if err != nil {
		m.mu.Lock()
		st.lastError = err
		m.mu.Unlock()
		m.transition(st, Down)
		m.reporter.SetBackendUp(name, false)
		m.reporter.RecordBackendDown(name)
		return nil, err
	}

	m.mu.Lock()
	st.client = client
	st.retryCount = 0
	st.lastError = nil
	m.mu.Unlock()
	m.transition(st, Connected)
	m.reporter.SetBackendUp(name, true)
	return client, nil
}

// Invalidate discards a backend's connection after an I/O error during query
// execution. The backend reconnects on the next tick.
func (m *Manager) Invalidate(ctx context.Context, name string, cause error) {
	m.mu.Lock()
	st, ok := m.states[name]
	m.mu.Unlock()
	if !ok {
		return
	}
	if st.client != nil {
		if err := st.client.Close(ctx); err != nil {
			log.WithError(err).Debugf("error closing broken connection to backend %s", name)
		}
	}
	m.mu.Lock()
	st.client = nil
	st.lastError = cause
	m.mu.Unlock()
	m.transition(st, Disconnected)
	m.reporter.SetBackendUp(name, false)
}

// Close closes all connections, e.g. on shutdown.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	states := make([]*state, 0, len(m.states))
	for _, st := range m.states {
		states = append(states, st)
	}
	m.states = map[string]*state{}
	m.mu.Unlock()
	for _, st := range states {
		if st.client == nil {
			continue
		}
		if err := st.client.Close(ctx); err != nil {
			log.WithError(err).Warnf("error closing connection to backend %s", st.backend.Name)
		}
	}
}

func (m *Manager) connect(ctx context.Context, backend registry.BackendDescriptor) (Client, error) {
	// The deadline is hard: cancelling the context forcibly tears down the
	// in-flight dial regardless of whether it would eventually have succeeded.
	ctx, cancel := context.WithTimeout(ctx, m.config.ConnectTimeout)
	defer cancel()
	client, err := m.dial(ctx, backend)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
			return nil, &ConnectTimeoutError{Backend: backend.Name, Timeout: m.config.ConnectTimeout}
		}
		return nil, &ConnectionError{Backend: backend.Name, Err: err}
	}
	return client, nil
}

func (m *Manager) transition(st *state, to Status) {
	m.mu.Lock()
	from := st.status
	st.status = to
	m.mu.Unlock()
	if from != to {
		log.Debugf("backend %s connection state %s -> %s", st.backend.Name, from, to)
	}
}

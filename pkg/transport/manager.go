// Package transport owns the live connection for the active conversation.
//
// A Manager keeps at most one Handle open. Opening a new conversation closes
// the previous handle first and allocates a new epoch; every event a handle
// publishes carries that epoch so consumers can drop events from handles that
// are no longer current.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinyland-inc/chatline/pkg/bus"
	"github.com/tinyland-inc/chatline/pkg/logger"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	// DefaultReadLimit bounds a single inbound frame. Larger frames fail the
	// connection.
	DefaultReadLimit = 1 << 20
)

// Option configures a Manager.
type Option func(*Manager)

func WithHandshakeTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.dialer.HandshakeTimeout = d
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.writeTimeout = d
		}
	}
}

// WithPingInterval enables keepalive pings. A peer that stops answering is
// detected after two intervals. Zero disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(m *Manager) { m.pingInterval = d }
}

func WithReadLimit(n int64) Option {
	return func(m *Manager) {
		if n > 0 {
			m.readLimit = n
		}
	}
}

func WithHeader(h http.Header) Option {
	return func(m *Manager) { m.header = h.Clone() }
}

type Manager struct {
	url    string
	bus    *bus.MessageBus
	dialer *websocket.Dialer
	header http.Header

	writeTimeout time.Duration
	pingInterval time.Duration
	readLimit    int64

	mu      sync.Mutex
	current *Handle
	epoch   atomic.Uint64
}

func NewManager(rawURL string, mb *bus.MessageBus, opts ...Option) *Manager {
	m := &Manager{
		url: rawURL,
		bus: mb,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultHandshakeTimeout,
		},
		writeTimeout: DefaultWriteTimeout,
		readLimit:    DefaultReadLimit,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open closes the current handle, if any, and dials a new one for key. No
// handle exists during the dial. The returned handle is Open but not yet
// listening; call Listen once the consumer is ready to accept its epoch.
func (m *Manager) Open(ctx context.Context, key ConversationKey) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		_ = m.current.Close()
		m.current = nil
	}

	epoch := m.epoch.Add(1)
	target, err := m.endpoint(key)
	if err != nil {
		return nil, err
	}

	logger.DebugCF("transport", "Dialing", map[string]any{
		"epoch": epoch,
		"peer":  key.PeerID,
	})

	conn, _, err := m.dialer.DialContext(ctx, target, m.header)
	if err != nil {
		logger.ErrorCF("transport", "Dial failed", map[string]any{
			"epoch": epoch,
			"peer":  key.PeerID,
			"error": err.Error(),
		})
		return nil, fmt.Errorf("%w: dial: %w", ErrTransportUnavailable, err)
	}

	hctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		key:          key,
		epoch:        epoch,
		conn:         conn,
		bus:          m.bus,
		writeTimeout: m.writeTimeout,
		pingInterval: m.pingInterval,
		readLimit:    m.readLimit,
		ctx:          hctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	h.state.Store(int32(StateOpen))
	m.current = h

	logger.InfoCF("transport", "Connection opened", map[string]any{
		"epoch": epoch,
		"peer":  key.PeerID,
	})
	return h, nil
}

// Current returns the live handle, or nil.
func (m *Manager) Current() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Epoch returns the most recently allocated epoch.
func (m *Manager) Epoch() uint64 {
	return m.epoch.Load()
}

// Close closes the current handle.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	err := m.current.Close()
	m.current = nil
	return err
}

func (m *Manager) endpoint(key ConversationKey) (string, error) {
	u, err := url.Parse(m.url)
	if err != nil {
		return "", fmt.Errorf("invalid websocket url %q: %w", m.url, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid websocket url %q: unsupported scheme", m.url)
	}
	q := u.Query()
	q.Set("userId", key.UserID)
	q.Set("peerId", key.PeerID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

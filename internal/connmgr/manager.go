// Package connmgr owns the lifecycle of the single active stream between the
// two relay roles: it dials or accepts the rendezvous service, runs the read
// loop, re-establishes the stream when it fails and reports every transition
// through the status notifier.
//
// Thread-safety: all exported methods are safe for concurrent use. Cancel may
// be called from any goroutine, including a message handler.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"bluetooth-notify/internal/bt"
	"bluetooth-notify/internal/frame"
	"bluetooth-notify/internal/notification"
	"bluetooth-notify/internal/status"
)

var (
	// ErrAlreadyConnected is returned when a session is connecting, connected or reconnecting.
	ErrAlreadyConnected = errors.New("connmgr: already connected")

	// ErrNotConnected is returned by Send while no stream is open.
	ErrNotConnected = errors.New("connmgr: not connected")

	// ErrEstablish is returned when the socket could not be established.
	ErrEstablish = errors.New("connmgr: socket establish failed")

	// ErrWriteFailed is returned when a notification could not be written.
	ErrWriteFailed = errors.New("connmgr: write failed")
)

// Transport opens streams. bt.Adapter implementations satisfy it.
type Transport interface {
	Dial(ctx context.Context, dev bt.Device, svc bt.Service) (bt.Conn, error)
	Accept(ctx context.Context, svc bt.Service) (bt.Conn, bt.Device, error)
}

// Config controls sessions.
type Config struct {
	Service   bt.Service
	ChunkSize int

	// MaxChunks bounds the chunks of one frame, in both directions. Both
	// ends must agree. Zero means frame.DefaultMaxChunks.
	MaxChunks int

	// EstablishTimeout bounds each reconnection attempt. Zero means no bound.
	EstablishTimeout time.Duration

	// WriteTimeout bounds a whole Send on streams that support write deadlines.
	WriteTimeout time.Duration

	// MaxReconnectAttempts bounds reconnection after a failure. Zero means unlimited.
	MaxReconnectAttempts int

	Backoff BackoffConfig
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		Service:              bt.DefaultService(),
		ChunkSize:            frame.DefaultChunkSize,
		MaxChunks:            frame.DefaultMaxChunks,
		EstablishTimeout:     30 * time.Second,
		WriteTimeout:         10 * time.Second,
		MaxReconnectAttempts: 10,
		Backoff:              DefaultBackoffConfig(),
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.log = logger.With().Str("component", "connmgr").Logger() }
}

// WithNotifier sets the status notifier transitions are published to.
func WithNotifier(n *status.Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithMessageHandler sets the callback for received notifications. It runs
// on the read goroutine; a slow handler delays further reads.
func WithMessageHandler(fn func(notification.Notification)) Option {
	return func(m *Manager) { m.onMessage = fn }
}

type establishFunc func(ctx context.Context) (bt.Conn, bt.Device, error)

// session is one Connect or ListenAndAccept call and its reconnections.
type session struct {
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	running   atomic.Bool
	establish establishFunc
	backoff   *Backoff
}

func newSession(establish establishFunc, backoff *Backoff) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{ctx: ctx, cancel: cancel, done: make(chan struct{}), establish: establish, backoff: backoff}
	s.running.Store(true)
	return s
}

func (s *session) stop() {
	s.running.Store(false)
	s.cancel()
}

// Manager supervises one active stream.
type Manager struct {
	transport Transport
	cfg       Config
	notifier  *status.Notifier
	onMessage func(notification.Notification)
	log       zerolog.Logger

	mu     sync.Mutex
	state  status.State
	sess   *session
	conn   bt.Conn
	writer *frame.Writer
	peer   bt.Device
}

// New creates a manager. It fails if cfg.ChunkSize is out of range.
func New(transport Transport, cfg Config, opts ...Option) (*Manager, error) {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = frame.DefaultChunkSize
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = frame.DefaultMaxChunks
	}
	if _, err := frame.NewWriterWithChunkSize(nil, cfg.ChunkSize); err != nil {
		return nil, err
	}
	if cfg.Service.Name == "" {
		cfg.Service = bt.DefaultService()
	}
	m := &Manager{
		transport: transport,
		cfg:       cfg,
		log:       zerolog.Nop(),
		state:     status.StateIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// State returns the current connection state.
func (m *Manager) State() status.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Peer returns the device of the current or last stream.
func (m *Manager) Peer() bt.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peer
}

// Done returns a channel closed when the current session's read loop has
// exited. Before any session it returns a closed channel.
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return m.sess.done
}

// Connect dials dev at the rendezvous service and starts the read loop.
// Failures are reconnected by dialing dev again.
func (m *Manager) Connect(ctx context.Context, dev bt.Device) error {
	return m.start(ctx, "dial", func(ctx context.Context) (bt.Conn, bt.Device, error) {
		conn, err := m.transport.Dial(ctx, dev, m.cfg.Service)
		return conn, dev, err
	})
}

// ListenAndAccept waits for one incoming stream on the rendezvous service
// and starts the read loop. Failures are reconnected by accepting again.
func (m *Manager) ListenAndAccept(ctx context.Context) error {
	return m.start(ctx, "accept", func(ctx context.Context) (bt.Conn, bt.Device, error) {
		return m.transport.Accept(ctx, m.cfg.Service)
	})
}

func (m *Manager) start(ctx context.Context, op string, establish establishFunc) error {
	m.mu.Lock()
	switch m.state {
	case status.StateConnecting, status.StateConnected, status.StateReconnecting:
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	s := newSession(establish, NewBackoff(m.cfg.Backoff))
	m.sess = s
	m.state = status.StateConnecting
	m.mu.Unlock()
	m.notifier.Publish(status.Changed(status.StateConnecting))

	// Cancel aborts a pending dial/accept as well as the caller's ctx.
	ectx, cancel := context.WithCancel(ctx)
	stopAfter := context.AfterFunc(s.ctx, cancel)
	conn, peer, err := establish(ectx)
	stopAfter()
	cancel()

	if err != nil {
		m.log.Error().Err(err).Str("op", op).Msg("socket establish failed")
		m.fail(s, op+" failed", err)
		close(s.done)
		return fmt.Errorf("%w: %s: %w", ErrEstablish, op, err)
	}
	if !m.install(s, conn, peer) {
		_ = conn.Close()
		close(s.done)
		return fmt.Errorf("%w: %s: %w", ErrEstablish, op, context.Canceled)
	}

	go m.run(s, conn)
	return nil
}

// install makes conn the active stream of s unless s was cancelled.
func (m *Manager) install(s *session, conn bt.Conn, peer bt.Device) bool {
	w, _ := frame.NewWriterWithChunkSize(conn, m.cfg.ChunkSize)
	w.SetMaxChunks(m.cfg.MaxChunks)
	w.SetWriteTimeout(m.cfg.WriteTimeout)
	w.SetLogger(m.log)

	m.mu.Lock()
	if m.sess != s || !s.running.Load() {
		m.mu.Unlock()
		return false
	}
	m.conn = conn
	m.writer = w
	m.peer = peer
	m.state = status.StateConnected
	m.mu.Unlock()

	m.log.Info().Str("device", peer.DisplayName()).Str("address", peer.Address).Msg("connected")
	m.notifier.Publish(status.Connected(peer.DisplayName(), peer.Address))
	return true
}

// detach drops conn after a failure and moves to reconnecting.
func (m *Manager) detach(s *session, conn bt.Conn, cause error) {
	_ = conn.Close()
	m.mu.Lock()
	if m.sess != s || !s.running.Load() {
		m.mu.Unlock()
		return
	}
	if m.conn == conn {
		m.conn = nil
		m.writer = nil
	}
	m.state = status.StateReconnecting
	m.mu.Unlock()

	reason := "stream closed"
	if cause != nil {
		reason = cause.Error()
	}
	m.notifier.Publish(status.Disconnected(reason, cause))
}

// fail ends s with a terminal failure.
func (m *Manager) fail(s *session, reason string, err error) {
	s.stop()
	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		return
	}
	if m.state == status.StateDisconnected {
		// Cancelled meanwhile; Cancel already reported it.
		m.mu.Unlock()
		return
	}
	m.state = status.StateFailed
	m.conn = nil
	m.writer = nil
	m.mu.Unlock()
	m.notifier.Publish(status.Failed(reason, err))
}

// run is the read loop of s. It owns conn until it hands it back via detach.
func (m *Manager) run(s *session, conn bt.Conn) {
	defer close(s.done)
	for {
		err := m.read(s, conn)
		if !s.running.Load() {
			return
		}
		m.log.Warn().Err(err).Msg("stream failed, reconnecting")
		m.detach(s, conn, err)

		conn = m.reconnect(s)
		if conn == nil {
			return
		}
	}
}

func (m *Manager) read(s *session, conn bt.Conn) error {
	r, err := frame.NewReaderWithChunkSize(conn, m.cfg.ChunkSize)
	if err != nil {
		return err
	}
	r.SetMaxChunks(m.cfg.MaxChunks)
	r.SetLogger(m.log)
	for s.running.Load() {
		n, err := r.ReadNext()
		if err != nil {
			if errors.Is(err, notification.ErrMalformed) {
				// Framing is intact; only this message is lost.
				m.log.Warn().Err(err).Msg("dropping undecodable notification")
				continue
			}
			return err
		}
		m.deliver(n)
	}
	return nil
}

func (m *Manager) deliver(n notification.Notification) {
	m.log.Debug().Str("text", n.Text).Bool("vibrate", n.Vibrate).Msg("notification received")
	if m.onMessage != nil {
		m.onMessage(n)
	}
}

// reconnect re-runs the establish step of s until it succeeds, s is
// cancelled or the attempts are exhausted. It returns nil in the latter cases.
func (m *Manager) reconnect(s *session) bt.Conn {
	// Each failure starts a fresh episode of delays.
	b := s.backoff
	b.Reset()
	var lastErr error
	for attempt := 1; m.cfg.MaxReconnectAttempts == 0 || attempt <= m.cfg.MaxReconnectAttempts; attempt++ {
		if attempt > 1 {
			delay := b.Next()
			m.log.Debug().Dur("delay", delay).Int("backoffs", b.Attempts()).Msg("waiting before reconnect")
			select {
			case <-s.ctx.Done():
				return nil
			case <-time.After(delay):
			}
		}

		ctx, cancel := s.ctx, context.CancelFunc(func() {})
		if m.cfg.EstablishTimeout > 0 {
			ctx, cancel = context.WithTimeout(s.ctx, m.cfg.EstablishTimeout)
		}
		conn, peer, err := s.establish(ctx)
		cancel()

		if err == nil {
			if m.install(s, conn, peer) {
				m.log.Info().Int("attempt", attempt).Msg("reconnected")
				return conn
			}
			_ = conn.Close()
			return nil
		}
		if s.ctx.Err() != nil {
			return nil
		}
		lastErr = err
		m.log.Warn().Err(err).Int("attempt", attempt).Dur("next_delay", b.Current()).Msg("reconnect attempt failed")
	}

	m.log.Error().Err(lastErr).Int("attempts", m.cfg.MaxReconnectAttempts).Msg("giving up reconnecting")
	m.fail(s, "reconnect attempts exhausted", fmt.Errorf("%w: %w", ErrEstablish, lastErr))
	return nil
}

// Send writes n as one frame on the active stream. Concurrent calls are
// serialized. A notification too large to frame is rejected before anything
// is written and the stream stays up. Any other failed write closes the
// stream so the read loop reconnects; the notification is not retried.
func (m *Manager) Send(n notification.Notification) error {
	m.mu.Lock()
	w, conn := m.writer, m.conn
	m.mu.Unlock()
	if w == nil {
		return ErrNotConnected
	}

	m.log.Debug().Str("text", n.Text).Bool("vibrate", n.Vibrate).Msg("sending notification")
	if err := w.Write(n); err != nil {
		m.log.Error().Err(err).Msg("write failed")
		if errors.Is(err, frame.ErrWriteFailed) {
			_ = conn.Close()
		}
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	return nil
}

// Cancel stops the read loop, closes the stream and ends the session. It is
// idempotent; a new Connect or ListenAndAccept may follow.
func (m *Manager) Cancel() {
	m.mu.Lock()
	s, conn := m.sess, m.conn
	prev := m.state
	m.conn = nil
	m.writer = nil
	m.state = status.StateDisconnected
	m.mu.Unlock()

	if s != nil {
		s.stop()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			m.log.Debug().Err(err).Msg("close stream")
		}
	}
	if prev != status.StateDisconnected {
		m.log.Info().Stringer("from", prev).Msg("cancelled")
		m.notifier.Publish(status.Changed(status.StateDisconnected))
	}
}

package websocket

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-strudel-bridge/internal/broadcast"
	"github.com/sirosfoundation/go-strudel-bridge/internal/metrics"
	"github.com/sirosfoundation/go-strudel-bridge/internal/protocol"
	"github.com/sirosfoundation/go-strudel-bridge/pkg/config"
)

var (
	// ErrManagerClosed is reported to upgrades that arrive after Shutdown
	ErrManagerClosed = errors.New("session manager closed")
	// ErrDrainTimeout is returned by Shutdown when sessions outlive its context
	ErrDrainTimeout = errors.New("sessions did not finish before deadline")
)

const tracerName = "github.com/sirosfoundation/go-strudel-bridge/internal/websocket"

const closeWait = time.Second

// Source hands out broadcast subscriptions, one per session
type Source interface {
	Subscribe() *broadcast.Subscription[protocol.Message]
}

// Options configures session behaviour
type Options struct {
	// Greeting is sent privately to each client right after the upgrade
	Greeting string
	// WriteTimeout bounds every frame write
	WriteTimeout time.Duration
}

// Manager upgrades browser connections and relays broadcast events to them
type Manager struct {
	source   Source
	opts     Options
	logger   *zap.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	upgrader websocket.Upgrader

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	active atomic.Int64
}

// NewManager creates a new session manager
func NewManager(source Source, opts Options, logger *zap.Logger, m *metrics.Metrics) *Manager {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if m == nil {
		m = metrics.New()
	}
	return &Manager{
		source:  source,
		opts:    opts,
		logger:  logger.Named("websocket-manager"),
		metrics: m,
		tracer:  otel.Tracer(tracerName),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkLoopbackOrigin,
		},
	}
}

// checkLoopbackOrigin only admits pages served from this machine. Requests
// without an Origin header (non-browser clients) are accepted.
func checkLoopbackOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return config.IsLoopback(u.Hostname())
}

// HandleConnection handles a new WebSocket connection
func (m *Manager) HandleConnection(w http.ResponseWriter, r *http.Request) {
	if !m.track() {
		http.Error(w, ErrManagerClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.wg.Done()
		m.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	go func() {
		defer m.wg.Done()
		m.handleSession(conn)
	}()
}

func (m *Manager) track() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.wg.Add(1)
	return true
}

func (m *Manager) handleSession(conn *websocket.Conn) {
	s := &session{
		id:      uuid.New().String(),
		conn:    conn,
		sub:     m.source.Subscribe(),
		timeout: m.opts.WriteTimeout,
		metrics: m.metrics,
	}
	s.logger = m.logger.With(zap.String("session_id", s.id))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctx, span := m.tracer.Start(ctx, "websocket.session",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("session.id", s.id),
			attribute.String("net.peer.addr", conn.RemoteAddr().String())))
	s.span = span

	defer func() {
		span.SetAttributes(attribute.Int("frames", s.frames))
		span.End()
		s.sub.Close()
		_ = conn.Close()
		m.active.Add(-1)
		m.metrics.ActiveSessions.Dec()
		s.logger.Info("WebSocket client disconnected")
	}()

	m.active.Add(1)
	m.metrics.ActiveSessions.Inc()
	m.metrics.SessionsTotal.Inc()
	s.logger.Info("WebSocket client connected", zap.String("remote", conn.RemoteAddr().String()))

	go s.readPump(cancel)

	if err := s.send(protocol.Greeting(m.opts.Greeting)); err != nil {
		s.logger.Debug("Failed to send greeting", zap.Error(err))
		return
	}

	s.relay(ctx)
}

// ActiveSessions returns the number of connected sessions
func (m *Manager) ActiveSessions() int {
	return int(m.active.Load())
}

// Shutdown refuses new sessions and waits for the running ones to finish
// their relay loops. Sessions end on their own once the broadcast channel is
// closed.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ErrDrainTimeout
	}
}

// session is one browser connection and its private cursor into the
// broadcast channel
type session struct {
	id      string
	conn    *websocket.Conn
	sub     *broadcast.Subscription[protocol.Message]
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
	span    trace.Span
	frames  int
}

// relay forwards broadcast events until the channel closes, the client goes
// away or a write fails.
func (s *session) relay(ctx context.Context) {
	for {
		msg, err := s.sub.Recv(ctx)

		var lagged *broadcast.LaggedError
		switch {
		case err == nil:
			if err := s.send(msg); err != nil {
				s.logger.Debug("Write failed", zap.Error(err))
				s.span.SetStatus(codes.Error, "write failed")
				return
			}

		case errors.As(err, &lagged):
			s.logger.Warn("Session lagged behind broadcast", zap.Uint64("skipped", lagged.Skipped))
			s.metrics.LagNotices.Inc()
			s.metrics.DroppedEvents.Add(float64(lagged.Skipped))
			s.span.AddEvent("lagged", trace.WithAttributes(attribute.Int64("skipped", int64(lagged.Skipped))))
			if err := s.send(protocol.Lagged(lagged.Skipped)); err != nil {
				s.logger.Debug("Write failed", zap.Error(err))
				return
			}

		case errors.Is(err, broadcast.ErrClosed):
			s.close(websocket.CloseNormalClosure, "server shutting down")
			return

		default:
			// client went away
			return
		}
	}
}

// send writes msg as a text frame. A frame that cannot be encoded is
// replaced by protocol.FallbackText.
func (s *session) send(msg protocol.Message) error {
	kind := string(msg.Kind())
	data, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Warn("Failed to encode frame", zap.Error(err))
		s.metrics.FrameErrors.WithLabelValues("encode").Inc()
		data = []byte(protocol.FallbackText)
		kind = "fallback"
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.metrics.FrameErrors.WithLabelValues("write").Inc()
		return err
	}
	s.metrics.FramesSent.WithLabelValues(kind).Inc()
	s.frames++
	return nil
}

func (s *session) close(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
}

// readPump discards inbound frames of any size. Reading is what processes
// close and ping frames; a read error means the client is gone and cancels
// the relay.
func (s *session) readPump(cancel context.CancelFunc) {
	defer cancel()

	for {
		_, r, err := s.conn.NextReader()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
		if _, err := io.Copy(io.Discard, r); err != nil {
			s.logger.Debug("WebSocket read error", zap.Error(err))
			return
		}
	}
}

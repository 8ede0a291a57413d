package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-strudel-bridge/internal/broadcast"
	"github.com/sirosfoundation/go-strudel-bridge/internal/control"
	"github.com/sirosfoundation/go-strudel-bridge/internal/metrics"
	"github.com/sirosfoundation/go-strudel-bridge/internal/protocol"
	"github.com/sirosfoundation/go-strudel-bridge/internal/websocket"
	"github.com/sirosfoundation/go-strudel-bridge/pkg/config"
	"github.com/sirosfoundation/go-strudel-bridge/pkg/middleware"
)

const tracerName = "github.com/sirosfoundation/go-strudel-bridge/internal/server"

var (
	// ErrAssetsUnavailable is returned by Bind when the page or its assets dir is missing
	ErrAssetsUnavailable = errors.New("static assets unavailable")
	// ErrBind is returned by Bind when the listener cannot be opened
	ErrBind = errors.New("failed to bind listener")
	// ErrInvalidState is returned when a lifecycle step runs out of order
	ErrInvalidState = errors.New("invalid server state")
)

// State is a point in the server lifecycle
type State int32

const (
	StateCreated State = iota
	StateBound
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateBound:
		return "bound"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// App is one bridge server: a loopback listener, the broadcast channel its
// sessions read from and the dispatch loop that answers control requests.
type App struct {
	cfg     *config.Config
	logger  *zap.Logger
	rx      *control.Receiver
	events  *broadcast.Channel[protocol.Message]
	metrics *metrics.Metrics
	tracer  trace.Tracer

	sessions *websocket.Manager
	limiter  *middleware.RateLimiter

	state atomic.Int32
	port  atomic.Uint32 // 0 until bound

	listener   net.Listener
	httpServer *http.Server
}

// New creates an App that consumes control requests from rx
func New(cfg *config.Config, rx *control.Receiver, logger *zap.Logger) *App {
	logger = logger.Named("server")
	m := metrics.New()
	events := broadcast.New[protocol.Message](cfg.Channels.BroadcastCapacity)

	return &App{
		cfg:     cfg,
		logger:  logger,
		rx:      rx,
		events:  events,
		metrics: m,
		tracer:  otel.Tracer(tracerName),
		sessions: websocket.NewManager(events, websocket.Options{
			Greeting:     cfg.Server.Greeting,
			WriteTimeout: cfg.Server.WriteDuration(),
		}, logger, m),
		limiter: middleware.NewRateLimiter(cfg.Server.ConnectLimit, logger),
	}
}

// State returns the current lifecycle state
func (a *App) State() State {
	return State(a.state.Load())
}

// Port returns the bound port. The second result is false before Bind.
func (a *App) Port() (uint16, bool) {
	p := a.port.Load()
	return uint16(p), p != 0
}

// URL returns the address a browser should open
func (a *App) URL() string {
	port, _ := a.Port()
	return "http://" + net.JoinHostPort(a.cfg.Server.Host, strconv.Itoa(int(port)))
}

// Publisher returns the producer side of the broadcast channel
func (a *App) Publisher() broadcast.Publisher[protocol.Message] {
	return a.events.Publisher()
}

// Metrics returns the server's instruments
func (a *App) Metrics() *metrics.Metrics {
	return a.metrics
}

func (a *App) providers(index []byte) []RouteProvider {
	providers := []RouteProvider{
		NewAssetProvider(index, a.cfg.Assets.StaticDir()),
		NewSessionProvider(a.sessions, a.limiter),
	}
	if a.cfg.Metrics.Enabled {
		providers = append(providers, NewMetricsProvider(a.metrics, a.cfg.Metrics.Path))
	}
	return providers
}

// Bind loads the asset bundle, builds the router and opens the listening
// socket. Failures here are fatal and leave the App in StateCreated.
func (a *App) Bind() error {
	if s := a.State(); s != StateCreated {
		return fmt.Errorf("%w: bind while %s", ErrInvalidState, s)
	}

	index, err := os.ReadFile(a.cfg.Assets.IndexPath())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAssetsUnavailable, err)
	}
	staticDir := a.cfg.Assets.StaticDir()
	info, err := os.Stat(staticDir)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAssetsUnavailable, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrAssetsUnavailable, staticDir)
	}

	router := buildRouter(a.cfg, a.logger)
	for _, p := range a.providers(index) {
		a.logger.Debug("Registering routes", zap.String("provider", p.Name()))
		p.RegisterRoutes(router)
	}
	a.addStatusEndpoints(router)

	ln, err := net.Listen("tcp", a.cfg.Server.Address())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBind, err)
	}

	a.listener = ln
	a.httpServer = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	a.port.Store(uint32(ln.Addr().(*net.TCPAddr).Port))
	a.state.Store(int32(StateBound))
	return nil
}

// Serve accepts connections and runs the dispatch loop until a Quit
// request, the release of every control sender or ctx cancellation, then
// shuts down gracefully.
func (a *App) Serve(ctx context.Context) error {
	if !a.state.CompareAndSwap(int32(StateBound), int32(StateRunning)) {
		return fmt.Errorf("%w: serve while %s", ErrInvalidState, a.State())
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		err := a.httpServer.Serve(a.listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server error", zap.Error(err))
			cancel()
		}
		serveErr <- err
	}()

	a.logger.Info("Strudel server listening", zap.String("url", a.URL()))
	a.dispatch(ctx)

	err := a.shutdown()
	if sErr := <-serveErr; sErr != nil && !errors.Is(sErr, http.ErrServerClosed) {
		err = errors.Join(fmt.Errorf("HTTP server: %w", sErr), err)
	}
	return err
}

// Close releases a bound App that was never served
func (a *App) Close() error {
	if !a.state.CompareAndSwap(int32(StateBound), int32(StateStopped)) {
		return nil
	}
	a.rx.Close()
	a.events.Close()
	return a.listener.Close()
}

func (a *App) dispatch(ctx context.Context) {
	for {
		req, err := a.rx.Recv(ctx)
		if err != nil {
			if errors.Is(err, control.ErrClosed) {
				a.logger.Info("Control channel closed")
			} else {
				a.logger.Info("Server context done", zap.Error(err))
			}
			return
		}

		a.metrics.ControlRequests.WithLabelValues(req.Name()).Inc()
		if quit := a.handle(ctx, req); quit {
			return
		}
	}
}

// handle serves one control request and reports whether it asked to quit
func (a *App) handle(ctx context.Context, req control.Request) bool {
	_, span := a.tracer.Start(ctx, "control."+req.Name(), trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	switch r := req.(type) {
	case control.GetPort:
		port, bound := a.Port()
		replied := r.Respond(control.PortReply{Port: port, Bound: bound})
		if !replied {
			a.logger.Debug("Port reply abandoned")
		}
		span.SetAttributes(
			attribute.Int("port", int(port)),
			attribute.Bool("bound", bound),
			attribute.Bool("replied", replied))
		return false
	case control.Quit:
		a.logger.Info("Quit requested")
		return true
	default:
		a.logger.Warn("Unknown control request", zap.String("request", req.Name()))
		return false
	}
}

func (a *App) shutdown() error {
	a.state.Store(int32(StateStopping))
	a.logger.Info("Shutting down strudel server")

	// Pending and later control sends fail from here on
	a.rx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownDuration())
	defer cancel()

	var errs []error
	if err := a.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
	}

	// Hijacked websocket connections are not tracked by http.Server; closing
	// the channel ends each relay with a normal close frame.
	a.events.Close()
	if err := a.sessions.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("session drain: %w", err))
	}

	a.state.Store(int32(StateStopped))
	a.logger.Info("Strudel server stopped")
	return errors.Join(errs...)
}

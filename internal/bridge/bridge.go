// Package bridge is the synchronous command surface a host uses to drive a
// running bridge server. Every operation is a short send or receive on the
// control or broadcast channel; none blocks for the lifetime of the server.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"go.uber.org/zap"

	"github.com/sirosfoundation/go-strudel-bridge/internal/broadcast"
	"github.com/sirosfoundation/go-strudel-bridge/internal/control"
	"github.com/sirosfoundation/go-strudel-bridge/internal/metrics"
	"github.com/sirosfoundation/go-strudel-bridge/internal/protocol"
	"github.com/sirosfoundation/go-strudel-bridge/internal/server"
	"github.com/sirosfoundation/go-strudel-bridge/pkg/config"
)

// ErrServerStopped is returned when a request can no longer be answered
// because the server has shut down.
var ErrServerStopped = errors.New("server stopped")

// run is the result of one hosted Serve call, shared by every clone of a
// Handle.
type run struct {
	done chan struct{}
	err  error
}

// Handle is a live producer handle on a running server. Clone it to share
// between callers; Release each clone when done.
type Handle struct {
	tx        *control.Sender
	publisher broadcast.Publisher[protocol.Message]
	metrics   *metrics.Metrics
	host      string
	run       *run
	logger    *zap.Logger
}

// Start builds the channels and the server, binds it on the calling
// goroutine and then serves on a new one. Startup failures such as missing
// assets or a busy port are returned here.
func Start(cfg *config.Config, logger *zap.Logger) (*Handle, error) {
	logger = logger.Named("bridge")
	tx, rx := control.New(cfg.Channels.ControlCapacity)

	app := server.New(cfg, rx, logger)
	if err := app.Bind(); err != nil {
		tx.Close()
		return nil, fmt.Errorf("failed to start server: %w", err)
	}

	r := &run{done: make(chan struct{})}
	go func() {
		defer close(r.done)
		r.err = app.Serve(context.Background())
		if r.err != nil {
			logger.Error("Server stopped with error", zap.Error(r.err))
		}
	}()

	return &Handle{
		tx:        tx,
		publisher: app.Publisher(),
		metrics:   app.Metrics(),
		host:      cfg.Server.Host,
		run:       r,
		logger:    logger,
	}, nil
}

// GetPort asks the server for its port and waits for the reply. It returns
// ErrServerStopped when the server is gone or stops before answering.
func (h *Handle) GetPort(ctx context.Context) (uint16, bool, error) {
	req, reply := control.NewGetPort()
	if err := h.send(ctx, req); err != nil {
		return 0, false, err
	}

	select {
	case r := <-reply:
		return r.Port, r.Bound, nil
	case <-h.tx.Done():
		// The reply may have landed just before the receiver closed
		select {
		case r := <-reply:
			return r.Port, r.Bound, nil
		default:
			return 0, false, ErrServerStopped
		}
	case <-ctx.Done():
		return 0, false, ctx.Err()
	}
}

// URL resolves the port and returns the address the browser client is
// served on.
func (h *Handle) URL(ctx context.Context) (string, error) {
	port, bound, err := h.GetPort(ctx)
	if err != nil {
		return "", err
	}
	if !bound {
		return "", fmt.Errorf("server has no port yet")
	}
	return "http://" + net.JoinHostPort(h.host, strconv.Itoa(int(port))), nil
}

// Quit asks the server to shut down. It does not wait; see Join.
func (h *Handle) Quit(ctx context.Context) error {
	return h.send(ctx, control.Quit{})
}

// Join waits for the hosted server to finish and returns its result
func (h *Handle) Join(ctx context.Context) error {
	select {
	case <-h.run.done:
		return h.run.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown quits and joins. Quitting an already stopped server is not an
// error here.
func (h *Handle) Shutdown(ctx context.Context) error {
	if err := h.Quit(ctx); err != nil && !errors.Is(err, ErrServerStopped) {
		return err
	}
	return h.Join(ctx)
}

// Done is closed when the hosted server has finished
func (h *Handle) Done() <-chan struct{} {
	return h.run.done
}

// Play tells every connected client to start playback
func (h *Handle) Play() {
	h.publish(protocol.Playback(protocol.Playing))
}

// Pause tells every connected client to pause playback
func (h *Handle) Pause() {
	h.publish(protocol.Playback(protocol.Paused))
}

// Stop tells every connected client to stop playback
func (h *Handle) Stop() {
	h.publish(protocol.Playback(protocol.Stopped))
}

// UpdateCode replaces the pattern source in every connected client
func (h *Handle) UpdateCode(source string) {
	h.publish(protocol.Code(source))
}

// Clone returns another handle on the same server
func (h *Handle) Clone() *Handle {
	return &Handle{
		tx:        h.tx.Clone(),
		publisher: h.publisher,
		metrics:   h.metrics,
		host:      h.host,
		run:       h.run,
		logger:    h.logger,
	}
}

// Release gives up this handle. When every handle is released the server
// shuts down as if it had been asked to quit.
func (h *Handle) Release() {
	h.tx.Close()
}

func (h *Handle) send(ctx context.Context, req control.Request) error {
	err := h.tx.Send(ctx, req)
	if errors.Is(err, control.ErrClosed) {
		return fmt.Errorf("%w: %s: %w", ErrServerStopped, req.Name(), err)
	}
	return err
}

// publish never blocks and never reports failure: with no clients or no
// server there is nobody to tell.
func (h *Handle) publish(msg protocol.Message) {
	n, err := h.publisher.Send(msg)

	result := "delivered"
	switch {
	case errors.Is(err, broadcast.ErrNoSubscribers):
		result = "no_subscribers"
	case err != nil:
		result = "closed"
	}
	h.metrics.Published.WithLabelValues(string(msg.Kind()), result).Inc()
	h.logger.Debug("Published event",
		zap.String("kind", string(msg.Kind())),
		zap.Int("subscribers", n),
		zap.String("result", result))
}

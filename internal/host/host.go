// Package host is the editor side of the bridge: it owns the "is running"
// state and turns editor commands into calls on a bridge Handle.
package host

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sirosfoundation/go-strudel-bridge/internal/bridge"
	"github.com/sirosfoundation/go-strudel-bridge/pkg/config"
)

var (
	// ErrAlreadyRunning is returned by Start while a server is live
	ErrAlreadyRunning = errors.New("strudel already running")
	// ErrNotRunning is returned by commands that need a live server
	ErrNotRunning = errors.New("strudel not running")
	// ErrNoPort is returned when the server reports no bound port
	ErrNoPort = errors.New("server has no port yet")
)

// StartFunc starts a bridge server
type StartFunc func(cfg *config.Config, logger *zap.Logger) (*bridge.Handle, error)

// Host tracks at most one running bridge server
type Host struct {
	cfg    *config.Config
	logger *zap.Logger
	opener Opener
	start  StartFunc

	mu     sync.Mutex
	handle *bridge.Handle
}

// New creates a host. A nil opener uses SystemOpener.
func New(cfg *config.Config, opener Opener, logger *zap.Logger) *Host {
	if opener == nil {
		opener = SystemOpener{}
	}
	return &Host{
		cfg:    cfg,
		logger: logger.Named("host"),
		opener: opener,
		start:  bridge.Start,
	}
}

// current returns the live handle, or nil if the server is not running. A
// server that stopped on its own is forgotten here.
func (h *Host) current() *bridge.Handle {
	if h.handle == nil {
		return nil
	}
	select {
	case <-h.handle.Done():
		h.handle.Release()
		h.handle = nil
		return nil
	default:
		return h.handle
	}
}

// Running reports whether a server is up
func (h *Host) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current() != nil
}

// Start launches the server unless one is already running
func (h *Host) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.current() != nil {
		return ErrAlreadyRunning
	}

	handle, err := h.start(h.cfg, h.logger)
	if err != nil {
		return err
	}
	h.handle = handle
	h.logger.Info("Strudel started")
	return nil
}

func (h *Host) live() (*bridge.Handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	handle := h.current()
	if handle == nil {
		return nil, ErrNotRunning
	}
	return handle, nil
}

// Port returns the port the server listens on
func (h *Host) Port(ctx context.Context) (uint16, error) {
	handle, err := h.live()
	if err != nil {
		return 0, err
	}

	port, bound, err := handle.GetPort(ctx)
	if err != nil {
		return 0, err
	}
	if !bound {
		return 0, ErrNoPort
	}
	return port, nil
}

// QuitServer stops the server and waits for it to finish. The host is
// marked as not running even when quitting fails.
func (h *Host) QuitServer(ctx context.Context) error {
	h.mu.Lock()
	handle := h.handle
	h.handle = nil
	h.mu.Unlock()

	if handle == nil {
		return ErrNotRunning
	}
	defer handle.Release()

	if err := handle.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to quit server: %w", err)
	}
	h.logger.Info("Strudel stopped")
	return nil
}

// Open shows the browser client in the default browser
func (h *Host) Open(ctx context.Context) error {
	handle, err := h.live()
	if err != nil {
		return err
	}

	url, err := handle.URL(ctx)
	if err != nil {
		return err
	}
	h.logger.Debug("Opening browser", zap.String("url", url))
	return h.opener.Open(url)
}

// Play starts playback in every connected client
func (h *Host) Play() {
	h.each(func(b *bridge.Handle) { b.Play() })
}

// Pause pauses playback in every connected client
func (h *Host) Pause() {
	h.each(func(b *bridge.Handle) { b.Pause() })
}

// Stop stops playback in every connected client
func (h *Host) Stop() {
	h.each(func(b *bridge.Handle) { b.Stop() })
}

// UpdateCode sends new pattern source to every connected client
func (h *Host) UpdateCode(source string) {
	h.each(func(b *bridge.Handle) { b.UpdateCode(source) })
}

// each runs fn on the live handle. Playback commands without a server have
// nobody to reach and are dropped.
func (h *Host) each(fn func(*bridge.Handle)) {
	handle, err := h.live()
	if err != nil {
		h.logger.Debug("Command dropped", zap.Error(err))
		return
	}
	fn(handle)
}

// Exit is the editor's exit hook: it stops a running server and does
// nothing otherwise.
func (h *Host) Exit(ctx context.Context) {
	if err := h.QuitServer(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
		h.logger.Warn("Exit hook could not stop server", zap.Error(err))
	}
}

package host

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-strudel-bridge/internal/bridge"
	"github.com/sirosfoundation/go-strudel-bridge/internal/server"
	"github.com/sirosfoundation/go-strudel-bridge/pkg/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html></html>"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "assets"), 0o755))

	cfg := config.Default()
	cfg.Server.ShutdownTimeout = 2
	cfg.Assets.Dir = dir
	return cfg
}

type recordingOpener struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (o *recordingOpener) Open(url string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.urls = append(o.urls, url)
	return o.err
}

func newTestHost(t *testing.T) (*Host, *recordingOpener) {
	t.Helper()
	opener := &recordingOpener{}
	h := New(testConfig(t), opener, zap.NewNop())
	t.Cleanup(func() { h.Exit(context.Background()) })
	return h, opener
}

func TestHost_StartTwice(t *testing.T) {
	h, _ := newTestHost(t)

	require.NoError(t, h.Start())
	assert.True(t, h.Running())
	assert.ErrorIs(t, h.Start(), ErrAlreadyRunning)
	assert.Equal(t, "strudel already running", ErrAlreadyRunning.Error())
}

func TestHost_StartFailureLeavesStopped(t *testing.T) {
	cfg := testConfig(t)
	cfg.Assets.Dir = filepath.Join(t.TempDir(), "missing")
	h := New(cfg, nil, zap.NewNop())

	err := h.Start()
	assert.ErrorIs(t, err, server.ErrAssetsUnavailable)
	assert.False(t, h.Running())
}

func TestHost_PortAndQuit(t *testing.T) {
	h, _ := newTestHost(t)
	ctx := context.Background()

	_, err := h.Port(ctx)
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, h.Start())
	port, err := h.Port(ctx)
	require.NoError(t, err)
	assert.NotZero(t, port)

	require.NoError(t, h.QuitServer(ctx))
	assert.False(t, h.Running())
	assert.ErrorIs(t, h.QuitServer(ctx), ErrNotRunning)

	// A fresh start after quit is allowed
	require.NoError(t, h.Start())
	assert.True(t, h.Running())
}

func TestHost_Open(t *testing.T) {
	h, opener := newTestHost(t)
	ctx := context.Background()

	assert.ErrorIs(t, h.Open(ctx), ErrNotRunning)

	require.NoError(t, h.Start())
	require.NoError(t, h.Open(ctx))

	port, err := h.Port(ctx)
	require.NoError(t, err)

	opener.mu.Lock()
	defer opener.mu.Unlock()
	require.Len(t, opener.urls, 1)
	assert.True(t, strings.HasSuffix(opener.urls[0], ":"+strconv.Itoa(int(port))), opener.urls[0])
	assert.True(t, strings.HasPrefix(opener.urls[0], "http://localhost:"), opener.urls[0])
}

func TestHost_OpenerError(t *testing.T) {
	h, opener := newTestHost(t)
	opener.err = errors.New("no display")

	require.NoError(t, h.Start())
	assert.EqualError(t, h.Open(context.Background()), "no display")
}

func TestHost_CommandsWithoutServerAreDropped(t *testing.T) {
	h, _ := newTestHost(t)

	assert.NotPanics(t, func() {
		h.Play()
		h.Pause()
		h.Stop()
		h.UpdateCode("s(\"bd\")")
	})
}

func TestHost_ForgetsServerThatStoppedOnItsOwn(t *testing.T) {
	h, _ := newTestHost(t)

	var handle *bridge.Handle
	h.start = func(cfg *config.Config, logger *zap.Logger) (*bridge.Handle, error) {
		var err error
		handle, err = bridge.Start(cfg, logger)
		return handle, err
	}
	require.NoError(t, h.Start())

	// Stop the server behind the host's back
	other := handle.Clone()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, other.Shutdown(ctx))
	other.Release()

	assert.False(t, h.Running())
	assert.NoError(t, h.Start())
}

func TestHost_ExitWhenNotRunning(t *testing.T) {
	h, _ := newTestHost(t)
	assert.NotPanics(t, func() { h.Exit(context.Background()) })
}

func TestBrowserCommand(t *testing.T) {
	const url = "http://localhost:1234"

	name, args := browserCommand("linux", url)
	assert.Equal(t, "xdg-open", name)
	assert.Equal(t, []string{url}, args)

	name, _ = browserCommand("darwin", url)
	assert.Equal(t, "open", name)

	name, args = browserCommand("windows", url)
	assert.Equal(t, "rundll32", name)
	assert.Equal(t, []string{"url.dll,FileProtocolHandler", url}, args)
}

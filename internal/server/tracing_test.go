package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-strudel-bridge/internal/control"
)

type recordingTracer struct {
	noop.Tracer
	mu    sync.Mutex
	spans []string
}

func (r *recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	r.mu.Lock()
	r.spans = append(r.spans, name)
	r.mu.Unlock()
	return r.Tracer.Start(ctx, name, opts...)
}

func (r *recordingTracer) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.spans...)
}

func TestApp_TracesControlRequests(t *testing.T) {
	cfg := newTestConfig(t)
	tx, rx := control.New(cfg.Channels.ControlCapacity)
	app := New(cfg, rx, zap.NewNop())
	tracer := &recordingTracer{}
	app.tracer = tracer
	require.NoError(t, app.Bind())

	done := make(chan error, 1)
	go func() { done <- app.Serve(context.Background()) }()

	req, reply := control.NewGetPort()
	require.NoError(t, tx.Send(context.Background(), req))
	<-reply
	require.NoError(t, tx.Send(context.Background(), control.Quit{}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}

	assert.Equal(t, []string{"control.get_port", "control.quit"}, tracer.names())
}

package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewProvider_Disabled(t *testing.T) {
	p, err := NewProvider(context.Background(), DefaultConfig())
	require.NoError(t, err)
	assert.False(t, p.Enabled())
	assert.NotNil(t, p.Tracer())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_EnabledNone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Exporter = "none"

	p, err := NewProvider(context.Background(), cfg)
	require.NoError(t, err)
	assert.True(t, p.Enabled())

	_, span := p.Tracer().Start(context.Background(), "test")
	span.End()
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_InvalidExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Exporter = "carrier-pigeon"

	_, err := NewProvider(context.Background(), cfg)
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())

	cfg.SampleRate = 1.5
	assert.Error(t, cfg.Validate())
}

func TestNilProviderIsSafe(t *testing.T) {
	var p *Provider
	assert.NotNil(t, p.Tracer())
	assert.False(t, p.Enabled())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestRecordError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))

	_, span := tp.Tracer("t").Start(context.Background(), "op")
	RecordError(span, nil)
	RecordError(span, errors.New("boom"))
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "boom", spans[0].Status().Description)
}

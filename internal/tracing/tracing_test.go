package tracing

import (
	"bytes"
	"testing"

	"github.com/dyluth/agentbus/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Stdout(t *testing.T) {
	var buf bytes.Buffer
	tp, err := New(config.TraceConfig{Exporter: config.TraceExporterStdout}, &buf, "1.2.3")
	require.NoError(t, err)

	_, span := tp.Tracer("test").Start(t.Context(), "conflict.ScanTask")
	span.End()
	require.NoError(t, tp.Shutdown(t.Context()))

	assert.Contains(t, buf.String(), `"Name":"conflict.ScanTask"`)
	assert.Contains(t, buf.String(), "busd")
	assert.Contains(t, buf.String(), "1.2.3")
}

func TestNew_None(t *testing.T) {
	var buf bytes.Buffer
	tp, err := New(config.TraceConfig{Exporter: config.TraceExporterNone}, &buf, "dev")
	require.NoError(t, err)

	_, span := tp.Tracer("test").Start(t.Context(), "ignored")
	assert.False(t, span.SpanContext().IsSampled())
	span.End()
	require.NoError(t, tp.Shutdown(t.Context()))
	assert.Empty(t, buf.String())
}

func TestNew_UnknownExporter(t *testing.T) {
	_, err := New(config.TraceConfig{Exporter: "zipkin"}, nil, "dev")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zipkin")
}

package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

func TestNewLoggerJSONAndConsole(t *testing.T) {
	for _, json := range []bool{true, false} {
		logger, err := NewLogger(LogLevelInfo, json)
		require.NoError(t, err)
		require.NotNil(t, logger)
		assert.True(t, logger.Core().Enabled(zap.InfoLevel))
	}
}

func TestNewLoggerDebugLevelEnablesDebug(t *testing.T) {
	logger, err := NewLogger(LogLevelDebug, false)
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))
}

func TestNewLoggerDefaultLevelExcludesDebug(t *testing.T) {
	logger, err := NewLogger(LogLevelInfo, false)
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.DebugLevel))
}

func TestInstallPropagatorRegistersTraceContext(t *testing.T) {
	InstallPropagator()
	_, ok := otel.GetTextMapPropagator().(propagation.TraceContext)
	assert.True(t, ok)
}

func TestNoopTracerProviderShutdown(t *testing.T) {
	tp := NoopTracerProvider()
	require.NotNil(t, tp)
	logger, err := NewLogger(LogLevelInfo, false)
	require.NoError(t, err)
	Shutdown(context.Background(), tp, logger)
}

func TestShutdownNilProviderIsNoop(t *testing.T) {
	logger, err := NewLogger(LogLevelInfo, false)
	require.NoError(t, err)
	Shutdown(context.Background(), nil, logger)
}

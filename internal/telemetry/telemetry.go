// Package telemetry wires up structured logging and the OpenTelemetry
// trace-context propagator the DistributedExecutor uses.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// LogLevel mirrors the three levels the original process exposed via its
// config (debug/trace collapse to zap's Debug; info is the default).
type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelDebug LogLevel = "debug"
	LogLevelTrace LogLevel = "trace"
)

// NewLogger builds the process logger. json selects the JSON encoder
// (production); otherwise the human-readable console encoder is used.
func NewLogger(level LogLevel, json bool) (*zap.Logger, error) {
	var cfg zap.Config
	if json {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	switch level {
	case LogLevelDebug, LogLevelTrace:
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("telemetry: build logger: %w", err)
	}
	return logger, nil
}

// InstallPropagator registers the W3C trace-context propagator globally; the
// DistributedExecutor uses it to inject the carrier into a ConfigMap. The
// inbound HTTP handler does not extract a parent span from requests.
func InstallPropagator() {
	otel.SetTextMapPropagator(propagation.TraceContext{})
}

// NoopTracerProvider installs an always-sampling, exporter-less tracer
// provider suitable for a process that wants span/trace IDs in its
// ConfigMap carrier without standing up a collector. Real deployments
// pass their own sdktrace.TracerProvider built with an OTLP exporter
// instead of calling this.
func NoopTracerProvider() *sdktrace.TracerProvider {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	return tp
}

// Shutdown flushes and stops tp, logging (not returning) any error since
// this is always called from a best-effort shutdown path.
func Shutdown(ctx context.Context, tp *sdktrace.TracerProvider, logger *zap.Logger) {
	if tp == nil {
		return
	}
	if err := tp.Shutdown(ctx); err != nil {
		logger.Warn("telemetry: tracer provider shutdown failed", zap.Error(err))
	}
}

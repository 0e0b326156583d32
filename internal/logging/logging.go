// Package logging builds the process logger.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	FormatPretty = "pretty"
	FormatJSON   = "json"
	FormatText   = "text"

	ExporterNone     = "none"
	ExporterOTLPHTTP = "otlp-http"
)

// LevelTrace sits below slog.LevelDebug.
const LevelTrace = slog.Level(-8)

type Options struct {
	Service string
	Version string

	Level  slog.Level
	Format string
	// Writer defaults to os.Stderr.
	Writer io.Writer

	// Exporter "otlp-http" additionally ships every record to Endpoint.
	Exporter string
	Endpoint string
}

// Logger is the process logger plus the OTLP provider behind it, if any.
type Logger struct {
	*slog.Logger
	provider *sdklog.LoggerProvider
}

// New builds a Logger from opts.
func New(ctx context.Context, opts Options) (*Logger, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	var console slog.Handler
	switch strings.ToLower(opts.Format) {
	case FormatPretty, "":
		console = NewPrettyHandler(w, opts.Level)
	case FormatJSON:
		console = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: opts.Level})
	case FormatText:
		console = slog.NewTextHandler(w, &slog.HandlerOptions{Level: opts.Level})
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	switch strings.ToLower(opts.Exporter) {
	case ExporterNone, "":
		return &Logger{Logger: slog.New(console)}, nil
	case ExporterOTLPHTTP:
	default:
		return nil, fmt.Errorf("unknown log exporter %q", opts.Exporter)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(opts.Service),
			semconv.ServiceVersion(opts.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("log resource: %w", err)
	}

	var exporterOpts []otlploghttp.Option
	if opts.Endpoint != "" {
		exporterOpts = append(exporterOpts, otlploghttp.WithEndpointURL(opts.Endpoint))
	}
	exporter, err := otlploghttp.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("otlp log exporter: %w", err)
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
		sdklog.WithResource(res),
	)
	otel := otelslog.NewHandler(opts.Service, otelslog.WithLoggerProvider(provider))

	return &Logger{
		Logger:   slog.New(NewMultiHandler(console, otel)),
		provider: provider,
	}, nil
}

// Shutdown flushes pending OTLP records. It is a no-op without an exporter.
func (l *Logger) Shutdown(ctx context.Context) error {
	if l == nil || l.provider == nil {
		return nil
	}
	return l.provider.Shutdown(ctx)
}

// ParseLevel maps trace|debug|info|warn|error onto a slog.Level. Unknown
// names fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// MultiHandler fans every record out to all handlers.
type MultiHandler struct {
	handlers []slog.Handler
}

var _ slog.Handler = (*MultiHandler)(nil)

func NewMultiHandler(handlers ...slog.Handler) *MultiHandler {
	return &MultiHandler{handlers: handlers}
}

func (m *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle passes the record to every enabled handler and joins their errors.
func (m *MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range m.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &MultiHandler{handlers: next}
}

func (m *MultiHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithGroup(name)
	}
	return &MultiHandler{handlers: next}
}

package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// Options configures SlogManager.Setup.
type Options struct {
	Level string
	// File receives the logs instead of Console when set.
	File io.Writer
	// Console defaults to os.Stdout.
	Console io.Writer
	// Provider enables the OTel log bridge when non-nil.
	Provider    *sdklog.LoggerProvider
	ServiceName string
	// Context adds attributes, such as the session, to every record.
	Context ContextProvider
	// GELF also ships records to Graylog when non-nil.
	GELF MessageWriter
}

// SlogManager builds the process loggers: an slog.Logger for the engine and
// a zerolog.Logger for the dispatcher and connectors, both writing to the
// same output.
type SlogManager struct {
	logger *slog.Logger
	zl     zerolog.Logger
	ready  bool

	logProvider *sdklog.LoggerProvider
}

// NewSlogManager creates a manager whose loggers are the defaults until
// Setup is called.
func NewSlogManager() *SlogManager {
	return &SlogManager{}
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func zerologLevel(l slog.Level) zerolog.Level {
	switch {
	case l <= slog.LevelDebug:
		return zerolog.DebugLevel
	case l <= slog.LevelInfo:
		return zerolog.InfoLevel
	case l <= slog.LevelWarn:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

// Setup replaces both loggers.
func (m *SlogManager) Setup(opts Options) {
	lvl := parseLevel(opts.Level)
	m.logProvider = opts.Provider

	out := opts.File
	if out == nil {
		out = opts.Console
	}
	if out == nil {
		out = os.Stdout
	}

	handlerOpts := &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format(time.RFC3339))
				}
			}
			return a
		},
	}

	handlers := []slog.Handler{slog.NewTextHandler(out, handlerOpts)}
	if opts.Provider != nil {
		name := opts.ServiceName
		if name == "" {
			name = "livemap"
		}
		handlers = append(handlers, otelslog.NewHandler(name, otelslog.WithLoggerProvider(opts.Provider)))
	}
	if opts.GELF != nil {
		facility := opts.ServiceName
		if facility == "" {
			facility = "livemap"
		}
		handlers = append(handlers, NewGELFHandler(opts.GELF, lvl, facility))
	}

	var h slog.Handler = NewMultiHandler(handlers...)
	if opts.Context != nil {
		h = NewContextHandler(h, opts.Context)
	}
	m.logger = slog.New(h)

	m.zl = zerolog.New(zerolog.ConsoleWriter{Out: out, NoColor: true, TimeFormat: time.RFC3339}).
		Level(zerologLevel(lvl)).
		With().Timestamp().Logger()
	m.ready = true

	m.logger.Info("Logging initialized", "level", lvl.String())
}

// Logger returns the engine logger.
func (m *SlogManager) Logger() *slog.Logger {
	if m.logger == nil {
		return slog.Default()
	}
	return m.logger
}

// Zerolog returns the connector logger, tagged with component.
func (m *SlogManager) Zerolog(component string) zerolog.Logger {
	if !m.ready {
		return zerolog.Nop()
	}
	return m.zl.With().Str("component", component).Logger()
}

// Flush forces a flush of OTel logs if available.
func (m *SlogManager) Flush(ctx context.Context) error {
	if m.logProvider != nil {
		return m.logProvider.ForceFlush(ctx)
	}
	return nil
}

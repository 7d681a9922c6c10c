package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger to provide context-aware structured logging.
// Feed and worker identity carried on a context are attached to every
// record logged with that context, including through plain *slog.Logger
// values taken from Logger.
type Logger struct {
	*slog.Logger
}

type ctxKey int

const (
	feedKey ctxKey = iota
	workerKey
)

// New creates a new Logger with the specified log level and format.
// format can be "json" or "text" (default is json).
func New(level slog.Level, format string) *Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level slog.Level, format string) *Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: level,
		// Add source location for errors and above
		AddSource: level <= slog.LevelError,
	}

	switch format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(contextHandler{Handler: handler}),
	}
}

// contextHandler adds the feed and worker carried on a record's context,
// unless the logger already has them as attributes.
type contextHandler struct {
	slog.Handler
	hasFeed, hasWorker bool
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.hasFeed {
		if feed := FeedFromContext(ctx); feed != "" {
			r.AddAttrs(Feed(feed))
		}
	}
	if !h.hasWorker {
		if worker := WorkerFromContext(ctx); worker != "" {
			r.AddAttrs(Worker(worker))
		}
	}
	return h.Handler.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := h
	next.Handler = h.Handler.WithAttrs(attrs)
	for _, a := range attrs {
		switch a.Key {
		case FieldFeed:
			next.hasFeed = true
		case FieldWorker:
			next.hasWorker = true
		}
	}
	return next
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	next := h
	next.Handler = h.Handler.WithGroup(name)
	return next
}

// Default returns the default logger (uses slog.Default).
func Default() *Logger {
	return &Logger{Logger: slog.Default()}
}

// ContextWithFeed tags ctx with the feed currently being processed.
func ContextWithFeed(ctx context.Context, feed string) context.Context {
	return context.WithValue(ctx, feedKey, feed)
}

// ContextWithWorker tags ctx with a worker identity such as "p0/t3".
func ContextWithWorker(ctx context.Context, worker string) context.Context {
	return context.WithValue(ctx, workerKey, worker)
}

// FeedFromContext returns the feed name stored by ContextWithFeed.
func FeedFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(feedKey).(string); ok {
		return v
	}
	return ""
}

// WorkerFromContext returns the worker identity stored by ContextWithWorker.
func WorkerFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(workerKey).(string); ok {
		return v
	}
	return ""
}

// With returns a new logger with the given attributes added.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// WithGroup returns a new logger with the given group name.
func (l *Logger) WithGroup(name string) *Logger {
	return &Logger{Logger: l.Logger.WithGroup(name)}
}

// ParseLevel converts a string log level to slog.Level.
// Valid values: "debug", "info", "warn", "error".
// Returns slog.LevelInfo for invalid values.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetDefault sets the default logger for the application.
// This affects both slog.Default() and log package functions.
func SetDefault(l *Logger) {
	slog.SetDefault(l.Logger)
}

// OrDefault returns l, or slog.Default() when l is nil.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

const instrumentationName = "github.com/FerroO2000/msgbridge"

var (
	logLevel = new(slog.LevelVar)

	rootHandler atomic.Pointer[slog.Handler]
)

func init() {
	SetLogHandler(newDefaultHandler(os.Stderr))
}

func newDefaultHandler(f *os.File) slog.Handler {
	noColor := !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())

	var w io.Writer = f
	if !noColor {
		w = colorable.NewColorable(f)
	}

	console := tint.NewHandler(w, &tint.Options{
		Level:      logLevel,
		TimeFormat: time.TimeOnly,
		NoColor:    noColor,
	})

	return newFanoutHandler(console, otelslog.NewHandler(instrumentationName))
}

// SetLogLevel sets the minimum level of the console logger.
func SetLogLevel(level slog.Level) {
	logLevel.Set(level)
}

// SetLogHandler replaces the handler used by every telemetry instance
// created afterwards. Passing nil restores the default handler.
func SetLogHandler(h slog.Handler) {
	if h == nil {
		h = newDefaultHandler(os.Stderr)
	}
	rootHandler.Store(&h)
}

// NewConsoleHandler returns a tint handler writing to w, without colors.
// It is mostly useful for tests and for redirecting logs.
func NewConsoleHandler(w io.Writer, level slog.Level) slog.Handler {
	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		NoColor:    true,
	})
}

func loadHandler() slog.Handler {
	return *rootHandler.Load()
}

// fanoutHandler forwards every record to all the wrapped handlers.
type fanoutHandler struct {
	handlers []slog.Handler
}

func newFanoutHandler(handlers ...slog.Handler) *fanoutHandler {
	return &fanoutHandler{handlers: handlers}
}

func (fh *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range fh.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (fh *fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, h := range fh.handlers {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (fh *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, 0, len(fh.handlers))
	for _, h := range fh.handlers {
		handlers = append(handlers, h.WithAttrs(attrs))
	}
	return newFanoutHandler(handlers...)
}

func (fh *fanoutHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, 0, len(fh.handlers))
	for _, h := range fh.handlers {
		handlers = append(handlers, h.WithGroup(name))
	}
	return newFanoutHandler(handlers...)
}

// Package logging provides structured logging for the worker, built on
// log/slog. Packages grab a component-tagged logger at init time via L();
// the handler backing it is swapped out once Init() runs with the final
// configured level/format, so import order never matters.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// rootRef holds the live backing handler. Component loggers are created at
// package-init time, before Init() has parsed the configured level/format;
// they resolve through this reference on every record, so swapping it once
// in Init retargets all of them.
type rootRef struct {
	handler atomic.Pointer[slog.Handler]
}

func (r *rootRef) swap(h slog.Handler) {
	r.handler.Store(&h)
}

// deferredHandler is the slog.Handler every logger in this process actually
// carries. Instead of replaying stored attrs/groups against the backing
// handler, each WithAttrs/WithGroup call is captured as a shaping step; the
// chain is applied to whatever handler the root currently holds.
type deferredHandler struct {
	root  *rootRef
	shape func(slog.Handler) slog.Handler
}

func (h *deferredHandler) resolve() slog.Handler {
	base := *h.root.handler.Load()
	if h.shape != nil {
		return h.shape(base)
	}
	return base
}

func (h *deferredHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.resolve().Enabled(ctx, level)
}

func (h *deferredHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.resolve().Handle(ctx, record)
}

func (h *deferredHandler) extend(step func(slog.Handler) slog.Handler) slog.Handler {
	prev := h.shape
	if prev == nil {
		return &deferredHandler{root: h.root, shape: step}
	}
	return &deferredHandler{root: h.root, shape: func(base slog.Handler) slog.Handler {
		return step(prev(base))
	}}
}

func (h *deferredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.extend(func(b slog.Handler) slog.Handler { return b.WithAttrs(attrs) })
}

func (h *deferredHandler) WithGroup(name string) slog.Handler {
	return h.extend(func(b slog.Handler) slog.Handler { return b.WithGroup(name) })
}

var (
	root          = &rootRef{}
	defaultLogger *slog.Logger
)

func init() {
	root.swap(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	defaultLogger = slog.New(&deferredHandler{root: root})
	slog.SetDefault(defaultLogger)
}

// Init retargets every logger in the process at the configured format
// ("json" or "text"), level, and output. Call once, after config.Load.
func Init(format, level string, output io.Writer) {
	if output == nil {
		output = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	root.swap(handler)
	defaultLogger = slog.New(&deferredHandler{root: root})
	slog.SetDefault(defaultLogger)
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return defaultLogger.With(slog.String("component", component))
}

// parseLevel maps Jibri's historical quiet/debug/verbose vocabulary, plus the
// standard slog names, onto slog levels.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "verbose", "info":
		return slog.LevelInfo
	case "quiet", "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

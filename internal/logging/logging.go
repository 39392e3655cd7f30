// Package logging provides dependency-injected structured logging for
// coldvault's components.
//
// Each component (scanner, uploader, restorer, ...) owns its own scoped
// logger; none calls slog.SetDefault or reaches for a package-level
// logger. Output format, destination, and base level are configured
// once in cmd/coldvault and passed down.
//
// Logging is sparse: scan/backup/restore lifecycle boundaries and
// per-file failures are logged, not per-chunk or per-buffer-acquire
// events — a 10,000-file scan should not produce 10,000 log lines.
package logging

import (
	"context"
	"log/slog"
)

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that drops everything written to it.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns logger if non-nil, otherwise a discard logger. Every
// component constructor that takes an optional *slog.Logger should
// call this first:
//
//	func New(logger *slog.Logger) *Scanner {
//	    logger = logging.Default(logger)
//	    return &Scanner{logger: logger.With("component", "scan")}
//	}
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// ComponentFilterHandler wraps a slog.Handler and applies a per-component
// minimum level on top of the handler's own level, so one run of
// coldvault can be told to emit DEBUG logs for, say, "upload" while
// everything else stays at INFO — without a second process or a
// rebuild. coldvault is a single run of a CLI command, not a
// long-running server an operator attaches to, so there is no runtime
// control surface (no admin endpoint, no SIGHUP handler) to flip a
// component's level mid-run: the override set is fixed for the life of
// the handler and comes from config, once, at startup.
type ComponentFilterHandler struct {
	next         slog.Handler
	defaultLevel slog.Level
	preAttrs     []slog.Attr
	levels       map[string]slog.Level
}

// NewComponentFilterHandler wraps next, applying defaultLevel to any
// component not named in levels. levels is copied and never mutated
// after construction.
func NewComponentFilterHandler(next slog.Handler, defaultLevel slog.Level, levels map[string]slog.Level) *ComponentFilterHandler {
	fixed := make(map[string]slog.Level, len(levels))
	for k, v := range levels {
		fixed[k] = v
	}
	return &ComponentFilterHandler{next: next, defaultLevel: defaultLevel, levels: fixed}
}

func (h *ComponentFilterHandler) Enabled(context.Context, slog.Level) bool {
	// Filtering happens in Handle, once the component attribute is visible.
	return true
}

func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	component := h.component(r)

	min := h.defaultLevel
	if lvl, ok := h.levels[component]; ok {
		min = lvl
	}
	if r.Level < min {
		return nil
	}
	if !h.next.Enabled(ctx, r.Level) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *ComponentFilterHandler) component(r slog.Record) string {
	for _, a := range h.preAttrs {
		if a.Key == "component" {
			if s, ok := a.Value.Resolve().Any().(string); ok {
				return s
			}
		}
	}
	var component string
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			if s, ok := a.Value.Resolve().Any().(string); ok {
				component = s
				return false
			}
		}
		return true
	})
	return component
}

func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	pre := make([]slog.Attr, len(h.preAttrs), len(h.preAttrs)+len(attrs))
	copy(pre, h.preAttrs)
	pre = append(pre, attrs...)
	return &ComponentFilterHandler{
		next:         h.next.WithAttrs(attrs),
		defaultLevel: h.defaultLevel,
		preAttrs:     pre,
		levels:       h.levels,
	}
}

func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &ComponentFilterHandler{
		next:         h.next.WithGroup(name),
		defaultLevel: h.defaultLevel,
		preAttrs:     h.preAttrs,
		levels:       h.levels,
	}
}

// Level reports the effective minimum level for component.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	if lvl, ok := h.levels[component]; ok {
		return lvl
	}
	return h.defaultLevel
}

// DefaultLevel reports the level applied to components without an override.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	return h.defaultLevel
}

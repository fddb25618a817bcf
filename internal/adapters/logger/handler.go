package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/muesli/termenv"
)

// Colors and icons of the pretty handler.
const (
	colorSlate  = "#667085"
	colorRed    = "#D93025"
	colorYellow = "#F59E0B"

	iconCross   = "✗"
	iconWarning = "!"
)

// PrettyHandler is a slog.Handler that produces human-readable, colored output.
type PrettyHandler struct {
	out   *termenv.Output
	level slog.Leveler
	attrs []slog.Attr
	group string
}

// NewPrettyHandler creates a new PrettyHandler writing to w.
func NewPrettyHandler(w io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	if w == nil {
		w = os.Stderr
	}

	levelVar := &slog.LevelVar{}
	if opts != nil && opts.Level != nil {
		levelVar.Set(opts.Level.Level())
	}

	return &PrettyHandler{
		out:   newOutput(w),
		level: levelVar,
	}
}

// newOutput honours NO_COLOR and otherwise detects the terminal profile.
func newOutput(w io.Writer) *termenv.Output {
	profile := termenv.EnvColorProfile()
	if os.Getenv("NO_COLOR") != "" {
		profile = termenv.Ascii
	}
	return termenv.NewOutput(w, termenv.WithProfile(profile), termenv.WithTTY(true))
}

// Enabled reports whether the handler handles records at the given level.
func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle formats and outputs the log record.
//
//nolint:gocritic // slog.Handler interface requires slog.Record by value
func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	msg := r.Message
	color := colorSlate
	switch {
	case r.Level >= slog.LevelError:
		msg = iconCross + " " + msg
		color = colorRed
	case r.Level >= slog.LevelWarn:
		msg = iconWarning + " " + msg
		color = colorYellow
	}

	attrs := make([]string, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs = append(attrs, formatAttr(h.group, a))
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, formatAttr(h.group, a))
		return true
	})
	if len(attrs) > 0 {
		msg += " " + strings.Join(attrs, " ")
	}

	styled := h.out.String(msg).Foreground(h.out.Color(color))
	_, err := h.out.WriteString(styled.String() + "\n")
	return err
}

// WithAttrs returns a new Handler with the given attributes appended.
func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &PrettyHandler{out: h.out, level: h.level, attrs: merged, group: h.group}
}

// WithGroup returns a new Handler with the given group name.
func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	return &PrettyHandler{out: h.out, level: h.level, attrs: h.attrs, group: name}
}

func formatAttr(group string, attr slog.Attr) string {
	key := attr.Key
	if group != "" {
		key = group + "." + key
	}
	return key + "=" + attr.Value.String()
}

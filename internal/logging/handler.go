// Package logging provides the two logging surfaces a peer process uses: a
// colorized slog.Handler for operator-facing console output, and Sink, the
// exact-format per-run event log required by spec.md §6.
package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// ConsoleOptions configures a ConsoleHandler.
type ConsoleOptions struct {
	UseColor   bool
	TimeFormat string
	Level      slog.Level
}

// DefaultConsoleOptions returns sane defaults: colored, second-resolution
// timestamps, info level and above.
func DefaultConsoleOptions() ConsoleOptions {
	return ConsoleOptions{
		UseColor:   true,
		TimeFormat: "15:04:05",
		Level:      slog.LevelInfo,
	}
}

// ConsoleHandler is a compact, colorized slog.Handler meant for operator
// visibility alongside the per-peer event log; it carries none of the
// protocol's required wording, just diagnostics (dial attempts, I/O errors,
// shutdown).
type ConsoleHandler struct {
	opts   ConsoleOptions
	writer io.Writer
	mu     *sync.Mutex
	attrs  []slog.Attr
	groups []string

	colorLevel map[slog.Level]func(...any) string
	colorTime  func(...any) string
	colorMsg   func(...any) string
}

var _ slog.Handler = (*ConsoleHandler)(nil)

// NewConsoleHandler builds a handler writing to w.
func NewConsoleHandler(w io.Writer, opts ConsoleOptions) *ConsoleHandler {
	h := &ConsoleHandler{opts: opts, writer: w, mu: &sync.Mutex{}}
	h.initColors()
	return h
}

func (h *ConsoleHandler) initColors() {
	if !h.opts.UseColor {
		noColor := func(a ...any) string { return fmt.Sprint(a...) }
		h.colorTime, h.colorMsg = noColor, noColor
		h.colorLevel = map[slog.Level]func(...any) string{
			slog.LevelDebug: noColor, slog.LevelInfo: noColor,
			slog.LevelWarn: noColor, slog.LevelError: noColor,
		}
		return
	}

	h.colorTime = color.New(color.FgHiBlack).SprintFunc()
	h.colorMsg = color.New(color.FgCyan).SprintFunc()
	h.colorLevel = map[slog.Level]func(...any) string{
		slog.LevelDebug: color.New(color.FgMagenta).SprintFunc(),
		slog.LevelInfo:  color.New(color.FgBlue).SprintFunc(),
		slog.LevelWarn:  color.New(color.FgYellow).SprintFunc(),
		slog.LevelError: color.New(color.FgRed, color.Bold).SprintFunc(),
	}
}

func (h *ConsoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level
}

func (h *ConsoleHandler) Handle(_ context.Context, r slog.Record) error {
	var buf bytes.Buffer

	buf.WriteString(h.colorTime(r.Time.Format(h.opts.TimeFormat)))
	buf.WriteByte(' ')

	level := strings.ToUpper(r.Level.String())
	if colorFn, ok := h.colorLevel[r.Level]; ok {
		buf.WriteString(colorFn(fmt.Sprintf("%-5s", level)))
	} else {
		buf.WriteString(fmt.Sprintf("%-5s", level))
	}
	buf.WriteByte(' ')

	buf.WriteString(h.colorMsg(r.Message))

	attrs := make(map[string]any)
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Resolve().Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Resolve().Any()
		return true
	})
	if len(attrs) > 0 {
		b, err := json.Marshal(attrs)
		if err == nil {
			buf.WriteByte(' ')
			buf.Write(b)
		}
	}

	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.writer.Write(buf.Bytes())
	return err
}

func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	next := *h
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &next
}

func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = append(append([]string(nil), h.groups...), name)
	return &next
}

// New builds the default colorized console logger for a peer, tagged with
// its peer id, writing to stderr.
func New(peerID int) *slog.Logger {
	h := NewConsoleHandler(os.Stderr, DefaultConsoleOptions())
	return slog.New(h).With("peer", peerID)
}

// Package deploylog records deployment events.
//
// Every record is rendered as one line, "[YYYY-MM-DD HH:MM:SS] message k=v",
// and written synchronously to the console and to a per-day file in the log
// directory. The file is opened in append mode for each record so a line is
// on disk before the logging call returns and the day boundary needs no
// rotation logic.
package deploylog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
)

// TimeLayout is the timestamp format of every line
const TimeLayout = "2006-01-02 15:04:05"

// FileName returns the name of the log file for the day containing t
func FileName(t time.Time) string {
	return "deploy-" + t.Format("2006-01-02") + ".log"
}

// Options configures a Handler
type Options struct {
	// Dir holds the daily files. Empty disables the file sink.
	Dir   string
	Level slog.Leveler
	// Now overrides the clock
	Now func() time.Time
}

// Handler is a slog.Handler writing to the console and the daily file
type Handler struct {
	mu      *sync.Mutex
	console io.Writer
	dir     string
	level   slog.Leveler
	now     func() time.Time

	// prefix holds attributes added with WithAttrs, already rendered
	prefix string
	groups []string
}

// NewHandler creates a handler writing to console and, if opts.Dir is set, to
// opts.Dir/deploy-YYYY-MM-DD.log.
func NewHandler(console io.Writer, opts Options) *Handler {
	if opts.Level == nil {
		opts.Level = slog.LevelInfo
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if console == nil {
		console = io.Discard
	}
	return &Handler{
		mu:      &sync.Mutex{},
		console: console,
		dir:     opts.Dir,
		level:   opts.Level,
		now:     opts.Now,
	}
}

// New returns a logger backed by a Handler
func New(console io.Writer, opts Options) *slog.Logger {
	return slog.New(NewHandler(console, opts))
}

// Path returns the file the handler writes to today, or "" without a file
// sink.
func (h *Handler) Path() string {
	if h.dir == "" {
		return ""
	}
	return filepath.Join(h.dir, FileName(h.now()))
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	ts := h.now()

	var buf bytes.Buffer
	buf.WriteString("[" + ts.Format(TimeLayout) + "] ")
	switch {
	case r.Level >= slog.LevelError:
		buf.WriteString("ERROR ")
	case r.Level >= slog.LevelWarn:
		buf.WriteString("WARN ")
	}
	buf.WriteString(r.Message)
	buf.WriteString(h.prefix)
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(&buf, h.groups, a)
		return true
	})
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	if _, err := h.console.Write(buf.Bytes()); err != nil {
		errs = append(errs, fmt.Errorf("write console: %w", err))
	}
	if h.dir != "" {
		if err := h.appendFile(ts, buf.Bytes()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *Handler) appendFile(ts time.Time, line []byte) error {
	if err := os.MkdirAll(h.dir, 0755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	name := filepath.Join(h.dir, FileName(ts))
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("write log file: %w", err)
	}
	return f.Close()
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	var buf bytes.Buffer
	for _, a := range attrs {
		appendAttr(&buf, h.groups, a)
	}
	clone := *h
	clone.prefix = h.prefix + buf.String()
	return &clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.groups = append(append([]string(nil), h.groups...), name)
	return &clone
}

func appendAttr(buf *bytes.Buffer, groups []string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		sub := groups
		if a.Key != "" {
			sub = append(append([]string(nil), groups...), a.Key)
		}
		for _, ga := range a.Value.Group() {
			appendAttr(buf, sub, ga)
		}
		return
	}

	buf.WriteByte(' ')
	for _, g := range groups {
		buf.WriteString(g)
		buf.WriteByte('.')
	}
	buf.WriteString(a.Key)
	buf.WriteByte('=')
	buf.WriteString(quoteIfNeeded(formatValue(a.Value)))
}

func formatValue(v slog.Value) string {
	switch v.Kind() {
	case slog.KindTime:
		return v.Time().Format(TimeLayout)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return fmt.Sprint(v.Any())
	default:
		return v.String()
	}
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.IndexFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == '"' || r == '=' || !unicode.IsPrint(r)
	}) >= 0 {
		return strconv.Quote(s)
	}
	return s
}

// This file is part of drgn-go.
//
// drgn-go is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// drgn-go is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with drgn-go.  If not, see <https://www.gnu.org/licenses/>.

// Package logger is an advisory log sink for conditions worth seeing that
// are not, by themselves, errors. Nothing logs on the hot path. In this
// module its only caller is the elfmodule adapter, which logs a section
// whose bytes cannot be read; the dwarf package itself emits no records.
//
// Log records are fanned out to two handlers: a bounded in-memory ring
// (inspectable via Tail, in the spirit of the teacher's own ring-buffered
// logger) and a plain text handler on stderr.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	slogmulti "github.com/samber/slog-multi"
)

const ringCapacity = 512

var (
	mu   sync.Mutex
	ring []string
	next int
	full bool

	base = slog.New(slogmulti.Fanout(
		newRingHandler(),
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}),
	))
)

// Component returns a logger scoped to the given core component ("expr",
// "loclist", "types", "frame", ...), attached to every record it emits.
func Component(name string) *slog.Logger {
	return base.With(slog.String("component", name))
}

// Log writes an advisory record for component at the given severity.
func Log(component string, level slog.Level, msg string, args ...any) {
	Component(component).Log(context.Background(), level, msg, args...)
}

// Logf is shorthand for Log at slog.LevelInfo with a printf-style message,
// matching the teacher's Log/Logf split.
func Logf(component, format string, args ...any) {
	Log(component, slog.LevelInfo, fmt.Sprintf(format, args...))
}

// Tail writes up to n of the most recent log lines to w, oldest first.
func Tail(w io.Writer, n int) {
	mu.Lock()
	defer mu.Unlock()

	lines := snapshotLocked()
	if n < len(lines) {
		lines = lines[len(lines)-n:]
	}
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
}

// Write dumps the entire ring buffer to w, oldest first.
func Write(w io.Writer) {
	Tail(w, ringCapacity)
}

func snapshotLocked() []string {
	if !full {
		return append([]string(nil), ring[:next]...)
	}
	out := make([]string, 0, len(ring))
	out = append(out, ring[next:]...)
	out = append(out, ring[:next]...)
	return out
}

// reset clears the ring buffer. Exposed for tests only.
func reset() {
	mu.Lock()
	defer mu.Unlock()
	ring = nil
	next = 0
	full = false
}

// ringHandler is a minimal slog.Handler that appends one formatted line
// per record to the package-level ring buffer.
type ringHandler struct {
	attrs []slog.Attr
}

func newRingHandler() *ringHandler {
	return &ringHandler{}
}

func (h *ringHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *ringHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	component := ""
	for _, a := range h.attrs {
		if a.Key == "component" {
			component = a.Value.String()
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			component = a.Value.String()
		}
		return true
	})
	if component != "" {
		b.WriteString(component)
		b.WriteString(": ")
	}
	b.WriteString(r.Message)

	mu.Lock()
	defer mu.Unlock()
	if ring == nil {
		ring = make([]string, ringCapacity)
	}
	ring[next] = b.String()
	next = (next + 1) % ringCapacity
	if next == 0 {
		full = true
	}
	return nil
}

func (h *ringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ringHandler{attrs: append(append([]slog.Attr(nil), h.attrs...), attrs...)}
}

func (h *ringHandler) WithGroup(string) slog.Handler {
	return h
}

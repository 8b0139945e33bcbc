package logger

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// DebugBufferSize is the number of entries kept per generation.
const DebugBufferSize = 100

// DebugEntry is one line of the diagnostic log.
type DebugEntry struct {
	Time    time.Time `json:"time"`
	Value   string    `json:"value"`
	Context string    `json:"context,omitempty"`
}

// DebugLogger is the diagnostic sink. It keeps the most recent entries in
// two generations: when the current generation is full it becomes the
// previous one and a fresh generation starts, so between DebugBufferSize
// and 2*DebugBufferSize entries are always retained.
//
// DebugLogger also satisfies Logger, so it can sit behind a MultiLogger.
type DebugLogger struct {
	mu      sync.Mutex
	now     func() time.Time
	current []DebugEntry
	prev    []DebugEntry
	next    Logger
}

// NewDebugLogger returns a sink stamped by now. Entries are forwarded to
// next (may be nil) as warnings.
func NewDebugLogger(now func() time.Time, next Logger) *DebugLogger {
	if now == nil {
		now = time.Now
	}
	return &DebugLogger{now: now, next: next}
}

// Log records value, which is typically a string or an error, together
// with the operation it occurred in.
func (d *DebugLogger) Log(value any, context string) {
	var s string
	switch v := value.(type) {
	case nil:
		s = "<nil>"
	case string:
		s = v
	case error:
		s = v.Error()
	default:
		s = fmt.Sprint(v)
	}
	d.record(s, context)
	if d.next != nil {
		if context != "" {
			d.next.Warning("%s (%s)", s, context)
		} else {
			d.next.Warning("%s", s)
		}
	}
}

// Entries returns all retained entries, oldest first.
func (d *DebugLogger) Entries() []DebugEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DebugEntry, 0, len(d.prev)+len(d.current))
	out = append(out, d.prev...)
	return append(out, d.current...)
}

// Format renders the retained entries the way the debug page shows them.
func (d *DebugLogger) Format(now time.Time) string {
	entries := d.Entries()
	if len(entries) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "[%s] %s", Since(now, e.Time), e.Value)
		if e.Context != "" {
			fmt.Fprintf(&sb, " %s", e.Context)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func (d *DebugLogger) Info(format string, args ...interface{}) {
	d.record(fmt.Sprintf(format, args...), "")
}

func (d *DebugLogger) Warning(format string, args ...interface{}) {
	d.record(fmt.Sprintf(format, args...), "")
}

func (d *DebugLogger) Error(format string, args ...interface{}) {
	d.record(fmt.Sprintf(format, args...), "")
}

func (d *DebugLogger) Close() error { return nil }

// record stores without forwarding. The Logger methods use it directly
// because a MultiLogger has already written the message elsewhere.
func (d *DebugLogger) record(s, context string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.current) == DebugBufferSize {
		d.prev = d.current
		d.current = make([]DebugEntry, 0, DebugBufferSize)
	}
	d.current = append(d.current, DebugEntry{Time: d.now(), Value: s, Context: context})
}

var _ Logger = (*DebugLogger)(nil)

// Since renders the age of t relative to now as "1d2h3m4s5u"; the zero
// time renders as "never".
func Since(now, t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	delta := now.Sub(t)
	if delta < 0 {
		delta = 0
	}
	days := delta / (24 * time.Hour)
	delta -= days * 24 * time.Hour
	hours := delta / time.Hour
	delta -= hours * time.Hour
	minutes := delta / time.Minute
	delta -= minutes * time.Minute
	seconds := delta / time.Second
	delta -= seconds * time.Second
	millis := delta / time.Millisecond

	var sb strings.Builder
	if days > 0 {
		fmt.Fprintf(&sb, "%dd", days)
	}
	if hours > 0 {
		fmt.Fprintf(&sb, "%dh", hours)
	}
	if minutes > 0 {
		fmt.Fprintf(&sb, "%dm", minutes)
	}
	if seconds > 0 {
		fmt.Fprintf(&sb, "%ds", seconds)
	}
	if millis > 0 || sb.Len() == 0 {
		fmt.Fprintf(&sb, "%du", millis)
	}
	return sb.String()
}

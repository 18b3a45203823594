package logger

import (
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Entry is one captured log line.
type Entry struct {
	Time      time.Time `json:"time"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
	Archive   string    `json:"archive,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Buffer is a fixed-size ring of recent log entries, served by the HTTP API
// so operators can see failed exports without shell access.
type Buffer struct {
	mu      sync.RWMutex
	entries []Entry
	next    int
	count   int
}

var (
	globalBuffer *Buffer
	bufferOnce   sync.Once
)

// GetBuffer returns the process-wide buffer.
func GetBuffer() *Buffer {
	bufferOnce.Do(func() {
		globalBuffer = NewBuffer(2000)
	})
	return globalBuffer
}

// NewBuffer returns a Buffer holding up to size entries.
func NewBuffer(size int) *Buffer {
	if size < 1 {
		size = 1
	}
	return &Buffer{entries: make([]Entry, size)}
}

// Add stores e, evicting the oldest entry when full.
func (b *Buffer) Add(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[b.next] = e
	b.next = (b.next + 1) % len(b.entries)
	if b.count < len(b.entries) {
		b.count++
	}
}

// Len returns the number of stored entries.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Recent returns up to limit entries at or above minLevel, newest first.
// limit <= 0 means all; an unparsable minLevel means every level.
func (b *Buffer) Recent(limit int, minLevel string) []Entry {
	min, err := zerolog.ParseLevel(strings.ToLower(minLevel))
	if err != nil || minLevel == "" {
		min = zerolog.TraceLevel
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Entry, 0, min2(limit, b.count))
	for i := 0; i < b.count; i++ {
		if limit > 0 && len(out) == limit {
			break
		}
		e := b.entries[(b.next-1-i+len(b.entries))%len(b.entries)]
		if lvl, err := zerolog.ParseLevel(e.Level); err == nil && lvl < min {
			continue
		}
		out = append(out, e)
	}
	return out
}

func min2(limit, count int) int {
	if limit > 0 && limit < count {
		return limit
	}
	return count
}

// BufferWriter tees zerolog JSON lines to an output and into a Buffer.
type BufferWriter struct {
	buf *Buffer
	out io.Writer
}

// NewBufferWriter returns a writer capturing into buf. out may be nil.
func NewBufferWriter(buf *Buffer, out io.Writer) *BufferWriter {
	return &BufferWriter{buf: buf, out: out}
}

// Write implements io.Writer. Lines that are not zerolog JSON are passed
// through but not captured.
func (w *BufferWriter) Write(p []byte) (int, error) {
	var line struct {
		Time      string `json:"time"`
		Level     string `json:"level"`
		Component string `json:"component"`
		Message   string `json:"message"`
		Archive   string `json:"archive"`
		Error     string `json:"error"`
	}
	if err := json.Unmarshal(p, &line); err == nil && (line.Level != "" || line.Message != "") {
		e := Entry{
			Time:      time.Now(),
			Level:     line.Level,
			Component: line.Component,
			Message:   line.Message,
			Archive:   line.Archive,
			Error:     line.Error,
		}
		if t, err := time.Parse(time.RFC3339, line.Time); err == nil {
			e.Time = t
		}
		w.buf.Add(e)
	}

	if w.out == nil {
		return len(p), nil
	}
	return w.out.Write(p)
}

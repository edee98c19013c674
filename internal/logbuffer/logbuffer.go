// Package logbuffer keeps the most recent log lines in memory for the
// /api/logs endpoint.
package logbuffer

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogEntry represents a single log entry
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Component string         `json:"component,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// LogBuffer is a thread-safe ring buffer for log entries
type LogBuffer struct {
	entries []LogEntry
	size    int
	head    int
	count   int
	mu      sync.RWMutex
}

// NewLogBuffer creates a new log buffer with the specified capacity
func NewLogBuffer(size int) *LogBuffer {
	if size <= 0 {
		size = 1000
	}
	return &LogBuffer{
		entries: make([]LogEntry, size),
		size:    size,
	}
}

// Write implements io.Writer for capturing zerolog output. Each call is
// one JSON event; anything else is stored verbatim as the message.
func (lb *LogBuffer) Write(p []byte) (n int, err error) {
	entry := parse(p)

	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.entries[lb.head] = entry
	lb.head = (lb.head + 1) % lb.size
	if lb.count < lb.size {
		lb.count++
	}
	return len(p), nil
}

// GetEntries returns all log entries in chronological order
func (lb *LogBuffer) GetEntries() []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	result := make([]LogEntry, lb.count)
	if lb.count == 0 {
		return result
	}

	start := 0
	if lb.count == lb.size {
		start = lb.head
	}
	for i := 0; i < lb.count; i++ {
		result[i] = lb.entries[(start+i)%lb.size]
	}
	return result
}

// GetRecentEntries returns at most n of the most recent entries at or
// above minLevel, oldest first. n <= 0 means no limit.
func (lb *LogBuffer) GetRecentEntries(n int, minLevel zerolog.Level) []LogEntry {
	entries := lb.GetEntries()
	if minLevel > zerolog.TraceLevel {
		kept := entries[:0]
		for _, e := range entries {
			if lvl, err := zerolog.ParseLevel(e.Level); err != nil || lvl >= minLevel {
				kept = append(kept, e)
			}
		}
		entries = kept
	}
	if n <= 0 || len(entries) <= n {
		return entries
	}
	return entries[len(entries)-n:]
}

// Clear clears all log entries
func (lb *LogBuffer) Clear() {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.head = 0
	lb.count = 0
}

func parse(p []byte) LogEntry {
	var fields map[string]any
	if err := json.Unmarshal(p, &fields); err != nil {
		return LogEntry{
			Timestamp: time.Now().UTC(),
			Level:     zerolog.InfoLevel.String(),
			Message:   strings.TrimSpace(string(p)),
		}
	}

	entry := LogEntry{Level: zerolog.InfoLevel.String()}
	if v, ok := fields[zerolog.LevelFieldName].(string); ok {
		entry.Level = v
	}
	if v, ok := fields[zerolog.MessageFieldName].(string); ok {
		entry.Message = v
	}
	if v, ok := fields["component"].(string); ok {
		entry.Component = v
	}
	entry.Timestamp = parseTime(fields[zerolog.TimestampFieldName])

	for _, k := range []string{zerolog.LevelFieldName, zerolog.MessageFieldName, zerolog.TimestampFieldName, "component"} {
		delete(fields, k)
	}
	if len(fields) > 0 {
		entry.Fields = fields
	}
	return entry
}

// parseTime accepts both RFC 3339 and unix-seconds timestamps
func parseTime(v any) time.Time {
	switch t := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts.UTC()
		}
		if sec, err := strconv.ParseInt(t, 10, 64); err == nil {
			return time.Unix(sec, 0).UTC()
		}
	case float64:
		return time.Unix(int64(t), 0).UTC()
	}
	return time.Now().UTC()
}

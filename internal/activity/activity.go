// Package activity keeps a bounded in-memory log of recent registry
// events for the dashboard API. The log is process-local and empty
// after a restart.
package activity

import (
	"sync"
	"time"
)

// DefaultCapacity bounds the log when no capacity is given.
const DefaultCapacity = 50

// Action classifies an event.
type Action string

// Known actions.
const (
	ActionPull       Action = "Pull"
	ActionPush       Action = "Push"
	ActionCacheHit   Action = "CacheHit"
	ActionProxyFetch Action = "ProxyFetch"
)

// Source tells where the served bytes came from.
type Source string

// Known sources.
const (
	SourceLocal Source = "LOCAL"
	SourceProxy Source = "PROXY"
	SourceCache Source = "CACHE"
)

// Entry is one logged event.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Action    Action    `json:"action"`
	Artifact  string    `json:"artifact"`
	Registry  string    `json:"registry"`
	Source    Source    `json:"source"`
}

// Log is a fixed-capacity event log. The oldest entry is dropped on
// overflow. Safe for concurrent use.
type Log struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
}

// NewLog creates a log bounded at capacity; non-positive capacities
// fall back to DefaultCapacity.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		entries:  make([]Entry, 0, capacity),
		capacity: capacity,
	}
}

// Record appends one event, evicting the oldest entry when full.
func (l *Log) Record(action Action, artifact, registry string, source Source) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) == l.capacity {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:l.capacity-1]
	}
	l.entries = append(l.entries, Entry{
		Timestamp: time.Now().UTC(),
		Action:    action,
		Artifact:  artifact,
		Registry:  registry,
		Source:    source,
	})
}

// Recent returns up to n entries, newest first.
func (l *Log) Recent(n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]Entry, n)
	for i := 0; i < n; i++ {
		out[i] = l.entries[len(l.entries)-1-i]
	}
	return out
}

// All returns a snapshot of every entry, newest first.
func (l *Log) All() []Entry {
	l.mu.Lock()
	n := len(l.entries)
	l.mu.Unlock()
	return l.Recent(n)
}

// Package trace keeps a bounded in-memory buffer of recent routing
// decisions for debugging. Old entries fall out as new ones arrive.
package trace

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/zen-systems/routegate/pkg/health"
	"github.com/zen-systems/routegate/pkg/router"
)

// Entry is one recorded routing decision with its attempt outcomes.
type Entry struct {
	RequestID string           `json:"request_id"`
	Decision  *router.Decision `json:"decision,omitempty"`
	Outcomes  []health.Outcome `json:"outcomes,omitempty"`
	Error     string           `json:"error,omitempty"`
	At        time.Time        `json:"at"`
}

// Buffer holds the most recent entries keyed by request ID.
type Buffer struct {
	cache *lru.Cache[string, Entry]
}

const defaultCapacity = 1024

// NewBuffer creates a buffer bounded to capacity entries.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	cache, _ := lru.New[string, Entry](capacity)
	return &Buffer{cache: cache}
}

// Record stores a finished decision. Satisfies the engine's Recorder.
func (b *Buffer) Record(requestID string, d *router.Decision, outcomes []health.Outcome, err error) {
	e := Entry{
		RequestID: requestID,
		Decision:  d,
		Outcomes:  outcomes,
		At:        time.Now(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	b.cache.Add(requestID, e)
}

// Get returns the entry for a request ID without touching recency.
func (b *Buffer) Get(requestID string) (Entry, bool) {
	return b.cache.Peek(requestID)
}

// Recent returns up to n entries, newest first. n <= 0 returns everything.
func (b *Buffer) Recent(n int) []Entry {
	keys := b.cache.Keys()
	if n <= 0 || n > len(keys) {
		n = len(keys)
	}
	out := make([]Entry, 0, n)
	for i := len(keys) - 1; i >= 0 && len(out) < n; i-- {
		if e, ok := b.cache.Peek(keys[i]); ok {
			out = append(out, e)
		}
	}
	return out
}

// Len reports how many entries are buffered.
func (b *Buffer) Len() int {
	return b.cache.Len()
}

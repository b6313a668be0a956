// Package audit keeps a tamper-evident, hash-chained trail of payment events.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Entry is one link of the chain.
type Entry struct {
	Seq          uint64            `json:"seq"`
	Timestamp    string            `json:"timestamp"`
	Kind         string            `json:"kind"`
	Ref          string            `json:"ref,omitempty"`
	Attrs        map[string]string `json:"attrs,omitempty"`
	PreviousHash string            `json:"previous_hash"`
	Hash         string            `json:"hash"`
}

// Trail appends entries whose hash covers the previous entry's hash.
type Trail struct {
	mu           sync.Mutex
	seq          uint64
	previousHash string
	now          func() time.Time
	logger       *slog.Logger
}

// Option configures a Trail.
type Option func(*Trail)

// WithLogger emits every entry as an "audit" log line.
func WithLogger(l *slog.Logger) Option {
	return func(t *Trail) { t.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Trail) { t.now = now }
}

// NewTrail creates a trail anchored at the zero hash.
func NewTrail(opts ...Option) *Trail {
	t := &Trail{
		previousHash: strings.Repeat("0", 64),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record appends an entry. It satisfies payments.Auditor and
// settlement.Auditor.
func (t *Trail) Record(kind, ref string, attrs map[string]string) {
	t.Append(kind, ref, attrs)
}

// Append adds an entry and returns it.
func (t *Trail) Append(kind, ref string, attrs map[string]string) *Entry {
	t.mu.Lock()
	t.seq++
	e := &Entry{
		Seq:          t.seq,
		Timestamp:    t.now().UTC().Format(time.RFC3339Nano),
		Kind:         kind,
		Ref:          ref,
		Attrs:        copyAttrs(attrs),
		PreviousHash: t.previousHash,
	}
	e.Hash = e.computeHash()
	t.previousHash = e.Hash
	t.mu.Unlock()

	if t.logger != nil {
		t.logger.Info("audit",
			"seq", e.Seq,
			"kind", e.Kind,
			"ref", e.Ref,
			"hash", e.Hash,
		)
	}
	return e
}

// Verify reports whether entries form an unbroken chain.
func Verify(entries []*Entry) bool {
	for i, e := range entries {
		if i > 0 && e.PreviousHash != entries[i-1].Hash {
			return false
		}
		if e.computeHash() != e.Hash {
			return false
		}
	}
	return true
}

func (e *Entry) computeHash() string {
	var b strings.Builder
	b.WriteString(e.PreviousHash)
	b.WriteByte('|')
	b.WriteString(e.Timestamp)
	b.WriteByte('|')
	b.WriteString(e.Kind)
	b.WriteByte('|')
	b.WriteString(e.Ref)

	keys := make([]string, 0, len(e.Attrs))
	for k := range e.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(e.Attrs[k])
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func copyAttrs(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

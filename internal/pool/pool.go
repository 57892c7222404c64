// Package pool stores outbound notifications with content-hash
// deduplication and monotonic per-session sequencing.
package pool

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Defaults for the cleanup policy.
const (
	DefaultRetention = time.Hour
	DefaultMaxSeen   = 100
	DefaultTrimTo    = 50
)

// Entry is one pooled outbound notification.
type Entry struct {
	MessageID   string
	Sequence    int64
	ContentHash string
	Payload     map[string]interface{}
	SessionID   string
	CreatedAt   time.Time
}

// Stats summarizes pool state for the dashboard.
type Stats struct {
	SessionID    string `json:"sessionId"`
	Entries      int    `json:"entries"`
	SeenHashes   int    `json:"seenHashes"`
	NextSequence int64  `json:"nextSequence"`
	Disabled     bool   `json:"disabled"`
}

// Pool is the in-memory outbound message pool. When Disabled, Add skips
// entry storage but dedup-by-hash (Seen/MarkSent) keeps working, which is
// the contract deployments without pooling rely on.
type Pool struct {
	mu        sync.Mutex
	disabled  bool
	retention time.Duration
	maxSeen   int
	trimTo    int

	sessionID string
	seq       int64
	entries   []Entry
	seen      map[string]time.Time // content hash -> when first marked sent
}

// Opts holds parameters for creating a Pool.
type Opts struct {
	Disabled  bool
	Retention time.Duration // defaults to DefaultRetention
	MaxSeen   int           // defaults to DefaultMaxSeen
	TrimTo    int           // defaults to DefaultTrimTo
}

// New creates a Pool.
func New(opts Opts) *Pool {
	retention := opts.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	maxSeen := opts.MaxSeen
	if maxSeen <= 0 {
		maxSeen = DefaultMaxSeen
	}
	trimTo := opts.TrimTo
	if trimTo <= 0 || trimTo > maxSeen {
		trimTo = DefaultTrimTo
	}
	return &Pool{
		disabled:  opts.Disabled,
		retention: retention,
		maxSeen:   maxSeen,
		trimTo:    trimTo,
		seen:      make(map[string]time.Time),
	}
}

// Hash computes the deterministic content hash for a payload. Map keys are
// sorted by encoding/json, so equivalent payloads hash identically.
func Hash(payload map[string]interface{}) string {
	data, err := json.Marshal(payload)
	if err != nil {
		// Unmarshalable payloads fall back to a representation hash; they
		// cannot round-trip the wire anyway.
		data = []byte(fmt.Sprintf("%v", payload))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Add stores a payload in the pool, assigning it the next sequence number
// for the current session, and returns the generated message id.
func (p *Pool) Add(payload map[string]interface{}) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := uuid.NewString()
	p.seq++
	if p.disabled {
		return id
	}
	p.entries = append(p.entries, Entry{
		MessageID:   id,
		Sequence:    p.seq,
		ContentHash: Hash(payload),
		Payload:     payload,
		SessionID:   p.sessionID,
		CreatedAt:   time.Now(),
	})
	return id
}

// Seen reports whether an equivalent payload was already sent in the
// current session.
func (p *Pool) Seen(payload map[string]interface{}) bool {
	h := Hash(payload)
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.seen[h]
	return ok
}

// MarkSent records the payload's hash in the already-sent set.
func (p *Pool) MarkSent(payload map[string]interface{}) {
	h := Hash(payload)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seen[h]; !ok {
		p.seen[h] = time.Now()
	}
}

// ResetSession starts a new logical session: the dedup set is cleared,
// pooled entries are dropped, and sequencing restarts from zero.
func (p *Pool) ResetSession(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionID = sessionID
	p.seq = 0
	p.entries = nil
	p.seen = make(map[string]time.Time)
}

// Cleanup applies the retention policy: entries older than the retention
// window are removed, and the pooled entries and the dedup set are each
// count-capped, trimming to the TrimTo most recent once they grow past
// MaxSeen. Safe to call from a timer or inline.
func (p *Pool) Cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-p.retention)
	kept := p.entries[:0]
	for _, e := range p.entries {
		if e.CreatedAt.After(cutoff) {
			kept = append(kept, e)
		}
	}
	// Entries are append-ordered, so the newest live at the tail.
	if len(kept) > p.maxSeen {
		kept = kept[len(kept)-p.trimTo:]
	}
	p.entries = kept

	if len(p.seen) > p.maxSeen {
		type seenHash struct {
			hash string
			at   time.Time
		}
		all := make([]seenHash, 0, len(p.seen))
		for h, at := range p.seen {
			all = append(all, seenHash{h, at})
		}
		sort.Slice(all, func(i, j int) bool { return all[i].at.After(all[j].at) })
		trimmed := make(map[string]time.Time, p.trimTo)
		for _, s := range all[:p.trimTo] {
			trimmed[s.hash] = s.at
		}
		p.seen = trimmed
	}
}

// Stats returns a snapshot of pool state.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		SessionID:    p.sessionID,
		Entries:      len(p.entries),
		SeenHashes:   len(p.seen),
		NextSequence: p.seq + 1,
		Disabled:     p.disabled,
	}
}

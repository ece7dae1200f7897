// Package registry holds the in-memory map of in-flight logical calls.
// It is the single source of truth for a call's progress and is handed to
// every webhook handler explicitly; nothing here is package-global. State
// is deliberately ephemeral and lost on restart.
package registry

import "sync"

// Filter is a partial-field match against stored records. Zero-valued
// fields are wildcards; set fields must compare equal. Webhooks carry
// different identifiers depending on which leg they report on, so lookups
// go through whichever field the delivery happened to include.
type Filter struct {
	PhoneCallID  string
	BridgeCallID string
	CallType     CallType
}

// Registry maps a bridge-participant identity to its CallRecord.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*CallRecord
	order   []string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{records: make(map[string]*CallRecord)}
}

// Put stores a record under its key. Storing an existing key replaces the
// record in place without disturbing its insertion position.
func (g *Registry) Put(rec *CallRecord) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := rec.Key()
	if _, exists := g.records[key]; !exists {
		g.order = append(g.order, key)
	}
	g.records[key] = rec
}

// Get returns the record for a bridge-participant identity.
func (g *Registry) Get(key string) (*CallRecord, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.records[key]
	return rec, ok
}

// Delete removes a record and reports whether it was present. Deletion
// races with provider-side cleanup, so callers must tolerate false.
func (g *Registry) Delete(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.records[key]; !ok {
		return false
	}
	delete(g.records, key)
	for i, k := range g.order {
		if k == key {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	return true
}

// FindMatching returns the first record, in insertion order, whose fields
// agree with every set filter field. With multiple matches (possible under
// duplicate or retried webhook deliveries) the first wins; this is a
// best-effort policy, not a correctness guarantee.
func (g *Registry) FindMatching(f Filter) (*CallRecord, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, key := range g.order {
		rec := g.records[key]
		if f.PhoneCallID != "" && rec.PhoneCallID() != f.PhoneCallID {
			continue
		}
		if f.BridgeCallID != "" && rec.BridgeCallID() != f.BridgeCallID {
			continue
		}
		if f.CallType != "" && rec.CallType() != f.CallType {
			continue
		}
		return rec, true
	}
	return nil, false
}

// All returns a snapshot of every record in insertion order.
func (g *Registry) All() []*CallRecord {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*CallRecord, 0, len(g.order))
	for _, key := range g.order {
		out = append(out, g.records[key])
	}
	return out
}

// Len returns the number of in-flight calls.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.records)
}

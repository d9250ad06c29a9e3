package transport

import "sync"

// Registry is the per-connection mapping req_id → Sink (spec §4.B). It is
// confined to the Transport that owns it, matching spec §9's guidance to
// confine per-connection state to a single goroutine/actor where the
// target language has no single-threaded event loop; the mutex here only
// ever sees contention between that Transport's own goroutines (receive
// loop readers, outbound senders), never across connections.
type Registry struct {
	mu      sync.Mutex
	entries map[int64]*Sink
}

// NewRegistry constructs an empty request registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[int64]*Sink)}
}

// Insert registers sink under reqID. The registry never rejects a
// colliding req_id (spec §9's Open Question: callers supplying their own
// req_id are trusted not to collide); a colliding Insert silently
// replaces the prior sink, matching the original's "assign on absence
// only" trust model.
func (r *Registry) Insert(reqID int64, sink *Sink) {
	r.mu.Lock()
	r.entries[reqID] = sink
	r.mu.Unlock()
}

// Lookup returns the sink registered for reqID, if any.
func (r *Registry) Lookup(reqID int64) (*Sink, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sink, ok := r.entries[reqID]
	return sink, ok
}

// Delete removes the entry for reqID. The registry never removes an
// entry on a sink's behalf; callers delete once they know the sink has
// completed.
func (r *Registry) Delete(reqID int64) {
	r.mu.Lock()
	delete(r.entries, reqID)
	r.mu.Unlock()
}

// Len reports the number of in-flight entries, for tests and diagnostics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package exchange

// registry tracks every endpoint the client has been told about, and which
// of the three disjoint sets -- queued, pending, completed -- each
// sub-client currently belongs to. All methods are called with the façade
// mutex held; the registry has no locking of its own.
type registry struct {
	all       map[EndpointID]SubClient
	order     []EndpointID // insertion order, for deterministic status reports
	queued    map[EndpointID]struct{}
	pending   map[EndpointID]struct{}
	completed map[EndpointID]struct{}
	byClient  map[SubClient]EndpointID
}

func newRegistry() *registry {
	return &registry{
		all:       make(map[EndpointID]SubClient),
		queued:    make(map[EndpointID]struct{}),
		pending:   make(map[EndpointID]struct{}),
		completed: make(map[EndpointID]struct{}),
		byClient:  make(map[SubClient]EndpointID),
	}
}

// contains reports whether location has already been registered.
func (r *registry) contains(location EndpointID) bool {
	_, ok := r.all[location]
	return ok
}

// add registers a new endpoint into the queued set. It is a no-op if the
// location is already present, matching spec's "ignore duplicate
// locations".
func (r *registry) add(location EndpointID, client SubClient) {
	if r.contains(location) {
		return
	}
	r.all[location] = client
	r.order = append(r.order, location)
	r.queued[location] = struct{}{}
	r.byClient[client] = location
}

// count returns the number of registered endpoints.
func (r *registry) count() int {
	return len(r.all)
}

// markPending puts c into the pending set, removing it from queued if it is
// still there (popQueued has usually removed it already). It is a no-op
// only if c was never registered.
func (r *registry) markPending(c SubClient) {
	loc, ok := r.byClient[c]
	if !ok {
		return
	}
	delete(r.queued, loc)
	r.pending[loc] = struct{}{}
}

// markQueued moves c from pending back to queued. Idempotent: re-queuing an
// already-queued client (a spurious duplicate requestComplete callback) is
// a no-op, mirroring the Java original's `if (!queuedClients.contains))`
// guard.
func (r *registry) markQueued(c SubClient) {
	loc, ok := r.byClient[c]
	if !ok {
		return
	}
	if _, already := r.queued[loc]; already {
		return
	}
	delete(r.pending, loc)
	r.queued[loc] = struct{}{}
}

// markCompleted moves c from pending (or queued) into completed.
func (r *registry) markCompleted(c SubClient) {
	loc, ok := r.byClient[c]
	if !ok {
		return
	}
	delete(r.queued, loc)
	delete(r.pending, loc)
	r.completed[loc] = struct{}{}
}

// popQueued removes an arbitrary sub-client from the queued set and returns
// it, or nil if none remain. It does not itself mark the client pending --
// callers do that via markPending once they've decided to dispatch it.
// Iteration order over a Go map is unspecified, which is fine: spec.md
// explicitly makes no fairness guarantee across sources.
func (r *registry) popQueued() SubClient {
	for loc := range r.queued {
		delete(r.queued, loc)
		return r.all[loc]
	}
	return nil
}

// pendingCount returns |registered| - |queued| - |completed|.
func (r *registry) pendingCount() int {
	return len(r.all) - len(r.queued) - len(r.completed)
}

// completedCount returns |completed|.
func (r *registry) completedCount() int {
	return len(r.completed)
}

// allClients returns every registered sub-client in the order it was
// added, for building a status snapshot.
func (r *registry) allClients() []SubClient {
	out := make([]SubClient, 0, len(r.order))
	for _, loc := range r.order {
		out = append(out, r.all[loc])
	}
	return out
}

// File: registry/registry.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Registry is the process-wide client table: sole authority over id
// assignment, id lookup, reference counting, and fd lifetime. Retired
// and recycled *Client lists implement lazy reclamation, deferring
// reuse of a given id/fd pair until every outstanding reference has
// dropped. Deregistration is reported through a Deregisterer so the
// registry never depends on a concrete reactor implementation.

package registry

import (
	"sync"
)

// Stats is the count/memory/generated triple shared by each of the
// four stats blocks (clients/dead/sends/delays).
type Stats struct {
	Count     int64
	Memory    int64
	Generated int64
}

// Deregisterer is the subset of reactor.Reactor that invalidate() needs.
// Kept narrow so tests can supply a fake without a real epoll fd.
type Deregisterer interface {
	Unregister(fd int) error
}

// Registry owns every Client record for the process. nextID starts at
// listenerCount, the reserved low range used for listener tokens.
type Registry struct {
	mu sync.Mutex

	byID     map[ID]*Client
	retired  []*Client
	recycled []*Client

	nextID     ID
	created    int64
	retiredCnt int64

	maxClients int
	react      Deregisterer
}

// New builds a Registry. listenerCount is the number of listening
// sockets (the reserved token range 0..listenerCount-1); maxClients<=0
// means unlimited.
func New(listenerCount int, maxClients int, react Deregisterer) *Registry {
	return &Registry{
		byID:       make(map[ID]*Client),
		nextID:     ID(listenerCount),
		maxClients: maxClients,
		react:      react,
	}
}

// Count returns the number of live (non-retired) clients.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// AtCapacity reports whether the live client count has reached the
// configured maximum.
func (r *Registry) AtCapacity() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxClients > 0 && len(r.byID) >= r.maxClients
}

// Recruit returns a zeroed record, reusing the recycled free list when
// non-empty, otherwise allocating fresh. Does not assign an id or
// register the client anywhere.
func (r *Registry) Recruit() *Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n := len(r.recycled); n > 0 {
		c := r.recycled[n-1]
		r.recycled = r.recycled[:n-1]
		return c
	}
	r.created++
	return &Client{id: -1, fd: -1}
}

// Insert assigns the next id, fills in the socket fields, and makes the
// client reachable by id. Returns the assigned id.
func (r *Registry) Insert(c *Client, fd int, serverIndex int, addrNumeric, addrString string) ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++

	c.id = id
	c.fd = fd
	c.serverIndex = serverIndex
	c.addrNumeric = addrNumeric
	c.addrString = addrString
	c.invalid = false
	c.refcount = 0

	r.byID[id] = c
	return id
}

// Ref bumps the refcount of an already-resolved Client. Used for the
// reactor registration ref, which is taken once right after Insert and
// before the client is ever looked up by id.
func (r *Registry) Ref(c *Client) {
	r.mu.Lock()
	c.refcount++
	r.mu.Unlock()
}

// RefByID looks up id; if present and not invalid, bumps refcount and
// returns the client. Invalid records are never returned.
func (r *Registry) RefByID(id ID) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[id]
	if !ok || c.invalid {
		return nil
	}
	c.refcount++
	return c
}

// Unref drops one reference. Never frees by itself; Reap() does that
// once a retired client's refcount reaches zero.
func (r *Registry) Unref(c *Client) {
	r.mu.Lock()
	c.refcount--
	r.mu.Unlock()
}

// Invalidate idempotently retires c: removes it from the id table,
// appends it to the retired list, and deregisters its fd from the
// reactor (dropping the registration reference that Ref put there at
// accept time). Returns the fd if this call performed the transition
// (for logging), or -1 if c was already invalid.
func (r *Registry) Invalidate(c *Client) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.invalid {
		return -1
	}
	c.invalid = true
	delete(r.byID, c.id)
	r.retired = append(r.retired, c)
	r.retiredCnt++

	fd := c.fd
	if r.react != nil {
		_ = r.react.Unregister(fd)
	}
	c.refcount--
	return fd
}

// Reap walks the retired list and recycles every client whose refcount
// has reached zero; closeFd is called once per reaped client so the
// caller can perform the OS-level close (with its linger-disable
// pre-step) outside the registry lock.
func (r *Registry) Reap(closeFd func(fd int)) {
	r.mu.Lock()
	var kept []*Client
	var toClose []int
	var toRecycle []*Client
	for _, c := range r.retired {
		if c.refcount <= 0 {
			toClose = append(toClose, c.fd)
			toRecycle = append(toRecycle, c)
			continue
		}
		kept = append(kept, c)
	}
	r.retired = kept
	for _, c := range toRecycle {
		c.reset()
	}
	r.recycled = append(r.recycled, toRecycle...)
	r.mu.Unlock()

	if closeFd != nil {
		for _, fd := range toClose {
			closeFd(fd)
		}
	}
}

// Snapshot returns the clients/dead counter blocks for stats reporting.
func (r *Registry) Snapshot() (clients, dead Stats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clients = Stats{Count: int64(len(r.byID)), Generated: r.created}
	dead = Stats{Count: int64(len(r.retired)), Generated: r.retiredCnt}
	return
}

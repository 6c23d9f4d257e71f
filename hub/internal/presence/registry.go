// Package presence tracks which identities are currently reachable and over
// which connection.
package presence

import (
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Conn is a live connection as seen by the registry. The registry holds a
// non-owning reference; the session that created the connection owns it.
type Conn interface {
	ID() string
}

// Registry maps identities to their live connection. All operations share one
// lock, so they are linearizable with respect to each other.
type Registry struct {
	mu         sync.RWMutex
	byIdentity map[string]Conn
	byConn     map[Conn]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byIdentity: make(map[string]Conn),
		byConn:     make(map[Conn]string),
	}
}

// Register maps identity to c, replacing any existing mapping (last write
// wins). The superseded connection, if any, is returned but not closed. If c
// was previously registered under another identity, that mapping is dropped.
func (r *Registry) Register(identity string, c Conn) (superseded Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byConn[c]; ok && prev != identity {
		if r.byIdentity[prev] == c {
			delete(r.byIdentity, prev)
		}
	}

	old, ok := r.byIdentity[identity]
	if ok && old != c {
		delete(r.byConn, old)
		superseded = old
	}

	r.byIdentity[identity] = c
	r.byConn[c] = identity
	return superseded
}

// Deregister removes the mapping whose value is c. It reports whether a
// mapping was removed; calling it again, or for a superseded connection, is a
// no-op.
func (r *Registry) Deregister(c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok := r.byConn[c]
	if !ok {
		return false
	}
	delete(r.byConn, c)
	if r.byIdentity[identity] != c {
		return false
	}
	delete(r.byIdentity, identity)
	return true
}

// Lookup returns the connection currently registered for identity.
func (r *Registry) Lookup(identity string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byIdentity[identity]
	return c, ok
}

// IdentityOf returns the identity c is registered under.
func (r *Registry) IdentityOf(c Conn) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	identity, ok := r.byConn[c]
	if !ok || r.byIdentity[identity] != c {
		return "", false
	}
	return identity, true
}

// IsOnline reports whether identity has a live connection.
func (r *Registry) IsOnline(identity string) bool {
	_, ok := r.Lookup(identity)
	return ok
}

// Snapshot returns the presence set as a sorted slice, taken under a single
// read lock.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	out := lo.Keys(r.byIdentity)
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

// Len returns the number of online identities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity)
}

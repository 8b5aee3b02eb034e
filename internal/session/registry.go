package session

import (
	"sort"
	"sync"
	"time"

	"github.com/mohamedkhairy/echoroom/internal/models"
)

// connEntry is the registry's view of one connection
type connEntry struct {
	endpoint  Endpoint
	identity  models.Identity // zero while anonymous
	createdAt time.Time
	lastSeen  time.Time
}

// ConnectionRegistry maps connections to the identities bound to them and
// back. An identity is bound to at most one connection at a time.
type ConnectionRegistry struct {
	connections map[string]*connEntry // connection_id -> entry
	byIdentity  map[string]string     // identity key -> connection_id
	mu          sync.RWMutex
	now         func() time.Time
}

// NewConnectionRegistry creates a new connection registry
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		connections: make(map[string]*connEntry),
		byIdentity:  make(map[string]string),
		now:         time.Now,
	}
}

// Admit registers an anonymous connection. Admitting a known id is a no-op.
func (r *ConnectionRegistry) Admit(endpoint Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[endpoint.ID()]; exists {
		return
	}
	now := r.now()
	r.connections[endpoint.ID()] = &connEntry{
		endpoint:  endpoint,
		createdAt: now,
		lastSeen:  now,
	}
	connectionsTotal.Inc()
	connectionsActive.Inc()
}

// Bind associates identity with the connection. If the identity was bound to
// another connection, that connection loses its binding and is returned as
// superseded. online reports whether the identity had no connection before.
// ok is false when the connection is unknown.
func (r *ConnectionRegistry) Bind(connectionID string, identity models.Identity) (superseded Endpoint, online bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.connections[connectionID]
	if !exists {
		return nil, false, false
	}

	// Rebinding a connection to another identity releases the old one first
	if entry.identity.Key != "" && entry.identity.Key != identity.Key {
		r.release(connectionID, entry)
	}

	previousID, wasOnline := r.byIdentity[identity.Key]
	if wasOnline && previousID != connectionID {
		if previous, exists := r.connections[previousID]; exists {
			previous.identity = models.Identity{}
			superseded = previous.endpoint
		}
	}

	entry.identity = identity
	entry.lastSeen = r.now()
	r.byIdentity[identity.Key] = connectionID
	if !wasOnline {
		identitiesOnline.Inc()
	}
	return superseded, !wasOnline, true
}

// Release clears the identity bound to a connection, leaving it admitted as
// anonymous. offline reports whether the identity has no connection left.
func (r *ConnectionRegistry) Release(connectionID string) (identity models.Identity, offline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.connections[connectionID]
	if !exists {
		return models.Identity{}, false
	}
	return r.release(connectionID, entry)
}

func (r *ConnectionRegistry) release(connectionID string, entry *connEntry) (models.Identity, bool) {
	identity := entry.identity
	entry.identity = models.Identity{}
	if identity.Key == "" {
		return identity, false
	}
	// A newer connection may own the identity by now
	if r.byIdentity[identity.Key] != connectionID {
		return identity, false
	}
	delete(r.byIdentity, identity.Key)
	identitiesOnline.Dec()
	return identity, true
}

// Unbind removes a connection and its binding. It is idempotent and never
// removes a newer binding of the same identity.
func (r *ConnectionRegistry) Unbind(connectionID string) (identity models.Identity, offline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.connections[connectionID]
	if !exists {
		return models.Identity{}, false
	}
	identity, offline = r.release(connectionID, entry)
	delete(r.connections, connectionID)
	connectionsActive.Dec()
	return identity, offline
}

// LookupConnection returns the connection bound to identity
func (r *ConnectionRegistry) LookupConnection(identity string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connectionID, exists := r.byIdentity[identity]
	return connectionID, exists
}

// IsOnline reports whether identity has a bound connection
func (r *ConnectionRegistry) IsOnline(identity string) bool {
	_, online := r.LookupConnection(identity)
	return online
}

// Endpoint returns the endpoint of a connection
func (r *ConnectionRegistry) Endpoint(connectionID string) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, exists := r.connections[connectionID]
	if !exists {
		return nil, false
	}
	return entry.endpoint, true
}

// EndpointFor returns the endpoint bound to identity
func (r *ConnectionRegistry) EndpointFor(identity string) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connectionID, exists := r.byIdentity[identity]
	if !exists {
		return nil, false
	}
	entry, exists := r.connections[connectionID]
	if !exists {
		return nil, false
	}
	return entry.endpoint, true
}

// IdentityOf returns the identity bound to a connection
func (r *ConnectionRegistry) IdentityOf(connectionID string) (models.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, exists := r.connections[connectionID]
	if !exists || entry.identity.Key == "" {
		return models.Identity{}, false
	}
	return entry.identity, true
}

// Online returns the identity with the given key if it is online
func (r *ConnectionRegistry) Online(identity string) (models.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connectionID, exists := r.byIdentity[identity]
	if !exists {
		return models.Identity{}, false
	}
	return r.connections[connectionID].identity, true
}

// OnlineIdentities returns every online identity, sorted by handle
func (r *ConnectionRegistry) OnlineIdentities() []models.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	identities := make([]models.Identity, 0, len(r.byIdentity))
	for _, connectionID := range r.byIdentity {
		identities = append(identities, r.connections[connectionID].identity)
	}
	sort.Slice(identities, func(i, j int) bool {
		return identities[i].Handle < identities[j].Handle
	})
	return identities
}

// Endpoints returns every admitted connection
func (r *ConnectionRegistry) Endpoints() []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	endpoints := make([]Endpoint, 0, len(r.connections))
	for _, entry := range r.connections {
		endpoints = append(endpoints, entry.endpoint)
	}
	return endpoints
}

// Touch records activity on a connection
func (r *ConnectionRegistry) Touch(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, exists := r.connections[connectionID]; exists {
		entry.lastSeen = r.now()
	}
}

// CreatedAt returns when a connection was admitted
func (r *ConnectionRegistry) CreatedAt(connectionID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, exists := r.connections[connectionID]
	if !exists {
		return time.Time{}, false
	}
	return entry.createdAt, true
}

// Stale returns the connections with no activity for longer than threshold
func (r *ConnectionRegistry) Stale(threshold time.Duration) []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	var stale []Endpoint
	for _, entry := range r.connections {
		if now.Sub(entry.lastSeen) > threshold {
			stale = append(stale, entry.endpoint)
		}
	}
	return stale
}

// Count returns the number of admitted connections
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// OnlineCount returns the number of online identities
func (r *ConnectionRegistry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity)
}

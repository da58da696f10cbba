// Package registry maintains the server's three-level connection index:
// user id -> platform -> set of live connection uuids, with reverse lookup
// from uuid to the connection's record and write half.
package registry

import (
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/fulanowo/maim-message/pkg/errors"
)

// Conn is the write half of a registered socket. Implementations serialize
// their own writes; the registry never performs I/O itself.
type Conn interface {
	WriteFrame(data []byte) error
	Close() error
}

// Record describes one live connection. Immutable after registration.
type Record struct {
	UUID          string
	UserID        string
	Platform      string
	APIKey        string
	RemoteAddr    string
	EstablishedAt time.Time
}

// Target pairs a record with its write half, as captured by a snapshot.
type Target struct {
	Record Record
	Conn   Conn
}

// Stats is a point-in-time count of the index.
type Stats struct {
	Users       int
	Connections int
}

// Registry is the connection index. All three maps move together under one
// lock; reads hand out snapshots so fan-out never holds the lock during
// network I/O.
type Registry struct {
	mu      sync.RWMutex
	users   map[string]map[string]map[string]struct{} // user_id -> platform -> uuid set
	records map[string]Record
	conns   map[string]Conn

	registered   atomic.Int64
	unregistered atomic.Int64

	log *zap.Logger
}

// New creates an empty registry.
func New(log *zap.Logger) *Registry {
	return &Registry{
		users:   make(map[string]map[string]map[string]struct{}),
		records: make(map[string]Record),
		conns:   make(map[string]Conn),
		log:     log,
	}
}

// Register inserts a connection into all three maps under a single critical
// section. A uuid may only be registered once per server lifetime.
func (r *Registry) Register(rec Record, c Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[rec.UUID]; exists {
		return errors.Wrap(errors.ErrDuplicateConnection, rec.UUID)
	}

	platforms := r.users[rec.UserID]
	if platforms == nil {
		platforms = make(map[string]map[string]struct{})
		r.users[rec.UserID] = platforms
	}
	uuids := platforms[rec.Platform]
	if uuids == nil {
		uuids = make(map[string]struct{})
		platforms[rec.Platform] = uuids
	}
	uuids[rec.UUID] = struct{}{}

	r.records[rec.UUID] = rec
	r.conns[rec.UUID] = c
	r.registered.Inc()
	return nil
}

// Unregister removes a connection from all three maps, pruning empty platform
// sets and empty user entries. It reports whether the uuid was present.
func (r *Registry) Unregister(uuid string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[uuid]
	if !ok {
		return Record{}, false
	}

	if platforms, ok := r.users[rec.UserID]; ok {
		if uuids, ok := platforms[rec.Platform]; ok {
			delete(uuids, uuid)
			if len(uuids) == 0 {
				delete(platforms, rec.Platform)
			}
		}
		if len(platforms) == 0 {
			delete(r.users, rec.UserID)
		}
	}

	delete(r.records, uuid)
	delete(r.conns, uuid)
	r.unregistered.Inc()
	return rec, true
}

// Get returns the record for a uuid.
func (r *Registry) Get(uuid string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[uuid]
	return rec, ok
}

// Lookup returns a snapshot of the connections registered under
// (user, platform). The caller may fan out on the result without racing a
// concurrent Unregister.
func (r *Registry) Lookup(userID, platform string) []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	uuids := r.users[userID][platform]
	if len(uuids) == 0 {
		return nil
	}
	targets := make([]Target, 0, len(uuids))
	for uuid := range uuids {
		targets = append(targets, Target{Record: r.records[uuid], Conn: r.conns[uuid]})
	}
	return targets
}

// LookupUser returns a snapshot of every connection of a user, across all
// platforms.
func (r *Registry) LookupUser(userID string) []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var targets []Target
	for _, uuids := range r.users[userID] {
		for uuid := range uuids {
			targets = append(targets, Target{Record: r.records[uuid], Conn: r.conns[uuid]})
		}
	}
	return targets
}

// SnapshotAll returns a snapshot of every live connection, optionally
// filtered by platform. An empty platform matches everything.
func (r *Registry) SnapshotAll(platform string) []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var targets []Target
	for uuid, rec := range r.records {
		if platform != "" && rec.Platform != platform {
			continue
		}
		targets = append(targets, Target{Record: rec, Conn: r.conns[uuid]})
	}
	return targets
}

// Stats returns the current user and connection counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Users:       len(r.users),
		Connections: len(r.records),
	}
}

// TotalRegistered returns the cumulative number of registrations.
func (r *Registry) TotalRegistered() int64 {
	return r.registered.Load()
}

// TotalUnregistered returns the cumulative number of removals.
func (r *Registry) TotalUnregistered() int64 {
	return r.unregistered.Load()
}

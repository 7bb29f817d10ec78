// Package registry indexes the live connections of this process by user and
// by family. It performs no I/O; every method is safe for concurrent use.
package registry

import (
	"sync"
)

const numShards = 32

// Conn is the registry's view of one live connection.
type Conn interface {
	ID() string
	UserID() int64
	Send(payload []byte) error
}

type shard struct {
	mu   sync.RWMutex
	sets map[int64]map[string]Conn
}

// connSets is a sharded map of key -> set of connections with a reverse index
// from connection id to the key it is filed under.
type connSets struct {
	shards [numShards]*shard
	owners sync.Map // conn id -> int64 key
}

func newConnSets() *connSets {
	cs := &connSets{}
	for i := range cs.shards {
		cs.shards[i] = &shard{sets: make(map[int64]map[string]Conn)}
	}
	return cs
}

func (cs *connSets) shardFor(key int64) *shard {
	return cs.shards[uint64(key)%numShards]
}

func (cs *connSets) add(key int64, c Conn) bool {
	if prev, ok := cs.owners.Load(c.ID()); ok && prev.(int64) != key {
		cs.remove(prev.(int64), c)
	}

	s := cs.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]Conn)
		s.sets[key] = set
	}
	if _, exists := set[c.ID()]; exists {
		return false
	}

	first := len(set) == 0
	set[c.ID()] = c
	cs.owners.Store(c.ID(), key)

	return first
}

func (cs *connSets) remove(key int64, c Conn) bool {
	s := cs.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok {
		return false
	}
	if _, exists := set[c.ID()]; !exists {
		return false
	}

	delete(set, c.ID())
	cs.owners.CompareAndDelete(c.ID(), key)

	if len(set) == 0 {
		delete(s.sets, key)
		return true
	}

	return false
}

func (cs *connSets) get(key int64) []Conn {
	s := cs.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.sets[key]
	conns := make([]Conn, 0, len(set))
	for _, c := range set {
		conns = append(conns, c)
	}

	return conns
}

func (cs *connSets) all() []Conn {
	var conns []Conn
	for _, s := range cs.shards {
		s.mu.RLock()
		for _, set := range s.sets {
			for _, c := range set {
				conns = append(conns, c)
			}
		}
		s.mu.RUnlock()
	}

	return conns
}

func (cs *connSets) keys() []int64 {
	var keys []int64
	for _, s := range cs.shards {
		s.mu.RLock()
		for key := range s.sets {
			keys = append(keys, key)
		}
		s.mu.RUnlock()
	}

	return keys
}

func (cs *connSets) len() int {
	n := 0
	for _, s := range cs.shards {
		s.mu.RLock()
		for _, set := range s.sets {
			n += len(set)
		}
		s.mu.RUnlock()
	}

	return n
}

// Registry holds the user-keyed and family-keyed connection sets.
type Registry struct {
	users    *connSets
	families *connSets
}

func New() *Registry {
	return &Registry{
		users:    newConnSets(),
		families: newConnSets(),
	}
}

// Register files c under userId. It reports whether c is the user's first
// live connection on this process.
func (r *Registry) Register(userId int64, c Conn) (first bool) {
	return r.users.add(userId, c)
}

// Deregister removes c from userId's set. It reports whether the set became
// empty. Removing a connection that is not registered is a no-op.
func (r *Registry) Deregister(userId int64, c Conn) (last bool) {
	return r.users.remove(userId, c)
}

func (r *Registry) SessionsFor(userId int64) []Conn {
	return r.users.get(userId)
}

// Users returns the ids of users with at least one live connection.
func (r *Registry) Users() []int64 {
	return r.users.keys()
}

func (r *Registry) RegisterFamily(familyId int64, c Conn) {
	r.families.add(familyId, c)
}

func (r *Registry) DeregisterFamily(familyId int64, c Conn) {
	r.families.remove(familyId, c)
}

func (r *Registry) SessionsForFamily(familyId int64) []Conn {
	return r.families.get(familyId)
}

// Len returns the number of user-keyed and family-keyed connections.
func (r *Registry) Len() (users, families int) {
	return r.users.len(), r.families.len()
}

// Conns returns every registered connection, user-keyed first.
func (r *Registry) Conns() []Conn {
	return append(r.users.all(), r.families.all()...)
}

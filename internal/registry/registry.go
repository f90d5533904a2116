// Package registry holds the shard and user lists loaded from
// configuration, published as an atomically-swapped snapshot: reads never
// block on a writer, and a Reload swaps the whole snapshot in one store.
package registry

import (
	"math/rand"
	"sync"
	"sync/atomic"
)

// ShardRecord is one configured backend database, config-sourced and
// immutable after load.
type ShardRecord struct {
	Name           string
	Host           string
	Port           int
	User           string
	Password       string
	MinConnections int
	MaxConnections int
}

// UserRecord is one client credential accepted at the frontend.
type UserRecord struct {
	Username string
	Password string
}

type snapshot struct {
	shards      []ShardRecord
	shardByName map[string]ShardRecord
	usersByName map[string]UserRecord
}

// Registry is the process-wide, hot-reloadable shard/user table.
type Registry struct {
	v        atomic.Value // holds *snapshot
	writeMu  sync.Mutex
}

// New builds a Registry from an initial shard/user list.
func New(shards []ShardRecord, users []UserRecord) *Registry {
	r := &Registry{}
	r.v.Store(buildSnapshot(shards, users))
	return r
}

func buildSnapshot(shards []ShardRecord, users []UserRecord) *snapshot {
	s := &snapshot{
		shards:      append([]ShardRecord(nil), shards...),
		shardByName: make(map[string]ShardRecord, len(shards)),
		usersByName: make(map[string]UserRecord, len(users)),
	}
	for _, sh := range shards {
		s.shardByName[sh.Name] = sh
	}
	for _, u := range users {
		s.usersByName[u.Username] = u
	}
	return s
}

// Reload atomically replaces the shard/user lists, e.g. after a config
// file change. Existing borrowed connections and sessions are unaffected;
// shard pools keyed by a removed shard name simply stop receiving new
// acquires (the caller is responsible for draining them).
func (r *Registry) Reload(shards []ShardRecord, users []UserRecord) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.v.Store(buildSnapshot(shards, users))
}

func (r *Registry) snap() *snapshot { return r.v.Load().(*snapshot) }

// Shards returns the current shard list.
func (r *Registry) Shards() []ShardRecord {
	return r.snap().shards
}

// Shard looks up one shard by name.
func (r *Registry) Shard(name string) (ShardRecord, bool) {
	sh, ok := r.snap().shardByName[name]
	return sh, ok
}

// RandomShard selects uniformly at random among configured shards, the
// backend-selection policy in place until query-aware routing exists.
func (r *Registry) RandomShard() (ShardRecord, bool) {
	s := r.snap()
	if len(s.shards) == 0 {
		return ShardRecord{}, false
	}
	return s.shards[rand.Intn(len(s.shards))], true
}

// Authenticate compares (username, password) byte-exactly against the
// configured user list.
func (r *Registry) Authenticate(username, password string) bool {
	u, ok := r.snap().usersByName[username]
	if !ok {
		return false
	}
	return u.Password == password
}

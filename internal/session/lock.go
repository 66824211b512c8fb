package session

import (
	"hash/maphash"
	"sync"
)

// idLocks serializes work per session ID without keeping a lock object
// alive for every ID ever seen. IDs hash onto a fixed set of shards, so
// memory stays constant over the life of the process; two sessions that
// land on the same shard contend, which is harmless and rare.
type idLocks struct {
	seed   maphash.Seed
	shards [256]sync.Mutex
}

func newIDLocks() *idLocks {
	return &idLocks{seed: maphash.MakeSeed()}
}

// lock acquires the shard for id and returns its release func.
func (l *idLocks) lock(id string) func() {
	mu := &l.shards[maphash.String(l.seed, id)&0xff]
	mu.Lock()
	return mu.Unlock
}

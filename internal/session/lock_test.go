package session

import (
	"hash/maphash"
	"sync"
	"testing"
)

func TestIDLocksSerializeSameID(t *testing.T) {
	locks := newIDLocks()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock("sess_same")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("expected 100 increments, got %d", counter)
	}
}

func TestIDLocksIndependentAcrossShards(t *testing.T) {
	locks := newIDLocks()

	shardOf := func(id string) uint64 {
		return maphash.String(locks.seed, id) & 0xff
	}

	// Hold one ID's shard; an ID on a different shard must still be lockable.
	unlockA := locks.lock("sess_a")
	defer unlockA()

	locked := make(chan struct{})
	go func() {
		defer close(locked)
		// Probe IDs until one lands on a different shard than sess_a.
		for _, id := range []string{"sess_b", "sess_c", "sess_d", "sess_e", "sess_f", "sess_g", "sess_h"} {
			if shardOf(id) != shardOf("sess_a") {
				unlock := locks.lock(id)
				unlock()
				return
			}
		}
	}()

	<-locked
}

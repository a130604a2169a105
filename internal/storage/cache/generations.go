package cache

import (
	"hash/fnv"
	"sync/atomic"
)

const generationSlots = 256

// generations counts invalidations per key slot. A reader snapshots a key's
// slot before reading the store and only writes the result back if no
// invalidation landed on that slot in between. Keys sharing a slot only cost
// a skipped cache fill.
//
// This closes the window within one process. Writers in other processes are
// still bounded by the TTL.
type generations struct {
	slots [generationSlots]atomic.Uint64
}

func (g *generations) slot(key string) *atomic.Uint64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &g.slots[h.Sum32()%generationSlots]
}

func (g *generations) current(key string) uint64 {
	return g.slot(key).Load()
}

func (g *generations) bump(key string) {
	g.slot(key).Add(1)
}

// unchanged reports whether key's slot is still at the snapshot value.
func (g *generations) unchanged(key string, snapshot uint64) bool {
	return g.current(key) == snapshot
}

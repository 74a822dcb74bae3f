// Package bcache keeps a bounded pool of in-memory block copies between the
// filesystem layers and the block device.
//
// The pool holds at most one live copy per block number. Get pins a block
// into the pool and Put releases it; a miss against a full pool evicts the
// first unpinned entry in admission order, writing it back first if it is
// dirty. Dirty entries are otherwise written back only by SyncAll, so all
// durability points above this layer reduce to calls to SyncAll.
package bcache

import (
	"sync"

	"github.com/tchajed/marshal"

	"github.com/go-blockfs/blockfs/common"
	"github.com/go-blockfs/blockfs/disk"
	"github.com/go-blockfs/blockfs/util"
)

// CACHESZ is the default number of resident blocks.
const CACHESZ uint64 = 16

// A Cached is the single in-memory copy of one disk block.
//
// data and dirty are guarded by mu; pins is guarded by the owning Manager's
// lock.
type Cached struct {
	mu    *sync.Mutex
	blkno common.Bnum
	data  disk.Block
	dirty bool
	pins  uint64
}

func (c *Cached) Blkno() common.Bnum {
	return c.blkno
}

func (c *Cached) checkBounds(off uint64, sz uint64) {
	if util.SumOverflows(off, sz) || off+sz > disk.BlockSize {
		panic("block access out of bounds")
	}
}

// WithRef calls f with a read-only view of sz bytes at byte offset off. f
// must not modify the slice, retain it past the call, or re-enter this
// entry.
func (c *Cached) WithRef(off uint64, sz uint64, f func(data []byte)) {
	c.checkBounds(off, sz)
	c.mu.Lock()
	f(c.data[off : off+sz])
	c.mu.Unlock()
}

// WithMut calls f with a writable view of sz bytes at byte offset off and
// marks the block dirty. f must not retain the slice or re-enter this entry.
func (c *Cached) WithMut(off uint64, sz uint64, f func(data []byte)) {
	c.checkBounds(off, sz)
	c.mu.Lock()
	f(c.data[off : off+sz])
	c.dirty = true
	c.mu.Unlock()
}

// BnumGet reads the block number stored at byte offset off.
func (c *Cached) BnumGet(off uint64) common.Bnum {
	c.checkBounds(off, 8)
	c.mu.Lock()
	dec := marshal.NewDec(c.data[off : off+8])
	n := common.Bnum(dec.GetInt())
	c.mu.Unlock()
	return n
}

// BnumPut stores the block number v at byte offset off.
func (c *Cached) BnumPut(off uint64, v common.Bnum) {
	c.checkBounds(off, 8)
	enc := marshal.NewEnc(8)
	enc.PutInt(uint64(v))
	c.mu.Lock()
	copy(c.data[off:off+8], enc.Finish())
	c.dirty = true
	c.mu.Unlock()
}

// flush assumes no caller holds the entry (pins == 0, or the manager is
// syncing under its own lock).
func (c *Cached) flush(d disk.BlockDevice) {
	if !c.dirty {
		return
	}
	util.DPrintf(5, "bcache: flush %d\n", c.blkno)
	d.WriteBlock(uint64(c.blkno), c.data)
	c.dirty = false
}

// Manager owns the pool of Cached entries for one device.
type Manager struct {
	mu      *sync.Mutex
	d       disk.BlockDevice
	cachesz uint64
	entries []*Cached // in admission order
}

func MkManager(d disk.BlockDevice, cachesz uint64) *Manager {
	if cachesz == 0 {
		panic("cache size must be positive")
	}
	return &Manager{
		mu:      new(sync.Mutex),
		d:       d,
		cachesz: cachesz,
		entries: make([]*Cached, 0, cachesz),
	}
}

// Get returns the cached copy of block blkno, reading it from the device on
// a miss, and pins it until the matching Put. A miss against a pool whose
// entries are all pinned panics: the caller is holding more live blocks than
// the pool can hold.
func (mgr *Manager) Get(blkno common.Bnum) *Cached {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	for _, c := range mgr.entries {
		if c.blkno == blkno {
			c.pins++
			return c
		}
	}
	if uint64(len(mgr.entries)) >= mgr.cachesz {
		mgr.evict()
	}
	util.DPrintf(5, "bcache: miss %d\n", blkno)
	data := make(disk.Block, disk.BlockSize)
	mgr.d.ReadBlock(uint64(blkno), data)
	c := &Cached{
		mu:    new(sync.Mutex),
		blkno: blkno,
		data:  data,
		dirty: false,
		pins:  1,
	}
	mgr.entries = append(mgr.entries, c)
	return c
}

// evict drops the first unpinned entry in admission order. Caller holds
// mgr.mu.
func (mgr *Manager) evict() {
	for i, c := range mgr.entries {
		if c.pins == 0 {
			util.DPrintf(5, "bcache: evict %d\n", c.blkno)
			c.flush(mgr.d)
			mgr.entries = append(mgr.entries[:i], mgr.entries[i+1:]...)
			return
		}
	}
	panic("all cached blocks pinned")
}

// Put releases one pin on c.
func (mgr *Manager) Put(c *Cached) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if c.pins == 0 {
		panic("put of unpinned block")
	}
	c.pins--
}

// SyncAll writes every dirty resident entry back to the device, without
// evicting anything, then issues a device barrier.
func (mgr *Manager) SyncAll() {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	util.DPrintf(5, "bcache: sync\n")
	for _, c := range mgr.entries {
		c.mu.Lock()
		c.flush(mgr.d)
		c.mu.Unlock()
	}
	mgr.d.Barrier()
}

// Resident reports how many blocks are currently cached.
func (mgr *Manager) Resident() uint64 {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return uint64(len(mgr.entries))
}

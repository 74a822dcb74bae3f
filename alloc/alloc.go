// Package alloc implements a bitmap allocator over a contiguous run of
// bitmap blocks, accessed through the block cache.
package alloc

import (
	"math/bits"

	"github.com/tchajed/marshal"

	"github.com/go-blockfs/blockfs/addr"
	"github.com/go-blockfs/blockfs/bcache"
	"github.com/go-blockfs/blockfs/common"
	"github.com/go-blockfs/blockfs/util"
)

// Alloc manages the allocation bits of one bitmap region. Bit n of the
// region corresponds to unit n of whatever the region accounts (inode slots
// or data blocks); translation to absolute block numbers is the caller's
// business. Callers serialize access; Alloc itself holds no lock.
type Alloc struct {
	start common.Bnum // first bitmap block
	len   uint64      // bitmap blocks
}

func MkAlloc(start common.Bnum, len uint64) *Alloc {
	return &Alloc{
		start: start,
		len:   len,
	}
}

// Capacity is how many units the bitmap accounts.
func (a *Alloc) Capacity() uint64 {
	return a.len * common.NBITBLOCK
}

// wordAt reads the 64-bit bitmap word at byte offset off.
func wordAt(c *bcache.Cached, off uint64) uint64 {
	var w uint64
	c.WithRef(off, 8, func(data []byte) {
		w = marshal.NewDec(data).GetInt()
	})
	return w
}

// putWordAt stores the 64-bit bitmap word at byte offset off.
func putWordAt(c *bcache.Cached, off uint64, w uint64) {
	c.WithMut(off, 8, func(data []byte) {
		enc := marshal.NewEnc(8)
		enc.PutInt(w)
		copy(data, enc.Finish())
	})
}

// AllocNum sets and returns the lowest clear bit, scanning blocks in order
// and words within each block; the trailing-ones count of the first word
// that is not all-ones is the bit to take. Returns false only when every
// bit is set.
func (a *Alloc) AllocNum(mgr *bcache.Manager) (uint64, bool) {
	for i := uint64(0); i < a.len; i++ {
		c := mgr.Get(a.start + common.Bnum(i))
		for off := uint64(0); off < common.NBITBLOCK/8; off += 8 {
			w := wordAt(c, off)
			if w == ^uint64(0) {
				continue
			}
			bit := uint64(bits.TrailingZeros64(^w))
			putWordAt(c, off, w|1<<bit)
			mgr.Put(c)
			num := i*common.NBITBLOCK + off*8 + bit
			util.DPrintf(10, "alloc: num %d\n", num)
			return num, true
		}
		mgr.Put(c)
	}
	return 0, false
}

// MarkNum sets bit num directly, bypassing the search. Format uses it to
// reserve the tail bits of a bitmap whose capacity exceeds the region it
// accounts. The bit must currently be clear.
func (a *Alloc) MarkNum(mgr *bcache.Manager, num uint64) {
	if num >= a.Capacity() {
		panic("markNum")
	}
	util.DPrintf(10, "mark: num %d\n", num)
	bitAddr := addr.MkBitAddr(a.start, num)
	bit := num % 64
	c := mgr.Get(bitAddr.Blkno)
	w := wordAt(c, bitAddr.Off)
	if w&(1<<bit) != 0 {
		panic("mark of allocated bit")
	}
	putWordAt(c, bitAddr.Off, w|1<<bit)
	mgr.Put(c)
}

// IsSet reports whether bit num is allocated, without changing it.
func (a *Alloc) IsSet(mgr *bcache.Manager, num uint64) bool {
	if num >= a.Capacity() {
		panic("isSet")
	}
	bitAddr := addr.MkBitAddr(a.start, num)
	c := mgr.Get(bitAddr.Blkno)
	w := wordAt(c, bitAddr.Off)
	mgr.Put(c)
	return w&(1<<(num%64)) != 0
}

// FreeNum clears bit num. The bit must currently be set; clearing a clear
// bit is a double free.
func (a *Alloc) FreeNum(mgr *bcache.Manager, num uint64) {
	if num >= a.Capacity() {
		panic("freeNum")
	}
	util.DPrintf(10, "free: num %d\n", num)
	bitAddr := addr.MkBitAddr(a.start, num)
	bit := num % 64
	c := mgr.Get(bitAddr.Blkno)
	w := wordAt(c, bitAddr.Off)
	if w&(1<<bit) == 0 {
		panic("double free")
	}
	putWordAt(c, bitAddr.Off, w & ^(1<<bit))
	mgr.Put(c)
}

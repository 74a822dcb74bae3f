package layout

import (
	"github.com/tchajed/marshal"

	"github.com/go-blockfs/blockfs/bcache"
	"github.com/go-blockfs/blockfs/common"
	"github.com/go-blockfs/blockfs/disk"
	"github.com/go-blockfs/blockfs/util"
)

// Inode kinds. A zeroed inode-table slot decodes as KindFree.
const (
	KindFree uint64 = 0
	KindDir  uint64 = 1
	KindFile uint64 = 2
)

// NDIRECT is the number of direct block slots in an inode. With two size
// fields, one single- and one double-indirect slot, the record is exactly
// INODESZ bytes.
const NDIRECT uint64 = 12

// Addressing bounds, in data blocks: Direct covers [0, directBound), the
// Indirect1 block the next NINDIRECT, and the two-level tree under Indirect2
// the rest.
const (
	directBound    = NDIRECT
	indirect1Bound = directBound + common.NINDIRECT
	indirect2Bound = indirect1Bound + common.NINDIRECT*common.NINDIRECT
)

// MaxFileSize is the largest byte size the block lists can address.
const MaxFileSize uint64 = indirect2Bound * disk.BlockSize

// DiskInode is one file or directory's on-disk metadata: kind, byte size,
// and the block numbers backing its content. Methods that take a cache
// manager read or write the backing blocks in place; mutations to the
// record itself are the caller's to write back to the inode table.
type DiskInode struct {
	Kind      uint64
	Size      uint64
	Direct    []common.Bnum
	Indirect1 common.Bnum
	Indirect2 common.Bnum
}

func MkDiskInode(kind uint64) DiskInode {
	return DiskInode{
		Kind:   kind,
		Direct: make([]common.Bnum, NDIRECT),
	}
}

func (ino *DiskInode) Encode() []byte {
	if uint64(len(ino.Direct)) != NDIRECT {
		panic("invalid inode")
	}
	enc := marshal.NewEnc(common.INODESZ)
	enc.PutInt(ino.Kind)
	enc.PutInt(ino.Size)
	enc.PutInts(ino.Direct)
	enc.PutInt(ino.Indirect1)
	enc.PutInt(ino.Indirect2)
	return enc.Finish()
}

func DecodeDiskInode(b []byte) DiskInode {
	dec := marshal.NewDec(b)
	return DiskInode{
		Kind:      dec.GetInt(),
		Size:      dec.GetInt(),
		Direct:    dec.GetInts(NDIRECT),
		Indirect1: dec.GetInt(),
		Indirect2: dec.GetInt(),
	}
}

func (ino *DiskInode) IsDir() bool {
	return ino.Kind == KindDir
}

// DataBlocks is how many data blocks hold size bytes.
func DataBlocks(size uint64) uint64 {
	return util.RoundUp(size, disk.BlockSize)
}

// TotalBlocks is DataBlocks plus the index blocks needed to address them:
// the count of blocks a size-byte inode draws from the allocator, and the
// count ClearSize is checked against.
func TotalBlocks(size uint64) uint64 {
	d := DataBlocks(size)
	total := d
	if d > directBound {
		total++ // the Indirect1 block
	}
	if d > indirect1Bound {
		// the Indirect2 block plus one level-1 block per NINDIRECT entries
		total += 1 + util.RoundUp(d-indirect1Bound, common.NINDIRECT)
	}
	return total
}

// BlocksNumNeeded is how many fresh blocks (data plus new index blocks)
// growing to newSize takes; IncreaseSize consumes exactly this many.
func (ino *DiskInode) BlocksNumNeeded(newSize uint64) uint64 {
	if newSize <= ino.Size {
		return 0
	}
	return TotalBlocks(newSize) - TotalBlocks(ino.Size)
}

// dataBnum resolves the n-th data block through the index blocks.
func (ino *DiskInode) dataBnum(mgr *bcache.Manager, n uint64) common.Bnum {
	if n < directBound {
		return ino.Direct[n]
	}
	if n < indirect1Bound {
		c := mgr.Get(ino.Indirect1)
		bn := c.BnumGet((n - directBound) * 8)
		mgr.Put(c)
		return bn
	}
	if n >= indirect2Bound {
		panic("block index out of range")
	}
	n -= indirect1Bound
	c := mgr.Get(ino.Indirect2)
	l1 := c.BnumGet(n / common.NINDIRECT * 8)
	mgr.Put(c)
	c = mgr.Get(l1)
	bn := c.BnumGet(n % common.NINDIRECT * 8)
	mgr.Put(c)
	return bn
}

// ReadAt reads into buf starting at byte offset off, clipped to
// min(len(buf), Size-off), crossing block boundaries as needed. Returns the
// bytes read; 0 when off is at or past Size.
func (ino *DiskInode) ReadAt(mgr *bcache.Manager, off uint64, buf []byte) uint64 {
	if off >= ino.Size {
		return 0
	}
	end := util.Min(off+uint64(len(buf)), ino.Size)
	var read uint64
	for pos := off; pos < end; {
		boundary := (pos/disk.BlockSize + 1) * disk.BlockSize
		n := util.Min(boundary, end) - pos
		c := mgr.Get(ino.dataBnum(mgr, pos/disk.BlockSize))
		c.WithRef(pos%disk.BlockSize, n, func(data []byte) {
			copy(buf[read:read+n], data)
		})
		mgr.Put(c)
		read += n
		pos += n
	}
	return read
}

// WriteAt writes all of buf at byte offset off. The range must already be
// within Size: growing is IncreaseSize's job, never WriteAt's.
func (ino *DiskInode) WriteAt(mgr *bcache.Manager, off uint64, buf []byte) uint64 {
	end := off + uint64(len(buf))
	if util.SumOverflows(off, uint64(len(buf))) || end > ino.Size {
		panic("write past inode size")
	}
	var written uint64
	for pos := off; pos < end; {
		boundary := (pos/disk.BlockSize + 1) * disk.BlockSize
		n := util.Min(boundary, end) - pos
		c := mgr.Get(ino.dataBnum(mgr, pos/disk.BlockSize))
		c.WithMut(pos%disk.BlockSize, n, func(data []byte) {
			copy(data, buf[written:written+n])
		})
		mgr.Put(c)
		written += n
		pos += n
	}
	return written
}

// IncreaseSize grows the inode to newSize, wiring in exactly the blocks the
// caller allocated: BlocksNumNeeded(newSize) ids, data and index blocks
// drawn from the same pool, consumed in wiring order. Fresh blocks are
// zero-filled by the allocator's contract, so grown-but-unwritten bytes read
// as zeros. No-op when newSize does not exceed Size.
func (ino *DiskInode) IncreaseSize(mgr *bcache.Manager, newSize uint64, newBlocks []common.Bnum) {
	if newSize <= ino.Size {
		if len(newBlocks) != 0 {
			panic("increase-size block count")
		}
		return
	}
	if newSize > MaxFileSize {
		panic("file too large")
	}
	cur := DataBlocks(ino.Size)
	total := DataBlocks(newSize)
	ino.Size = newSize

	next := 0
	take := func() common.Bnum {
		if next >= len(newBlocks) {
			panic("increase-size block count")
		}
		bn := newBlocks[next]
		next++
		return bn
	}

	for ; cur < util.Min(total, directBound); cur++ {
		ino.Direct[cur] = take()
	}
	if total > directBound {
		if cur == directBound {
			ino.Indirect1 = take()
		}
		c := mgr.Get(ino.Indirect1)
		for ; cur < util.Min(total, indirect1Bound); cur++ {
			c.BnumPut((cur-directBound)*8, take())
		}
		mgr.Put(c)
	}
	if total > indirect1Bound {
		if cur == indirect1Bound {
			ino.Indirect2 = take()
		}
		c2 := mgr.Get(ino.Indirect2)
		for n := cur - indirect1Bound; n < total-indirect1Bound; n++ {
			if n%common.NINDIRECT == 0 {
				c2.BnumPut(n/common.NINDIRECT*8, take())
			}
			cl := mgr.Get(c2.BnumGet(n / common.NINDIRECT * 8))
			cl.BnumPut(n%common.NINDIRECT*8, take())
			mgr.Put(cl)
		}
		mgr.Put(c2)
	}
	if next != len(newBlocks) {
		panic("increase-size block count")
	}
}

// WalkBlocks visits every block the inode currently addresses, data and
// index blocks both, in detach order. Every block number is passed to visit
// before anything reads through it, so a visitor can vet untrusted ids;
// returning false stops the walk and makes WalkBlocks return false.
func (ino *DiskInode) WalkBlocks(mgr *bcache.Manager, visit func(bn common.Bnum, index bool) bool) bool {
	d := DataBlocks(ino.Size)
	for i := uint64(0); i < util.Min(d, directBound); i++ {
		if !visit(ino.Direct[i], false) {
			return false
		}
	}
	if d > directBound {
		if !visit(ino.Indirect1, true) {
			return false
		}
		c := mgr.Get(ino.Indirect1)
		for i := directBound; i < util.Min(d, indirect1Bound); i++ {
			if !visit(c.BnumGet((i-directBound)*8), false) {
				mgr.Put(c)
				return false
			}
		}
		mgr.Put(c)
	}
	if d > indirect1Bound {
		if !visit(ino.Indirect2, true) {
			return false
		}
		c2 := mgr.Get(ino.Indirect2)
		for n := uint64(0); n < d-indirect1Bound; n++ {
			l1 := c2.BnumGet(n / common.NINDIRECT * 8)
			if n%common.NINDIRECT == 0 && !visit(l1, true) {
				mgr.Put(c2)
				return false
			}
			cl := mgr.Get(l1)
			ok := visit(cl.BnumGet(n%common.NINDIRECT*8), false)
			mgr.Put(cl)
			if !ok {
				mgr.Put(c2)
				return false
			}
		}
		mgr.Put(c2)
	}
	return true
}

// Blocks enumerates every block the inode currently addresses, data and
// index blocks both, in detach order.
func (ino *DiskInode) Blocks(mgr *bcache.Manager) []common.Bnum {
	var v []common.Bnum
	ino.WalkBlocks(mgr, func(bn common.Bnum, index bool) bool {
		v = append(v, bn)
		return true
	})
	return v
}

// DecreaseSize shrinks the inode to newSize, detaching the data blocks past
// the new end and every index block the shrink empties, in the order Blocks
// enumerates them. The returned ids are the caller's to deallocate; the
// count always equals the TotalBlocks difference of the two sizes. Vacated
// slots and index entries are zeroed, so rewiring on a later grow starts
// from a clean tail.
func (ino *DiskInode) DecreaseSize(mgr *bcache.Manager, newSize uint64) []common.Bnum {
	if newSize > ino.Size {
		panic("decrease-size grows")
	}
	dNew := DataBlocks(newSize)
	dOld := DataBlocks(ino.Size)
	want := TotalBlocks(ino.Size) - TotalBlocks(newSize)
	ino.Size = newSize
	if dNew == dOld {
		return nil
	}

	var freed []common.Bnum
	for i := dNew; i < util.Min(dOld, directBound); i++ {
		freed = append(freed, ino.Direct[i])
		ino.Direct[i] = common.NULLBNUM
	}
	if dOld > directBound {
		if dNew <= directBound {
			freed = append(freed, ino.Indirect1)
		}
		c := mgr.Get(ino.Indirect1)
		for i := util.Max(dNew, directBound); i < util.Min(dOld, indirect1Bound); i++ {
			off := (i - directBound) * 8
			freed = append(freed, c.BnumGet(off))
			c.BnumPut(off, common.NULLBNUM)
		}
		mgr.Put(c)
		if dNew <= directBound {
			ino.Indirect1 = common.NULLBNUM
		}
	}
	if dOld > indirect1Bound {
		if dNew <= indirect1Bound {
			freed = append(freed, ino.Indirect2)
		}
		c2 := mgr.Get(ino.Indirect2)
		start := util.Max(dNew, indirect1Bound) - indirect1Bound
		var l1 common.Bnum
		for n := start; n < dOld-indirect1Bound; n++ {
			w := n / common.NINDIRECT * 8
			if n == start || n%common.NINDIRECT == 0 {
				l1 = c2.BnumGet(w)
			}
			// a group whose first entry vacates loses its level-1 block
			if n%common.NINDIRECT == 0 {
				freed = append(freed, l1)
				c2.BnumPut(w, common.NULLBNUM)
			}
			cl := mgr.Get(l1)
			freed = append(freed, cl.BnumGet(n%common.NINDIRECT*8))
			cl.BnumPut(n%common.NINDIRECT*8, common.NULLBNUM)
			mgr.Put(cl)
		}
		mgr.Put(c2)
		if dNew <= indirect1Bound {
			ino.Indirect2 = common.NULLBNUM
		}
	}
	if uint64(len(freed)) != want {
		panic("decrease-size accounting")
	}
	return freed
}

// ClearSize detaches every addressed block, resets the inode to empty, and
// returns the ids for the caller to deallocate. The count always equals
// TotalBlocks of the prior size.
func (ino *DiskInode) ClearSize(mgr *bcache.Manager) []common.Bnum {
	return ino.DecreaseSize(mgr, 0)
}

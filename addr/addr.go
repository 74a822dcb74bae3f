package addr

import (
	"github.com/go-blockfs/blockfs/common"
)

// Addr identifies the start of a disk object.
//
// Blkno is the block number containing the object, and Off is the location
// of the object within the block (expressed as a byte offset). The size of
// the object is determined by the context in which Addr is used. Addr is a
// plain value: safe to copy, compare, and use as a map key.
type Addr struct {
	Blkno common.Bnum
	Off   uint64 // offset in bytes
}

func MkAddr(blkno common.Bnum, off uint64) Addr {
	return Addr{Blkno: blkno, Off: off}
}

// MkBitAddr locates allocation bit n within the bitmap region that starts at
// block start: the byte offset of the 64-bit word holding the bit.
func MkBitAddr(start common.Bnum, n uint64) Addr {
	i := n / common.NBITBLOCK
	word := (n % common.NBITBLOCK) / 64
	return MkAddr(start+common.Bnum(i), word*8)
}

// MkInodeAddr locates inode inum within the inode table that starts at block
// start, by fixed-size-record arithmetic.
func MkInodeAddr(start common.Bnum, inum common.Inum) Addr {
	blk := uint64(inum) / common.INODEBLK
	off := (uint64(inum) % common.INODEBLK) * common.INODESZ
	return MkAddr(start+common.Bnum(blk), off)
}

// Package layout defines the on-disk structures of the filesystem: the
// superblock recording the region geometry, the fixed-size inode record with
// its direct and indirect block lists, and the directory entry format.
// Records are encoded with fixed-width integer fields, so a record's disk
// address is pure arithmetic over its index.
package layout

import (
	"github.com/google/uuid"
	"github.com/tchajed/marshal"

	"github.com/go-blockfs/blockfs/addr"
	"github.com/go-blockfs/blockfs/common"
	"github.com/go-blockfs/blockfs/disk"
	"github.com/go-blockfs/blockfs/util"
)

// Magic identifies block 0 of a formatted volume; it reads as "blockfs1" on
// disk.
const Magic uint64 = 0x3173666b636f6c62

// SuperBlock is the volume's geometry record, stored in block 0. The disk is
// split into five regions, in order: the superblock itself, the inode
// bitmap, the inode table, the data bitmap, and the data region. All region
// offsets derive from the block counts here and are fixed at format time.
type SuperBlock struct {
	TotalBlocks       uint64
	NInodes           uint64
	InodeBitmapBlocks uint64
	InodeAreaBlocks   uint64
	DataBitmapBlocks  uint64
	DataAreaBlocks    uint64
	VolumeID          uuid.UUID
}

// MkSuperBlock computes the geometry for a device of totalBlocks blocks
// holding ninodes inode slots. The data bitmap takes one block per 4096
// blocks left over, rounded so that bitmap plus data area exactly consume
// the rest of the device. Returns false if the metadata regions plus at
// least one data block do not fit.
//
// The volume id is left zero; Format mints one.
func MkSuperBlock(totalBlocks uint64, ninodes uint64) (SuperBlock, bool) {
	if ninodes == 0 {
		return SuperBlock{}, false
	}
	inodeBitmapBlocks := util.RoundUp(ninodes, common.NBITBLOCK)
	inodeAreaBlocks := util.RoundUp(ninodes, common.INODEBLK)
	meta := 1 + inodeBitmapBlocks + inodeAreaBlocks
	if totalBlocks < meta+2 {
		return SuperBlock{}, false
	}
	rest := totalBlocks - meta
	dataBitmapBlocks := util.RoundUp(rest, common.NBITBLOCK+1)
	return SuperBlock{
		TotalBlocks:       totalBlocks,
		NInodes:           ninodes,
		InodeBitmapBlocks: inodeBitmapBlocks,
		InodeAreaBlocks:   inodeAreaBlocks,
		DataBitmapBlocks:  dataBitmapBlocks,
		DataAreaBlocks:    rest - dataBitmapBlocks,
	}, true
}

func (sb SuperBlock) Encode() disk.Block {
	enc := marshal.NewEnc(disk.BlockSize)
	enc.PutInt(Magic)
	enc.PutInt(sb.TotalBlocks)
	enc.PutInt(sb.NInodes)
	enc.PutInt(sb.InodeBitmapBlocks)
	enc.PutInt(sb.InodeAreaBlocks)
	enc.PutInt(sb.DataBitmapBlocks)
	enc.PutInt(sb.DataAreaBlocks)
	enc.PutBytes(sb.VolumeID[:])
	return enc.Finish()
}

// DecodeSuperBlock reads a superblock back from block 0's bytes; ok is
// false when the magic does not match.
func DecodeSuperBlock(b []byte) (SuperBlock, bool) {
	dec := marshal.NewDec(b)
	if dec.GetInt() != Magic {
		return SuperBlock{}, false
	}
	sb := SuperBlock{
		TotalBlocks:       dec.GetInt(),
		NInodes:           dec.GetInt(),
		InodeBitmapBlocks: dec.GetInt(),
		InodeAreaBlocks:   dec.GetInt(),
		DataBitmapBlocks:  dec.GetInt(),
		DataAreaBlocks:    dec.GetInt(),
	}
	copy(sb.VolumeID[:], dec.GetBytes(16))
	return sb, true
}

func (sb SuperBlock) InodeBitmapStart() common.Bnum {
	return 1
}

func (sb SuperBlock) InodeStart() common.Bnum {
	return sb.InodeBitmapStart() + common.Bnum(sb.InodeBitmapBlocks)
}

func (sb SuperBlock) DataBitmapStart() common.Bnum {
	return sb.InodeStart() + common.Bnum(sb.InodeAreaBlocks)
}

func (sb SuperBlock) DataStart() common.Bnum {
	return sb.DataBitmapStart() + common.Bnum(sb.DataBitmapBlocks)
}

// MaxBnum is one past the last block of the data region; for a well-formed
// superblock it equals TotalBlocks.
func (sb SuperBlock) MaxBnum() common.Bnum {
	return sb.DataStart() + common.Bnum(sb.DataAreaBlocks)
}

// InodeAddr locates inode inum in the inode table.
func (sb SuperBlock) InodeAddr(inum common.Inum) addr.Addr {
	return addr.MkInodeAddr(sb.InodeStart(), inum)
}

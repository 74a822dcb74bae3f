package common

import (
	"github.com/go-blockfs/blockfs/disk"
)

const (
	// NBITBLOCK is how many allocation bits fit in one bitmap block.
	NBITBLOCK uint64 = disk.BlockSize * 8
	// INODEBLK is how many inodes fit in one inode-table block.
	INODEBLK uint64 = disk.BlockSize / INODESZ
	// NINDIRECT is how many block numbers fit in one index block.
	NINDIRECT uint64 = disk.BlockSize / 8

	INODESZ  uint64 = 128 // on-disk inode size
	DIRENTSZ uint64 = 32  // on-disk directory entry size

	// MAXNMLEN is the longest directory-entry name; one byte of the name
	// field is reserved for the NUL terminator.
	MAXNMLEN uint64 = DIRENTSZ - 8 - 1
)

type Inum uint64
type Bnum = uint64

const (
	ROOTINUM Inum = 0
	NULLBNUM Bnum = 0
)

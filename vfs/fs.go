// Package vfs is the operation layer of the filesystem: mount-wide
// allocation state plus the inode handles the layers above call into.
//
// A FileSystem serializes every structural operation (allocate, deallocate,
// grow, directory mutation) behind one lock, acquired before any block-cache
// lock and never the other way around. Inode handles are plain values that
// share the FileSystem; see inode.go.
package vfs

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/go-blockfs/blockfs/addr"
	"github.com/go-blockfs/blockfs/alloc"
	"github.com/go-blockfs/blockfs/bcache"
	"github.com/go-blockfs/blockfs/common"
	"github.com/go-blockfs/blockfs/disk"
	"github.com/go-blockfs/blockfs/layout"
	"github.com/go-blockfs/blockfs/util"
)

// FileSystem is the mount-wide allocation authority: the two bitmap
// allocators, the region geometry, and the block cache over the device.
type FileSystem struct {
	mu     *sync.Mutex
	d      disk.BlockDevice
	mgr    *bcache.Manager
	super  layout.SuperBlock
	ialloc *alloc.Alloc
	balloc *alloc.Alloc
}

func mkFileSystem(d disk.BlockDevice, super layout.SuperBlock) *FileSystem {
	return &FileSystem{
		mu:     new(sync.Mutex),
		d:      d,
		mgr:    bcache.MkManager(d, bcache.CACHESZ),
		super:  super,
		ialloc: alloc.MkAlloc(super.InodeBitmapStart(), super.InodeBitmapBlocks),
		balloc: alloc.MkAlloc(super.DataBitmapStart(), super.DataBitmapBlocks),
	}
}

// Format writes a fresh filesystem onto d, sized for ninodes inode slots,
// and returns it mounted. Every block is zeroed first, so free data blocks
// and free inode slots start out all-zero.
func Format(d disk.BlockDevice, ninodes uint64) (*FileSystem, error) {
	super, ok := layout.MkSuperBlock(d.Size(), ninodes)
	if !ok {
		return nil, fmt.Errorf("device too small: %d blocks for %d inodes",
			d.Size(), ninodes)
	}
	super.VolumeID = uuid.New()
	util.DPrintf(1, "format: %d blocks, %d inodes, volume %v\n",
		super.TotalBlocks, super.NInodes, super.VolumeID)

	zero := make(disk.Block, disk.BlockSize)
	for i := uint64(0); i < super.TotalBlocks; i++ {
		d.WriteBlock(i, zero)
	}
	d.WriteBlock(0, super.Encode())

	fs := mkFileSystem(d, super)
	reserveTail(fs.mgr, fs.ialloc, super.NInodes)
	reserveTail(fs.mgr, fs.balloc, super.DataAreaBlocks)

	if inum := fs.allocInode(); inum != common.ROOTINUM {
		panic("format: root must be inode 0")
	}
	root := layout.MkDiskInode(layout.KindDir)
	fs.writeInode(fs.super.InodeAddr(common.ROOTINUM), &root)
	fs.SyncAll()
	return fs, nil
}

// reserveTail marks the bitmap bits past the region it accounts, so the
// allocator can never hand out a unit the layout has no room for.
func reserveTail(mgr *bcache.Manager, a *alloc.Alloc, used uint64) {
	for n := used; n < a.Capacity(); n++ {
		a.MarkNum(mgr, n)
	}
}

// Open mounts the filesystem already on d.
func Open(d disk.BlockDevice) (*FileSystem, error) {
	if d.Size() == 0 {
		return nil, errors.New("empty device")
	}
	buf := make(disk.Block, disk.BlockSize)
	d.ReadBlock(0, buf)
	super, ok := layout.DecodeSuperBlock(buf)
	if !ok {
		return nil, errors.New("not a filesystem image (bad magic)")
	}
	if super.MaxBnum() > d.Size() {
		return nil, fmt.Errorf("image truncated: %d blocks on a %d-block device",
			super.MaxBnum(), d.Size())
	}
	util.DPrintf(1, "open: %d blocks, %d inodes, volume %v\n",
		super.TotalBlocks, super.NInodes, super.VolumeID)
	return mkFileSystem(d, super), nil
}

func (fs *FileSystem) Super() layout.SuperBlock {
	return fs.super
}

// SyncAll flushes every dirty cached block to the device.
func (fs *FileSystem) SyncAll() {
	fs.mgr.SyncAll()
}

// allocInode takes the lowest free inode slot. The slot's table entry is
// all-zero (KindFree) until the caller stores an initialized inode. Fatal
// when the table is full: its size was fixed at format time.
func (fs *FileSystem) allocInode() common.Inum {
	n, ok := fs.ialloc.AllocNum(fs.mgr)
	if !ok {
		panic("out of inodes")
	}
	util.DPrintf(5, "fs: alloc inode %d\n", n)
	return common.Inum(n)
}

// allocData takes the lowest free data block and returns its absolute block
// number. Fatal when the data region is exhausted: callers allocate only
// from inside a structural mutation that has no way to back out.
func (fs *FileSystem) allocData() common.Bnum {
	n, ok := fs.balloc.AllocNum(fs.mgr)
	if !ok {
		panic("out of data blocks")
	}
	bn := fs.super.DataStart() + common.Bnum(n)
	util.DPrintf(5, "fs: alloc data block %d\n", bn)
	return bn
}

// deallocData zeroes block bn and returns it to the data bitmap. Zeroing on
// free keeps the invariant that every free data block is all-zero, so
// allocation never has to clear it.
func (fs *FileSystem) deallocData(bn common.Bnum) {
	if bn < fs.super.DataStart() || bn >= fs.super.MaxBnum() {
		panic("dealloc outside data region")
	}
	util.DPrintf(5, "fs: dealloc data block %d\n", bn)
	c := fs.mgr.Get(bn)
	c.WithMut(0, disk.BlockSize, func(data []byte) {
		for i := range data {
			data[i] = 0
		}
	})
	fs.mgr.Put(c)
	fs.balloc.FreeNum(fs.mgr, uint64(bn-fs.super.DataStart()))
}

func (fs *FileSystem) readInode(a addr.Addr) layout.DiskInode {
	var ino layout.DiskInode
	c := fs.mgr.Get(a.Blkno)
	c.WithRef(a.Off, common.INODESZ, func(data []byte) {
		ino = layout.DecodeDiskInode(data)
	})
	fs.mgr.Put(c)
	return ino
}

func (fs *FileSystem) writeInode(a addr.Addr, ino *layout.DiskInode) {
	c := fs.mgr.Get(a.Blkno)
	c.WithMut(a.Off, common.INODESZ, func(data []byte) {
		copy(data, ino.Encode())
	})
	fs.mgr.Put(c)
}

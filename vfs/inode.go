package vfs

import (
	"github.com/go-blockfs/blockfs/addr"
	"github.com/go-blockfs/blockfs/common"
	"github.com/go-blockfs/blockfs/layout"
	"github.com/go-blockfs/blockfs/util"
)

// Inode is a live handle on one inode-table slot: an address, not content.
// Handles are plain values; copying one or holding several for the same slot
// is fine (hard links do exactly that). Every operation takes the
// filesystem lock for its whole duration, so a handle is safe to share
// across goroutines.
type Inode struct {
	fs   *FileSystem
	addr addr.Addr
}

// RootInode is the mount's distinguished root directory handle.
func (fs *FileSystem) RootInode() *Inode {
	return &Inode{fs: fs, addr: fs.super.InodeAddr(common.ROOTINUM)}
}

func (fs *FileSystem) mkInode(inum common.Inum) *Inode {
	return &Inode{fs: fs, addr: fs.super.InodeAddr(inum)}
}

// Addr is the handle's stable on-disk address. Handles for the same slot
// compare equal by address.
func (ip *Inode) Addr() addr.Addr {
	return ip.addr
}

func (ip *Inode) load() layout.DiskInode {
	return ip.fs.readInode(ip.addr)
}

func (ip *Inode) store(ino *layout.DiskInode) {
	ip.fs.writeInode(ip.addr, ino)
}

// loadDir loads the inode for a directory operation.
func (ip *Inode) loadDir() layout.DiskInode {
	ino := ip.load()
	if !ino.IsDir() {
		panic("not a directory")
	}
	return ino
}

// entries is how many directory records ino holds.
func entries(ino *layout.DiskInode) uint64 {
	return ino.Size / common.DIRENTSZ
}

func (ip *Inode) readEnt(ino *layout.DiskInode, i uint64) layout.DirEnt {
	buf := make([]byte, common.DIRENTSZ)
	n := ino.ReadAt(ip.fs.mgr, i*common.DIRENTSZ, buf)
	if n != common.DIRENTSZ {
		panic("short directory entry read")
	}
	return layout.DecodeDirEnt(buf)
}

// findEnt scans ino's records for name, returning the bound inode and the
// record's index. The probe is clipped the way stored names are, so a name
// past the field width still finds the record it created.
func (ip *Inode) findEnt(ino *layout.DiskInode, name string) (common.Inum, uint64, bool) {
	name = layout.ClipName(name)
	for i := uint64(0); i < entries(ino); i++ {
		de := ip.readEnt(ino, i)
		if de.Name == name {
			return de.Inum, i, true
		}
	}
	return 0, 0, false
}

// appendEnt grows ino by one record and writes de into it. The caller
// stores the mutated inode.
func (ip *Inode) appendEnt(ino *layout.DiskInode, de layout.DirEnt) {
	off := ino.Size
	ip.fs.grow(ino, off+common.DIRENTSZ)
	ino.WriteAt(ip.fs.mgr, off, de.Encode())
}

// grow extends ino to newSize, allocating the data and index blocks it
// needs. Fresh blocks are all-zero, so the grown range reads as zeros until
// written.
func (fs *FileSystem) grow(ino *layout.DiskInode, newSize uint64) {
	count := ino.BlocksNumNeeded(newSize)
	ids := make([]common.Bnum, 0, count)
	for i := uint64(0); i < count; i++ {
		ids = append(ids, fs.allocData())
	}
	ino.IncreaseSize(fs.mgr, newSize, ids)
}

// Find resolves name in this directory, returning nil when it is not bound.
func (ip *Inode) Find(name string) *Inode {
	ip.fs.mu.Lock()
	defer ip.fs.mu.Unlock()
	ino := ip.loadDir()
	inum, _, ok := ip.findEnt(&ino, name)
	if !ok {
		return nil
	}
	util.DPrintf(2, "vfs: find %q -> inode %d\n", name, inum)
	return ip.fs.mkInode(inum)
}

// Create binds name to a fresh empty file in this directory and returns its
// handle, or nil when the name is already bound. The new file is durable
// when Create returns.
func (ip *Inode) Create(name string) *Inode {
	ip.fs.mu.Lock()
	defer ip.fs.mu.Unlock()
	ino := ip.loadDir()
	if _, _, ok := ip.findEnt(&ino, name); ok {
		return nil
	}
	inum := ip.fs.allocInode()
	util.DPrintf(2, "vfs: create %q -> inode %d\n", name, inum)
	file := layout.MkDiskInode(layout.KindFile)
	ip.fs.writeInode(ip.fs.super.InodeAddr(inum), &file)
	ip.appendEnt(&ino, layout.DirEnt{Name: name, Inum: inum})
	ip.store(&ino)
	ip.fs.SyncAll()
	return ip.fs.mkInode(inum)
}

// Link binds newName to the inode oldName is bound to, so both names share
// one file. Returns the shared handle, or nil when oldName is not bound or
// newName already is.
func (ip *Inode) Link(oldName string, newName string) *Inode {
	ip.fs.mu.Lock()
	defer ip.fs.mu.Unlock()
	ino := ip.loadDir()
	inum, _, ok := ip.findEnt(&ino, oldName)
	if !ok {
		return nil
	}
	if _, _, ok := ip.findEnt(&ino, newName); ok {
		return nil
	}
	util.DPrintf(2, "vfs: link %q %q -> inode %d\n", oldName, newName, inum)
	ip.appendEnt(&ino, layout.DirEnt{Name: newName, Inum: inum})
	ip.store(&ino)
	return ip.fs.mkInode(inum)
}

// Unlink removes the first record binding name, by copying the last record
// over it and shrinking the directory by one record width. Remaining
// entries stay densely packed but lose their insertion order. A directory
// block the shrink vacates goes back to the allocator; the target inode is
// untouched: unlink never reclaims the named inode or its blocks, even when
// the last name goes away.
func (ip *Inode) Unlink(name string) bool {
	ip.fs.mu.Lock()
	defer ip.fs.mu.Unlock()
	ino := ip.loadDir()
	inum, i, ok := ip.findEnt(&ino, name)
	if !ok {
		return false
	}
	util.DPrintf(2, "vfs: unlink %q (inode %d)\n", name, inum)
	last := entries(&ino) - 1
	if i != last {
		de := ip.readEnt(&ino, last)
		ino.WriteAt(ip.fs.mgr, i*common.DIRENTSZ, de.Encode())
	}
	for _, bn := range ino.DecreaseSize(ip.fs.mgr, ino.Size-common.DIRENTSZ) {
		ip.fs.deallocData(bn)
	}
	ip.store(&ino)
	return true
}

// LinkNum counts the records in this directory bound to the inode at a: a
// recount over the entries, not a maintained counter.
func (ip *Inode) LinkNum(a addr.Addr) uint64 {
	ip.fs.mu.Lock()
	defer ip.fs.mu.Unlock()
	ino := ip.loadDir()
	var n uint64
	for i := uint64(0); i < entries(&ino); i++ {
		de := ip.readEnt(&ino, i)
		if ip.fs.super.InodeAddr(de.Inum) == a {
			n++
		}
	}
	return n
}

// Ls lists every name in this directory, in storage order.
func (ip *Inode) Ls() []string {
	ip.fs.mu.Lock()
	defer ip.fs.mu.Unlock()
	ino := ip.loadDir()
	names := make([]string, 0, entries(&ino))
	for i := uint64(0); i < entries(&ino); i++ {
		names = append(names, ip.readEnt(&ino, i).Name)
	}
	return names
}

// ReadAt reads into buf at byte offset off, returning the bytes read:
// min(len(buf), Size-off), or 0 at or past the end.
func (ip *Inode) ReadAt(off uint64, buf []byte) uint64 {
	ip.fs.mu.Lock()
	defer ip.fs.mu.Unlock()
	ino := ip.load()
	n := ino.ReadAt(ip.fs.mgr, off, buf)
	util.DPrintf(2, "vfs: read %d at %d -> %d\n", len(buf), off, n)
	return n
}

// WriteAt writes all of buf at byte offset off, growing the inode first
// when the range extends past its size. The write is durable when WriteAt
// returns.
func (ip *Inode) WriteAt(off uint64, buf []byte) uint64 {
	ip.fs.mu.Lock()
	defer ip.fs.mu.Unlock()
	if util.SumOverflows(off, uint64(len(buf))) {
		panic("write size overflow")
	}
	ino := ip.load()
	end := off + uint64(len(buf))
	if end > ino.Size {
		ip.fs.grow(&ino, end)
		ip.store(&ino)
	}
	n := ino.WriteAt(ip.fs.mgr, off, buf)
	util.DPrintf(2, "vfs: write %d at %d\n", len(buf), off)
	ip.fs.SyncAll()
	return n
}

// Clear truncates the inode to zero, returning every block it addressed to
// the data bitmap. The freed count must match the size's block accounting.
func (ip *Inode) Clear() {
	ip.fs.mu.Lock()
	defer ip.fs.mu.Unlock()
	ino := ip.load()
	expect := layout.TotalBlocks(ino.Size)
	util.DPrintf(2, "vfs: clear %v (%d bytes)\n", ip.addr, ino.Size)
	ids := ino.ClearSize(ip.fs.mgr)
	if uint64(len(ids)) != expect {
		panic("clear freed wrong block count")
	}
	for _, bn := range ids {
		ip.fs.deallocData(bn)
	}
	ip.store(&ino)
	ip.fs.SyncAll()
}

// Size is the inode's current byte size.
func (ip *Inode) Size() uint64 {
	ip.fs.mu.Lock()
	defer ip.fs.mu.Unlock()
	ino := ip.load()
	return ino.Size
}

// IsDir reports whether the inode is a directory.
func (ip *Inode) IsDir() bool {
	ip.fs.mu.Lock()
	defer ip.fs.mu.Unlock()
	ino := ip.load()
	return ino.IsDir()
}

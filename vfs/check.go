package vfs

import (
	"fmt"

	"github.com/go-blockfs/blockfs/common"
	"github.com/go-blockfs/blockfs/layout"
)

// A CheckReport is the outcome of a read-only consistency pass over a
// mounted filesystem. Errors are invariant violations; orphans are legal
// (unlink never reclaims inodes) and reported separately.
type CheckReport struct {
	Inodes  uint64 // initialized inode slots, root included
	Files   uint64
	Dirs    uint64
	Blocks  uint64 // blocks owned by initialized inodes, index blocks included
	Names   uint64 // directory entries
	Orphans []common.Inum
	Errors  []string
}

func (r *CheckReport) Ok() bool {
	return len(r.Errors) == 0
}

func (r *CheckReport) errf(format string, a ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, a...))
}

// Check walks every on-disk structure and verifies the engine's invariants
// without mutating anything: the inode table against the inode bitmap, each
// inode's block list against the data-region bounds and the data bitmap,
// exclusive ownership of every data block, and every directory entry against
// the inode table. Inodes no name resolves to are reported as orphans.
//
// Block ids are vetted before anything reads through them, so Check stays a
// reporting pass even on a corrupted image instead of tripping the engine's
// fatal paths.
func (fs *FileSystem) Check() *CheckReport {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	r := &CheckReport{}
	sb := fs.super
	if uint64(sb.MaxBnum()) != sb.TotalBlocks {
		r.errf("geometry: regions cover %d blocks, superblock claims %d",
			sb.MaxBnum(), sb.TotalBlocks)
	}

	// pass 1: the inode table against the inode bitmap, and every block list
	// against the data region, claiming each block for its owner
	kind := make([]uint64, sb.NInodes)
	walked := make([]bool, sb.NInodes)
	owner := make(map[common.Bnum]common.Inum)
	for n := uint64(0); n < sb.NInodes; n++ {
		inum := common.Inum(n)
		ino := fs.readInode(sb.InodeAddr(inum))
		set := fs.ialloc.IsSet(fs.mgr, n)
		if ino.Kind == layout.KindFree {
			if set {
				r.errf("inode %d: allocated but never initialized", inum)
			}
			continue
		}
		if !set {
			r.errf("inode %d: initialized but free in the inode bitmap", inum)
		}
		kind[n] = ino.Kind
		if ino.Kind != layout.KindFile && ino.Kind != layout.KindDir {
			r.errf("inode %d: unknown kind %d", inum, ino.Kind)
			continue
		}
		r.Inodes++
		if ino.IsDir() {
			r.Dirs++
		} else {
			r.Files++
		}
		if ino.Size > layout.MaxFileSize {
			r.errf("inode %d: size %d exceeds the maximum %d",
				inum, ino.Size, layout.MaxFileSize)
			continue
		}
		walked[n] = ino.WalkBlocks(fs.mgr, func(bn common.Bnum, index bool) bool {
			if bn < sb.DataStart() || bn >= sb.MaxBnum() {
				r.errf("inode %d: block %d outside the data region", inum, bn)
				return false
			}
			if prev, dup := owner[bn]; dup {
				r.errf("inode %d: block %d already owned by inode %d",
					inum, bn, prev)
				return false
			}
			owner[bn] = inum
			r.Blocks++
			return true
		})
	}

	// pass 2: the data bitmap against the ownership map
	for n := uint64(0); n < sb.DataAreaBlocks; n++ {
		bn := sb.DataStart() + common.Bnum(n)
		set := fs.balloc.IsSet(fs.mgr, n)
		in, owned := owner[bn]
		if owned && !set {
			r.errf("block %d: owned by inode %d but free in the data bitmap",
				bn, in)
		} else if !owned && set {
			r.errf("block %d: allocated but owned by no inode", bn)
		}
	}

	// pass 3: directory entries against the inode table, counting how many
	// names resolve to each inode. Directories whose block walk failed are
	// skipped; their damage is already reported.
	links := make([]uint64, sb.NInodes)
	for n := uint64(0); n < sb.NInodes; n++ {
		if kind[n] != layout.KindDir || !walked[n] {
			continue
		}
		dir := common.Inum(n)
		ino := fs.readInode(sb.InodeAddr(dir))
		if ino.Size%common.DIRENTSZ != 0 {
			r.errf("directory %d: size %d is not a whole number of entries",
				dir, ino.Size)
		}
		seen := make(map[string]bool)
		for i := uint64(0); i < ino.Size/common.DIRENTSZ; i++ {
			buf := make([]byte, common.DIRENTSZ)
			ino.ReadAt(fs.mgr, i*common.DIRENTSZ, buf)
			de := layout.DecodeDirEnt(buf)
			r.Names++
			if seen[de.Name] {
				r.errf("directory %d: name %q bound twice", dir, de.Name)
			}
			seen[de.Name] = true
			if uint64(de.Inum) >= sb.NInodes {
				r.errf("directory %d: %q resolves to inode %d, past the table",
					dir, de.Name, de.Inum)
				continue
			}
			if kind[de.Inum] == layout.KindFree {
				r.errf("directory %d: %q resolves to free inode %d",
					dir, de.Name, de.Inum)
				continue
			}
			links[de.Inum]++
		}
	}

	for n := uint64(0); n < sb.NInodes; n++ {
		if kind[n] != layout.KindFree && links[n] == 0 &&
			common.Inum(n) != common.ROOTINUM {
			r.Orphans = append(r.Orphans, common.Inum(n))
		}
	}
	return r
}

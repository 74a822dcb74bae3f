package vfs

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/go-blockfs/blockfs/common"
	"github.com/go-blockfs/blockfs/disk"
)

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestCreateAndFind(t *testing.T) {
	assert := assert.New(t)
	fs, _ := mkTestFS(t, 4096, 256)
	root := fs.RootInode()

	a := root.Create("a")
	assert.NotNil(a)
	assert.False(a.IsDir())
	assert.Equal(uint64(0), a.Size())

	got := root.Find("a")
	assert.NotNil(got)
	assert.Equal(a.Addr(), got.Addr(), "find resolves to the same slot")

	assert.Nil(root.Find("missing"))
	assert.Nil(root.Create("a"), "duplicate name")
}

func TestLongNamesAliasTheirTruncation(t *testing.T) {
	assert := assert.New(t)
	fs, _ := mkTestFS(t, 4096, 256)
	root := fs.RootInode()

	long := strings.Repeat("n", int(common.MAXNMLEN)) + "-overflow"
	f := root.Create(long)
	assert.NotNil(f)

	clipped := long[:common.MAXNMLEN]
	assert.Equal([]string{clipped}, root.Ls(), "the stored name is the clipped form")

	got := root.Find(long)
	assert.NotNil(got, "the long spelling still resolves")
	assert.Equal(f.Addr(), got.Addr())
	assert.Equal(f.Addr(), root.Find(clipped).Addr())

	assert.Nil(root.Create(clipped), "the clipped form is already bound")
	assert.Nil(root.Create(long+"x"), "another spelling of the same clipped name")

	assert.True(root.Unlink(long+"y"), "any aliasing spelling unbinds it")
	assert.Empty(root.Ls())
}

func TestFileHandleIsNotADirectory(t *testing.T) {
	assert := assert.New(t)
	fs, _ := mkTestFS(t, 4096, 256)
	a := fs.RootInode().Create("a")

	assert.Panics(func() { a.Find("x") })
	assert.Panics(func() { a.Create("x") })
	assert.Panics(func() { a.Ls() })
}

func TestWriteReadRoundTrip(t *testing.T) {
	assert := assert.New(t)
	fs, _ := mkTestFS(t, 4096, 256)
	a := fs.RootInode().Create("a")

	assert.Equal(uint64(5), a.WriteAt(0, []byte("hello")))
	assert.Equal(uint64(5), a.Size())

	buf := make([]byte, 5)
	assert.Equal(uint64(5), a.ReadAt(0, buf))
	assert.Equal([]byte("hello"), buf)

	two := make([]byte, 2)
	assert.Equal(uint64(2), a.ReadAt(1, two))
	assert.Equal([]byte("el"), two)

	assert.Equal(uint64(0), a.ReadAt(5, buf), "read at size")
	assert.Equal(uint64(0), a.ReadAt(100, buf), "read past size")
}

func TestWriteGrowsAndZeroFills(t *testing.T) {
	assert := assert.New(t)
	fs, _ := mkTestFS(t, 4096, 256)
	a := fs.RootInode().Create("a")

	a.WriteAt(0, []byte("head"))
	a.WriteAt(1000, []byte("tail"))
	assert.Equal(uint64(1004), a.Size(), "size follows the write's end")

	buf := make([]byte, 1004)
	assert.Equal(uint64(1004), a.ReadAt(0, buf))
	assert.Equal([]byte("head"), buf[:4])
	assert.Equal([]byte("tail"), buf[1000:])
	for _, b := range buf[4:1000] {
		assert.Equal(byte(0), b, "grown bytes read as zeros")
	}

	// an overwrite inside the current size leaves the size alone
	a.WriteAt(10, []byte("mid"))
	assert.Equal(uint64(1004), a.Size())
}

func TestWriteGrowsAcrossIndirectBlocks(t *testing.T) {
	assert := assert.New(t)
	fs, _ := mkTestFS(t, 4096, 256)
	a := fs.RootInode().Create("a")

	// grow in uneven chunks through the direct, single-indirect, and
	// double-indirect regimes
	data := pattern(int(200 * disk.BlockSize))
	for off := 0; off < len(data); off += 7001 {
		end := off + 7001
		if end > len(data) {
			end = len(data)
		}
		a.WriteAt(uint64(off), data[off:end])
	}
	assert.Equal(uint64(len(data)), a.Size())

	buf := make([]byte, len(data))
	assert.Equal(uint64(len(data)), a.ReadAt(0, buf))
	assert.Equal(data, buf)
}

func TestLinkSharesStorage(t *testing.T) {
	assert := assert.New(t)
	fs, _ := mkTestFS(t, 4096, 256)
	root := fs.RootInode()

	a := root.Create("a")
	assert.Equal(uint64(1), root.LinkNum(a.Addr()))

	b := root.Link("a", "b")
	assert.NotNil(b)
	assert.Equal(a.Addr(), b.Addr(), "both names share one inode")
	assert.Equal(uint64(2), root.LinkNum(a.Addr()))

	a.WriteAt(0, []byte("shared"))
	buf := make([]byte, 6)
	assert.Equal(uint64(6), b.ReadAt(0, buf))
	assert.Equal([]byte("shared"), buf)
	assert.Equal(uint64(6), b.Size())

	assert.Nil(root.Link("missing", "c"), "source must exist")
	assert.Nil(root.Link("a", "b"), "target name must be free")
	assert.Equal(uint64(2), root.LinkNum(a.Addr()), "failed links add nothing")
}

func TestUnlinkKeepsDirectoryDense(t *testing.T) {
	assert := assert.New(t)
	fs, _ := mkTestFS(t, 4096, 256)
	root := fs.RootInode()

	for _, name := range []string{"a", "b", "c", "d", "e"} {
		root.Create(name)
	}

	assert.True(root.Unlink("b"))
	// the last entry moved into the vacated slot
	assert.Equal([]string{"a", "e", "c", "d"}, root.Ls())
	for _, name := range []string{"a", "c", "d", "e"} {
		assert.NotNil(root.Find(name), "%s is still bound", name)
	}
	assert.Nil(root.Find("b"))

	// removing the last entry shrinks without a copy
	assert.True(root.Unlink("d"))
	assert.Equal([]string{"a", "e", "c"}, root.Ls())

	assert.False(root.Unlink("missing"))
	assert.False(root.Unlink("b"), "already removed")
}

func TestUnlinkNeverReclaims(t *testing.T) {
	assert := assert.New(t)
	fs, _ := mkTestFS(t, 4096, 256)
	root := fs.RootInode()

	a := root.Create("a")
	a.WriteAt(0, pattern(int(2*disk.BlockSize)))
	ino := fs.readInode(a.Addr())
	first := ino.Direct[0]

	assert.True(root.Unlink("a"))
	assert.Empty(root.Ls())

	// the inode record and its blocks survive; only the name is gone
	assert.Equal(ino, fs.readInode(a.Addr()))
	buf := make([]byte, 4)
	assert.Equal(uint64(4), a.ReadAt(0, buf), "the handle still reads")

	// the data bitmap still accounts the orphan's blocks
	assert.NotEqual(first, fs.allocData(), "orphaned blocks are not reused")
}

func TestUnlinkFreesDirectoryTailBlocks(t *testing.T) {
	assert := assert.New(t)
	fs, _ := mkTestFS(t, 4096, 256)
	root := fs.RootInode()

	// 16 entries fill the root's first block; the 17th starts a second
	for i := 0; i < 17; i++ {
		assert.NotNil(root.Create(fmt.Sprintf("f%02d", i)))
	}
	assert.Equal(uint64(17*common.DIRENTSZ), root.Size())

	assert.True(root.Unlink("f00"))
	assert.Equal(uint64(16*common.DIRENTSZ), root.Size())
	assert.Equal(fs.super.DataStart()+1, fs.allocData(),
		"the vacated second block is the lowest free bit again")

	for i := 1; i < 17; i++ {
		assert.True(root.Unlink(fmt.Sprintf("f%02d", i)))
	}
	assert.Equal(uint64(0), root.Size())
	assert.Equal(fs.super.DataStart(), fs.allocData(),
		"an empty directory holds no blocks")
}

func TestClearFreesEverything(t *testing.T) {
	assert := assert.New(t)
	fs, _ := mkTestFS(t, 4096, 256)
	root := fs.RootInode()

	a := root.Create("a")
	a.WriteAt(0, pattern(int(100*disk.BlockSize)))
	first := fs.readInode(a.Addr()).Direct[0]

	a.Clear()
	assert.Equal(uint64(0), a.Size())
	assert.Equal(uint64(0), a.ReadAt(0, make([]byte, 16)), "no bytes left")
	assert.Equal([]string{"a"}, root.Ls(), "clear does not unbind the name")

	// the freed blocks are the lowest free bits again
	assert.Equal(first, fs.allocData())

	// the inode is still usable after a clear
	a.WriteAt(0, []byte("again"))
	buf := make([]byte, 5)
	assert.Equal(uint64(5), a.ReadAt(0, buf))
	assert.Equal([]byte("again"), buf)
}

func TestWriteOffsetOverflowPanics(t *testing.T) {
	assert := assert.New(t)
	fs, _ := mkTestFS(t, 64, 8)
	a := fs.RootInode().Create("a")

	assert.Panics(func() { a.WriteAt(^uint64(0), []byte("x")) })
}

func TestEndToEndScenario(t *testing.T) {
	assert := assert.New(t)
	fs, _ := mkTestFS(t, 4096, 256)
	root := fs.RootInode()

	a := root.Create("a")
	assert.NotNil(a)
	assert.Nil(root.Create("a"))

	a.WriteAt(0, []byte("hello"))
	buf := make([]byte, 5)
	assert.Equal(uint64(5), a.ReadAt(0, buf))
	assert.Equal([]byte("hello"), buf)

	b := root.Link("a", "b")
	assert.NotNil(b)
	assert.Equal(uint64(2), root.LinkNum(a.Addr()))

	assert.True(root.Unlink("a"))
	b2 := root.Find("b")
	assert.NotNil(b2)
	assert.Equal(a.Addr(), b2.Addr())
	assert.Equal(uint64(5), b2.ReadAt(0, buf))
	assert.Equal([]byte("hello"), buf)
	assert.Equal([]string{"b"}, root.Ls())
	assert.Equal(uint64(1), root.LinkNum(b2.Addr()))
}

func TestRootGrowsPastItsDirectBlocks(t *testing.T) {
	assert := assert.New(t)
	fs, _ := mkTestFS(t, 4096, 1024)
	root := fs.RootInode()

	// 200 entries take 13 blocks, one past the direct list
	n := 200
	for i := 0; i < n; i++ {
		assert.NotNil(root.Create(fmt.Sprintf("f%03d", i)))
	}
	names := root.Ls()
	assert.Equal(n, len(names))
	assert.Equal("f000", names[0])
	assert.Equal("f199", names[n-1])
	assert.NotNil(root.Find("f123"))

	for i := 0; i < n; i++ {
		assert.True(root.Unlink(fmt.Sprintf("f%03d", i)))
	}
	assert.Empty(root.Ls())
	assert.Equal(uint64(0), root.Size())
}

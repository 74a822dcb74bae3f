package disk

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

var _ BlockDevice = (*FileDisk)(nil)

// FileDisk is a BlockDevice backed by a regular file (or a raw device node),
// accessed with positioned reads and writes.
type FileDisk struct {
	fd        int
	numBlocks uint64
}

// NewFileDisk creates (or opens and resizes) a file-backed device of
// numBlocks blocks.
func NewFileDisk(path string, numBlocks uint64) (FileDisk, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0666)
	if err != nil {
		return FileDisk{}, err
	}
	var stat unix.Stat_t
	err = unix.Fstat(fd, &stat)
	if err != nil {
		return FileDisk{}, err
	}
	if (stat.Mode&unix.S_IFREG) != 0 && uint64(stat.Size) != numBlocks*BlockSize {
		err = unix.Ftruncate(fd, int64(numBlocks*BlockSize))
		if err != nil {
			return FileDisk{}, err
		}
	}
	return FileDisk{fd, numBlocks}, nil
}

// OpenFileDisk opens an existing image, deriving the block count from the
// file size.
func OpenFileDisk(path string) (FileDisk, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return FileDisk{}, err
	}
	var stat unix.Stat_t
	err = unix.Fstat(fd, &stat)
	if err != nil {
		return FileDisk{}, err
	}
	if uint64(stat.Size)%BlockSize != 0 {
		return FileDisk{}, fmt.Errorf("image %s is not block-aligned (%d bytes)", path, stat.Size)
	}
	return FileDisk{fd, uint64(stat.Size) / BlockSize}, nil
}

func (d FileDisk) ReadBlock(a uint64, buf Block) {
	if uint64(len(buf)) != BlockSize {
		panic("buffer is not block-sized")
	}
	if a >= d.numBlocks {
		panic(fmt.Errorf("out-of-bounds read at %v", a))
	}
	_, err := unix.Pread(d.fd, buf, int64(a*BlockSize))
	if err != nil {
		panic("read failed: " + err.Error())
	}
}

func (d FileDisk) WriteBlock(a uint64, v Block) {
	if uint64(len(v)) != BlockSize {
		panic(fmt.Errorf("v is not block-sized (%d bytes)", len(v)))
	}
	if a >= d.numBlocks {
		panic(fmt.Errorf("out-of-bounds write at %v", a))
	}
	_, err := unix.Pwrite(d.fd, v, int64(a*BlockSize))
	if err != nil {
		panic("write failed: " + err.Error())
	}
}

func (d FileDisk) Size() uint64 {
	return d.numBlocks
}

func (d FileDisk) Barrier() {
	// NOTE: on macOS, this flushes to the drive but doesn't actually issue a
	// disk barrier; see https://golang.org/src/internal/poll/fd_fsync_darwin.go
	// for more details. The correct replacement is to issue a fcntl syscall
	// with cmd F_FULLFSYNC.
	err := unix.Fsync(d.fd)
	if err != nil {
		panic("file sync failed: " + err.Error())
	}
}

func (d FileDisk) Close() {
	err := unix.Close(d.fd)
	if err != nil {
		panic(err)
	}
}

var _ BlockDevice = (*MemDisk)(nil)

// MemDisk is an in-memory BlockDevice for tests and tooling.
type MemDisk struct {
	mu     *sync.RWMutex
	blocks [][BlockSize]byte
}

func NewMemDisk(numBlocks uint64) MemDisk {
	blocks := make([][BlockSize]byte, numBlocks)
	return MemDisk{mu: new(sync.RWMutex), blocks: blocks}
}

func (d MemDisk) ReadBlock(a uint64, buf Block) {
	if uint64(len(buf)) != BlockSize {
		panic("buffer is not block-sized")
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if a >= uint64(len(d.blocks)) {
		panic(fmt.Errorf("out-of-bounds read at %v", a))
	}
	copy(buf, d.blocks[a][:])
}

func (d MemDisk) WriteBlock(a uint64, v Block) {
	if uint64(len(v)) != BlockSize {
		panic(fmt.Errorf("v is not block-sized (%d bytes)", len(v)))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if a >= uint64(len(d.blocks)) {
		panic(fmt.Errorf("out-of-bounds write at %v", a))
	}
	copy(d.blocks[a][:], v)
}

func (d MemDisk) Size() uint64 {
	// this never changes so we assume it's safe to run lock-free
	return uint64(len(d.blocks))
}

func (d MemDisk) Barrier() {}

func (d MemDisk) Close() {}

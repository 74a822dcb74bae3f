// Package disk provides access to a logical block-based device with
// fixed-size blocks. Implementations do no caching and no partial-block
// transfers; the block cache above this layer owns all buffering.
package disk

// Block is a 512-byte buffer
type Block = []byte

const BlockSize uint64 = 512

// BlockDevice is the capability the filesystem engine consumes: synchronous
// whole-block reads and writes by block index. I/O failures are treated as
// fatal by implementations; only constructors report errors.
type BlockDevice interface {
	// ReadBlock reads the block at index a into buf.
	//
	// Expects a < Size() and len(buf) == BlockSize.
	ReadBlock(a uint64, buf Block)

	// WriteBlock updates the block at index a.
	//
	// Expects a < Size() and len(v) == BlockSize.
	WriteBlock(a uint64, v Block)

	// Size reports how big the device is, in blocks
	Size() uint64

	// Barrier ensures data is persisted.
	//
	// When it returns, all outstanding writes are guaranteed to be durably
	// on disk.
	Barrier()

	// Close releases any resources used by the device and makes it unusable.
	Close()
}

// Package drivers holds the hardware collaborators around the kernel
// core: the block-device abstraction and its IDE PIO implementation,
// the VGA text console, the serial debug port, the PIC and PIT, and
// the keyboard. The core consumes only the narrow interfaces here;
// nothing in the allocators or the scheduler knows what an I/O port
// is.
package drivers

import "os1/src/util"

// BlockDataBuffer carries data to and from a block device: a byte
// buffer plus an internal cursor that the sequential Read/Write
// helpers advance, so multi-block transfers don't thread an offset
// through every call.
type BlockDataBuffer struct {
	data []byte
	off  int
}

// NewBlockDataBuffer returns a buffer with the given capacity and the
// cursor at zero.
func NewBlockDataBuffer(size int) *BlockDataBuffer {
	return &BlockDataBuffer{data: make([]byte, size)}
}

// Size returns the buffer's capacity in bytes.
func (b *BlockDataBuffer) Size() int { return len(b.data) }

// Offset returns the internal cursor.
func (b *BlockDataBuffer) Offset() int { return b.off }

// SetOffset moves the internal cursor. Panics if out of bounds.
func (b *BlockDataBuffer) SetOffset(off int) {
	if off < 0 || off > len(b.data) {
		panic("drivers: buffer offset out of bounds")
	}
	b.off = off
}

// Bytes exposes the whole backing buffer, cursor-independent.
func (b *BlockDataBuffer) Bytes() []byte { return b.data }

// BlockDevice is the abstraction over disks. Implementations must
// serialize concurrent requests with their own lock.
type BlockDevice interface {
	// GetBlockSize returns the device's block size in bytes.
	GetBlockSize() int
	// ReadBlock reads one whole block into the buffer, which must be
	// at least a block in size.
	ReadBlock(blockNum int, buf *BlockDataBuffer)
	// WriteBlock writes one whole block from the buffer.
	WriteBlock(blockNum int, buf *BlockDataBuffer)
}

// Read copies from the device at the given byte offset into buf
// starting at buf's cursor. It reads at most to the end of the block
// containing offset and at most the space left in buf, advances the
// cursor, and returns the byte count.
func Read(dev BlockDevice, offset int, buf *BlockDataBuffer) int {
	blkSize := dev.GetBlockSize()
	block := offset / blkSize

	blockBuf := NewBlockDataBuffer(blkSize)
	dev.ReadBlock(block, blockBuf)

	bufOffset := offset - block*blkSize
	n := util.Min(buf.Size()-buf.Offset(), blkSize-bufOffset)
	copy(buf.data[buf.off:buf.off+n], blockBuf.data[bufOffset:])
	buf.off += n
	return n
}

// ReadFully fills all remaining space in buf from the device starting
// at the given byte offset, crossing block boundaries as needed.
func ReadFully(dev BlockDevice, offset int, buf *BlockDataBuffer) {
	for buf.Offset() < buf.Size() {
		offset += Read(dev, offset, buf)
	}
}

// Write copies from buf (starting at its cursor) to the device at the
// given byte offset, read-modify-writing the containing block. It
// writes at most to the end of that block, advances the cursor, and
// returns the byte count.
func Write(dev BlockDevice, offset int, buf *BlockDataBuffer) int {
	blkSize := dev.GetBlockSize()
	block := offset / blkSize

	blockBuf := NewBlockDataBuffer(blkSize)
	dev.ReadBlock(block, blockBuf)

	bufOffset := offset - block*blkSize
	n := util.Min(buf.Size()-buf.Offset(), blkSize-bufOffset)
	copy(blockBuf.data[bufOffset:bufOffset+n], buf.data[buf.off:])
	dev.WriteBlock(block, blockBuf)
	buf.off += n
	return n
}

// WriteFully writes all remaining bytes in buf to the device starting
// at the given byte offset.
func WriteFully(dev BlockDevice, offset int, buf *BlockDataBuffer) {
	for buf.Offset() < buf.Size() {
		offset += Write(dev, offset, buf)
	}
}

// MemDisk is a BlockDevice over a byte slice: the boot ramdisk (the
// bootloader can place an OFS image in memory before any driver is
// up) and the test suite's disk.
type MemDisk struct {
	blockSize int
	data      []byte
}

// NewMemDisk wraps data as a block device. len(data) must be a
// multiple of blockSize.
func NewMemDisk(data []byte, blockSize int) *MemDisk {
	if len(data)%blockSize != 0 {
		panic("drivers: ramdisk size not a multiple of its block size")
	}
	return &MemDisk{blockSize: blockSize, data: data}
}

// GetBlockSize returns the device's block size in bytes.
func (m *MemDisk) GetBlockSize() int { return m.blockSize }

// ReadBlock reads one whole block into the buffer.
func (m *MemDisk) ReadBlock(blockNum int, buf *BlockDataBuffer) {
	copy(buf.data, m.data[blockNum*m.blockSize:(blockNum+1)*m.blockSize])
}

// WriteBlock writes one whole block from the buffer.
func (m *MemDisk) WriteBlock(blockNum int, buf *BlockDataBuffer) {
	copy(m.data[blockNum*m.blockSize:(blockNum+1)*m.blockSize], buf.data)
}

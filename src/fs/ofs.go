// OFS: the simple on-disk file system this kernel boots from. The
// volume layout, shared with cmd/mkfs:
//
//	block 0             metadata: magic "OFS\x00", root inode, inode
//	                    and dnode counts (u32 little-endian each)
//	block 1             inode bitmap
//	block 2             dnode bitmap
//	blocks 3..          inodes, 128 B each
//	blocks after that   dnodes, 512 B each: 508 B of data plus the
//	                    index of the next dnode in the file (0 ends
//	                    the chain)
//
// Files are flat chains of dnodes named by inode number; directories
// are links between inodes. Everything here is read-only (see
// ErrReadOnly).
package fs

import (
	"encoding/binary"
	"io"
	"sync"

	"os1/src/defs"
	"os1/src/drivers"
)

const (
	SectorSize = 512
	InodeSize  = 128
	DnodeSize  = 512

	// DnodeData is how much file data one dnode carries; the last
	// word is the chain link.
	DnodeData = DnodeSize - 4
)

// Magic identifies an OFS volume in its metadata block.
var Magic = [4]byte{'O', 'F', 'S', 0}

// OFS reads the on-disk format off a block device. All operations
// serialize on the embedded mutex; the device below has its own lock
// for request-level serialization.
type OFS struct {
	sync.Mutex
	dev drivers.BlockDevice

	rootInode int
	numInodes int
	numDnodes int
}

// MountOFS reads and validates the metadata block and returns a
// handle on the volume. A bad magic is E_INVAL, not a panic: the
// caller may be probing a disk that simply isn't OFS.
func MountOFS(dev drivers.BlockDevice) (*OFS, defs.Err_t) {
	buf := drivers.NewBlockDataBuffer(SectorSize)
	dev.ReadBlock(0, buf)
	meta := buf.Bytes()

	if [4]byte(meta[0:4]) != Magic {
		return nil, defs.E_INVAL
	}
	return &OFS{
		dev:       dev,
		rootInode: int(binary.LittleEndian.Uint32(meta[4:8])),
		numInodes: int(binary.LittleEndian.Uint32(meta[8:12])),
		numDnodes: int(binary.LittleEndian.Uint32(meta[12:16])),
	}, defs.E_NONE
}

// RootInode returns the inode number of the volume's root file.
func (o *OFS) RootInode() int { return o.rootInode }

func (o *OFS) firstInodeByte() int { return 3 * SectorSize }

func (o *OFS) firstDnodeByte() int {
	return o.firstInodeByte() + o.numInodes*InodeSize
}

// inodeAllocated consults the inode bitmap; bit i of the bitmap block
// is set iff inode i exists.
func (o *OFS) inodeAllocated(inode int) bool {
	if inode < 0 || inode >= o.numInodes {
		return false
	}
	buf := drivers.NewBlockDataBuffer(1)
	drivers.ReadFully(o.dev, SectorSize+inode/8, buf)
	return buf.Bytes()[0]&(1<<(inode%8)) != 0
}

// inode is the in-memory form of a 128 B on-disk inode.
type inode struct {
	name     string
	uid, gid uint32
	size     int
	data     int // first dnode
	created  uint32
	modified uint32
}

func (o *OFS) readInode(num int) inode {
	buf := drivers.NewBlockDataBuffer(InodeSize)
	drivers.ReadFully(o.dev, o.firstInodeByte()+num*InodeSize, buf)
	raw := buf.Bytes()

	nameLen := 0
	for nameLen < 12 && raw[nameLen] != 0 {
		nameLen++
	}
	return inode{
		name:     string(raw[:nameLen]),
		uid:      binary.LittleEndian.Uint32(raw[12:16]),
		gid:      binary.LittleEndian.Uint32(raw[16:20]),
		size:     int(binary.LittleEndian.Uint32(raw[20:24])),
		data:     int(binary.LittleEndian.Uint32(raw[24:28])),
		created:  binary.LittleEndian.Uint32(raw[28:32]),
		modified: binary.LittleEndian.Uint32(raw[32:36]),
	}
}

// File is a read handle over one OFS file: an offset cursor plus the
// dnode the cursor currently sits in, so sequential reads don't
// re-walk the chain from the head.
type File struct {
	ofs    *OFS
	ino    inode
	offset int

	dnode    int // dnode containing offset
	dnodeOff int // offset's byte position within that dnode's data
}

// Read implements io.Reader over the file's dnode chain.
func (f *File) Read(p []byte) (int, error) {
	f.ofs.Lock()
	defer f.ofs.Unlock()

	total := 0
	for len(p) > 0 && f.offset < f.ino.size {
		n := f.ino.size - f.offset
		if n > DnodeData-f.dnodeOff {
			n = DnodeData - f.dnodeOff
		}
		if n > len(p) {
			n = len(p)
		}

		buf := drivers.NewBlockDataBuffer(n)
		drivers.ReadFully(f.ofs.dev,
			f.ofs.firstDnodeByte()+f.dnode*DnodeSize+f.dnodeOff, buf)
		copy(p, buf.Bytes())

		p = p[n:]
		total += n
		f.offset += n
		f.dnodeOff += n
		if f.dnodeOff == DnodeData && f.offset < f.ino.size {
			f.dnode = f.ofs.nextDnode(f.dnode)
			f.dnodeOff = 0
		}
	}
	if total == 0 {
		return 0, io.EOF
	}
	return total, nil
}

// Size returns the file's length in bytes.
func (f *File) Size() int { return f.ino.size }

// nextDnode follows a dnode's chain link (its last word).
func (o *OFS) nextDnode(dnode int) int {
	buf := drivers.NewBlockDataBuffer(4)
	drivers.ReadFully(o.dev, o.firstDnodeByte()+dnode*DnodeSize+DnodeData, buf)
	return int(binary.LittleEndian.Uint32(buf.Bytes()))
}

// OpenRead returns a reader over the file with the given inode
// number.
func (o *OFS) OpenRead(inodeNum int) (io.Reader, defs.Err_t) {
	o.Lock()
	defer o.Unlock()

	if !o.inodeAllocated(inodeNum) {
		return nil, defs.E_NOENT
	}
	ino := o.readInode(inodeNum)
	return &File{ofs: o, ino: ino, dnode: ino.data}, defs.E_NONE
}

// OpenWrite refuses: the volume is read-only.
func (o *OFS) OpenWrite(inodeNum int) (io.Writer, defs.Err_t) {
	return nil, ErrReadOnly.Code
}

// Stat returns metadata for the file with the given inode number.
func (o *OFS) Stat(inodeNum int) (Stat, defs.Err_t) {
	o.Lock()
	defer o.Unlock()

	if !o.inodeAllocated(inodeNum) {
		return Stat{}, defs.E_NOENT
	}
	ino := o.readInode(inodeNum)
	return Stat{
		Name:     ino.name,
		Size:     ino.size,
		Uid:      ino.uid,
		Gid:      ino.gid,
		Created:  ino.created,
		Modified: ino.modified,
	}, defs.E_NONE
}

// Link refuses: the volume is read-only.
func (o *OFS) Link(a, b int) defs.Err_t { return ErrReadOnly.Code }

// Unlink refuses: the volume is read-only.
func (o *OFS) Unlink(a, b int) defs.Err_t { return ErrReadOnly.Code }

// NewFile refuses: the volume is read-only.
func (o *OFS) NewFile() (int, defs.Err_t) { return 0, ErrReadOnly.Code }

// DeleteFile refuses: the volume is read-only.
func (o *OFS) DeleteFile(inodeNum int) defs.Err_t { return ErrReadOnly.Code }

// InodeNumber resolves a file name against the inode table by linear
// scan. There is no path hierarchy in OFS yet; names are flat.
func (o *OFS) InodeNumber(path string) (int, bool) {
	o.Lock()
	defer o.Unlock()

	for i := 0; i < o.numInodes; i++ {
		if !o.inodeAllocated(i) {
			continue
		}
		if o.readInode(i).name == path {
			return i, true
		}
	}
	return 0, false
}

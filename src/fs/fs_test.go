package fs

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"os1/src/defs"
	"os1/src/drivers"
)

// buildImage assembles an OFS volume in memory the way cmd/mkfs does
// on disk, with the given files laid out in inode order.
func buildImage(files map[string][]byte) []byte {
	const numInodes, numDnodes = 4096, 4096
	firstInode := 3 * SectorSize
	firstDnode := firstInode + numInodes*InodeSize
	img := make([]byte, firstDnode+numDnodes*DnodeSize)

	copy(img[0:4], Magic[:])
	binary.LittleEndian.PutUint32(img[8:12], numInodes)
	binary.LittleEndian.PutUint32(img[12:16], numDnodes)

	nextInode, nextDnode := 0, 0
	for name, data := range files {
		inode := nextInode
		nextInode++
		img[SectorSize+inode/8] |= 1 << (inode % 8)

		first := nextDnode
		for off := 0; off == 0 || off < len(data); off += DnodeData {
			dnode := nextDnode
			nextDnode++
			img[2*SectorSize+dnode/8] |= 1 << (dnode % 8)
			base := firstDnode + dnode*DnodeSize
			n := copy(img[base:base+DnodeData], data[off:])
			if off+n < len(data) {
				binary.LittleEndian.PutUint32(img[base+DnodeData:], uint32(dnode+1))
			}
		}

		ibase := firstInode + inode*InodeSize
		copy(img[ibase:ibase+12], name)
		binary.LittleEndian.PutUint32(img[ibase+20:], uint32(len(data)))
		binary.LittleEndian.PutUint32(img[ibase+24:], uint32(first))
	}
	return img
}

func mountTestImage(t *testing.T, files map[string][]byte) *OFS {
	t.Helper()
	disk := drivers.NewMemDisk(buildImage(files), SectorSize)
	o, err := MountOFS(disk)
	if err != defs.E_NONE {
		t.Fatalf("MountOFS: %v", err)
	}
	return o
}

func TestMountRejectsBadMagic(t *testing.T) {
	img := buildImage(nil)
	img[0] = 'X'
	if _, err := MountOFS(drivers.NewMemDisk(img, SectorSize)); err != defs.E_INVAL {
		t.Fatalf("MountOFS on junk = %v, want E_INVAL", err)
	}
}

func TestOpenReadSmallFile(t *testing.T) {
	content := []byte("hello from OFS")
	o := mountTestImage(t, map[string][]byte{"hello.txt": content})

	r, err := o.OpenRead(0)
	if err != defs.E_NONE {
		t.Fatalf("OpenRead: %v", err)
	}
	got, _ := io.ReadAll(r)
	if !bytes.Equal(got, content) {
		t.Fatalf("read %q, want %q", got, content)
	}
}

// A file bigger than one dnode's payload exercises the chain walk.
func TestOpenReadFollowsDnodeChain(t *testing.T) {
	content := make([]byte, 3*DnodeData+17)
	for i := range content {
		content[i] = byte(i * 7)
	}
	o := mountTestImage(t, map[string][]byte{"big.bin": content})

	r, err := o.OpenRead(0)
	if err != defs.E_NONE {
		t.Fatalf("OpenRead: %v", err)
	}
	got, _ := io.ReadAll(r)
	if !bytes.Equal(got, content) {
		t.Fatalf("chained read mismatch: got %d bytes, want %d", len(got), len(content))
	}
}

func TestOpenReadMissingInode(t *testing.T) {
	o := mountTestImage(t, map[string][]byte{"a": []byte("x")})
	if _, err := o.OpenRead(7); err != defs.E_NOENT {
		t.Fatalf("OpenRead(7) = %v, want E_NOENT", err)
	}
}

func TestStatAndInodeNumber(t *testing.T) {
	content := []byte("stat me")
	o := mountTestImage(t, map[string][]byte{"file.txt": content})

	inode, ok := o.InodeNumber("file.txt")
	if !ok {
		t.Fatal("InodeNumber did not find the file")
	}
	st, err := o.Stat(inode)
	if err != defs.E_NONE {
		t.Fatalf("Stat: %v", err)
	}
	if st.Name != "file.txt" || st.Size != len(content) {
		t.Fatalf("Stat = %+v", st)
	}
	if _, ok := o.InodeNumber("nope"); ok {
		t.Fatal("InodeNumber found a file that doesn't exist")
	}
}

func TestOFSRefusesWrites(t *testing.T) {
	o := mountTestImage(t, map[string][]byte{"a": []byte("x")})

	if _, err := o.OpenWrite(0); err != defs.E_PERM {
		t.Fatalf("OpenWrite = %v, want E_PERM", err)
	}
	if err := o.Link(0, 0); err != defs.E_PERM {
		t.Fatalf("Link = %v, want E_PERM", err)
	}
	if err := o.Unlink(0, 0); err != defs.E_PERM {
		t.Fatalf("Unlink = %v, want E_PERM", err)
	}
	if _, err := o.NewFile(); err != defs.E_PERM {
		t.Fatalf("NewFile = %v, want E_PERM", err)
	}
	if err := o.DeleteFile(0); err != defs.E_PERM {
		t.Fatalf("DeleteFile = %v, want E_PERM", err)
	}
}

func TestMemFSRoundTrip(t *testing.T) {
	m := NewMemFS()
	inode := m.Install("prog", []byte("elf bytes"))

	got, ok := m.InodeNumber("prog")
	if !ok || got != inode {
		t.Fatalf("InodeNumber = %d,%v, want %d", got, ok, inode)
	}

	r, err := m.OpenRead(inode)
	if err != defs.E_NONE {
		t.Fatalf("OpenRead: %v", err)
	}
	data, _ := io.ReadAll(r)
	if string(data) != "elf bytes" {
		t.Fatalf("read %q", data)
	}

	w, err := m.OpenWrite(inode)
	if err != defs.E_NONE {
		t.Fatalf("OpenWrite: %v", err)
	}
	w.Write([]byte(" and more"))
	st, _ := m.Stat(inode)
	if st.Size != len("elf bytes and more") {
		t.Fatalf("Stat.Size = %d after append", st.Size)
	}
}

func TestMemFSLinkUnlinkDelete(t *testing.T) {
	m := NewMemFS()
	a := m.Install("a", nil)
	b, err := m.NewFile()
	if err != defs.E_NONE {
		t.Fatalf("NewFile: %v", err)
	}

	if err := m.Link(a, b); err != defs.E_NONE {
		t.Fatalf("Link: %v", err)
	}
	if err := m.Unlink(a, b); err != defs.E_NONE {
		t.Fatalf("Unlink: %v", err)
	}
	if err := m.Unlink(a, b); err != defs.E_NOENT {
		t.Fatalf("double Unlink = %v, want E_NOENT", err)
	}

	if err := m.DeleteFile(b); err != defs.E_NONE {
		t.Fatalf("DeleteFile: %v", err)
	}
	if _, err := m.OpenRead(b); err != defs.E_NOENT {
		t.Fatalf("OpenRead after delete = %v, want E_NOENT", err)
	}
}

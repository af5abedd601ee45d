package fs

import (
	"bytes"
	"io"
	"sync"

	"os1/src/defs"
)

// MemFS is a FileSystem backed by kernel memory: a flat inode-number
// to contents map. It exists so exec and the early boot path have a
// file system before (or without) a disk, and so tests can exercise
// the FileSystem consumers against something writable.
type MemFS struct {
	sync.Mutex
	files map[int]*memFile
	names map[string]int
	next  int
}

type memFile struct {
	name  string
	data  []byte
	links map[int]struct{}
}

// NewMemFS returns an empty in-memory file system.
func NewMemFS() *MemFS {
	return &MemFS{
		files: make(map[int]*memFile),
		names: make(map[string]int),
		next:  1,
	}
}

// Install creates a named file with the given contents and returns
// its inode number. Not part of the FileSystem surface; it is how
// boot (and tests) seed the volume.
func (m *MemFS) Install(name string, data []byte) int {
	m.Lock()
	defer m.Unlock()

	inode := m.next
	m.next++
	m.files[inode] = &memFile{name: name, data: append([]byte(nil), data...), links: make(map[int]struct{})}
	m.names[name] = inode
	return inode
}

// OpenRead returns a reader over the file's current contents.
func (m *MemFS) OpenRead(inode int) (io.Reader, defs.Err_t) {
	m.Lock()
	defer m.Unlock()

	f, ok := m.files[inode]
	if !ok {
		return nil, defs.E_NOENT
	}
	return bytes.NewReader(f.data), defs.E_NONE
}

type memWriter struct {
	m     *MemFS
	inode int
}

func (w *memWriter) Write(p []byte) (int, error) {
	w.m.Lock()
	defer w.m.Unlock()

	f, ok := w.m.files[w.inode]
	if !ok {
		return 0, io.ErrClosedPipe
	}
	f.data = append(f.data, p...)
	return len(p), nil
}

// OpenWrite returns an appending writer over the file.
func (m *MemFS) OpenWrite(inode int) (io.Writer, defs.Err_t) {
	m.Lock()
	defer m.Unlock()

	if _, ok := m.files[inode]; !ok {
		return nil, defs.E_NOENT
	}
	return &memWriter{m: m, inode: inode}, defs.E_NONE
}

// Stat returns metadata for the file.
func (m *MemFS) Stat(inode int) (Stat, defs.Err_t) {
	m.Lock()
	defer m.Unlock()

	f, ok := m.files[inode]
	if !ok {
		return Stat{}, defs.E_NOENT
	}
	return Stat{Name: f.name, Size: len(f.data)}, defs.E_NONE
}

// Link records a directed edge from file a to file b.
func (m *MemFS) Link(a, b int) defs.Err_t {
	m.Lock()
	defer m.Unlock()

	fa, ok := m.files[a]
	if !ok {
		return defs.E_NOENT
	}
	if _, ok := m.files[b]; !ok {
		return defs.E_NOENT
	}
	fa.links[b] = struct{}{}
	return defs.E_NONE
}

// Unlink removes the edge from file a to file b.
func (m *MemFS) Unlink(a, b int) defs.Err_t {
	m.Lock()
	defer m.Unlock()

	fa, ok := m.files[a]
	if !ok {
		return defs.E_NOENT
	}
	if _, ok := fa.links[b]; !ok {
		return defs.E_NOENT
	}
	delete(fa.links, b)
	return defs.E_NONE
}

// NewFile creates an empty, unnamed file and returns its inode
// number.
func (m *MemFS) NewFile() (int, defs.Err_t) {
	m.Lock()
	defer m.Unlock()

	inode := m.next
	m.next++
	m.files[inode] = &memFile{links: make(map[int]struct{})}
	return inode, defs.E_NONE
}

// DeleteFile removes the file.
func (m *MemFS) DeleteFile(inode int) defs.Err_t {
	m.Lock()
	defer m.Unlock()

	f, ok := m.files[inode]
	if !ok {
		return defs.E_NOENT
	}
	delete(m.files, inode)
	if f.name != "" {
		delete(m.names, f.name)
	}
	return defs.E_NONE
}

// InodeNumber resolves a name to an inode number.
func (m *MemFS) InodeNumber(path string) (int, bool) {
	m.Lock()
	defer m.Unlock()

	inode, ok := m.names[path]
	return inode, ok
}

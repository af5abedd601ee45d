// Package fs defines the file-system surface the kernel core consumes
// -- the handful of operations the ELF loader and the shell-facing
// syscalls need -- together with two implementations: OFS, the simple
// on-disk format read from a block device, and MemFS, an in-memory
// stand-in used before a disk is up and by the test suite.
package fs

import (
	"io"

	"os1/src/defs"
)

// Error is a typed file-system error: a kernel error code plus the
// human-readable message the original surfaced to callers.
type Error struct {
	Code defs.Err_t
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// ErrReadOnly is returned by every mutating OFS operation. The
// message is the original's own; whether the on-disk format should
// grow a consistency story good enough to allow writes is an open
// question this rewrite deliberately does not answer.
var ErrReadOnly = &Error{Code: defs.E_PERM, Msg: "OFS is read-only until I think about consistency"}

// Stat is the per-file metadata surfaced by FileSystem.Stat.
type Stat struct {
	Name     string
	Size     int
	Uid      uint32
	Gid      uint32
	Created  uint32
	Modified uint32
}

// FileSystem is what the core needs from a file system. The core only
// reads (exec loads ELF images); the mutating operations are part of
// the surface so shells and user programs have something to call, but
// OFS currently refuses them all.
type FileSystem interface {
	// OpenRead returns a reader over the file with the given inode
	// number.
	OpenRead(inode int) (io.Reader, defs.Err_t)
	// OpenWrite returns a writer over the file with the given inode
	// number.
	OpenWrite(inode int) (io.Writer, defs.Err_t)
	// Stat returns metadata for the file, or E_NOENT.
	Stat(inode int) (Stat, defs.Err_t)
	// Link creates a directed edge from file a to file b.
	Link(a, b int) defs.Err_t
	// Unlink removes the edge from file a to file b.
	Unlink(a, b int) defs.Err_t
	// NewFile creates an empty file and returns its inode number.
	NewFile() (int, defs.Err_t)
	// DeleteFile removes the file with the given inode number.
	DeleteFile(inode int) defs.Err_t
	// InodeNumber resolves a path to an inode number.
	InodeNumber(path string) (int, bool)
}

// Package shm provides the named shared-memory primitive the
// specification treats as external: create/open-by-name returning a
// raw, fixed-address byte region usable from multiple processes.
//
// It is backed by POSIX shared memory objects under /dev/shm plus
// golang.org/x/sys/unix's Mmap, the same low-level OS primitive
// pattern golang.org/x/sys is used for elsewhere in the example
// corpus (sakateka-yanet2's controlplane/ffi and agent packages bind
// directly against OS/](C) primitives rather than a higher-level
// shared-memory library).
package shm

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Segment is a mapped, named shared-memory region.
type Segment struct {
	name string
	path string
	file *os.File
	data []byte
}

// baseDir is where segments are created; overridden in tests so they
// don't depend on /dev/shm being writable in the test environment.
var baseDir = "/dev/shm"

func pathFor(name string) string {
	return filepath.Join(baseDir, filepath.Base(name))
}

// Create creates a new shared-memory segment of the given size,
// removing any pre-existing entry with the same name, and maps it
// read/write. The returned Segment's address is stable for its
// lifetime, as required of the slot array it will back.
func Create(name string, size uint64) (*Segment, error) {
	path := pathFor(name)

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("shm: removing stale segment %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: creating segment %s: %w", path, err)
	}

	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("shm: sizing segment %s to %d bytes: %w", path, size, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("shm: mapping segment %s: %w", path, err)
	}

	return &Segment{name: name, path: path, file: f, data: data}, nil
}

// Open maps an existing shared-memory segment of the given size by
// name.
func Open(name string, size uint64) (*Segment, error) {
	path := pathFor(name)

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: opening segment %s: %w", path, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: mapping segment %s: %w", path, err)
	}

	return &Segment{name: name, path: path, file: f, data: data}, nil
}

// Bytes returns the mapped region.
func (s *Segment) Bytes() []byte {
	return s.data
}

// Name returns the segment's name as passed to Create/Open.
func (s *Segment) Name() string {
	return s.name
}

// Close unmaps the segment and closes its file descriptor without
// removing it from the filesystem. A ring is a view over externally
// managed memory; Close never implies ownership of the segment's
// lifecycle.
func (s *Segment) Close() error {
	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil {
			return fmt.Errorf("shm: unmapping %s: %w", s.path, err)
		}
		s.data = nil
	}
	return s.file.Close()
}

// Destroy closes the segment and removes it from the filesystem. Only
// the segment's creator should call this, and only after observing
// teardown on the rendezvous channel.
func (s *Segment) Destroy() error {
	if err := s.Close(); err != nil {
		return err
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("shm: removing %s: %w", s.path, err)
	}
	return nil
}

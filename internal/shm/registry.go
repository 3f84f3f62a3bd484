// Package shm implements the named, create-or-attach shared memory the
// validation engine's global tables live in: the first cooperating
// process to create a segment becomes its primary; later processes
// attach to the same backing file and share the mapping.
package shm

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Dir is the directory backing segments are created in. /dev/shm is a
// tmpfs on Linux and is what the original driver's memzone reservation
// ultimately resolves to; fall back to the OS temp dir so this also runs
// in sandboxes without /dev/shm.
func Dir() string {
	if st, err := os.Stat("/dev/shm"); err == nil && st.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// Segment is one named, mmap-backed region shared across processes.
type Segment struct {
	name    string
	path    string
	file    *os.File
	data    []byte
	primary bool
	mu      sync.Mutex
}

// CreateOrAttach opens the segment, creating it (and becoming primary)
// if no process has created it yet, or attaching to an existing one.
// size is only used on creation; an attacher maps whatever size the
// creator already truncated the file to.
func CreateOrAttach(name string, size int) (*Segment, error) {
	path := filepath.Join(Dir(), "qnvme."+name)

	primary := true
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if os.IsExist(err) {
		primary = false
		f, err = os.OpenFile(path, os.O_RDWR, 0o600)
	}
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}

	mapSize := size
	if primary {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("shm: truncate %s: %w", path, err)
		}
	} else {
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("shm: stat %s: %w", path, err)
		}
		mapSize = int(st.Size())
	}

	data, err := unix.Mmap(int(f.Fd()), 0, mapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		if primary {
			os.Remove(path)
		}
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}

	return &Segment{name: name, path: path, file: f, data: data, primary: primary}, nil
}

// IsPrimary reports whether this process created the segment.
func (s *Segment) IsPrimary() bool {
	return s.primary
}

// Bytes returns the mapped region.
func (s *Segment) Bytes() []byte {
	return s.data
}

// Uint64At overlays an atomic 64-bit view directly on the mapping at the
// given byte offset, so every process attached to the segment reads and
// writes the same physical word. off must be 8-byte aligned; the driver
// only ever uses fixed, word-aligned offsets.
func (s *Segment) Uint64At(off int) *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&s.data[off]))
}

// Uint32SliceAt overlays n atomic 32-bit views on the mapping starting at
// off, used for the checksum table's per-LBA entries. off must be
// 4-byte aligned.
func (s *Segment) Uint32SliceAt(off int, n int) []atomic.Uint32 {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*atomic.Uint32)(unsafe.Pointer(&s.data[off])), n)
}

// Close unmaps the segment and closes the backing file. The primary also
// removes the backing file (spec §3, "destroyed on its shutdown").
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	s.file.Close()
	if s.primary {
		os.Remove(s.path)
	}
	return err
}

// Registry groups the named segments the driver tracks at bootstrap (one
// bookkeeping segment holding the IO token, config word, and checksum
// table) so the "primary/secondary" role can be reasoned about as one
// predicate.
type Registry struct {
	primary  bool
	segments []*Segment
}

// NewRegistry returns an empty registry. It creates no segments itself;
// it reports primary until Track records a segment that was attached
// rather than created.
func NewRegistry() *Registry {
	return &Registry{primary: true}
}

// Track records a segment's role into the registry's overall primary
// flag: if any tracked segment was attached rather than created, the
// process is a secondary.
func (r *Registry) Track(seg *Segment) *Segment {
	if !seg.IsPrimary() {
		r.primary = false
	}
	r.segments = append(r.segments, seg)
	return seg
}

// IsPrimary reports the driver's primary/secondary role per spec §9.
func (r *Registry) IsPrimary() bool {
	return r.primary
}

// Close tears down all tracked segments. Per spec §4.7 Fini, only the
// primary actually destroys shared memzones; secondaries just unmap.
func (r *Registry) Close() error {
	var firstErr error
	for _, seg := range r.segments {
		if !r.primary {
			// Secondary: unmap only, never remove the backing file.
			seg.mu.Lock()
			if seg.data != nil {
				unix.Munmap(seg.data)
				seg.data = nil
				seg.file.Close()
			}
			seg.mu.Unlock()
			continue
		}
		if err := seg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

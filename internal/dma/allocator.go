// Package dma implements the DMA buffer allocator (spec §4.1): page-
// aligned, zeroed I/O buffers the real transport would pin for hardware
// DMA. This pure-Go stand-in can't query a physical address, so it
// exposes the mmap'd virtual address as an opaque uintptr handle instead
// — documented as a deliberate simplification, since the real transport's
// DMA mapping is out of scope.
package dma

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const pageSize = 4096

// Buffer is one mmap-backed, page-aligned allocation.
type Buffer struct {
	data []byte
}

// Bytes returns the buffer's backing slice.
func (b *Buffer) Bytes() []byte { return b.data }

// Addr returns the buffer's virtual address as an opaque handle — the
// stand-in for a physical DMA address (see package doc).
func (b *Buffer) Addr() uintptr {
	if len(b.data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b.data[0]))
}

// Free unmaps the buffer. A second Free on the same buffer does nothing
// and returns nil.
func (b *Buffer) Free() error {
	if b.data == nil {
		return nil
	}
	err := unix.Munmap(b.data)
	b.data = nil
	return err
}

func alignUp(size int, align int) int {
	return (size + align - 1) / align * align
}

// Alloc mmaps a new zeroed, page-aligned anonymous buffer of at least
// size bytes.
func Alloc(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("dma: size must be positive, got %d", size)
	}
	aligned := alignUp(size, pageSize)
	data, err := unix.Mmap(-1, 0, aligned, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("dma: mmap %d bytes: %w", aligned, err)
	}
	return &Buffer{data: data[:size]}, nil
}

// Pool buckets DMA buffers by power-of-two size classes so steady-state
// I/O workloads (ioworker.go allocates one buffer per queue-pair slot,
// reused across every I/O) don't mmap/munmap on every submission.
type Pool struct {
	mu      sync.Mutex
	buckets map[int][]*Buffer
}

// NewPool returns an empty buffer pool.
func NewPool() *Pool {
	return &Pool{buckets: make(map[int][]*Buffer)}
}

func bucketSize(size int) int {
	b := pageSize
	for b < size {
		b <<= 1
	}
	return b
}

// Get returns a buffer of at least size bytes, reusing a pooled one of
// the same size class when available.
func (p *Pool) Get(size int) (*Buffer, error) {
	bucket := bucketSize(size)

	p.mu.Lock()
	if bufs := p.buckets[bucket]; len(bufs) > 0 {
		buf := bufs[len(bufs)-1]
		p.buckets[bucket] = bufs[:len(bufs)-1]
		p.mu.Unlock()
		return &Buffer{data: buf.data[:size]}, nil
	}
	p.mu.Unlock()

	buf, err := Alloc(bucket)
	if err != nil {
		return nil, err
	}
	return &Buffer{data: buf.data[:size]}, nil
}

// Put returns a buffer to its size-class bucket for reuse. The caller
// must not touch buf after calling Put.
func (p *Pool) Put(buf *Buffer) {
	if buf == nil || buf.data == nil {
		return
	}
	bucket := cap(buf.data)
	full := buf.data[:cap(buf.data)]

	p.mu.Lock()
	defer p.mu.Unlock()
	p.buckets[bucket] = append(p.buckets[bucket], &Buffer{data: full})
}

// Close unmaps every pooled buffer.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, bufs := range p.buckets {
		for _, b := range bufs {
			if err := b.Free(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	p.buckets = make(map[int][]*Buffer)
	return firstErr
}

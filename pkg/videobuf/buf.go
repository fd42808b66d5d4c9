package videobuf

import (
	"fmt"
	"log"
	"sync/atomic"

	"github.com/video-system/go-vision-pipeline/pkg/v4l2"
)

// Mapper maps driver buffer memory into the process
type Mapper interface {
	Map(offset, length int) ([]byte, error)
	Unmap(mem []byte) error
}

// VideoBuf is one fixed-size memory region backing a frame. The memory never moves
// for the lifetime of the buffer and is released when the last holder calls Release.
type VideoBuf struct {
	fd     int
	dmaFd  int
	length int
	used   int
	mem    []byte
	unmap  func([]byte) error

	refs atomic.Int32
}

// NewMapped maps length bytes at offset of the device behind m. dmaFd is the exported
// DMA-BUF handle or -1.
func NewMapped(m Mapper, fd, length, offset, dmaFd int) (*VideoBuf, error) {
	mem, err := m.Map(offset, length)
	if err != nil {
		return nil, fmt.Errorf("map buffer at %d: %w", offset, err)
	}
	if len(mem) < length {
		m.Unmap(mem)
		return nil, fmt.Errorf("map buffer at %d: got %d of %d bytes", offset, len(mem), length)
	}
	b := &VideoBuf{
		fd:     fd,
		dmaFd:  dmaFd,
		length: length,
		mem:    mem[:length],
		unmap:  m.Unmap,
	}
	b.refs.Store(1)
	return b, nil
}

// NewHeap allocates a buffer in process memory
func NewHeap(length int) *VideoBuf {
	b := &VideoBuf{
		fd:     v4l2.HeapFD,
		dmaFd:  -1,
		length: length,
		mem:    make([]byte, length),
	}
	b.refs.Store(1)
	return b
}

// Ref adds a holder
func (b *VideoBuf) Ref() *VideoBuf {
	if b.refs.Add(1) <= 1 {
		panic("videobuf: Ref on released buffer")
	}
	return b
}

// Release drops a holder; the last one unmaps or frees the memory
func (b *VideoBuf) Release() {
	n := b.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		log.Printf("Warning: videobuf: buffer released %d times too often", -n)
		return
	}

	if b.unmap != nil {
		if err := b.unmap(b.mem); err != nil {
			log.Printf("Warning: videobuf: unmap %d bytes: %v", b.length, err)
		}
	}
	if b.dmaFd >= 0 {
		if err := closeFd(b.dmaFd); err != nil {
			log.Printf("Warning: videobuf: close dmabuf %d: %v", b.dmaFd, err)
		}
		b.dmaFd = -1
	}
	b.mem = nil
}

// Refs returns the number of holders
func (b *VideoBuf) Refs() int {
	return int(b.refs.Load())
}

// Data returns the whole memory region
func (b *VideoBuf) Data() []byte { return b.mem }

// Length returns the capacity in bytes
func (b *VideoBuf) Length() int { return b.length }

// BytesUsed returns the payload size of the current frame
func (b *VideoBuf) BytesUsed() int { return b.used }

// SetBytesUsed records the payload size
func (b *VideoBuf) SetBytesUsed(n int) error {
	if n < 0 || n > b.length {
		return fmt.Errorf("bytes used %d out of range [0, %d]", n, b.length)
	}
	b.used = n
	return nil
}

// Fd returns the source device descriptor, or v4l2.HeapFD for heap buffers
func (b *VideoBuf) Fd() int { return b.fd }

// DMAFd returns the exported DMA-BUF handle, or -1
func (b *VideoBuf) DMAFd() int { return b.dmaFd }

// IsHeap reports whether the memory was allocated in process memory
func (b *VideoBuf) IsHeap() bool { return b.fd == v4l2.HeapFD }

// Sync flushes CPU caches for the DMA-BUF on platforms that need it
func (b *VideoBuf) Sync() {
	if b.dmaFd < 0 {
		return
	}
	if err := dmaSync(b.dmaFd); err != nil {
		log.Printf("Warning: videobuf: dmabuf sync fd %d: %v", b.dmaFd, err)
	}
}

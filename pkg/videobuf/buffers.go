package videobuf

import (
	"errors"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/video-system/go-vision-pipeline/pkg/v4l2"
)

// DefaultCount is the pool size used when none is requested
const DefaultCount = 4

// maxDrainTimeouts bounds consecutive dequeue timeouts while draining
const maxDrainTimeouts = 3

var (
	// ErrIndexOutOfRange is returned for buffer indexes outside the pool
	ErrIndexOutOfRange = errors.New("videobuf: index out of range")
	// ErrOutputNeedsDescriptor is returned by QBuf on output pools, which must pass bytes used
	ErrOutputNeedsDescriptor = errors.New("videobuf: output buffers are queued with a descriptor")
	// ErrNoBuffers is returned when the driver grants no buffers
	ErrNoBuffers = errors.New("videobuf: driver granted no buffers")
	// ErrReleased is returned for images whose buffer reference was dropped
	ErrReleased = errors.New("videobuf: image released")
)

// DriverError is a failed driver call on a pool
type DriverError struct {
	Pool  string
	Op    string
	Index int
	Err   error
}

func (e *DriverError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("%s: %s buffer %d: %v", e.Pool, e.Op, e.Index, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Pool, e.Op, e.Err)
}

func (e *DriverError) Unwrap() error { return e.Err }

// Driver is the part of a V4L2 device a buffer pool needs
type Driver interface {
	Mapper
	Fd() int
	RequestBuffers(t v4l2.BufType, mem v4l2.Memory, count int) (int, error)
	QueryBuffer(t v4l2.BufType, mem v4l2.Memory, index int) (v4l2.Buffer, error)
	ExportBuffer(t v4l2.BufType, index int) (int, error)
	QueueBuffer(b *v4l2.Buffer) error
	DequeueBuffer(b *v4l2.Buffer) error
	StreamOff(t v4l2.BufType) error
}

// Buffers is a driver buffer pool of one stream direction. Driver calls are not
// synchronized; the queued count is atomic so the filling and the consuming side
// may each run on their own goroutine.
type Buffers struct {
	name   string
	dev    Driver
	typ    v4l2.BufType
	memory v4l2.Memory
	bufs   []*VideoBuf

	nqueued atomic.Int32
	closed  bool
}

// New requests count buffers of type t and maps them. Heap devices get process memory.
func New(name string, dev Driver, t v4l2.BufType, count int) (*Buffers, error) {
	if count <= 0 {
		count = DefaultCount
	}

	memory := v4l2.MemoryMMAP
	if dev.Fd() == v4l2.HeapFD {
		memory = v4l2.MemoryUserPtr
	}

	granted, err := dev.RequestBuffers(t, memory, count)
	if err != nil {
		return nil, &DriverError{Pool: name, Op: "request", Index: -1, Err: err}
	}
	if granted == 0 {
		return nil, &DriverError{Pool: name, Op: "request", Index: -1, Err: ErrNoBuffers}
	}
	if granted != count {
		log.Printf("[%s] Driver granted %d of %d buffers", name, granted, count)
	}

	p := &Buffers{
		name:   name,
		dev:    dev,
		typ:    t,
		memory: memory,
		bufs:   make([]*VideoBuf, 0, granted),
	}

	for i := 0; i < granted; i++ {
		vb, err := p.allocate(i)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.bufs = append(p.bufs, vb)
	}

	return p, nil
}

func (p *Buffers) allocate(index int) (*VideoBuf, error) {
	desc, err := p.dev.QueryBuffer(p.typ, p.memory, index)
	if err != nil {
		return nil, &DriverError{Pool: p.name, Op: "query", Index: index, Err: err}
	}

	if p.memory == v4l2.MemoryUserPtr {
		return NewHeap(int(desc.Length)), nil
	}

	dmaFd, err := p.dev.ExportBuffer(p.typ, index)
	if err != nil {
		if !errors.Is(err, v4l2.ErrNotSupported) {
			log.Printf("[%s] Warning: export buffer %d: %v", p.name, index, err)
		}
		dmaFd = -1
	}

	vb, err := NewMapped(p.dev, p.dev.Fd(), int(desc.Length), int(desc.Offset), dmaFd)
	if err != nil {
		if dmaFd >= 0 {
			closeFd(dmaFd)
		}
		return nil, &DriverError{Pool: p.name, Op: "map", Index: index, Err: err}
	}
	return vb, nil
}

// Name returns the pool name used in errors and logs
func (p *Buffers) Name() string { return p.name }

// Type returns the buffer type of the pool
func (p *Buffers) Type() v4l2.BufType { return p.typ }

// Memory returns the memory model of the pool
func (p *Buffers) Memory() v4l2.Memory { return p.memory }

// Size returns the number of buffers
func (p *Buffers) Size() int { return len(p.bufs) }

// NQueued returns the number of buffers owned by the driver
func (p *Buffers) NQueued() int { return int(p.nqueued.Load()) }

// Get returns buffer index without touching queue state
func (p *Buffers) Get(index int) (*VideoBuf, error) {
	if index < 0 || index >= len(p.bufs) {
		return nil, fmt.Errorf("%s: buffer %d of %d: %w", p.name, index, len(p.bufs), ErrIndexOutOfRange)
	}
	return p.bufs[index], nil
}

// QBuf hands a capture buffer to the driver for filling
func (p *Buffers) QBuf(index int) error {
	if p.typ.IsOutput() {
		return ErrOutputNeedsDescriptor
	}
	return p.queue(&v4l2.Buffer{Index: uint32(index)})
}

// QBufDesc hands a buffer to the driver with caller metadata such as bytes used
func (p *Buffers) QBufDesc(desc *v4l2.Buffer) error {
	return p.queue(desc)
}

func (p *Buffers) queue(desc *v4l2.Buffer) error {
	index := int(desc.Index)
	vb, err := p.Get(index)
	if err != nil {
		return err
	}
	if int(desc.BytesUsed) > vb.Length() {
		return fmt.Errorf("%s: buffer %d: bytes used %d exceeds length %d", p.name, index, desc.BytesUsed, vb.Length())
	}

	desc.Type = p.typ
	desc.Memory = p.memory
	desc.Length = uint32(vb.Length())
	if p.memory == v4l2.MemoryUserPtr {
		desc.UserPtr = vb.Data()
	}
	if p.typ.IsOutput() {
		vb.SetBytesUsed(int(desc.BytesUsed))
	}

	if err := p.dev.QueueBuffer(desc); err != nil {
		return &DriverError{Pool: p.name, Op: "queue", Index: index, Err: err}
	}
	p.nqueued.Add(1)
	return nil
}

// QBufAll queues every buffer
func (p *Buffers) QBufAll() error {
	for i := range p.bufs {
		if err := p.queue(&v4l2.Buffer{Index: uint32(i)}); err != nil {
			return err
		}
	}
	return nil
}

// QBufAllButOne queues every buffer except index
func (p *Buffers) QBufAllButOne(index int) error {
	if index < 0 || index >= len(p.bufs) {
		return fmt.Errorf("%s: buffer %d of %d: %w", p.name, index, len(p.bufs), ErrIndexOutOfRange)
	}
	for i := range p.bufs {
		if i == index {
			continue
		}
		if err := p.queue(&v4l2.Buffer{Index: uint32(i)}); err != nil {
			return err
		}
	}
	return nil
}

// DQBuf waits for the driver to return a buffer and fills desc with its index and metadata.
// A poll timeout returns an error matching v4l2.ErrTimeout and leaves the pool unchanged.
func (p *Buffers) DQBuf(desc *v4l2.Buffer) error {
	desc.Type = p.typ
	desc.Memory = p.memory
	if err := p.dev.DequeueBuffer(desc); err != nil {
		if errors.Is(err, v4l2.ErrTimeout) {
			return err
		}
		return &DriverError{Pool: p.name, Op: "dequeue", Index: -1, Err: err}
	}
	p.nqueued.Add(-1)

	index := int(desc.Index)
	if index >= len(p.bufs) {
		return &DriverError{Pool: p.name, Op: "dequeue", Index: index, Err: ErrIndexOutOfRange}
	}
	vb := p.bufs[index]
	if err := vb.SetBytesUsed(int(desc.BytesUsed)); err != nil {
		return &DriverError{Pool: p.name, Op: "dequeue", Index: index, Err: err}
	}
	if !p.typ.IsOutput() {
		vb.Sync()
	}
	return nil
}

// DQBufAll dequeues every outstanding buffer. It gives up after a few consecutive timeouts.
func (p *Buffers) DQBufAll() error {
	timeouts := 0
	for p.NQueued() > 0 {
		var desc v4l2.Buffer
		err := p.DQBuf(&desc)
		if err == nil {
			timeouts = 0
			continue
		}
		if !errors.Is(err, v4l2.ErrTimeout) {
			return err
		}
		timeouts++
		if timeouts >= maxDrainTimeouts {
			return fmt.Errorf("%s: drain with %d buffers queued: %w", p.name, p.NQueued(), err)
		}
	}
	return nil
}

// StreamOff stops the stream; the driver gives every queued buffer back
func (p *Buffers) StreamOff() error {
	if err := p.dev.StreamOff(p.typ); err != nil {
		return &DriverError{Pool: p.name, Op: "streamoff", Index: -1, Err: err}
	}
	p.nqueued.Store(0)
	return nil
}

// Close drops the pool's reference on every buffer and frees the driver allocation
func (p *Buffers) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true

	for _, vb := range p.bufs {
		vb.Release()
	}
	p.bufs = nil
	p.nqueued.Store(0)

	if _, err := p.dev.RequestBuffers(p.typ, p.memory, 0); err != nil {
		return &DriverError{Pool: p.name, Op: "free", Index: -1, Err: err}
	}
	return nil
}

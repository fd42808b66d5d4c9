package v4l2

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/video-system/go-vision-pipeline/pkg/format"
)

// LoopbackConfig configures a software device
type LoopbackConfig struct {
	Name        string
	Output      bool
	Multiplanar bool
	// Heap devices take process memory (USERPTR) and report HeapFD.
	Heap       bool
	MaxBuffers int
	// Interval paces capture frames; zero delivers as soon as a buffer is queued.
	Interval time.Duration
	Timeout  time.Duration
	// Formats lists accepted pixel formats; others are adjusted to the first entry.
	Formats []format.FourCC
	NoCrop  bool

	// Fill produces one capture frame and returns the bytes used. It runs with the device locked.
	Fill func(frame []byte, seq uint32) int
	// Sink consumes one output frame.
	Sink func(frame []byte, b Buffer)
}

type slotState int

const (
	slotIdle slotState = iota
	slotQueued
	slotDone
)

type loopSlot struct {
	mem    []byte
	offset int
	state  slotState
	desc   Buffer
}

var loopbackFds atomic.Int32

var _ Device = (*Loopback)(nil)

// Loopback is an in-memory V4L2 device. Capture loopbacks produce frames with Fill;
// output loopbacks hand every queued frame to Sink and then make it dequeueable.
type Loopback struct {
	cfg   LoopbackConfig
	fd    int
	caps  Capability
	typ   BufType
	start time.Time

	mu        sync.Mutex
	wake      chan struct{}
	memory    Memory
	pix       PixFormat
	crop      format.Rect
	fps       int
	controls  map[uint32]int32
	slots     []*loopSlot
	pending   []int
	done      []int
	streaming bool
	sequence  uint32
	nextFrame time.Time
	failNext  error
	sunk      int
	closed    bool
}

// NewLoopback creates a software device
func NewLoopback(cfg LoopbackConfig) *Loopback {
	if cfg.Name == "" {
		cfg.Name = "loopback"
	}
	if cfg.MaxBuffers <= 0 {
		cfg.MaxBuffers = 32
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 100 * time.Millisecond
	}

	var caps uint32
	var typ BufType
	switch {
	case cfg.Output && cfg.Multiplanar:
		caps, typ = CapVideoOutputMPlane, BufTypeVideoOutputMPlane
	case cfg.Output:
		caps, typ = CapVideoOutput, BufTypeVideoOutput
	case cfg.Multiplanar:
		caps, typ = CapVideoCaptureMPlane, BufTypeVideoCaptureMPlane
	default:
		caps, typ = CapVideoCapture, BufTypeVideoCapture
	}
	caps |= CapStreaming

	fd := HeapFD
	if !cfg.Heap {
		fd = 1000 + int(loopbackFds.Add(1))
	}

	return &Loopback{
		cfg: cfg,
		fd:  fd,
		caps: Capability{
			Driver:       "loopback",
			Card:         cfg.Name,
			BusInfo:      "platform:loopback",
			Version:      0x00060000,
			Capabilities: caps | CapDeviceCaps,
			DeviceCaps:   caps,
		},
		typ:      typ,
		start:    time.Now(),
		wake:     make(chan struct{}),
		controls: make(map[uint32]int32),
	}
}

func (l *Loopback) Name() string           { return l.cfg.Name }
func (l *Loopback) Fd() int                { return l.fd }
func (l *Loopback) Capability() Capability { return l.caps }

// broadcast wakes every waiter; the caller holds mu
func (l *Loopback) broadcast() {
	close(l.wake)
	l.wake = make(chan struct{})
}

func (l *Loopback) checkType(t BufType) error {
	if l.closed {
		return ErrClosed
	}
	if t != l.typ {
		return fmt.Errorf("%w: buffer type %s on %s device", ErrInvalid, t, l.typ)
	}
	return nil
}

func (l *Loopback) accepts(f format.FourCC) bool {
	if len(l.cfg.Formats) == 0 {
		return true
	}
	for _, ok := range l.cfg.Formats {
		if ok == f {
			return true
		}
	}
	return false
}

// SetFormat adjusts unsupported pixel formats to the first supported one, like a driver would
func (l *Loopback) SetFormat(t BufType, pix PixFormat) (PixFormat, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkType(t); err != nil {
		return PixFormat{}, err
	}
	if len(l.slots) > 0 {
		return PixFormat{}, fmt.Errorf("set format: %w", ErrBusy)
	}
	if pix.Width == 0 || pix.Height == 0 {
		return PixFormat{}, fmt.Errorf("set format %dx%d: %w", pix.Width, pix.Height, ErrInvalid)
	}

	if !l.accepts(pix.PixelFormat) {
		pix.PixelFormat = l.cfg.Formats[0]
	}
	f := format.New(pix.PixelFormat, int(pix.Width), int(pix.Height), 0)
	pix.Field = FieldNone
	pix.BytesPerLine = uint32(int(pix.Width) * pix.PixelFormat.BitsPerPixel() / 8)
	pix.SizeImage = uint32(f.FrameSize())

	l.pix = pix
	return pix, nil
}

func (l *Loopback) SetFrameRate(t BufType, fps int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkType(t); err != nil {
		return err
	}
	l.fps = fps
	return nil
}

func (l *Loopback) SetCrop(t BufType, r format.Rect) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkType(t); err != nil {
		return err
	}
	if l.cfg.NoCrop {
		return fmt.Errorf("set crop: %w", ErrNotSupported)
	}
	l.crop = r
	return nil
}

func (l *Loopback) SetControl(id uint32, value int32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.controls[id] = value
	return nil
}

// Control returns the last value set for a control
func (l *Loopback) Control(id uint32) (int32, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.controls[id]
	return v, ok
}

// Crop returns the active crop rectangle
func (l *Loopback) Crop() format.Rect {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.crop
}

// FrameRate returns the configured frame rate
func (l *Loopback) FrameRate() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fps
}

func (l *Loopback) RequestBuffers(t BufType, mem Memory, count int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkType(t); err != nil {
		return 0, err
	}
	if l.streaming {
		return 0, fmt.Errorf("request buffers: %w", ErrBusy)
	}
	want := MemoryMMAP
	if l.cfg.Heap {
		want = MemoryUserPtr
	}
	if mem != want {
		return 0, fmt.Errorf("request buffers: %w: memory %d", ErrInvalid, mem)
	}

	l.slots = nil
	l.pending = nil
	l.done = nil
	if count == 0 {
		return 0, nil
	}
	if l.pix.SizeImage == 0 {
		return 0, fmt.Errorf("request buffers: %w: format not set", ErrInvalid)
	}
	if count > l.cfg.MaxBuffers {
		count = l.cfg.MaxBuffers
	}

	l.memory = mem
	size := int(l.pix.SizeImage)
	stride := (size + 4095) &^ 4095
	l.slots = make([]*loopSlot, count)
	for i := range l.slots {
		s := &loopSlot{offset: i * stride}
		if mem == MemoryMMAP {
			s.mem = make([]byte, size)
		}
		l.slots[i] = s
	}
	return count, nil
}

func (l *Loopback) QueryBuffer(t BufType, mem Memory, index int) (Buffer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkType(t); err != nil {
		return Buffer{}, err
	}
	if index < 0 || index >= len(l.slots) {
		return Buffer{}, fmt.Errorf("query buffer %d: %w", index, ErrInvalid)
	}
	s := l.slots[index]
	return Buffer{
		Index:  uint32(index),
		Type:   t,
		Memory: l.memory,
		Flags:  l.flags(s),
		Offset: uint32(s.offset),
		Length: l.pix.SizeImage,
	}, nil
}

func (l *Loopback) flags(s *loopSlot) uint32 {
	var f uint32
	if l.memory == MemoryMMAP {
		f |= BufFlagMapped
	}
	switch s.state {
	case slotQueued:
		f |= BufFlagQueued
	case slotDone:
		f |= BufFlagDone
	}
	return f
}

func (l *Loopback) ExportBuffer(t BufType, index int) (int, error) {
	return -1, fmt.Errorf("export buffer %d: %w", index, ErrNotSupported)
}

// Map returns the device memory at offset; every mapping shares it
func (l *Loopback) Map(offset, length int) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.memory != MemoryMMAP {
		return nil, fmt.Errorf("map: %w: not an mmap device", ErrInvalid)
	}
	for _, s := range l.slots {
		if s.offset == offset {
			if length > len(s.mem) {
				return nil, fmt.Errorf("map offset %d length %d: %w", offset, length, ErrInvalid)
			}
			return s.mem[:length:length], nil
		}
	}
	return nil, fmt.Errorf("map offset %d: %w", offset, ErrInvalid)
}

func (l *Loopback) Unmap(mem []byte) error {
	return nil
}

func (l *Loopback) QueueBuffer(b *Buffer) error {
	l.mu.Lock()

	if err := l.checkType(b.Type); err != nil {
		l.mu.Unlock()
		return err
	}
	if int(b.Index) >= len(l.slots) {
		l.mu.Unlock()
		return fmt.Errorf("queue buffer %d: %w", b.Index, ErrInvalid)
	}
	s := l.slots[b.Index]
	if s.state != slotIdle {
		l.mu.Unlock()
		return fmt.Errorf("queue buffer %d: %w: already queued", b.Index, ErrInvalid)
	}
	if l.memory == MemoryUserPtr {
		if len(b.UserPtr) < int(l.pix.SizeImage) {
			l.mu.Unlock()
			return fmt.Errorf("queue buffer %d: %w: user buffer too small", b.Index, ErrInvalid)
		}
		s.mem = b.UserPtr
	}
	if l.typ.IsOutput() && int(b.BytesUsed) > len(s.mem) {
		l.mu.Unlock()
		return fmt.Errorf("queue buffer %d: %w: bytesused %d", b.Index, ErrInvalid, b.BytesUsed)
	}

	s.state = slotQueued
	s.desc = Buffer{
		Index:     b.Index,
		Type:      b.Type,
		Memory:    l.memory,
		BytesUsed: b.BytesUsed,
		Flags:     b.Flags &^ (BufFlagQueued | BufFlagDone),
		Field:     b.Field,
		Offset:    uint32(s.offset),
		Length:    l.pix.SizeImage,
	}

	if l.typ.IsOutput() && l.streaming {
		l.mu.Unlock()
		l.consume([]int{int(b.Index)})
		return nil
	}
	l.pending = append(l.pending, int(b.Index))
	l.broadcast()
	l.mu.Unlock()
	return nil
}

// consume hands output frames to the sink outside the lock
func (l *Loopback) consume(indexes []int) {
	for _, i := range indexes {
		l.mu.Lock()
		if i >= len(l.slots) || l.slots[i].state != slotQueued {
			l.mu.Unlock()
			continue
		}
		s := l.slots[i]
		desc := s.desc
		desc.Sequence = l.sequence
		desc.Timestamp = time.Since(l.start)
		l.sequence++
		frame := s.mem[:desc.BytesUsed]
		sink := l.cfg.Sink
		l.mu.Unlock()

		if sink != nil {
			sink(frame, desc)
		}

		l.mu.Lock()
		// StreamOff may have reclaimed the slot while the sink ran.
		if i < len(l.slots) && l.slots[i] == s && s.state == slotQueued {
			s.state = slotDone
			s.desc = desc
			l.done = append(l.done, i)
			l.sunk++
			l.broadcast()
		}
		l.mu.Unlock()
	}
}

func (l *Loopback) DequeueBuffer(b *Buffer) error {
	deadline := time.Now().Add(l.cfg.Timeout)

	l.mu.Lock()
	for {
		if err := l.checkType(b.Type); err != nil {
			l.mu.Unlock()
			return err
		}
		if l.failNext != nil {
			err := l.failNext
			l.failNext = nil
			l.mu.Unlock()
			return err
		}
		if !l.streaming {
			l.mu.Unlock()
			return fmt.Errorf("dequeue buffer: %w: not streaming", ErrInvalid)
		}

		now := time.Now()
		wait := deadline.Sub(now)
		if l.typ.IsOutput() {
			if len(l.done) > 0 {
				l.popDone(b)
				l.mu.Unlock()
				return nil
			}
		} else if len(l.pending) > 0 {
			if l.cfg.Interval <= 0 || !now.Before(l.nextFrame) {
				l.fill(b, now)
				l.mu.Unlock()
				return nil
			}
			if d := l.nextFrame.Sub(now); d < wait {
				wait = d
			}
		}

		if deadline.Sub(now) <= 0 {
			l.mu.Unlock()
			return ErrTimeout
		}

		wake := l.wake
		l.mu.Unlock()
		timer := time.NewTimer(wait)
		select {
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
		l.mu.Lock()
	}
}

func (l *Loopback) popDone(b *Buffer) {
	i := l.done[0]
	l.done = l.done[1:]
	s := l.slots[i]
	s.state = slotIdle
	*b = s.desc
	b.Flags |= BufFlagDone
	if l.memory == MemoryUserPtr {
		b.UserPtr = s.mem
	}
}

func (l *Loopback) fill(b *Buffer, now time.Time) {
	i := l.pending[0]
	l.pending = l.pending[1:]
	s := l.slots[i]

	n := len(s.mem)
	if l.cfg.Fill != nil {
		n = l.cfg.Fill(s.mem, l.sequence)
		if n < 0 || n > len(s.mem) {
			n = len(s.mem)
		}
	} else {
		pattern := byte(l.sequence)
		for j := range s.mem {
			s.mem[j] = pattern
		}
	}

	s.state = slotIdle
	*b = s.desc
	b.BytesUsed = uint32(n)
	b.Flags |= BufFlagDone
	b.Field = FieldNone
	b.Sequence = l.sequence
	b.Timestamp = now.Sub(l.start)
	if l.memory == MemoryUserPtr {
		b.UserPtr = s.mem
	}
	l.sequence++
	if l.cfg.Interval > 0 {
		if l.nextFrame.IsZero() || now.Sub(l.nextFrame) > l.cfg.Interval {
			l.nextFrame = now
		}
		l.nextFrame = l.nextFrame.Add(l.cfg.Interval)
	}
}

func (l *Loopback) StreamOn(t BufType) error {
	l.mu.Lock()
	if err := l.checkType(t); err != nil {
		l.mu.Unlock()
		return err
	}
	if len(l.slots) == 0 {
		l.mu.Unlock()
		return fmt.Errorf("stream on: %w: no buffers", ErrInvalid)
	}
	if l.streaming {
		l.mu.Unlock()
		return nil
	}
	l.streaming = true
	l.sequence = 0
	l.nextFrame = time.Time{}
	l.broadcast()

	var queued []int
	if l.typ.IsOutput() {
		queued = l.pending
		l.pending = nil
	}
	l.mu.Unlock()

	l.consume(queued)
	return nil
}

// StreamOff returns every queued buffer to the application
func (l *Loopback) StreamOff(t BufType) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkType(t); err != nil {
		return err
	}
	l.streaming = false
	for _, s := range l.slots {
		s.state = slotIdle
	}
	l.pending = nil
	l.done = nil
	l.broadcast()
	return nil
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.streaming = false
	l.slots = nil
	l.pending = nil
	l.done = nil
	l.broadcast()
	return nil
}

// FailNext makes the next DequeueBuffer return err
func (l *Loopback) FailNext(err error) {
	l.mu.Lock()
	l.failNext = err
	l.broadcast()
	l.mu.Unlock()
}

// Queued returns the number of buffers owned by the device
func (l *Loopback) Queued() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range l.slots {
		if s.state != slotIdle {
			n++
		}
	}
	return n
}

// Sunk returns the number of output frames handed to the sink
func (l *Loopback) Sunk() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sunk
}

// Streaming reports whether the stream is on
func (l *Loopback) Streaming() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.streaming
}

// Format returns the negotiated format
func (l *Loopback) Format() PixFormat {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pix
}

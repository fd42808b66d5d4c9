package output

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/video-system/go-vision-pipeline/pkg/capture"
	"github.com/video-system/go-vision-pipeline/pkg/format"
	"github.com/video-system/go-vision-pipeline/pkg/v4l2"
	"github.com/video-system/go-vision-pipeline/pkg/videobuf"
)

// DeviceOutput streams frames to a V4L2 output device. Slots that were never queued
// are handed out first; after that Get reclaims displayed buffers from the driver.
type DeviceOutput struct {
	cfg  Config
	kind string
	dev  v4l2.Device
	typ  v4l2.BufType

	opMu sync.Mutex

	mu      sync.Mutex
	state   capture.State
	format  format.Format
	bufs    *videobuf.Buffers
	free    []int
	session string

	streaming atomic.Bool
	sent      atomic.Uint64
	recycled  atomic.Uint64
}

// NewDeviceOutput wraps an opened output device
func NewDeviceOutput(kind string, dev v4l2.Device, cfg Config) (*DeviceOutput, error) {
	cfg.setDefaults(kind)

	caps := dev.Capability()
	typ, err := caps.OutputType()
	if err != nil {
		return nil, fmt.Errorf("open output %s: %w", cfg.ID, err)
	}

	log.Printf("[%s] Opened %s output %s (driver %s, card %q, %s)",
		cfg.ID, kind, dev.Name(), caps.Driver, caps.Card, typ)

	return &DeviceOutput{
		cfg:   cfg,
		kind:  kind,
		dev:   dev,
		typ:   typ,
		state: capture.StateOpened,
	}, nil
}

func (o *DeviceOutput) Name() string { return o.cfg.ID }
func (o *DeviceOutput) Type() string { return o.kind }

// Device returns the underlying device
func (o *DeviceOutput) Device() v4l2.Device { return o.dev }

// SetFormat negotiates the output format and allocates the pool
func (o *DeviceOutput) SetFormat(f format.Format) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	state := o.state
	if state != capture.StateOpened && state != capture.StateFormatSet {
		o.mu.Unlock()
		return fmt.Errorf("set format in state %s: %w", state, capture.ErrState)
	}
	old := o.bufs
	o.bufs = nil
	o.free = nil
	o.session = ""
	o.mu.Unlock()

	configErr := func(err error) error {
		o.mu.Lock()
		o.state = capture.StateOpened
		o.mu.Unlock()
		return &capture.ConfigError{Device: o.cfg.ID, Format: f, Err: err}
	}

	if old != nil {
		if err := old.Close(); err != nil {
			log.Printf("[%s] Warning: free buffers: %v", o.cfg.ID, err)
		}
	}
	if err := f.Validate(); err != nil {
		return configErr(err)
	}

	pix, err := o.dev.SetFormat(o.typ, v4l2.PixFormat{
		Width:       uint32(f.Width),
		Height:      uint32(f.Height),
		PixelFormat: f.PixelFormat,
		SizeImage:   uint32(f.FrameSize()),
	})
	if err != nil {
		return configErr(err)
	}
	if pix.PixelFormat != f.PixelFormat || int(pix.Width) != f.Width || int(pix.Height) != f.Height {
		return configErr(fmt.Errorf("driver selected %s %dx%d instead of %s %dx%d",
			pix.PixelFormat, pix.Width, pix.Height, f.PixelFormat, f.Width, f.Height))
	}
	if f.FPS > 0 {
		if err := o.dev.SetFrameRate(o.typ, f.FPS); err != nil && !errors.Is(err, v4l2.ErrNotSupported) {
			log.Printf("[%s] Warning: set frame rate %d: %v", o.cfg.ID, f.FPS, err)
		}
	}

	bufs, err := videobuf.New(o.cfg.ID, o.dev, o.typ, o.cfg.Buffers)
	if err != nil {
		return configErr(err)
	}

	o.mu.Lock()
	o.bufs = bufs
	o.free = allSlots(bufs.Size())
	o.format = f
	o.state = capture.StateFormatSet
	o.mu.Unlock()

	log.Printf("[%s] Format set: %v (%d buffers of %d bytes)", o.cfg.ID, f, bufs.Size(), pix.SizeImage)
	return nil
}

func allSlots(n int) []int {
	free := make([]int, n)
	for i := range free {
		free[i] = i
	}
	return free
}

func (o *DeviceOutput) StreamOn() error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	state := o.state
	o.mu.Unlock()
	if state != capture.StateFormatSet {
		return fmt.Errorf("stream on in state %s: %w", state, capture.ErrState)
	}
	if err := o.dev.StreamOn(o.typ); err != nil {
		return fmt.Errorf("stream on %s: %w", o.cfg.ID, err)
	}

	o.mu.Lock()
	o.state = capture.StateStreaming
	o.session = uuid.NewString()
	o.streaming.Store(true)
	o.mu.Unlock()

	log.Printf("[%s] Output started", o.cfg.ID)
	return nil
}

// Get returns an empty buffer for the next frame. ErrNoFrame means the driver is
// still holding every buffer after cfg.Timeout.
func (o *DeviceOutput) Get(ctx context.Context) (*videobuf.RawImage, error) {
	if !o.streaming.Load() {
		return nil, capture.ErrAborted
	}

	o.mu.Lock()
	bufs, f, session := o.bufs, o.format, o.session
	if bufs == nil {
		o.mu.Unlock()
		return nil, capture.ErrAborted
	}
	if n := len(o.free); n > 0 {
		index := o.free[n-1]
		o.free = o.free[:n-1]
		o.mu.Unlock()
		return o.image(bufs, f, session, index)
	}
	o.mu.Unlock()

	deadline := time.Now().Add(o.cfg.Timeout)
	for {
		var desc v4l2.Buffer
		err := bufs.DQBuf(&desc)
		if err == nil {
			o.recycled.Add(1)
			return o.image(bufs, f, session, int(desc.Index))
		}
		if !errors.Is(err, v4l2.ErrTimeout) {
			if !o.streaming.Load() {
				return nil, capture.ErrAborted
			}
			o.fault("dequeue", err)
			return nil, err
		}
		if !o.streaming.Load() {
			return nil, capture.ErrAborted
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, capture.ErrNoFrame
		}
	}
}

func (o *DeviceOutput) image(bufs *videobuf.Buffers, f format.Format, session string, index int) (*videobuf.RawImage, error) {
	vb, err := bufs.Get(index)
	if err != nil {
		return nil, err
	}
	vb.SetBytesUsed(0)
	img := videobuf.NewRawImage(f, vb, index)
	img.Session = session
	return img, nil
}

// Send queues a filled image for display and invalidates it. An image without a
// payload size is sent as one full frame. An image from a stopped stream is only
// released; StreamOff already reclaimed its slot.
func (o *DeviceOutput) Send(img *videobuf.RawImage) error {
	if !img.Valid() {
		return videobuf.ErrReleased
	}
	index, session, n := img.Index, img.Session, img.BytesUsed()
	if n == 0 {
		n = img.Format().FrameSize()
		if l := img.Buf().Length(); n > l {
			n = l
		}
	}
	img.Release()

	o.mu.Lock()
	bufs := o.bufs
	if session != o.session || bufs == nil {
		o.mu.Unlock()
		return capture.ErrAborted
	}
	if !o.streaming.Load() {
		o.free = append(o.free, index)
		o.mu.Unlock()
		return capture.ErrAborted
	}
	err := bufs.QBufDesc(&v4l2.Buffer{Index: uint32(index), BytesUsed: uint32(n)})
	o.mu.Unlock()

	if err != nil {
		var de *videobuf.DriverError
		if errors.As(err, &de) {
			o.fault("queue", err)
		}
		return err
	}
	o.sent.Add(1)
	return nil
}

func (o *DeviceOutput) fault(op string, err error) {
	o.mu.Lock()
	o.streaming.Store(false)
	if o.state == capture.StateStreaming {
		o.state = capture.StateAborted
	}
	session := o.session
	o.mu.Unlock()

	f := &capture.DriverFault{Device: o.cfg.ID, Session: session, Op: op, Err: err}
	log.Printf("[%s] Driver fault: %v", o.cfg.ID, f)
	o.cfg.OnFault(f)
}

// AbortStream makes Get and Send return ErrAborted
func (o *DeviceOutput) AbortStream() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == capture.StateStreaming {
		o.state = capture.StateAborted
		log.Printf("[%s] Output aborted", o.cfg.ID)
	}
	o.streaming.Store(false)
}

// StreamOff waits for queued frames to be displayed and stops the stream
func (o *DeviceOutput) StreamOff() error {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	return o.streamOff()
}

func (o *DeviceOutput) streamOff() error {
	o.mu.Lock()
	state, bufs := o.state, o.bufs
	o.mu.Unlock()
	if state != capture.StateStreaming && state != capture.StateAborted {
		return nil
	}

	o.AbortStream()

	var result error
	if err := bufs.DQBufAll(); err != nil {
		log.Printf("[%s] Warning: drain: %v", o.cfg.ID, err)
	}
	if err := bufs.StreamOff(); err != nil {
		result = fmt.Errorf("stream off %s: %w", o.cfg.ID, err)
	}

	o.mu.Lock()
	o.free = allSlots(bufs.Size())
	o.session = ""
	o.state = capture.StateFormatSet
	o.mu.Unlock()

	log.Printf("[%s] Output stopped (sent %d, recycled %d)", o.cfg.ID, o.sent.Load(), o.recycled.Load())
	return result
}

func (o *DeviceOutput) Close() error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	closed := o.state == capture.StateClosed
	o.mu.Unlock()
	if closed {
		return nil
	}
	err := o.streamOff()

	o.mu.Lock()
	bufs := o.bufs
	o.bufs = nil
	o.free = nil
	o.state = capture.StateClosed
	o.mu.Unlock()

	if bufs != nil {
		if cerr := bufs.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if cerr := o.dev.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close %s: %w", o.cfg.ID, cerr)
	}
	return err
}

func (o *DeviceOutput) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := Stats{
		ID:       o.cfg.ID,
		Type:     o.kind,
		Device:   o.dev.Name(),
		State:    o.state.String(),
		Sent:     o.sent.Load(),
		Recycled: o.recycled.Load(),
	}
	if o.bufs != nil {
		s.Format = o.format.String()
		s.Buffers = o.bufs.Size()
		s.Queued = o.bufs.NQueued()
	}
	return s
}

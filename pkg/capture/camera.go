package capture

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/video-system/go-vision-pipeline/pkg/format"
	"github.com/video-system/go-vision-pipeline/pkg/v4l2"
	"github.com/video-system/go-vision-pipeline/pkg/videobuf"
)

// State is the camera lifecycle state
type State int

const (
	StateClosed State = iota
	StateOpened
	StateFormatSet
	StateStreaming
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpened:
		return "opened"
	case StateFormatSet:
		return "format-set"
	case StateStreaming:
		return "streaming"
	case StateAborted:
		return "aborted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config holds camera configuration
type Config struct {
	ID      string
	Buffers int
	// Timeout bounds one Get.
	Timeout time.Duration
	// PollTimeout bounds one driver dequeue; used by Open.
	PollTimeout time.Duration
	// Dummy dequeues and requeues without delivering frames.
	Dummy bool
	// PresetControl is the control written with Format.Preset.
	PresetControl uint32
	Executor      Executor
	// OnFault receives mid-stream driver failures. The default logs and panics.
	OnFault func(*DriverFault)
}

func (c *Config) setDefaults(dev v4l2.Device) {
	if c.ID == "" {
		c.ID = dev.Name()
	}
	if c.Buffers <= 0 {
		c.Buffers = videobuf.DefaultCount
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Second
	}
	if c.PresetControl == 0 {
		c.PresetControl = v4l2.CIDSceneMode
	}
	if c.Executor == nil {
		c.Executor = DefaultExecutor
	}
	if c.OnFault == nil {
		c.OnFault = PanicOnFault
	}
}

// PanicOnFault ends the process on a driver fault
func PanicOnFault(f *DriverFault) {
	log.Panicf("[%s] Fatal: %v", f.Device, f)
}

// Stats holds camera counters
type Stats struct {
	ID        string `json:"id" msgpack:"id"`
	Device    string `json:"device" msgpack:"device"`
	State     string `json:"state" msgpack:"state"`
	Session   string `json:"session,omitempty" msgpack:"session,omitempty"`
	Format    string `json:"format,omitempty" msgpack:"format,omitempty"`
	Buffers   int    `json:"buffers" msgpack:"buffers"`
	Queued    int    `json:"queued" msgpack:"queued"`
	Captured  uint64 `json:"captured" msgpack:"captured"`
	Delivered uint64 `json:"delivered" msgpack:"delivered"`
	Dropped   uint64 `json:"dropped" msgpack:"dropped"`
}

// Camera owns a capture device, its buffer pool and the capture goroutine. Frames
// flow through a capacity-one slot where the latest frame wins.
type Camera struct {
	cfg Config
	dev v4l2.Device
	typ v4l2.BufType

	// opMu serializes control operations.
	opMu sync.Mutex

	mu       sync.Mutex
	state    State
	format   format.Format
	bufs     *videobuf.Buffers
	session  string
	loopDone chan struct{}
	// held tracks slots delivered in the current session and not yet returned.
	held map[int]struct{}

	running   atomic.Bool
	streaming atomic.Bool
	slot      *Slot

	captured  atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// Open opens a V4L2 capture device
func Open(path string, cfg Config) (*Camera, error) {
	dev, err := v4l2.Open(path, cfg.PollTimeout)
	if err != nil {
		return nil, err
	}
	c, err := New(dev, cfg)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return c, nil
}

// New wraps an opened device
func New(dev v4l2.Device, cfg Config) (*Camera, error) {
	cfg.setDefaults(dev)

	caps := dev.Capability()
	typ, err := caps.CaptureType()
	if err != nil {
		return nil, fmt.Errorf("open camera %s: %w", cfg.ID, err)
	}

	log.Printf("[%s] Opened %s (driver %s %s, card %q, %s)",
		cfg.ID, dev.Name(), caps.Driver, caps.VersionString(), caps.Card, typ)

	return &Camera{
		cfg:   cfg,
		dev:   dev,
		typ:   typ,
		state: StateOpened,
		slot:  NewSlot(),
	}, nil
}

// ID returns the camera identifier
func (c *Camera) ID() string { return c.cfg.ID }

// Device returns the underlying device
func (c *Camera) Device() v4l2.Device { return c.dev }

// BufType returns the capture buffer type selected for the device
func (c *Camera) BufType() v4l2.BufType { return c.typ }

// State returns the lifecycle state
func (c *Camera) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Format returns the negotiated format
func (c *Camera) Format() format.Format {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.format
}

// SetFormat configures the sensor and allocates the buffer pool. Failures are
// *ConfigError; the camera stays usable for another attempt.
func (c *Camera) SetFormat(f format.Format) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	state := c.state
	if state != StateOpened && state != StateFormatSet {
		c.mu.Unlock()
		return fmt.Errorf("set format in state %s: %w", state, ErrState)
	}
	old := c.bufs
	c.bufs = nil
	c.mu.Unlock()

	configErr := func(err error) error {
		c.setState(StateOpened)
		return &ConfigError{Device: c.cfg.ID, Format: f, Err: err}
	}

	if old != nil {
		if err := old.Close(); err != nil {
			log.Printf("[%s] Warning: free buffers: %v", c.cfg.ID, err)
		}
	}
	if err := f.Validate(); err != nil {
		return configErr(err)
	}

	pix, err := c.dev.SetFormat(c.typ, v4l2.PixFormat{
		Width:       uint32(f.Width),
		Height:      uint32(f.Height),
		PixelFormat: f.PixelFormat,
	})
	if err != nil {
		return configErr(err)
	}
	if pix.PixelFormat != f.PixelFormat {
		return configErr(fmt.Errorf("driver selected %s instead of %s", pix.PixelFormat, f.PixelFormat))
	}
	if int(pix.Width) != f.Width || int(pix.Height) != f.Height {
		log.Printf("[%s] Driver adjusted %dx%d to %dx%d", c.cfg.ID, f.Width, f.Height, pix.Width, pix.Height)
		f.Width, f.Height = int(pix.Width), int(pix.Height)
	}

	if err := c.dev.SetFrameRate(c.typ, f.FPS); err != nil {
		return configErr(err)
	}
	if !f.Crop.Empty() {
		if err := c.dev.SetCrop(c.typ, f.Crop); err != nil {
			return configErr(err)
		}
		if f.Scaled() {
			log.Printf("[%s] Scaling crop %dx%d to %dx%d", c.cfg.ID, f.Crop.Width, f.Crop.Height, f.Width, f.Height)
		}
	}
	if f.Preset != format.NoPreset {
		if err := c.dev.SetControl(c.cfg.PresetControl, int32(f.Preset)); err != nil {
			return configErr(err)
		}
	}

	bufs, err := videobuf.New(c.cfg.ID, c.dev, c.typ, c.cfg.Buffers)
	if err != nil {
		return configErr(err)
	}

	c.mu.Lock()
	c.bufs = bufs
	c.format = f
	c.state = StateFormatSet
	c.mu.Unlock()

	log.Printf("[%s] Format set: %v (%d buffers of %d bytes)", c.cfg.ID, f, bufs.Size(), pix.SizeImage)
	return nil
}

func (c *Camera) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// StreamOn queues every buffer, starts the driver and launches the capture loop
func (c *Camera) StreamOn() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	state, bufs := c.state, c.bufs
	c.mu.Unlock()
	if state != StateFormatSet {
		return fmt.Errorf("stream on in state %s: %w", state, ErrState)
	}

	if err := bufs.QBufAll(); err != nil {
		c.rollback(bufs)
		return fmt.Errorf("stream on %s: %w", c.cfg.ID, err)
	}
	if err := c.dev.StreamOn(c.typ); err != nil {
		c.rollback(bufs)
		return fmt.Errorf("stream on %s: %w", c.cfg.ID, err)
	}

	session := uuid.NewString()
	done := make(chan struct{})

	c.slot.Reset(session)
	c.mu.Lock()
	c.session = session
	c.loopDone = done
	c.held = make(map[int]struct{})
	c.state = StateStreaming
	c.running.Store(true)
	c.streaming.Store(true)
	c.mu.Unlock()

	c.cfg.Executor.Go(c.cfg.ID+"/capture", func() { c.run(bufs, session, done) })

	log.Printf("[%s] Capture started (session %s, dummy %v)", c.cfg.ID, session, c.cfg.Dummy)
	return nil
}

// rollback reclaims buffers queued by a failed StreamOn
func (c *Camera) rollback(bufs *videobuf.Buffers) {
	if err := bufs.StreamOff(); err != nil {
		log.Printf("[%s] Warning: rollback stream off: %v", c.cfg.ID, err)
	}
}

func (c *Camera) run(bufs *videobuf.Buffers, session string, done chan struct{}) {
	defer close(done)

	for c.running.Load() {
		var desc v4l2.Buffer
		err := bufs.DQBuf(&desc)
		if errors.Is(err, v4l2.ErrTimeout) {
			continue
		}
		if err != nil {
			if !c.running.Load() {
				return
			}
			c.fault(session, "dequeue", err)
			return
		}
		c.captured.Add(1)

		if c.cfg.Dummy || !c.streaming.Load() {
			if err := c.requeue(bufs, int(desc.Index)); err != nil {
				c.fault(session, "requeue", err)
				return
			}
			continue
		}

		if stale, replaced := c.slot.Put(desc); replaced {
			c.dropped.Add(1)
			if err := c.requeue(bufs, int(stale.Index)); err != nil {
				c.fault(session, "requeue", err)
				return
			}
		}
	}
}

func (c *Camera) requeue(bufs *videobuf.Buffers, index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running.Load() {
		return nil
	}
	return bufs.QBuf(index)
}

func (c *Camera) fault(session, op string, err error) {
	c.mu.Lock()
	c.running.Store(false)
	c.streaming.Store(false)
	if c.state == StateStreaming {
		c.state = StateAborted
	}
	c.mu.Unlock()
	c.slot.Abort()

	f := &DriverFault{Device: c.cfg.ID, Session: session, Op: op, Err: err}
	log.Printf("[%s] Driver fault: %v", c.cfg.ID, f)
	c.cfg.OnFault(f)
}

// Get waits for the next frame. ErrNoFrame means the wait timed out and the caller
// should try again; ErrAborted means the stream was aborted.
func (c *Camera) Get(ctx context.Context) (*videobuf.RawImage, error) {
	if !c.streaming.Load() {
		return nil, ErrAborted
	}

	fr, err := c.slot.Take(ctx, c.cfg.Timeout)
	if err != nil {
		return nil, err
	}

	// The stream may have been stopped, restarted or closed since Take. A frame
	// from another session is left to that session's StreamOff.
	c.mu.Lock()
	bufs, f, session := c.bufs, c.format, c.session
	if !c.streaming.Load() || bufs == nil {
		c.mu.Unlock()
		return nil, ErrAborted
	}
	if fr.Session != session {
		c.mu.Unlock()
		return nil, ErrNoFrame
	}
	vb, err := bufs.Get(int(fr.Index))
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.held[int(fr.Index)] = struct{}{}
	img := videobuf.NewRawImage(f, vb, int(fr.Index))
	c.mu.Unlock()

	img.Session = session
	img.Sequence = fr.Sequence
	img.Timestamp = fr.Timestamp
	c.delivered.Add(1)
	return img, nil
}

// Done returns the image's buffer to the driver and invalidates the image. Images
// from an earlier session are only released.
func (c *Camera) Done(img *videobuf.RawImage) error {
	if !img.Valid() {
		return nil
	}
	index, imgSession := img.Index, img.Session
	img.Release()

	c.mu.Lock()
	bufs, session := c.bufs, c.session
	if imgSession != session {
		c.mu.Unlock()
		return nil
	}
	_, ok := c.held[index]
	delete(c.held, index)
	if !ok || !c.running.Load() || bufs == nil {
		c.mu.Unlock()
		return nil
	}
	err := bufs.QBuf(index)
	c.mu.Unlock()

	if err != nil {
		c.fault(session, "done", err)
		return err
	}
	return nil
}

// AbortStream wakes waiters with ErrAborted without touching the driver
func (c *Camera) AbortStream() {
	c.mu.Lock()
	if c.state == StateStreaming {
		c.state = StateAborted
		log.Printf("[%s] Capture aborted", c.cfg.ID)
	}
	c.streaming.Store(false)
	c.mu.Unlock()
	c.slot.Abort()
}

// StreamOff stops the capture loop, drains the driver and stops the stream. The
// camera returns to the format-set state.
func (c *Camera) StreamOff() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.streamOff()
}

func (c *Camera) streamOff() error {
	c.mu.Lock()
	state, bufs, done := c.state, c.bufs, c.loopDone
	c.mu.Unlock()
	if state != StateStreaming && state != StateAborted {
		return nil
	}

	c.AbortStream()
	c.mu.Lock()
	c.running.Store(false)
	c.mu.Unlock()
	<-done

	c.slot.Drain()

	var result error
	if err := bufs.DQBufAll(); err != nil {
		log.Printf("[%s] Warning: drain: %v", c.cfg.ID, err)
	}
	if err := bufs.StreamOff(); err != nil {
		result = fmt.Errorf("stream off %s: %w", c.cfg.ID, err)
	}

	c.mu.Lock()
	c.state = StateFormatSet
	c.loopDone = nil
	c.held = nil
	c.mu.Unlock()

	log.Printf("[%s] Capture stopped (captured %d, delivered %d, dropped %d)",
		c.cfg.ID, c.captured.Load(), c.delivered.Load(), c.dropped.Load())
	return result
}

// Close stops streaming, frees the buffers and closes the device
func (c *Camera) Close() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.State() == StateClosed {
		return nil
	}
	err := c.streamOff()

	c.mu.Lock()
	bufs := c.bufs
	c.bufs = nil
	c.state = StateClosed
	c.mu.Unlock()

	if bufs != nil {
		if cerr := bufs.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if cerr := c.dev.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close %s: %w", c.cfg.ID, cerr)
	}
	return err
}

// Stats returns a snapshot of the camera counters
func (c *Camera) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		ID:        c.cfg.ID,
		Device:    c.dev.Name(),
		State:     c.state.String(),
		Session:   c.session,
		Captured:  c.captured.Load(),
		Delivered: c.delivered.Load(),
		Dropped:   c.dropped.Load(),
	}
	if c.bufs != nil {
		s.Format = c.format.String()
		s.Buffers = c.bufs.Size()
		s.Queued = c.bufs.NQueued()
	}
	return s
}

package output

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/video-system/go-vision-pipeline/pkg/capture"
	"github.com/video-system/go-vision-pipeline/pkg/format"
	"github.com/video-system/go-vision-pipeline/pkg/videobuf"
)

// None discards every frame. It owns a single heap buffer that Get hands out repeatedly.
type None struct {
	cfg Config

	mu     sync.Mutex
	state  capture.State
	format format.Format
	buf    *videobuf.VideoBuf

	streaming atomic.Bool
	sent      atomic.Uint64
}

// NewNone creates a discarding output
func NewNone(cfg Config) *None {
	cfg.setDefaults("none")
	return &None{cfg: cfg, state: capture.StateOpened}
}

func (n *None) Name() string { return n.cfg.ID }
func (n *None) Type() string { return "none" }

func (n *None) SetFormat(f format.Format) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != capture.StateOpened && n.state != capture.StateFormatSet {
		return fmt.Errorf("set format in state %s: %w", n.state, capture.ErrState)
	}
	if err := f.Validate(); err != nil {
		return &capture.ConfigError{Device: n.cfg.ID, Format: f, Err: err}
	}
	if n.buf != nil {
		n.buf.Release()
	}
	n.buf = videobuf.NewHeap(f.FrameSize())
	n.format = f
	n.state = capture.StateFormatSet
	return nil
}

func (n *None) StreamOn() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != capture.StateFormatSet {
		return fmt.Errorf("stream on in state %s: %w", n.state, capture.ErrState)
	}
	n.state = capture.StateStreaming
	n.streaming.Store(true)
	return nil
}

// Get returns an image over the single buffer
func (n *None) Get(ctx context.Context) (*videobuf.RawImage, error) {
	if !n.streaming.Load() {
		return nil, capture.ErrAborted
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.buf == nil {
		return nil, capture.ErrAborted
	}
	n.buf.SetBytesUsed(0)
	return videobuf.NewRawImage(n.format, n.buf, 0), nil
}

// Send discards the frame and invalidates the image
func (n *None) Send(img *videobuf.RawImage) error {
	if !img.Valid() {
		return videobuf.ErrReleased
	}
	img.Release()
	n.sent.Add(1)
	return nil
}

func (n *None) AbortStream() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.streaming.Store(false)
	if n.state == capture.StateStreaming {
		n.state = capture.StateAborted
	}
}

func (n *None) StreamOff() error {
	n.AbortStream()
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == capture.StateAborted {
		n.state = capture.StateFormatSet
	}
	return nil
}

func (n *None) Close() error {
	n.StreamOff()
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.buf != nil {
		n.buf.Release()
		n.buf = nil
	}
	n.state = capture.StateClosed
	return nil
}

func (n *None) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := Stats{
		ID:    n.cfg.ID,
		Type:  "none",
		State: n.state.String(),
		Sent:  n.sent.Load(),
	}
	if n.buf != nil {
		s.Format = n.format.String()
		s.Buffers = 1
	}
	return s
}

package output

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/video-system/go-vision-pipeline/internal/ffmpeg"
	"github.com/video-system/go-vision-pipeline/pkg/format"
)

// Frame is one frame handed to a renderer. Data is only valid during Render.
type Frame struct {
	Data      []byte
	Sequence  uint32
	Timestamp time.Duration
}

// Renderer draws frames sent to a gui output
type Renderer interface {
	Name() string
	Open(f format.Format) error
	Render(fr Frame) error
	Close() error
}

// DefaultPreviewQuality is the JPEG quality of preview snapshots
const DefaultPreviewQuality = 75

// Snapshot is a copy of the most recent frame
type Snapshot struct {
	Format    format.Format
	Data      []byte
	Sequence  uint32
	Timestamp time.Duration
	At        time.Time
}

// Preview keeps the latest rendered frame for the HTTP preview
type Preview struct {
	quality int

	mu      sync.Mutex
	format  format.Format
	latest  Snapshot
	ok      bool
	frames  uint64
	updated chan struct{}
}

// NewPreview creates a preview renderer
func NewPreview(quality int) *Preview {
	if quality <= 0 || quality > 100 {
		quality = DefaultPreviewQuality
	}
	return &Preview{quality: quality, updated: make(chan struct{})}
}

func (p *Preview) Name() string { return "preview" }

func (p *Preview) Open(f format.Format) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.format = f
	p.ok = false
	return nil
}

func (p *Preview) Render(fr Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Readers may still hold the previous snapshot.
	data := append([]byte(nil), fr.Data...)

	p.latest = Snapshot{
		Format:    p.format,
		Data:      data,
		Sequence:  fr.Sequence,
		Timestamp: fr.Timestamp,
		At:        time.Now(),
	}
	p.ok = true
	p.frames++
	close(p.updated)
	p.updated = make(chan struct{})
	return nil
}

func (p *Preview) Close() error { return nil }

// Latest returns the most recent frame
func (p *Preview) Latest() (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest, p.ok
}

// Frames returns the number of rendered frames
func (p *Preview) Frames() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames
}

// Updated returns a channel closed by the next Render
func (p *Preview) Updated() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.updated
}

// JPEG encodes the most recent frame
func (p *Preview) JPEG() ([]byte, Snapshot, error) {
	snap, ok := p.Latest()
	if !ok {
		return nil, snap, fmt.Errorf("preview: no frame yet")
	}
	data, err := EncodeJPEG(snap.Data, snap.Format, p.quality)
	return data, snap, err
}

// encoderCloseTimeout bounds how long ffmpeg may take to finish the recording
const encoderCloseTimeout = 30 * time.Second

// Encoder pipes rendered frames into an ffmpeg encoder
type Encoder struct {
	ff  *ffmpeg.FFmpeg
	cfg ffmpeg.EncoderConfig

	mu     sync.Mutex
	proc   *ffmpeg.Process
	frames uint64
}

// NewEncoder creates an encoding renderer; cfg.Format is set on Open
func NewEncoder(cfg ffmpeg.EncoderConfig) (*Encoder, error) {
	ff, err := ffmpeg.New()
	if err != nil {
		return nil, err
	}
	return &Encoder{ff: ff, cfg: cfg}, nil
}

func (e *Encoder) Name() string { return "encoder" }

func (e *Encoder) Open(f format.Format) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.proc != nil {
		return fmt.Errorf("encoder already open")
	}
	cfg := e.cfg
	cfg.Format = f
	proc, err := e.ff.StartEncoder(context.Background(), cfg)
	if err != nil {
		return fmt.Errorf("start encoder: %w", err)
	}
	e.proc = proc
	e.frames = 0
	log.Printf("[encoder] Recording %v to %s", f, cfg.OutputPath)
	return nil
}

func (e *Encoder) Render(fr Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.proc == nil {
		return fmt.Errorf("encoder not open")
	}
	if _, err := e.proc.Write(fr.Data); err != nil {
		return fmt.Errorf("write frame %d: %w", fr.Sequence, err)
	}
	e.frames++
	return nil
}

func (e *Encoder) Close() error {
	e.mu.Lock()
	proc, frames := e.proc, e.frames
	e.proc = nil
	e.mu.Unlock()

	if proc == nil {
		return nil
	}
	if err := proc.CloseTimeout(encoderCloseTimeout); err != nil {
		return err
	}
	log.Printf("[encoder] Recorded %d frames to %s", frames, e.cfg.OutputPath)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if info, err := e.ff.Probe(ctx, e.cfg.OutputPath); err == nil {
		log.Printf("[encoder] %s: %s %dx%d, %d frames, %.2fs",
			e.cfg.OutputPath, info.Codec, info.Width, info.Height, info.Frames, info.Duration)
	}
	return nil
}

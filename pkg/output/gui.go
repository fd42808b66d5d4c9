package output

import (
	"log"
	"sync/atomic"

	"github.com/video-system/go-vision-pipeline/pkg/format"
	"github.com/video-system/go-vision-pipeline/pkg/v4l2"
)

// GUI is an output backed by process memory. Every sent frame is rendered by the
// configured Renderer during the device drain.
type GUI struct {
	*DeviceOutput

	renderer     Renderer
	loop         *v4l2.Loopback
	renderErrors atomic.Uint64
	opened       atomic.Bool
}

// NewGUI creates a heap output that renders through cfg.Renderer
func NewGUI(cfg Config) (*GUI, error) {
	if cfg.ID == "" {
		cfg.ID = "gui"
	}
	g := &GUI{renderer: cfg.Renderer}
	if g.renderer == nil {
		g.renderer = NewPreview(DefaultPreviewQuality)
	}

	g.loop = v4l2.NewLoopback(v4l2.LoopbackConfig{
		Name:    cfg.ID,
		Output:  true,
		Heap:    true,
		Timeout: cfg.PollTimeout,
		Sink:    g.render,
	})

	o, err := NewDeviceOutput("gui", g.loop, cfg)
	if err != nil {
		return nil, err
	}
	g.DeviceOutput = o
	return g, nil
}

// Renderer returns the renderer frames are drawn with
func (g *GUI) Renderer() Renderer { return g.renderer }

func (g *GUI) SetFormat(f format.Format) error {
	if err := g.DeviceOutput.SetFormat(f); err != nil {
		return err
	}
	if g.opened.Load() {
		if err := g.renderer.Close(); err != nil {
			log.Printf("[%s] Warning: close renderer %s: %v", g.cfg.ID, g.renderer.Name(), err)
		}
	}
	if err := g.renderer.Open(f); err != nil {
		g.opened.Store(false)
		return err
	}
	g.opened.Store(true)
	return nil
}

func (g *GUI) render(frame []byte, b v4l2.Buffer) {
	if !g.opened.Load() {
		return
	}
	if err := g.renderer.Render(Frame{
		Data:      frame,
		Sequence:  b.Sequence,
		Timestamp: b.Timestamp,
	}); err != nil {
		if g.renderErrors.Add(1) == 1 {
			log.Printf("[%s] Warning: render: %v", g.cfg.ID, err)
		}
	}
}

func (g *GUI) Close() error {
	err := g.DeviceOutput.Close()
	if g.opened.Swap(false) {
		if cerr := g.renderer.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (g *GUI) Stats() Stats {
	s := g.DeviceOutput.Stats()
	s.RenderErrors = g.renderErrors.Load()
	return s
}

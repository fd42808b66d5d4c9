package output

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/video-system/go-vision-pipeline/pkg/capture"
	"github.com/video-system/go-vision-pipeline/pkg/format"
	"github.com/video-system/go-vision-pipeline/pkg/v4l2"
	"github.com/video-system/go-vision-pipeline/pkg/videobuf"
)

// Output is a video sink. The pipeline fills images obtained with Get and hands
// them back with Send.
type Output interface {
	// Metadata
	Name() string
	Type() string

	// Lifecycle
	SetFormat(f format.Format) error
	StreamOn() error
	AbortStream()
	StreamOff() error
	Close() error

	// Frames
	Get(ctx context.Context) (*videobuf.RawImage, error)
	Send(img *videobuf.RawImage) error

	Stats() Stats
}

// Config holds output configuration
type Config struct {
	ID      string
	Type    string // none, display, gui
	Device  string // display device node
	Buffers int
	// Timeout bounds one Get.
	Timeout     time.Duration
	PollTimeout time.Duration
	// Renderer receives frames sent to a gui output.
	Renderer Renderer
	// Dev replaces the device a display output opens.
	Dev     v4l2.Device
	OnFault func(*capture.DriverFault)
}

func (c *Config) setDefaults(kind string) {
	if c.ID == "" {
		c.ID = kind
	}
	if c.Buffers <= 0 {
		c.Buffers = videobuf.DefaultCount
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Second
	}
	if c.OnFault == nil {
		c.OnFault = capture.PanicOnFault
	}
}

// Stats holds output counters
type Stats struct {
	ID           string `json:"id" msgpack:"id"`
	Type         string `json:"type" msgpack:"type"`
	Device       string `json:"device,omitempty" msgpack:"device,omitempty"`
	State        string `json:"state" msgpack:"state"`
	Format       string `json:"format,omitempty" msgpack:"format,omitempty"`
	Buffers      int    `json:"buffers" msgpack:"buffers"`
	Queued       int    `json:"queued" msgpack:"queued"`
	Sent         uint64 `json:"sent" msgpack:"sent"`
	Recycled     uint64 `json:"recycled" msgpack:"recycled"`
	RenderErrors uint64 `json:"render_errors,omitempty" msgpack:"render_errors,omitempty"`
}

// Factory creates an output from its configuration
type Factory func(cfg Config) (Output, error)

// Registry holds registered output types
var Registry = map[string]Factory{
	"none":    func(cfg Config) (Output, error) { return NewNone(cfg), nil },
	"display": func(cfg Config) (Output, error) { return NewDisplay(cfg) },
	"gui":     func(cfg Config) (Output, error) { return NewGUI(cfg) },
}

// Register registers an output type
func Register(name string, factory Factory) {
	Registry[name] = factory
}

// New creates an output of cfg.Type
func New(cfg Config) (Output, error) {
	factory, ok := Registry[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown output type %q (have %v)", cfg.Type, Types())
	}
	return factory(cfg)
}

// Types lists registered output types
func Types() []string {
	names := make([]string, 0, len(Registry))
	for name := range Registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

package pipeline

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/video-system/go-vision-pipeline/pkg/format"
	"github.com/video-system/go-vision-pipeline/pkg/output"
)

// Config holds all pipeline configuration
type Config struct {
	ID       string         `yaml:"id"`
	Input    InputConfig    `yaml:"input"`
	Fallback *FormatConfig  `yaml:"fallback"` // tried when the input format is rejected
	Output   OutputConfig   `yaml:"output"`
	Module   ModuleConfig   `yaml:"module"`
	History  HistoryConfig  `yaml:"history"`
	API      APIConfig      `yaml:"api"`
	Platform PlatformConfig `yaml:"platform"`
	// FaultPolicy is "panic" (default) or "stop".
	FaultPolicy string `yaml:"fault_policy"`
}

// FormatConfig describes a sensor format
type FormatConfig struct {
	PixelFormat string       `yaml:"pixel_format"` // YUYV, MJPG, NV12, ...
	Resolution  string       `yaml:"resolution"`   // 1280x720
	Framerate   int          `yaml:"framerate"`
	Crop        *format.Rect `yaml:"crop"`
	Preset      *int         `yaml:"preset"`
}

// Format parses the configured format
func (c FormatConfig) Format() (format.Format, error) {
	pix, err := format.ParseFourCC(c.PixelFormat)
	if err != nil {
		return format.Format{}, err
	}
	w, h, err := format.ParseResolution(c.Resolution)
	if err != nil {
		return format.Format{}, err
	}
	f := format.New(pix, w, h, c.Framerate)
	if c.Crop != nil {
		f.Crop = *c.Crop
	}
	if c.Preset != nil {
		f.Preset = *c.Preset
	}
	return f, f.Validate()
}

// InputConfig configures the capture device
type InputConfig struct {
	Device       string `yaml:"device"` // /dev/video0, or "loopback" for a test pattern
	FormatConfig `yaml:",inline"`

	Buffers       int           `yaml:"buffers"`
	Timeout       time.Duration `yaml:"timeout"`      // bound on one frame wait
	PollTimeout   time.Duration `yaml:"poll_timeout"` // bound on one driver dequeue
	Dummy         bool          `yaml:"dummy"`        // dequeue and requeue without processing
	PresetControl uint32        `yaml:"preset_control"`
}

// OutputConfig configures the video sink
type OutputConfig struct {
	Type        string        `yaml:"type"`   // none, display, gui
	Device      string        `yaml:"device"` // display node
	Buffers     int           `yaml:"buffers"`
	Timeout     time.Duration `yaml:"timeout"`
	PollTimeout time.Duration `yaml:"poll_timeout"`

	// gui outputs
	Renderer       string        `yaml:"renderer"` // preview, encoder
	PreviewQuality int           `yaml:"preview_quality"`
	Encoder        EncoderConfig `yaml:"encoder"`
}

// EncoderConfig configures the encoder renderer
type EncoderConfig struct {
	Path    string `yaml:"path"`   // file or URL
	Format  string `yaml:"format"` // container; empty lets ffmpeg pick from the path
	Codec   string `yaml:"codec"`  // libx264, h264_v4l2m2m
	Preset  string `yaml:"preset"`
	Bitrate int    `yaml:"bitrate"` // kbps
	GOP     int    `yaml:"gop"`
}

// ModuleConfig selects the processing module
type ModuleConfig struct {
	Name string `yaml:"name"` // passthrough, invert
}

// HistoryConfig configures the frame history
type HistoryConfig struct {
	Duration   time.Duration `yaml:"duration"`
	MaxRecords int           `yaml:"max_records"`
	Path       string        `yaml:"path"` // index written on shutdown (optional)
}

// APIConfig configures the control API
type APIConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Host    string `yaml:"host"`
}

// IsEnabled reports whether the API should be served; it is on unless disabled
func (c APIConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// PlatformConfig configures agent registration with the video platform
type PlatformConfig struct {
	Enabled   bool          `yaml:"enabled"`
	URL       string        `yaml:"url"`
	APIKey    string        `yaml:"api_key"`
	AgentID   string        `yaml:"agent_id"`
	AgentName string        `yaml:"agent_name"`
	Heartbeat time.Duration `yaml:"heartbeat"`
	// UploadRecording sends the encoder recording to the platform on shutdown.
	UploadRecording bool `yaml:"upload_recording"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration, expands environment variables and fills defaults
func ParseConfig(data []byte) (*Config, error) {
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// SetDefaults fills unset fields
func (c *Config) SetDefaults() {
	if c.ID == "" {
		c.ID = "pipeline"
	}
	if c.Input.Device == "" {
		c.Input.Device = "/dev/video0"
	}
	if c.Input.PixelFormat == "" {
		c.Input.PixelFormat = "YUYV"
	}
	if c.Input.Resolution == "" {
		c.Input.Resolution = "640x480"
	}
	if c.Input.Framerate == 0 {
		c.Input.Framerate = 30
	}
	if c.Input.Timeout == 0 {
		c.Input.Timeout = time.Second
	}
	if c.Output.Type == "" {
		c.Output.Type = "none"
	}
	if c.Output.Type == "gui" && c.Output.Renderer == "" {
		c.Output.Renderer = "preview"
	}
	if c.Module.Name == "" {
		c.Module.Name = "passthrough"
	}
	if c.History.Duration == 0 {
		c.History.Duration = 30 * time.Second
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.FaultPolicy == "" {
		c.FaultPolicy = FaultPanic
	}
	if c.Platform.Heartbeat == 0 {
		c.Platform.Heartbeat = 10 * time.Second
	}
}

// Fault policies
const (
	FaultPanic = "panic"
	FaultStop  = "stop"
)

// Validate checks configuration values
func (c *Config) Validate() error {
	if _, err := c.Input.Format(); err != nil {
		return fmt.Errorf("input format: %w", err)
	}
	if c.Fallback != nil {
		if _, err := c.Fallback.Format(); err != nil {
			return fmt.Errorf("fallback format: %w", err)
		}
	}
	if c.Input.Buffers < 0 || c.Output.Buffers < 0 {
		return fmt.Errorf("buffer count must not be negative")
	}
	if _, ok := output.Registry[c.Output.Type]; !ok {
		return fmt.Errorf("unknown output type %q (have %v)", c.Output.Type, output.Types())
	}
	if c.Output.Type == "display" && c.Output.Device == "" {
		return fmt.Errorf("display output needs a device")
	}
	switch c.Output.Renderer {
	case "", "preview":
	case "encoder":
		if c.Output.Encoder.Path == "" {
			return fmt.Errorf("encoder renderer needs a path")
		}
	default:
		return fmt.Errorf("unknown renderer %q", c.Output.Renderer)
	}
	if _, ok := Modules[c.Module.Name]; !ok {
		return fmt.Errorf("unknown module %q (have %v)", c.Module.Name, ModuleNames())
	}
	if c.FaultPolicy != FaultPanic && c.FaultPolicy != FaultStop {
		return fmt.Errorf("unknown fault policy %q", c.FaultPolicy)
	}
	if c.Platform.Enabled && c.Platform.URL == "" {
		return fmt.Errorf("platform enabled without a url")
	}
	if c.Platform.UploadRecording && c.Output.Renderer != "encoder" {
		return fmt.Errorf("upload_recording needs the encoder renderer")
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("invalid API port %d", c.API.Port)
	}
	return nil
}

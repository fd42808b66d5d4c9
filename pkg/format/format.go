package format

import (
	"fmt"
	"strconv"
	"strings"
)

// FourCC is a V4L2 pixel format code
type FourCC uint32

// Pixel formats used by sensors and sinks in this project
const (
	FourCCYUYV  FourCC = 'Y' | 'U'<<8 | 'Y'<<16 | 'V'<<24
	FourCCUYVY  FourCC = 'U' | 'Y'<<8 | 'V'<<16 | 'Y'<<24
	FourCCNV12  FourCC = 'N' | 'V'<<8 | '1'<<16 | '2'<<24
	FourCCYU12  FourCC = 'Y' | 'U'<<8 | '1'<<16 | '2'<<24
	FourCCRGB24 FourCC = 'R' | 'G'<<8 | 'B'<<16 | '3'<<24
	FourCCBGR24 FourCC = 'B' | 'G'<<8 | 'R'<<16 | '3'<<24
	FourCCGrey  FourCC = 'G' | 'R'<<8 | 'E'<<16 | 'Y'<<24
	FourCCMJPEG FourCC = 'M' | 'J'<<8 | 'P'<<16 | 'G'<<24
	FourCCH264  FourCC = 'H' | '2'<<8 | '6'<<16 | '4'<<24
)

// NewFourCC builds a code from its four characters
func NewFourCC(a, b, c, d byte) FourCC {
	return FourCC(uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24)
}

// ParseFourCC parses a four character code such as "YUYV" or "MJPG"
func ParseFourCC(s string) (FourCC, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	switch s {
	case "MJPEG", "JPEG":
		return FourCCMJPEG, nil
	case "RGB24", "RGB":
		return FourCCRGB24, nil
	case "BGR24", "BGR":
		return FourCCBGR24, nil
	case "GREY", "GRAY":
		return FourCCGrey, nil
	}
	if len(s) != 4 {
		return 0, fmt.Errorf("invalid fourcc %q", s)
	}
	return NewFourCC(s[0], s[1], s[2], s[3]), nil
}

func (f FourCC) String() string {
	b := []byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)}
	for i, c := range b {
		if c < 0x20 || c > 0x7e {
			b[i] = '.'
		}
	}
	return string(b)
}

// IsCompressed reports whether frames have a variable payload size
func (f FourCC) IsCompressed() bool {
	switch f {
	case FourCCMJPEG, FourCCH264:
		return true
	}
	return false
}

// BitsPerPixel returns the average bits per pixel for raw formats, 0 for compressed ones
func (f FourCC) BitsPerPixel() int {
	switch f {
	case FourCCYUYV, FourCCUYVY:
		return 16
	case FourCCNV12, FourCCYU12:
		return 12
	case FourCCRGB24, FourCCBGR24:
		return 24
	case FourCCGrey:
		return 8
	}
	return 0
}

// Rect is a crop rectangle in sensor coordinates
type Rect struct {
	Left   int `yaml:"left" json:"left"`
	Top    int `yaml:"top" json:"top"`
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

// Empty reports whether no crop is requested
func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// NoPreset disables the hardware preset
const NoPreset = -1

// Format is the video format contract between the sensor, the processing module and the sink
type Format struct {
	PixelFormat FourCC
	Width       int
	Height      int
	FPS         int
	// Crop selects a sensor region; the driver scales it to Width x Height.
	Crop   Rect
	Preset int
}

// New returns a format without crop or preset
func New(pix FourCC, width, height, fps int) Format {
	return Format{PixelFormat: pix, Width: width, Height: height, FPS: fps, Preset: NoPreset}
}

// IsZero reports whether the format is unset
func (f Format) IsZero() bool {
	return f.PixelFormat == 0 && f.Width == 0 && f.Height == 0
}

// Scaled reports whether the crop region differs from the output size
func (f Format) Scaled() bool {
	return !f.Crop.Empty() && (f.Crop.Width != f.Width || f.Crop.Height != f.Height)
}

// Validate checks the format is usable for buffer allocation
func (f Format) Validate() error {
	if f.PixelFormat == 0 {
		return fmt.Errorf("pixel format not set")
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid size %dx%d", f.Width, f.Height)
	}
	if f.FPS < 0 {
		return fmt.Errorf("invalid frame rate %d", f.FPS)
	}
	return nil
}

// FrameSize returns the bytes needed for one frame; compressed formats use the raw YUYV bound
func (f Format) FrameSize() int {
	bpp := f.PixelFormat.BitsPerPixel()
	if bpp == 0 {
		bpp = 16
	}
	return f.Width * f.Height * bpp / 8
}

// Resolution returns the size as "WxH"
func (f Format) Resolution() string {
	return fmt.Sprintf("%dx%d", f.Width, f.Height)
}

func (f Format) String() string {
	s := fmt.Sprintf("%s %dx%d@%d", f.PixelFormat, f.Width, f.Height, f.FPS)
	if !f.Crop.Empty() {
		s += fmt.Sprintf(" crop=%d,%d+%dx%d", f.Crop.Left, f.Crop.Top, f.Crop.Width, f.Crop.Height)
	}
	if f.Preset != NoPreset {
		s += fmt.Sprintf(" preset=%d", f.Preset)
	}
	return s
}

// ParseResolution parses sizes like "1920x1080"
func ParseResolution(s string) (width, height int, err error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "x")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid resolution %q", s)
	}
	width, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid resolution width %q: %w", s, err)
	}
	height, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid resolution height %q: %w", s, err)
	}
	if width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("invalid resolution %q", s)
	}
	return width, height, nil
}

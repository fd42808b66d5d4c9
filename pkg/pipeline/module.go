package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/video-system/go-vision-pipeline/pkg/format"
	"github.com/video-system/go-vision-pipeline/pkg/videobuf"
)

// ErrUnsupportedFormat is returned by modules that cannot process a pixel format
var ErrUnsupportedFormat = errors.New("module: unsupported pixel format")

// Module is the processing step between camera and output. Process reads in,
// writes out and records the bytes written with out.SetBytesUsed.
type Module interface {
	Name() string
	// OutputFormat returns the format Process produces for input format in.
	OutputFormat(in format.Format) format.Format
	Process(ctx context.Context, in, out *videobuf.RawImage) error
}

// Modules holds registered processing modules
var Modules = map[string]func() Module{
	"passthrough": func() Module { return Passthrough{} },
	"invert":      func() Module { return Invert{} },
}

// RegisterModule registers a processing module
func RegisterModule(name string, factory func() Module) {
	Modules[name] = factory
}

// ModuleNames lists registered modules
func ModuleNames() []string {
	names := make([]string, 0, len(Modules))
	for name := range Modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Passthrough copies each frame unchanged
type Passthrough struct{}

func (Passthrough) Name() string                                { return "passthrough" }
func (Passthrough) OutputFormat(in format.Format) format.Format { return in }

func (Passthrough) Process(ctx context.Context, in, out *videobuf.RawImage) error {
	src, dst := in.Data(), out.Data()
	if len(src) > len(dst) {
		return fmt.Errorf("passthrough: frame of %d bytes exceeds output buffer of %d", len(src), len(dst))
	}
	n := copy(dst, src)
	return out.SetBytesUsed(n)
}

// Invert writes the 8-bit negative of each sample. Compressed formats are rejected.
type Invert struct{}

func (Invert) Name() string                                { return "invert" }
func (Invert) OutputFormat(in format.Format) format.Format { return in }

func (Invert) Process(ctx context.Context, in, out *videobuf.RawImage) error {
	if in.PixelFormat.IsCompressed() {
		return fmt.Errorf("invert %s: %w", in.PixelFormat, ErrUnsupportedFormat)
	}
	src, dst := in.Data(), out.Data()
	if len(src) > len(dst) {
		return fmt.Errorf("invert: frame of %d bytes exceeds output buffer of %d", len(src), len(dst))
	}
	for i, v := range src {
		dst[i] = ^v
	}
	return out.SetBytesUsed(len(src))
}

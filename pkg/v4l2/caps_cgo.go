//go:build linux && cgo && (amd64 || arm64)

package v4l2

import (
	v4l2lib "github.com/vladimirvivien/go4vl/v4l2"

	"github.com/video-system/go-vision-pipeline/pkg/format"
)

func queryCapability(fd int) (Capability, error) {
	c, err := v4l2lib.GetCapability(uintptr(fd))
	if err != nil {
		return Capability{}, err
	}
	return Capability{
		Driver:       c.Driver,
		Card:         c.Card,
		BusInfo:      c.BusInfo,
		Version:      c.Version,
		Capabilities: c.Capabilities,
		DeviceCaps:   c.DeviceCapabilities,
	}, nil
}

// Describe returns the kernel description of a pixel format
func Describe(f format.FourCC) string {
	if desc, ok := v4l2lib.PixelFormats[v4l2lib.FourCCType(f)]; ok {
		return desc
	}
	return f.String()
}

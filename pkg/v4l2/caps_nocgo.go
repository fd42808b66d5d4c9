//go:build linux && !cgo && (amd64 || arm64)

package v4l2

import "github.com/video-system/go-vision-pipeline/pkg/format"

func queryCapability(fd int) (Capability, error) {
	return rawQueryCapability(fd)
}

// Describe returns the fourcc string; descriptions need the cgo build
func Describe(f format.FourCC) string {
	return f.String()
}

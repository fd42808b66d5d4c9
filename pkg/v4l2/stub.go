//go:build !linux || !(amd64 || arm64)

package v4l2

import (
	"fmt"
	"time"

	"github.com/video-system/go-vision-pipeline/pkg/format"
)

// Open always fails; use NewLoopback for software pipelines
func Open(path string, timeout time.Duration) (Device, error) {
	return nil, fmt.Errorf("open %s: %w: V4L2 requires linux/amd64 or linux/arm64", path, ErrNotSupported)
}

// Describe returns the fourcc string
func Describe(f format.FourCC) string {
	return f.String()
}

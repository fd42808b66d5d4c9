package output

import (
	"fmt"

	"github.com/video-system/go-vision-pipeline/pkg/v4l2"
)

// NewDisplay opens the V4L2 output node cfg.Device, or wraps cfg.Dev when set
func NewDisplay(cfg Config) (*DeviceOutput, error) {
	dev := cfg.Dev
	if dev == nil {
		if cfg.Device == "" {
			return nil, fmt.Errorf("display output: no device configured")
		}
		var err error
		dev, err = v4l2.Open(cfg.Device, cfg.PollTimeout)
		if err != nil {
			return nil, fmt.Errorf("display output: %w", err)
		}
	}

	o, err := NewDeviceOutput("display", dev, cfg)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return o, nil
}

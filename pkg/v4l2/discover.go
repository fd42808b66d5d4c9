package v4l2

import (
	"path/filepath"
	"sort"
)

// DefaultDevicePattern matches the video device nodes
const DefaultDevicePattern = "/dev/video*"

// DeviceInfo describes a discovered streaming device
type DeviceInfo struct {
	Path        string `json:"path"`
	Driver      string `json:"driver"`
	Card        string `json:"card"`
	BusInfo     string `json:"bus_info"`
	Version     string `json:"version"`
	Capture     bool   `json:"capture"`
	Output      bool   `json:"output"`
	Multiplanar bool   `json:"multiplanar"`
}

// Info summarizes a device capability
func Info(path string, c Capability) DeviceInfo {
	info := DeviceInfo{
		Path:    path,
		Driver:  c.Driver,
		Card:    c.Card,
		BusInfo: c.BusInfo,
		Version: c.VersionString(),
	}
	if t, err := c.CaptureType(); err == nil {
		info.Capture = true
		info.Multiplanar = t.IsMultiplanar()
	}
	if t, err := c.OutputType(); err == nil {
		info.Output = true
		info.Multiplanar = info.Multiplanar || t.IsMultiplanar()
	}
	return info
}

// ListDevices opens each node matching pattern and reports the streaming ones.
// Nodes that fail to open (metadata nodes, busy devices) are skipped.
func ListDevices(pattern string) ([]DeviceInfo, error) {
	if pattern == "" {
		pattern = DefaultDevicePattern
	}
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	devices := make([]DeviceInfo, 0, len(paths))
	for _, path := range paths {
		dev, err := Open(path, 0)
		if err != nil {
			continue
		}
		devices = append(devices, Info(path, dev.Capability()))
		dev.Close()
	}
	return devices, nil
}

package capture

import (
	"errors"
	"fmt"

	"github.com/video-system/go-vision-pipeline/pkg/format"
)

var (
	// ErrNoFrame means no frame arrived within the wait timeout; try again
	ErrNoFrame = errors.New("capture: no frame")
	// ErrAborted is returned to waiters once the stream is aborted
	ErrAborted = errors.New("capture: stream aborted")
	// ErrState is returned for operations not allowed in the current state
	ErrState = errors.New("capture: invalid state")
)

// ConfigError is a format the device would not accept. The caller may retry with another format.
type ConfigError struct {
	Device string
	Format format.Format
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: configure %v: %v", e.Device, e.Format, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// DriverFault is a driver failure while streaming. The stream cannot continue.
type DriverFault struct {
	Device  string
	Session string
	Op      string
	Err     error
}

func (e *DriverFault) Error() string {
	return fmt.Sprintf("%s: driver fault in %s (session %s): %v", e.Device, e.Op, e.Session, e.Err)
}

func (e *DriverFault) Unwrap() error { return e.Err }

package v4l2

import (
	"errors"
	"fmt"
	"time"

	"github.com/video-system/go-vision-pipeline/pkg/format"
)

// BufType is the V4L2 buffer type (stream direction and planar API)
type BufType uint32

const (
	BufTypeVideoCapture       BufType = 1
	BufTypeVideoOutput        BufType = 2
	BufTypeVideoCaptureMPlane BufType = 9
	BufTypeVideoOutputMPlane  BufType = 10
)

// IsOutput reports whether buffers flow from the application to the device
func (t BufType) IsOutput() bool {
	return t == BufTypeVideoOutput || t == BufTypeVideoOutputMPlane
}

// IsMultiplanar reports whether the multi-planar API is used
func (t BufType) IsMultiplanar() bool {
	return t == BufTypeVideoCaptureMPlane || t == BufTypeVideoOutputMPlane
}

func (t BufType) String() string {
	switch t {
	case BufTypeVideoCapture:
		return "capture"
	case BufTypeVideoOutput:
		return "output"
	case BufTypeVideoCaptureMPlane:
		return "capture-mplane"
	case BufTypeVideoOutputMPlane:
		return "output-mplane"
	}
	return fmt.Sprintf("buftype(%d)", uint32(t))
}

// Memory is the buffer memory model
type Memory uint32

const (
	MemoryMMAP    Memory = 1
	MemoryUserPtr Memory = 2
	MemoryDMABuf  Memory = 4
)

// Buffer flags
const (
	BufFlagMapped   uint32 = 0x00000001
	BufFlagQueued   uint32 = 0x00000002
	BufFlagDone     uint32 = 0x00000004
	BufFlagKeyFrame uint32 = 0x00000008
	BufFlagError    uint32 = 0x00000040
	BufFlagLast     uint32 = 0x00100000
)

// Field orders
const (
	FieldAny  uint32 = 0
	FieldNone uint32 = 1
)

// HeapFD is reported by software devices whose buffers live in process memory
const HeapFD = -1

// Buffer is the per-buffer descriptor exchanged with the driver on QBUF/DQBUF/QUERYBUF.
// Multi-planar buffers are described by their first plane.
type Buffer struct {
	Index     uint32
	Type      BufType
	Memory    Memory
	BytesUsed uint32
	Flags     uint32
	Field     uint32
	Sequence  uint32
	// Timestamp is the driver capture time on the monotonic clock.
	Timestamp time.Duration
	Offset    uint32
	Length    uint32
	// UserPtr carries the memory of MemoryUserPtr buffers.
	UserPtr []byte
}

// Device capability bits
const (
	CapVideoCapture       uint32 = 0x00000001
	CapVideoOutput        uint32 = 0x00000002
	CapVideoCaptureMPlane uint32 = 0x00001000
	CapVideoOutputMPlane  uint32 = 0x00002000
	CapVideoM2MMPlane     uint32 = 0x00004000
	CapVideoM2M           uint32 = 0x00008000
	CapReadWrite          uint32 = 0x01000000
	CapStreaming          uint32 = 0x04000000
	CapDeviceCaps         uint32 = 0x80000000
)

// Capability is the result of QUERYCAP
type Capability struct {
	Driver       string
	Card         string
	BusInfo      string
	Version      uint32
	Capabilities uint32
	DeviceCaps   uint32
}

func (c Capability) caps() uint32 {
	if c.Capabilities&CapDeviceCaps != 0 {
		return c.DeviceCaps
	}
	return c.Capabilities
}

// IsStreaming reports streaming I/O support
func (c Capability) IsStreaming() bool {
	return c.caps()&CapStreaming != 0
}

// CaptureType selects the capture buffer type, preferring the single-planar API
func (c Capability) CaptureType() (BufType, error) {
	caps := c.caps()
	switch {
	case caps&(CapVideoCapture|CapVideoM2M) != 0:
		return BufTypeVideoCapture, nil
	case caps&(CapVideoCaptureMPlane|CapVideoM2MMPlane) != 0:
		return BufTypeVideoCaptureMPlane, nil
	}
	return 0, fmt.Errorf("%s: %w: no video capture capability", c.Card, ErrNotSupported)
}

// OutputType selects the output buffer type, preferring the single-planar API
func (c Capability) OutputType() (BufType, error) {
	caps := c.caps()
	switch {
	case caps&(CapVideoOutput|CapVideoM2M) != 0:
		return BufTypeVideoOutput, nil
	case caps&(CapVideoOutputMPlane|CapVideoM2MMPlane) != 0:
		return BufTypeVideoOutputMPlane, nil
	}
	return 0, fmt.Errorf("%s: %w: no video output capability", c.Card, ErrNotSupported)
}

// VersionString formats the kernel-style driver version
func (c Capability) VersionString() string {
	return fmt.Sprintf("%d.%d.%d", byte(c.Version>>16), byte(c.Version>>8), byte(c.Version))
}

// PixFormat is the negotiated image format of one stream
type PixFormat struct {
	Width        uint32
	Height       uint32
	PixelFormat  format.FourCC
	Field        uint32
	BytesPerLine uint32
	SizeImage    uint32
}

var (
	// ErrTimeout is returned when no buffer became ready within the poll timeout
	ErrTimeout = errors.New("v4l2: timeout waiting for buffer")
	// ErrBusy is returned when buffers are allocated or the stream is on
	ErrBusy = errors.New("v4l2: device busy")
	// ErrInvalid is returned for arguments the driver rejects
	ErrInvalid = errors.New("v4l2: invalid argument")
	// ErrNotSupported is returned for operations the device does not implement
	ErrNotSupported = errors.New("v4l2: not supported")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("v4l2: device closed")
)

// Device is the driver boundary used by the buffer pools and the capture and output layers
type Device interface {
	Name() string
	// Fd returns the device descriptor, or HeapFD for software devices.
	Fd() int
	Capability() Capability

	SetFormat(t BufType, pix PixFormat) (PixFormat, error)
	SetFrameRate(t BufType, fps int) error
	SetCrop(t BufType, r format.Rect) error
	SetControl(id uint32, value int32) error

	RequestBuffers(t BufType, mem Memory, count int) (int, error)
	QueryBuffer(t BufType, mem Memory, index int) (Buffer, error)
	ExportBuffer(t BufType, index int) (int, error)
	Map(offset, length int) ([]byte, error)
	Unmap(mem []byte) error

	QueueBuffer(b *Buffer) error
	// DequeueBuffer waits up to the device poll timeout and returns ErrTimeout with b untouched.
	DequeueBuffer(b *Buffer) error

	StreamOn(t BufType) error
	StreamOff(t BufType) error
	Close() error
}

// Control IDs
const (
	CIDBase          uint32 = 0x00980900
	CIDCameraClass   uint32 = 0x009a0900
	CIDSceneMode     uint32 = CIDCameraClass + 26
	CIDPowerLineFreq uint32 = CIDBase + 24
)

// DefaultTimeout bounds one dequeue wait
const DefaultTimeout = 2 * time.Second

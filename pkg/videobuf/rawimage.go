package videobuf

import (
	"time"

	"github.com/video-system/go-vision-pipeline/pkg/format"
)

// RawImage describes one frame held in a pool buffer. A valid image holds a
// reference on its buffer until Release.
type RawImage struct {
	Width       int
	Height      int
	PixelFormat format.FourCC
	FPS         int
	// Index is the pool slot the frame lives in.
	Index int
	// Session is the stream the image was handed out in. The slot only goes back
	// to the pool within that session.
	Session   string
	Sequence  uint32
	Timestamp time.Duration

	buf *VideoBuf
}

// NewRawImage describes slot index of a pool in format f and takes a reference on buf
func NewRawImage(f format.Format, buf *VideoBuf, index int) *RawImage {
	return &RawImage{
		Width:       f.Width,
		Height:      f.Height,
		PixelFormat: f.PixelFormat,
		FPS:         f.FPS,
		Index:       index,
		buf:         buf.Ref(),
	}
}

// Valid reports whether the image still references a buffer
func (r *RawImage) Valid() bool {
	return r != nil && r.buf != nil
}

// Buf returns the backing buffer, nil once released
func (r *RawImage) Buf() *VideoBuf {
	if r == nil {
		return nil
	}
	return r.buf
}

// Data returns the frame payload. An empty payload returns the whole buffer for filling.
func (r *RawImage) Data() []byte {
	if !r.Valid() {
		return nil
	}
	if n := r.buf.BytesUsed(); n > 0 {
		return r.buf.Data()[:n]
	}
	return r.buf.Data()
}

// BytesUsed returns the payload size
func (r *RawImage) BytesUsed() int {
	if !r.Valid() {
		return 0
	}
	return r.buf.BytesUsed()
}

// SetBytesUsed records the payload size written into the buffer
func (r *RawImage) SetBytesUsed(n int) error {
	if !r.Valid() {
		return ErrReleased
	}
	return r.buf.SetBytesUsed(n)
}

// Format returns the image format
func (r *RawImage) Format() format.Format {
	return format.New(r.PixelFormat, r.Width, r.Height, r.FPS)
}

// Release invalidates the image and drops its buffer reference. Calling it again is a no-op.
func (r *RawImage) Release() {
	if r == nil || r.buf == nil {
		return
	}
	buf := r.buf
	r.buf = nil
	buf.Release()
}

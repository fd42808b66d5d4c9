//go:build linux && (amd64 || arm64)

package v4l2

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/video-system/go-vision-pipeline/pkg/format"
)

// LinuxDevice is a V4L2 character device driven through ioctls
type LinuxDevice struct {
	path    string
	fd      int
	caps    Capability
	timeout time.Duration

	mu     sync.Mutex
	closed bool
}

var _ Device = (*LinuxDevice)(nil)

// Open opens a V4L2 device node non-blocking and queries its capabilities
func Open(path string, timeout time.Duration) (Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	caps, err := queryCapability(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("query capability %s: %w", path, err)
	}
	if !caps.IsStreaming() {
		unix.Close(fd)
		return nil, fmt.Errorf("%s: %w: streaming I/O", path, ErrNotSupported)
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &LinuxDevice{
		path:    path,
		fd:      fd,
		caps:    caps,
		timeout: timeout,
	}, nil
}

func (d *LinuxDevice) Name() string           { return d.path }
func (d *LinuxDevice) Fd() int                { return d.fd }
func (d *LinuxDevice) Capability() Capability { return d.caps }

func (d *LinuxDevice) ioctl(req uint, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), uintptr(req), uintptr(arg))
		switch errno {
		case 0:
			return nil
		case unix.EINTR:
			continue
		}
		return mapErrno(errno)
	}
}

// mapErrno keeps the errno in the chain and adds the package sentinel
func mapErrno(errno unix.Errno) error {
	switch errno {
	case unix.EBUSY:
		return fmt.Errorf("%w: %w", ErrBusy, errno)
	case unix.EINVAL:
		return fmt.Errorf("%w: %w", ErrInvalid, errno)
	case unix.ENOTTY:
		return fmt.Errorf("%w: %w", ErrNotSupported, errno)
	}
	return errno
}

func rawQueryCapability(fd int) (Capability, error) {
	var c v4l2Capability
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), vidiocQuerycap, uintptr(unsafe.Pointer(&c)))
	if errno != 0 {
		return Capability{}, errno
	}
	return Capability{
		Driver:       cstr(c.driver[:]),
		Card:         cstr(c.card[:]),
		BusInfo:      cstr(c.busInfo[:]),
		Version:      c.version,
		Capabilities: c.capabilities,
		DeviceCaps:   c.deviceCaps,
	}, nil
}

// SetFormat negotiates the image format; the driver may adjust the request
func (d *LinuxDevice) SetFormat(t BufType, pix PixFormat) (PixFormat, error) {
	f := v4l2Format{typ: uint32(t)}
	if t.IsMultiplanar() {
		mp := f.pixMPlane()
		mp.width = pix.Width
		mp.height = pix.Height
		mp.pixelformat = uint32(pix.PixelFormat)
		mp.field = FieldNone
		mp.numPlanes = 1
		mp.planeFmt[0].bytesperline = pix.BytesPerLine
		mp.planeFmt[0].sizeimage = pix.SizeImage
	} else {
		p := f.pix()
		p.width = pix.Width
		p.height = pix.Height
		p.pixelformat = uint32(pix.PixelFormat)
		p.field = FieldNone
		p.bytesperline = pix.BytesPerLine
		p.sizeimage = pix.SizeImage
	}

	if err := d.ioctl(vidiocSFmt, unsafe.Pointer(&f)); err != nil {
		return PixFormat{}, fmt.Errorf("VIDIOC_S_FMT %s: %w", pix.PixelFormat, err)
	}

	if t.IsMultiplanar() {
		mp := f.pixMPlane()
		if mp.numPlanes > 1 {
			return PixFormat{}, fmt.Errorf("VIDIOC_S_FMT %s: %w: %d planes",
				format.FourCC(mp.pixelformat), ErrNotSupported, mp.numPlanes)
		}
		return PixFormat{
			Width:        mp.width,
			Height:       mp.height,
			PixelFormat:  format.FourCC(mp.pixelformat),
			Field:        mp.field,
			BytesPerLine: mp.planeFmt[0].bytesperline,
			SizeImage:    mp.planeFmt[0].sizeimage,
		}, nil
	}
	p := f.pix()
	return PixFormat{
		Width:        p.width,
		Height:       p.height,
		PixelFormat:  format.FourCC(p.pixelformat),
		Field:        p.field,
		BytesPerLine: p.bytesperline,
		SizeImage:    p.sizeimage,
	}, nil
}

// SetFrameRate sets the time per frame to 1/fps
func (d *LinuxDevice) SetFrameRate(t BufType, fps int) error {
	if fps <= 0 {
		return nil
	}
	p := v4l2Streamparm{typ: uint32(t)}
	p.capture().timeperframe = v4l2Fract{numerator: 1, denominator: uint32(fps)}
	if err := d.ioctl(vidiocSParm, unsafe.Pointer(&p)); err != nil {
		return fmt.Errorf("VIDIOC_S_PARM %d fps: %w", fps, err)
	}
	return nil
}

// SetCrop selects the sensor region the driver scales to the negotiated size
func (d *LinuxDevice) SetCrop(t BufType, r format.Rect) error {
	// The selection API takes the single-planar type for both APIs.
	switch t {
	case BufTypeVideoCaptureMPlane:
		t = BufTypeVideoCapture
	case BufTypeVideoOutputMPlane:
		t = BufTypeVideoOutput
	}
	sel := v4l2Selection{
		typ:    uint32(t),
		target: v4l2SelTgtCrop,
		r: v4l2Rect{
			left:   int32(r.Left),
			top:    int32(r.Top),
			width:  uint32(r.Width),
			height: uint32(r.Height),
		},
	}
	if err := d.ioctl(vidiocSSelection, unsafe.Pointer(&sel)); err != nil {
		return fmt.Errorf("VIDIOC_S_SELECTION %dx%d+%d+%d: %w", r.Width, r.Height, r.Left, r.Top, err)
	}
	return nil
}

func (d *LinuxDevice) SetControl(id uint32, value int32) error {
	c := v4l2Control{id: id, value: value}
	if err := d.ioctl(vidiocSCtrl, unsafe.Pointer(&c)); err != nil {
		return fmt.Errorf("VIDIOC_S_CTRL 0x%08x=%d: %w", id, value, err)
	}
	return nil
}

// RequestBuffers allocates count driver buffers; count 0 frees them
func (d *LinuxDevice) RequestBuffers(t BufType, mem Memory, count int) (int, error) {
	rb := v4l2Requestbuffers{
		count:  uint32(count),
		typ:    uint32(t),
		memory: uint32(mem),
	}
	if err := d.ioctl(vidiocReqbufs, unsafe.Pointer(&rb)); err != nil {
		return 0, fmt.Errorf("VIDIOC_REQBUFS %d: %w", count, err)
	}
	return int(rb.count), nil
}

// mplaneBuffer keeps the plane array next to the buffer it is referenced from
type mplaneBuffer struct {
	buf    v4l2Buffer
	planes [v4l2VideoMaxPlane]v4l2Plane
}

func newRawBuffer(t BufType, mem Memory, index uint32) *mplaneBuffer {
	mb := &mplaneBuffer{}
	mb.buf.index = index
	mb.buf.typ = uint32(t)
	mb.buf.memory = uint32(mem)
	if t.IsMultiplanar() {
		mb.buf.m = uint64(uintptr(unsafe.Pointer(&mb.planes[0])))
		mb.buf.length = 1
	}
	return mb
}

func (mb *mplaneBuffer) export(b *Buffer) {
	t := BufType(mb.buf.typ)
	b.Index = mb.buf.index
	b.Type = t
	b.Memory = Memory(mb.buf.memory)
	b.Flags = mb.buf.flags
	b.Field = mb.buf.field
	b.Sequence = mb.buf.sequence
	b.Timestamp = time.Duration(mb.buf.timestamp.sec)*time.Second +
		time.Duration(mb.buf.timestamp.usec)*time.Microsecond
	if t.IsMultiplanar() {
		p := mb.planes[0]
		b.BytesUsed = p.bytesused
		b.Length = p.length
		b.Offset = uint32(p.m)
		return
	}
	b.BytesUsed = mb.buf.bytesused
	b.Length = mb.buf.length
	b.Offset = uint32(mb.buf.m)
}

func (d *LinuxDevice) QueryBuffer(t BufType, mem Memory, index int) (Buffer, error) {
	mb := newRawBuffer(t, mem, uint32(index))
	if err := d.ioctl(vidiocQuerybuf, unsafe.Pointer(&mb.buf)); err != nil {
		return Buffer{}, fmt.Errorf("VIDIOC_QUERYBUF %d: %w", index, err)
	}
	var b Buffer
	mb.export(&b)
	return b, nil
}

// ExportBuffer returns a DMA-BUF descriptor for plane 0 of the buffer
func (d *LinuxDevice) ExportBuffer(t BufType, index int) (int, error) {
	eb := v4l2Exportbuffer{
		typ:   uint32(t),
		index: uint32(index),
		flags: unix.O_RDWR | unix.O_CLOEXEC,
	}
	if err := d.ioctl(vidiocExpbuf, unsafe.Pointer(&eb)); err != nil {
		return -1, fmt.Errorf("VIDIOC_EXPBUF %d: %w", index, err)
	}
	return int(eb.fd), nil
}

func (d *LinuxDevice) Map(offset, length int) ([]byte, error) {
	mem, err := unix.Mmap(d.fd, int64(offset), length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap offset %d length %d: %w", offset, length, err)
	}
	return mem, nil
}

func (d *LinuxDevice) Unmap(mem []byte) error {
	return unix.Munmap(mem)
}

func (d *LinuxDevice) QueueBuffer(b *Buffer) error {
	mb := newRawBuffer(b.Type, b.Memory, b.Index)
	mb.buf.flags = b.Flags
	mb.buf.field = b.Field
	if b.Type.IsMultiplanar() {
		mb.planes[0].bytesused = b.BytesUsed
		mb.planes[0].length = b.Length
		if b.Memory == MemoryUserPtr && len(b.UserPtr) > 0 {
			mb.planes[0].m = uint64(uintptr(unsafe.Pointer(&b.UserPtr[0])))
			mb.planes[0].length = uint32(len(b.UserPtr))
		}
	} else {
		mb.buf.bytesused = b.BytesUsed
		if b.Memory == MemoryUserPtr && len(b.UserPtr) > 0 {
			mb.buf.m = uint64(uintptr(unsafe.Pointer(&b.UserPtr[0])))
			mb.buf.length = uint32(len(b.UserPtr))
		}
	}
	if err := d.ioctl(vidiocQbuf, unsafe.Pointer(&mb.buf)); err != nil {
		return fmt.Errorf("VIDIOC_QBUF %d: %w", b.Index, err)
	}
	return nil
}

// DequeueBuffer polls the device for up to the configured timeout before DQBUF
func (d *LinuxDevice) DequeueBuffer(b *Buffer) error {
	events := int16(unix.POLLIN)
	if b.Type.IsOutput() {
		events = unix.POLLOUT
	}

	deadline := time.Now().Add(d.timeout)
	for {
		wait := time.Until(deadline)
		if wait <= 0 {
			return ErrTimeout
		}
		fds := []unix.PollFd{{Fd: int32(d.fd), Events: events}}
		n, err := unix.Poll(fds, int(wait/time.Millisecond)+1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			return ErrTimeout
		}
		if fds[0].Revents&unix.POLLERR != 0 && fds[0].Revents&events == 0 {
			return fmt.Errorf("poll: %w", unix.EIO)
		}

		mb := newRawBuffer(b.Type, b.Memory, 0)
		err = d.ioctl(vidiocDqbuf, unsafe.Pointer(&mb.buf))
		if errors.Is(err, unix.EAGAIN) {
			continue
		}
		if err != nil {
			return fmt.Errorf("VIDIOC_DQBUF: %w", err)
		}
		mb.export(b)
		return nil
	}
}

func (d *LinuxDevice) StreamOn(t BufType) error {
	typ := uint32(t)
	if err := d.ioctl(vidiocStreamon, unsafe.Pointer(&typ)); err != nil {
		return fmt.Errorf("VIDIOC_STREAMON: %w", err)
	}
	return nil
}

// StreamOff stops the stream; the driver returns every queued buffer to the application
func (d *LinuxDevice) StreamOff(t BufType) error {
	typ := uint32(t)
	if err := d.ioctl(vidiocStreamoff, unsafe.Pointer(&typ)); err != nil {
		return fmt.Errorf("VIDIOC_STREAMOFF: %w", err)
	}
	return nil
}

func (d *LinuxDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return unix.Close(d.fd)
}

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

package v4l2

import (
	"errors"
	"testing"
	"time"

	"github.com/video-system/go-vision-pipeline/pkg/format"
)

func setup(t *testing.T, l *Loopback, typ BufType, mem Memory, count int) {
	t.Helper()
	if _, err := l.SetFormat(typ, PixFormat{Width: 64, Height: 48, PixelFormat: format.FourCCYUYV}); err != nil {
		t.Fatalf("SetFormat: %v", err)
	}
	n, err := l.RequestBuffers(typ, mem, count)
	if err != nil {
		t.Fatalf("RequestBuffers: %v", err)
	}
	if n != count {
		t.Fatalf("RequestBuffers granted %d, want %d", n, count)
	}
}

func TestLoopbackCapture(t *testing.T) {
	l := NewLoopback(LoopbackConfig{})
	setup(t, l, BufTypeVideoCapture, MemoryMMAP, 2)

	b, err := l.QueryBuffer(BufTypeVideoCapture, MemoryMMAP, 1)
	if err != nil {
		t.Fatalf("QueryBuffer: %v", err)
	}
	mem, err := l.Map(int(b.Offset), int(b.Length))
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if len(mem) != 64*48*2 {
		t.Fatalf("mapped %d bytes, want %d", len(mem), 64*48*2)
	}

	for i := uint32(0); i < 2; i++ {
		if err := l.QueueBuffer(&Buffer{Index: i, Type: BufTypeVideoCapture, Memory: MemoryMMAP}); err != nil {
			t.Fatalf("QueueBuffer %d: %v", i, err)
		}
	}
	if err := l.StreamOn(BufTypeVideoCapture); err != nil {
		t.Fatalf("StreamOn: %v", err)
	}

	var got []uint32
	for i := 0; i < 2; i++ {
		d := Buffer{Type: BufTypeVideoCapture, Memory: MemoryMMAP}
		if err := l.DequeueBuffer(&d); err != nil {
			t.Fatalf("DequeueBuffer: %v", err)
		}
		if d.Sequence != uint32(i) {
			t.Errorf("sequence = %d, want %d", d.Sequence, i)
		}
		got = append(got, d.Index)
	}
	if got[0] != 0 || got[1] != 1 {
		t.Errorf("dequeued %v, want [0 1]", got)
	}
	// Slot 1 was filled with the second frame pattern.
	if mem[0] != 1 || mem[len(mem)-1] != 1 {
		t.Errorf("mapped memory not shared with device: %d", mem[0])
	}

	d := Buffer{Type: BufTypeVideoCapture, Memory: MemoryMMAP}
	if err := l.DequeueBuffer(&d); !errors.Is(err, ErrTimeout) {
		t.Errorf("DequeueBuffer with empty queue = %v, want ErrTimeout", err)
	}
}

func TestLoopbackOutputKeepsBytesUsed(t *testing.T) {
	var sunk []int
	l := NewLoopback(LoopbackConfig{
		Output: true,
		Sink: func(frame []byte, b Buffer) {
			sunk = append(sunk, len(frame))
		},
	})
	setup(t, l, BufTypeVideoOutput, MemoryMMAP, 2)

	if err := l.StreamOn(BufTypeVideoOutput); err != nil {
		t.Fatalf("StreamOn: %v", err)
	}
	if err := l.QueueBuffer(&Buffer{Index: 1, Type: BufTypeVideoOutput, Memory: MemoryMMAP, BytesUsed: 1200}); err != nil {
		t.Fatalf("QueueBuffer: %v", err)
	}

	d := Buffer{Type: BufTypeVideoOutput, Memory: MemoryMMAP}
	if err := l.DequeueBuffer(&d); err != nil {
		t.Fatalf("DequeueBuffer: %v", err)
	}
	if d.Index != 1 || d.BytesUsed != 1200 {
		t.Errorf("dequeued index %d bytesused %d, want 1 and 1200", d.Index, d.BytesUsed)
	}
	if len(sunk) != 1 || sunk[0] != 1200 {
		t.Errorf("sink saw %v, want [1200]", sunk)
	}
}

func TestLoopbackOutputTooLarge(t *testing.T) {
	l := NewLoopback(LoopbackConfig{Output: true})
	setup(t, l, BufTypeVideoOutput, MemoryMMAP, 1)

	err := l.QueueBuffer(&Buffer{Index: 0, Type: BufTypeVideoOutput, Memory: MemoryMMAP, BytesUsed: 1 << 20})
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("oversized QueueBuffer = %v, want ErrInvalid", err)
	}
}

func TestLoopbackAdjustsFormat(t *testing.T) {
	l := NewLoopback(LoopbackConfig{Formats: []format.FourCC{format.FourCCYUYV}})
	pix, err := l.SetFormat(BufTypeVideoCapture, PixFormat{Width: 32, Height: 32, PixelFormat: format.FourCCMJPEG})
	if err != nil {
		t.Fatalf("SetFormat: %v", err)
	}
	if pix.PixelFormat != format.FourCCYUYV {
		t.Errorf("format = %s, want YUYV", pix.PixelFormat)
	}
	if pix.SizeImage != 32*32*2 || pix.BytesPerLine != 64 {
		t.Errorf("sizeimage %d bytesperline %d", pix.SizeImage, pix.BytesPerLine)
	}
}

func TestLoopbackBusy(t *testing.T) {
	l := NewLoopback(LoopbackConfig{})
	setup(t, l, BufTypeVideoCapture, MemoryMMAP, 2)

	if _, err := l.SetFormat(BufTypeVideoCapture, PixFormat{Width: 8, Height: 8, PixelFormat: format.FourCCGrey}); !errors.Is(err, ErrBusy) {
		t.Errorf("SetFormat with buffers = %v, want ErrBusy", err)
	}
	if err := l.StreamOn(BufTypeVideoCapture); err != nil {
		t.Fatalf("StreamOn: %v", err)
	}
	if _, err := l.RequestBuffers(BufTypeVideoCapture, MemoryMMAP, 0); !errors.Is(err, ErrBusy) {
		t.Errorf("RequestBuffers while streaming = %v, want ErrBusy", err)
	}
	if err := l.StreamOff(BufTypeVideoCapture); err != nil {
		t.Fatalf("StreamOff: %v", err)
	}
	if _, err := l.RequestBuffers(BufTypeVideoCapture, MemoryMMAP, 0); err != nil {
		t.Fatalf("RequestBuffers 0: %v", err)
	}
	if _, err := l.SetFormat(BufTypeVideoCapture, PixFormat{Width: 8, Height: 8, PixelFormat: format.FourCCGrey}); err != nil {
		t.Errorf("SetFormat after free: %v", err)
	}
}

func TestLoopbackStreamOffReclaims(t *testing.T) {
	l := NewLoopback(LoopbackConfig{})
	setup(t, l, BufTypeVideoCapture, MemoryMMAP, 3)

	for i := uint32(0); i < 3; i++ {
		if err := l.QueueBuffer(&Buffer{Index: i, Type: BufTypeVideoCapture, Memory: MemoryMMAP}); err != nil {
			t.Fatalf("QueueBuffer: %v", err)
		}
	}
	if l.Queued() != 3 {
		t.Fatalf("Queued = %d, want 3", l.Queued())
	}
	if err := l.StreamOff(BufTypeVideoCapture); err != nil {
		t.Fatalf("StreamOff: %v", err)
	}
	if l.Queued() != 0 {
		t.Errorf("Queued after StreamOff = %d, want 0", l.Queued())
	}
}

func TestLoopbackPacing(t *testing.T) {
	l := NewLoopback(LoopbackConfig{Interval: 20 * time.Millisecond, Timeout: time.Second})
	setup(t, l, BufTypeVideoCapture, MemoryMMAP, 1)
	if err := l.StreamOn(BufTypeVideoCapture); err != nil {
		t.Fatalf("StreamOn: %v", err)
	}

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.QueueBuffer(&Buffer{Index: 0, Type: BufTypeVideoCapture, Memory: MemoryMMAP}); err != nil {
			t.Fatalf("QueueBuffer: %v", err)
		}
		d := Buffer{Type: BufTypeVideoCapture, Memory: MemoryMMAP}
		if err := l.DequeueBuffer(&d); err != nil {
			t.Fatalf("DequeueBuffer: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 35*time.Millisecond {
		t.Errorf("3 paced frames took %v, want >= 40ms", elapsed)
	}
}

func TestLoopbackFailNext(t *testing.T) {
	l := NewLoopback(LoopbackConfig{})
	setup(t, l, BufTypeVideoCapture, MemoryMMAP, 1)
	if err := l.StreamOn(BufTypeVideoCapture); err != nil {
		t.Fatalf("StreamOn: %v", err)
	}

	boom := errors.New("boom")
	l.FailNext(boom)
	d := Buffer{Type: BufTypeVideoCapture, Memory: MemoryMMAP}
	if err := l.DequeueBuffer(&d); !errors.Is(err, boom) {
		t.Errorf("DequeueBuffer = %v, want injected error", err)
	}
}

func TestCapabilityTypes(t *testing.T) {
	c := Capability{Capabilities: CapVideoCaptureMPlane | CapStreaming}
	typ, err := c.CaptureType()
	if err != nil || typ != BufTypeVideoCaptureMPlane {
		t.Errorf("CaptureType = %v, %v", typ, err)
	}
	if _, err := c.OutputType(); !errors.Is(err, ErrNotSupported) {
		t.Errorf("OutputType = %v, want ErrNotSupported", err)
	}

	c = Capability{Capabilities: CapDeviceCaps | CapVideoCapture | CapVideoOutput, DeviceCaps: CapVideoOutput | CapStreaming}
	typ, err = c.OutputType()
	if err != nil || typ != BufTypeVideoOutput {
		t.Errorf("OutputType = %v, %v", typ, err)
	}
	if _, err := c.CaptureType(); err == nil {
		t.Error("CaptureType used global caps instead of device caps")
	}
	if !c.IsStreaming() {
		t.Error("IsStreaming = false")
	}
}

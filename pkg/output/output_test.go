package output

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/video-system/go-vision-pipeline/pkg/capture"
	"github.com/video-system/go-vision-pipeline/pkg/format"
	"github.com/video-system/go-vision-pipeline/pkg/v4l2"
	"github.com/video-system/go-vision-pipeline/pkg/videobuf"
)

type sink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *sink) consume(frame []byte, b v4l2.Buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, append([]byte(nil), frame...))
}

func (s *sink) get() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func newDisplay(t *testing.T, lcfg v4l2.LoopbackConfig, cfg Config) (*v4l2.Loopback, *DeviceOutput) {
	t.Helper()
	lcfg.Output = true
	dev := v4l2.NewLoopback(lcfg)
	cfg.Type = "display"
	cfg.Dev = dev
	if cfg.OnFault == nil {
		cfg.OnFault = func(f *capture.DriverFault) { t.Errorf("unexpected fault: %v", f) }
	}
	o, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { o.Close() })
	return dev, o.(*DeviceOutput)
}

func fill(t *testing.T, img *videobuf.RawImage, v byte) {
	t.Helper()
	data := img.Data()
	for i := range data {
		data[i] = v
	}
	if err := img.SetBytesUsed(len(data)); err != nil {
		t.Fatalf("SetBytesUsed: %v", err)
	}
}

func TestTypes(t *testing.T) {
	got := Types()
	want := []string{"display", "gui", "none"}
	if len(got) != len(want) {
		t.Fatalf("Types() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Types()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if _, err := New(Config{Type: "hdmi"}); err == nil {
		t.Error("expected error for unknown output type")
	}
	if _, err := New(Config{Type: "display"}); err == nil {
		t.Error("expected error for display without device")
	}
}

func TestNone(t *testing.T) {
	o, err := New(Config{Type: "none"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer o.Close()
	ctx := context.Background()

	if _, err := o.Get(ctx); !errors.Is(err, capture.ErrAborted) {
		t.Errorf("Get before StreamOn = %v, want ErrAborted", err)
	}
	if err := o.SetFormat(format.New(format.FourCCYUYV, 32, 24, 30)); err != nil {
		t.Fatalf("SetFormat: %v", err)
	}
	if err := o.StreamOn(); err != nil {
		t.Fatalf("StreamOn: %v", err)
	}

	first, err := o.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(first.Data()) != 32*24*2 {
		t.Errorf("len(Data) = %d, want %d", len(first.Data()), 32*24*2)
	}
	buf := first.Buf()
	fill(t, first, 7)
	if err := o.Send(first); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if first.Valid() {
		t.Error("image still valid after Send")
	}
	if err := o.Send(first); !errors.Is(err, videobuf.ErrReleased) {
		t.Errorf("second Send = %v, want ErrReleased", err)
	}

	second, err := o.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if second.Buf() != buf {
		t.Error("none output handed out a different buffer")
	}
	o.Send(second)

	o.AbortStream()
	if _, err := o.Get(ctx); !errors.Is(err, capture.ErrAborted) {
		t.Errorf("Get after abort = %v, want ErrAborted", err)
	}
	if err := o.StreamOff(); err != nil {
		t.Fatalf("StreamOff: %v", err)
	}
	if s := o.Stats(); s.Sent != 2 || s.State != "format-set" {
		t.Errorf("Stats = %+v, want 2 sent in format-set", s)
	}
}

func TestDisplaySend(t *testing.T) {
	var got sink
	dev, o := newDisplay(t, v4l2.LoopbackConfig{Sink: got.consume}, Config{Buffers: 3})
	ctx := context.Background()

	f := format.New(format.FourCCYUYV, 32, 24, 30)
	if err := o.SetFormat(f); err != nil {
		t.Fatalf("SetFormat: %v", err)
	}
	if dev.FrameRate() != 30 {
		t.Errorf("frame rate = %d, want 30", dev.FrameRate())
	}
	if err := o.StreamOn(); err != nil {
		t.Fatalf("StreamOn: %v", err)
	}

	for i := 0; i < 6; i++ {
		img, err := o.Get(ctx)
		if err != nil {
			t.Fatalf("Get %d: %v", i, err)
		}
		if img.BytesUsed() != 0 {
			t.Errorf("Get %d: BytesUsed = %d, want empty buffer", i, img.BytesUsed())
		}
		fill(t, img, byte(i+1))
		if err := o.Send(img); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	frames := got.get()
	if len(frames) != 6 {
		t.Fatalf("sink got %d frames, want 6", len(frames))
	}
	for i, fr := range frames {
		if len(fr) != f.FrameSize() {
			t.Errorf("frame %d: %d bytes, want %d", i, len(fr), f.FrameSize())
		}
		if !bytes.Equal(fr, bytes.Repeat([]byte{byte(i + 1)}, len(fr))) {
			t.Errorf("frame %d content mismatch", i)
		}
	}

	s := o.Stats()
	if s.Sent != 6 || s.Recycled != 3 || s.Buffers != 3 {
		t.Errorf("Stats = %+v, want 6 sent, 3 recycled, 3 buffers", s)
	}

	if err := o.StreamOff(); err != nil {
		t.Fatalf("StreamOff: %v", err)
	}
	if dev.Streaming() || dev.Queued() != 0 {
		t.Errorf("device streaming %v with %d queued after StreamOff", dev.Streaming(), dev.Queued())
	}
}

func TestDisplayDefaultBytesUsed(t *testing.T) {
	var got sink
	_, o := newDisplay(t, v4l2.LoopbackConfig{Sink: got.consume}, Config{})

	f := format.New(format.FourCCGrey, 16, 8, 0)
	if err := o.SetFormat(f); err != nil {
		t.Fatalf("SetFormat: %v", err)
	}
	o.StreamOn()

	img, err := o.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := o.Send(img); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if frames := got.get(); len(frames) != 1 || len(frames[0]) != 16*8 {
		t.Errorf("sink frames = %d, want one of %d bytes", len(frames), 16*8)
	}
}

func TestDisplayGetTimeout(t *testing.T) {
	_, o := newDisplay(t, v4l2.LoopbackConfig{Timeout: 20 * time.Millisecond},
		Config{Buffers: 2, Timeout: 100 * time.Millisecond})
	ctx := context.Background()

	o.SetFormat(format.New(format.FourCCGrey, 16, 8, 0))
	o.StreamOn()

	var held []*videobuf.RawImage
	for i := 0; i < 2; i++ {
		img, err := o.Get(ctx)
		if err != nil {
			t.Fatalf("Get %d: %v", i, err)
		}
		held = append(held, img)
	}

	start := time.Now()
	if _, err := o.Get(ctx); !errors.Is(err, capture.ErrNoFrame) {
		t.Errorf("Get with every buffer held = %v, want ErrNoFrame", err)
	}
	if d := time.Since(start); d < 100*time.Millisecond {
		t.Errorf("Get returned after %v, want at least the timeout", d)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := o.Get(cctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Get with cancelled context = %v, want context.Canceled", err)
	}

	for _, img := range held {
		if err := o.Send(img); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if _, err := o.Get(ctx); err != nil {
		t.Errorf("Get after Send: %v", err)
	}
}

func TestDisplayAbort(t *testing.T) {
	_, o := newDisplay(t, v4l2.LoopbackConfig{}, Config{Buffers: 2})
	ctx := context.Background()

	f := format.New(format.FourCCYUYV, 32, 24, 30)
	o.SetFormat(f)
	o.StreamOn()

	img, err := o.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	o.AbortStream()
	if s := o.Stats(); s.State != "aborted" {
		t.Errorf("State = %s, want aborted", s.State)
	}
	if _, err := o.Get(ctx); !errors.Is(err, capture.ErrAborted) {
		t.Errorf("Get after abort = %v, want ErrAborted", err)
	}
	if err := o.Send(img); !errors.Is(err, capture.ErrAborted) {
		t.Errorf("Send after abort = %v, want ErrAborted", err)
	}
	if img.Valid() {
		t.Error("image still valid after Send")
	}

	if err := o.StreamOff(); err != nil {
		t.Fatalf("StreamOff: %v", err)
	}
	if err := o.SetFormat(format.New(format.FourCCYUYV, 64, 48, 30)); err != nil {
		t.Fatalf("SetFormat after StreamOff: %v", err)
	}
	if err := o.StreamOn(); err != nil {
		t.Fatalf("StreamOn again: %v", err)
	}
	img, err = o.Get(ctx)
	if err != nil {
		t.Fatalf("Get after restart: %v", err)
	}
	if img.Width != 64 || len(img.Data()) != 64*48*2 {
		t.Errorf("image %dx%d with %d bytes after restart", img.Width, img.Height, len(img.Data()))
	}
	o.Send(img)
}

func TestDisplaySendAfterRestart(t *testing.T) {
	_, o := newDisplay(t, v4l2.LoopbackConfig{Timeout: 10 * time.Millisecond},
		Config{Buffers: 2, Timeout: 50 * time.Millisecond})
	ctx := context.Background()

	o.SetFormat(format.New(format.FourCCGrey, 16, 8, 0))
	o.StreamOn()

	old, err := o.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	o.AbortStream()
	if err := o.StreamOff(); err != nil {
		t.Fatalf("StreamOff: %v", err)
	}
	if err := o.Send(old); !errors.Is(err, capture.ErrAborted) {
		t.Errorf("Send from the stopped stream = %v, want ErrAborted", err)
	}
	if err := o.StreamOn(); err != nil {
		t.Fatalf("StreamOn: %v", err)
	}

	var held []*videobuf.RawImage
	seen := map[int]bool{}
	for i := 0; i < 2; i++ {
		img, err := o.Get(ctx)
		if err != nil {
			t.Fatalf("Get %d: %v", i, err)
		}
		if seen[img.Index] {
			t.Fatalf("slot %d handed out twice", img.Index)
		}
		seen[img.Index] = true
		held = append(held, img)
	}
	if _, err := o.Get(ctx); !errors.Is(err, capture.ErrNoFrame) {
		t.Errorf("Get with every buffer held = %v, want ErrNoFrame", err)
	}

	for _, img := range held {
		fill(t, img, 0x42)
		if err := o.Send(img); err != nil {
			t.Errorf("Send slot %d: %v", img.Index, err)
		}
	}
}

func TestDisplayFormatRejected(t *testing.T) {
	_, o := newDisplay(t, v4l2.LoopbackConfig{Formats: []format.FourCC{format.FourCCNV12}}, Config{})

	err := o.SetFormat(format.New(format.FourCCYUYV, 32, 24, 30))
	var ce *capture.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("SetFormat = %v, want ConfigError", err)
	}
	if s := o.Stats(); s.State != "opened" {
		t.Errorf("State = %s, want opened", s.State)
	}
	if err := o.SetFormat(format.New(format.FourCCNV12, 32, 24, 30)); err != nil {
		t.Errorf("SetFormat NV12: %v", err)
	}
}

func TestDisplayFault(t *testing.T) {
	var faults []*capture.DriverFault
	dev, o := newDisplay(t, v4l2.LoopbackConfig{}, Config{
		Buffers: 1,
		OnFault: func(f *capture.DriverFault) { faults = append(faults, f) },
	})
	ctx := context.Background()

	o.SetFormat(format.New(format.FourCCGrey, 16, 8, 0))
	o.StreamOn()

	img, _ := o.Get(ctx)
	o.Send(img)

	dev.FailNext(v4l2.ErrInvalid)
	if _, err := o.Get(ctx); !errors.Is(err, v4l2.ErrInvalid) {
		t.Errorf("Get = %v, want ErrInvalid", err)
	}
	if len(faults) != 1 || faults[0].Op != "dequeue" {
		t.Fatalf("faults = %v, want one dequeue fault", faults)
	}
	if _, err := o.Get(ctx); !errors.Is(err, capture.ErrAborted) {
		t.Errorf("Get after fault = %v, want ErrAborted", err)
	}
}

func TestGUIPreview(t *testing.T) {
	preview := NewPreview(90)
	o, err := New(Config{Type: "gui", Renderer: preview})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer o.Close()
	g := o.(*GUI)
	if g.Renderer() != preview {
		t.Fatal("gui output lost its renderer")
	}

	if _, ok := preview.Latest(); ok {
		t.Error("preview has a frame before streaming")
	}
	if _, _, err := preview.JPEG(); err == nil {
		t.Error("expected JPEG error without a frame")
	}

	f := format.New(format.FourCCGrey, 16, 8, 15)
	if err := o.SetFormat(f); err != nil {
		t.Fatalf("SetFormat: %v", err)
	}
	if err := o.StreamOn(); err != nil {
		t.Fatalf("StreamOn: %v", err)
	}

	updated := preview.Updated()
	for i := 0; i < 5; i++ {
		img, err := o.Get(context.Background())
		if err != nil {
			t.Fatalf("Get %d: %v", i, err)
		}
		fill(t, img, byte(0x40+i))
		if err := o.Send(img); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	select {
	case <-updated:
	default:
		t.Error("Updated channel not closed after render")
	}

	snap, ok := preview.Latest()
	if !ok {
		t.Fatal("no preview frame")
	}
	if snap.Format.PixelFormat != format.FourCCGrey || snap.Format.Width != 16 {
		t.Errorf("snapshot format = %v", snap.Format)
	}
	if !bytes.Equal(snap.Data, bytes.Repeat([]byte{0x44}, 16*8)) {
		t.Errorf("snapshot holds %x, want the last frame", snap.Data[:4])
	}
	if snap.Sequence != 4 {
		t.Errorf("snapshot sequence = %d, want 4", snap.Sequence)
	}
	if preview.Frames() != 5 {
		t.Errorf("Frames = %d, want 5", preview.Frames())
	}

	jpg, _, err := preview.JPEG()
	if err != nil {
		t.Fatalf("JPEG: %v", err)
	}
	if !bytes.HasPrefix(jpg, []byte{0xff, 0xd8}) {
		t.Error("preview JPEG lacks SOI marker")
	}

	s := o.Stats()
	if s.Type != "gui" || s.Sent != 5 || s.RenderErrors != 0 || s.Device != "gui" {
		t.Errorf("Stats = %+v", s)
	}
}

type failingRenderer struct{ Preview }

func (r *failingRenderer) Render(Frame) error { return errors.New("window closed") }

func TestGUIRenderErrors(t *testing.T) {
	o, err := NewGUI(Config{Renderer: &failingRenderer{}})
	if err != nil {
		t.Fatalf("NewGUI: %v", err)
	}
	defer o.Close()

	o.SetFormat(format.New(format.FourCCGrey, 16, 8, 0))
	o.StreamOn()
	for i := 0; i < 3; i++ {
		img, err := o.Get(context.Background())
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if err := o.Send(img); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if s := o.Stats(); s.RenderErrors != 3 {
		t.Errorf("RenderErrors = %d, want 3", s.RenderErrors)
	}
}

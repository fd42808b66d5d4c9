package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/video-system/go-vision-pipeline/pkg/format"
	"github.com/video-system/go-vision-pipeline/pkg/pipeline"
	"github.com/video-system/go-vision-pipeline/pkg/v4l2"
)

func newTestPipeline(t *testing.T, outputType string) *pipeline.Pipeline {
	t.Helper()
	cfg := &pipeline.Config{
		ID: "api-test",
		Input: pipeline.InputConfig{
			Device: "loopback",
			FormatConfig: pipeline.FormatConfig{
				PixelFormat: "YUYV",
				Resolution:  "32x24",
				Framerate:   100,
			},
			Timeout: 200 * time.Millisecond,
		},
		Output: pipeline.OutputConfig{Type: outputType},
	}
	cfg.SetDefaults()

	in := v4l2.NewLoopback(v4l2.LoopbackConfig{
		Name:     "loopback",
		Formats:  []format.FourCC{format.FourCCYUYV},
		Interval: 5 * time.Millisecond,
	})
	p, err := pipeline.New(cfg, pipeline.Deps{Input: in})
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	t.Cleanup(func() { p.Close() })

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return p
}

func newTestServer(t *testing.T, p *pipeline.Pipeline) *Server {
	return NewServer(ServerConfig{Engine: p, TelemetryInterval: 20 * time.Millisecond})
}

func waitFrames(t *testing.T, p *pipeline.Pipeline, n uint64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for p.Status().Frames < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d frames", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthAndRequestID(t *testing.T) {
	s := newTestServer(t, newTestPipeline(t, "none"))

	w := do(s, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("missing generated X-Request-ID")
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc")
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "abc" {
		t.Errorf("X-Request-ID = %q, want the caller's", got)
	}
}

func TestStatusAndHistory(t *testing.T) {
	p := newTestPipeline(t, "none")
	s := newTestServer(t, p)
	waitFrames(t, p, 5)

	w := do(s, http.MethodGet, "/api/v1/status", "")
	var status pipeline.Status
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.ID != "api-test" || status.State != "running" || status.Input.Device != "loopback" {
		t.Errorf("status = %+v", status)
	}

	w = do(s, http.MethodGet, "/api/v1/history?last=3", "")
	var history struct {
		Records []json.RawMessage `json:"records"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history.Records) != 3 {
		t.Errorf("got %d records, want 3", len(history.Records))
	}

	w = do(s, http.MethodGet, "/api/v1/history?last=0", "")
	history.Records = nil
	if err := json.Unmarshal(w.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if history.Records == nil || len(history.Records) != 0 {
		t.Errorf("last=0 returned %d records, want an empty list", len(history.Records))
	}

	tests := []string{"/api/v1/history?last=x", "/api/v1/history?since=yesterday"}
	for _, path := range tests {
		if w := do(s, http.MethodGet, path, ""); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status %d, want 400", path, w.Code)
		}
	}
}

func TestDevices(t *testing.T) {
	s := newTestServer(t, newTestPipeline(t, "none"))

	w := do(s, http.MethodGet, "/api/v1/devices?pattern="+t.TempDir()+"/video*", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Devices []v4l2.DeviceInfo `json:"devices"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Devices == nil || len(resp.Devices) != 0 {
		t.Errorf("devices = %v, want an empty list", resp.Devices)
	}

	if w := do(s, http.MethodGet, "/api/v1/devices?pattern=[", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad pattern: status %d, want 400", w.Code)
	}
}

func TestRestart(t *testing.T) {
	p := newTestPipeline(t, "none")
	s := newTestServer(t, p)

	w := do(s, http.MethodPost, "/api/v1/stream/restart", `{"pixel_format":"YUYV","resolution":"64x48","framerate":30}`)
	if w.Code != http.StatusOK {
		t.Fatalf("restart: %d %s", w.Code, w.Body)
	}
	if f := p.Status().Format; !strings.HasPrefix(f, "YUYV 64x48") {
		t.Errorf("format after restart = %q", f)
	}

	tests := []struct {
		name string
		body string
		code int
	}{
		{"rejected by device", `{"pixel_format":"NV12","resolution":"64x48"}`, http.StatusUnprocessableEntity},
		{"unparsable format", `{"pixel_format":"YUYV","resolution":"huge"}`, http.StatusBadRequest},
		{"bad json", `{`, http.StatusBadRequest},
		{"no body", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(s, http.MethodPost, "/api/v1/stream/restart", tt.body)
			if w.Code != tt.code {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.code, w.Body)
			}
		})
	}
	if s := p.Status(); s.State != "running" || !strings.HasPrefix(s.Format, "YUYV 64x48") {
		t.Errorf("after rejected restart: %s %q", s.State, s.Format)
	}
}

// A real server cancels the request context once the response is written; the
// restarted pipeline must keep processing.
func TestRestartOverHTTP(t *testing.T) {
	p := newTestPipeline(t, "none")
	ts := httptest.NewServer(newTestServer(t, p).Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/stream/restart", "application/json",
		strings.NewReader(`{"pixel_format":"YUYV","resolution":"64x48","framerate":100}`))
	if err != nil {
		t.Fatalf("POST restart: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("restart status %d", resp.StatusCode)
	}

	waitFrames(t, p, p.Status().Frames+10)
	if s := p.Status(); s.State != "running" || s.LastError != "" {
		t.Errorf("after restart: %s %q", s.State, s.LastError)
	}
}

func TestAbort(t *testing.T) {
	p := newTestPipeline(t, "none")
	s := newTestServer(t, p)
	waitFrames(t, p, 1)

	if w := do(s, http.MethodPost, "/api/v1/stream/abort", ""); w.Code != http.StatusOK {
		t.Fatalf("abort: %d", w.Code)
	}
	if st := p.Status().Input.State; st != "aborted" {
		t.Errorf("input state = %s, want aborted", st)
	}
}

func TestPreviewNotFound(t *testing.T) {
	s := newTestServer(t, newTestPipeline(t, "none"))
	for _, path := range []string{"/api/v1/preview.jpg", "/api/v1/preview.mjpg"} {
		if w := do(s, http.MethodGet, path, ""); w.Code != http.StatusNotFound {
			t.Errorf("%s: status %d, want 404", path, w.Code)
		}
	}
}

func TestPreview(t *testing.T) {
	p := newTestPipeline(t, "gui")
	s := newTestServer(t, p)
	waitFrames(t, p, 2)

	w := do(s, http.MethodGet, "/api/v1/preview.jpg", "")
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "image/jpeg" {
		t.Fatalf("snapshot: %d %s", w.Code, w.Header().Get("Content-Type"))
	}
	if b := w.Body.Bytes(); len(b) < 2 || b[0] != 0xFF || b[1] != 0xD8 {
		t.Error("snapshot is not a JPEG")
	}

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/preview.mjpg")
	if err != nil {
		t.Fatalf("GET preview.mjpg: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Fatalf("Content-Type = %q", ct)
	}
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil || line != "--frame\r\n" {
		t.Errorf("first line = %q, %v", line, err)
	}
}

func TestWebSocketTelemetry(t *testing.T) {
	p := newTestPipeline(t, "none")
	s := newTestServer(t, p)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/v1/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var last uint64
	for i := 0; i < 3; i++ {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if typ != websocket.BinaryMessage {
			t.Fatalf("message type %d, want binary", typ)
		}
		var status pipeline.Status
		if err := msgpack.Unmarshal(data, &status); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if status.ID != "api-test" {
			t.Errorf("ID = %q", status.ID)
		}
		if status.Frames < last {
			t.Errorf("frames went backwards: %d after %d", status.Frames, last)
		}
		last = status.Frames
	}
}

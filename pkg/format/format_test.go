package format

import "testing"

func TestParseFourCC(t *testing.T) {
	tests := []struct {
		in      string
		want    FourCC
		wantErr bool
	}{
		{"YUYV", FourCCYUYV, false},
		{"mjpg", FourCCMJPEG, false},
		{"MJPEG", FourCCMJPEG, false},
		{"rgb24", FourCCRGB24, false},
		{"NV12", FourCCNV12, false},
		{"ABC", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseFourCC(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFourCC(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFourCC(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFourCCString(t *testing.T) {
	if s := FourCCYUYV.String(); s != "YUYV" {
		t.Errorf("YUYV.String() = %q", s)
	}
	if s := FourCCMJPEG.String(); s != "MJPG" {
		t.Errorf("MJPG.String() = %q", s)
	}
	if s := FourCC(0).String(); s != "...." {
		t.Errorf("zero.String() = %q", s)
	}
}

func TestFrameSize(t *testing.T) {
	tests := []struct {
		f    Format
		want int
	}{
		{New(FourCCYUYV, 640, 480, 30), 640 * 480 * 2},
		{New(FourCCNV12, 1280, 720, 30), 1280 * 720 * 3 / 2},
		{New(FourCCRGB24, 320, 240, 15), 320 * 240 * 3},
		{New(FourCCGrey, 100, 100, 30), 100 * 100},
		{New(FourCCMJPEG, 640, 480, 30), 640 * 480 * 2},
	}

	for _, tt := range tests {
		if got := tt.f.FrameSize(); got != tt.want {
			t.Errorf("%v FrameSize() = %d, want %d", tt.f, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	if err := New(FourCCYUYV, 640, 480, 30).Validate(); err != nil {
		t.Errorf("valid format rejected: %v", err)
	}
	if err := New(0, 640, 480, 30).Validate(); err == nil {
		t.Error("missing pixel format accepted")
	}
	if err := New(FourCCYUYV, 0, 480, 30).Validate(); err == nil {
		t.Error("zero width accepted")
	}
}

func TestScaled(t *testing.T) {
	f := New(FourCCYUYV, 640, 480, 30)
	if f.Scaled() {
		t.Error("format without crop reported as scaled")
	}
	f.Crop = Rect{Width: 1280, Height: 960}
	if !f.Scaled() {
		t.Error("crop larger than output not reported as scaled")
	}
	f.Crop = Rect{Left: 10, Top: 10, Width: 640, Height: 480}
	if f.Scaled() {
		t.Error("same-size crop reported as scaled")
	}
}

func TestParseResolution(t *testing.T) {
	w, h, err := ParseResolution("1920x1080")
	if err != nil || w != 1920 || h != 1080 {
		t.Fatalf("ParseResolution = %d, %d, %v", w, h, err)
	}
	for _, bad := range []string{"", "1920", "x1080", "0x0", "axb"} {
		if _, _, err := ParseResolution(bad); err == nil {
			t.Errorf("ParseResolution(%q) accepted", bad)
		}
	}
}

package ffmpeg

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/video-system/go-vision-pipeline/pkg/format"
)

// FFmpeg wraps the ffmpeg and ffprobe binaries
type FFmpeg struct {
	binaryPath string
	probePath  string
}

// New locates ffmpeg. ffprobe is optional; Probe fails without it.
func New() (*FFmpeg, error) {
	ffmpegPath, err := findBinary("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}

	ffprobePath, err := findBinary("ffprobe")
	if err != nil {
		log.Printf("Warning: %v", err)
	}

	return &FFmpeg{
		binaryPath: ffmpegPath,
		probePath:  ffprobePath,
	}, nil
}

// findBinary locates a binary in PATH or common locations
func findBinary(name string) (string, error) {
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	var paths []string
	switch runtime.GOOS {
	case "darwin":
		paths = []string{
			"/opt/homebrew/bin/" + name,
			"/usr/local/bin/" + name,
		}
	case "linux":
		paths = []string{
			"/usr/bin/" + name,
			"/usr/local/bin/" + name,
		}
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%s not found in PATH or common locations", name)
}

// Version returns the FFmpeg version string
func (f *FFmpeg) Version(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, f.binaryPath, "-version")
	output, err := cmd.Output()
	if err != nil {
		return "", err
	}

	lines := strings.Split(string(output), "\n")
	if len(lines) > 0 && lines[0] != "" {
		return strings.TrimSpace(lines[0]), nil
	}
	return "", fmt.Errorf("no version output")
}

// PixelFormat maps a V4L2 pixel format to ffmpeg input options
func PixelFormat(f format.FourCC) (inputFormat, pixFmt string, err error) {
	switch f {
	case format.FourCCYUYV:
		return "rawvideo", "yuyv422", nil
	case format.FourCCUYVY:
		return "rawvideo", "uyvy422", nil
	case format.FourCCNV12:
		return "rawvideo", "nv12", nil
	case format.FourCCYU12:
		return "rawvideo", "yuv420p", nil
	case format.FourCCRGB24:
		return "rawvideo", "rgb24", nil
	case format.FourCCBGR24:
		return "rawvideo", "bgr24", nil
	case format.FourCCGrey:
		return "rawvideo", "gray", nil
	case format.FourCCMJPEG:
		return "mjpeg", "", nil
	case format.FourCCH264:
		return "h264", "", nil
	}
	return "", "", fmt.Errorf("no ffmpeg pixel format for %s", f)
}

// Process represents a running FFmpeg process
type Process struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	done  chan error
	mu    sync.Mutex

	tailMu sync.Mutex
	tail   []string
}

// EncoderConfig holds configuration for the encoder
type EncoderConfig struct {
	// Input
	Format format.Format

	// Encoding
	Codec   string // libx264, h264_v4l2m2m, copy
	Preset  string // ultrafast, fast, medium
	Bitrate int    // kbps
	GOP     int    // Keyframe interval in frames

	// Output
	OutputPath   string // file path or URL
	OutputFormat string // matroska, mp4, rtsp; empty lets ffmpeg pick from the path
}

func (c *EncoderConfig) setDefaults() {
	if c.Codec == "" {
		c.Codec = "libx264"
	}
	if c.Preset == "" && c.Codec == "libx264" {
		c.Preset = "ultrafast"
	}
	if c.GOP <= 0 {
		fps := c.Format.FPS
		if fps <= 0 {
			fps = 30
		}
		c.GOP = fps * 2
	}
}

// StartEncoder starts an ffmpeg process that encodes raw frames written to it
func (f *FFmpeg) StartEncoder(ctx context.Context, cfg EncoderConfig) (*Process, error) {
	cfg.setDefaults()
	args, err := buildEncoderArgs(cfg)
	if err != nil {
		return nil, err
	}

	return startProcess(exec.CommandContext(ctx, f.binaryPath, args...))
}

// startProcess runs cmd with piped stdin and collects its stderr
func startProcess(cmd *exec.Cmd) (*Process, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("get stdin pipe: %w", err)
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	proc := &Process{
		cmd:   cmd,
		stdin: stdin,
		done:  make(chan error, 1),
	}

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		proc.collect(bufio.NewScanner(stderrPipe))
	}()

	// Wait for process in background
	go func() {
		<-stderrDone
		proc.done <- cmd.Wait()
	}()

	return proc, nil
}

// collect keeps the last lines of ffmpeg's stderr for error reports
func (p *Process) collect(scanner *bufio.Scanner) {
	for scanner.Scan() {
		p.tailMu.Lock()
		p.tail = append(p.tail, scanner.Text())
		if len(p.tail) > 10 {
			p.tail = p.tail[1:]
		}
		p.tailMu.Unlock()
	}
}

// Stderr returns the last lines ffmpeg printed
func (p *Process) Stderr() string {
	p.tailMu.Lock()
	defer p.tailMu.Unlock()
	return strings.Join(p.tail, "\n")
}

// Write writes one frame to ffmpeg stdin
func (p *Process) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdin.Write(data)
}

// Close closes stdin and waits for FFmpeg to finish
func (p *Process) Close() error {
	p.closeStdin()
	return p.wait(<-p.done)
}

// CloseTimeout closes stdin and waits up to timeout for FFmpeg to finish the
// file. A process still running after that is killed.
func (p *Process) CloseTimeout(timeout time.Duration) error {
	p.closeStdin()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-p.done:
		return p.wait(err)
	case <-timer.C:
	}

	if err := p.Kill(); err != nil {
		return fmt.Errorf("kill ffmpeg: %w", err)
	}
	<-p.done
	return fmt.Errorf("ffmpeg still running after %v, killed: %s", timeout, p.Stderr())
}

func (p *Process) closeStdin() {
	p.mu.Lock()
	p.stdin.Close()
	p.mu.Unlock()
}

func (p *Process) wait(err error) error {
	if err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, p.Stderr())
	}
	return nil
}

// Kill forcefully terminates the process
func (p *Process) Kill() error {
	return p.cmd.Process.Kill()
}

// buildEncoderArgs builds ffmpeg arguments that read frames from stdin
func buildEncoderArgs(cfg EncoderConfig) ([]string, error) {
	inputFormat, pixFmt, err := PixelFormat(cfg.Format.PixelFormat)
	if err != nil {
		return nil, err
	}
	if cfg.OutputPath == "" {
		return nil, fmt.Errorf("encoder: no output path")
	}
	fps := cfg.Format.FPS
	if fps <= 0 {
		fps = 30
	}

	args := []string{
		"-y", // Overwrite output
		"-hide_banner",
		"-loglevel", "error",

		// Input
		"-f", inputFormat,
	}
	if pixFmt != "" {
		args = append(args,
			"-pix_fmt", pixFmt,
			"-s", cfg.Format.Resolution(),
		)
	}
	args = append(args,
		"-r", fmt.Sprintf("%d", fps),
		"-i", "pipe:0", // Read from stdin

		// Video encoding
		"-c:v", cfg.Codec,
	)
	if cfg.Codec != "copy" {
		if cfg.Preset != "" {
			args = append(args, "-preset", cfg.Preset)
		}
		if cfg.Bitrate > 0 {
			args = append(args, "-b:v", fmt.Sprintf("%dk", cfg.Bitrate))
		}
		args = append(args,
			"-g", fmt.Sprintf("%d", cfg.GOP),
			"-pix_fmt", "yuv420p",
		)
	}
	if cfg.OutputFormat != "" {
		args = append(args, "-f", cfg.OutputFormat)
	}
	args = append(args, cfg.OutputPath)

	return args, nil
}

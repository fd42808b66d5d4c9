package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/video-system/go-vision-pipeline/internal/ffmpeg"
	"github.com/video-system/go-vision-pipeline/pkg/capture"
	"github.com/video-system/go-vision-pipeline/pkg/format"
	"github.com/video-system/go-vision-pipeline/pkg/output"
	"github.com/video-system/go-vision-pipeline/pkg/ringbuffer"
	"github.com/video-system/go-vision-pipeline/pkg/v4l2"
)

// ErrRunning is returned by Start on a running pipeline
var ErrRunning = errors.New("pipeline already running")

// Deps replaces collaborators the pipeline would otherwise build from its config
type Deps struct {
	Input    v4l2.Device
	Output   output.Output
	Renderer output.Renderer
	Module   Module
	Executor capture.Executor
	OnFault  func(*capture.DriverFault)
}

// Pipeline moves frames from a camera through a processing module to an output
type Pipeline struct {
	cfg     *Config
	cam     *capture.Camera
	out     output.Output
	module  Module
	history *ringbuffer.Buffer
	preview *output.Preview
	onFault func(*capture.DriverFault)

	// opMu serializes Start, Stop, Restart and Close.
	opMu sync.Mutex

	mu        sync.RWMutex
	formats   []format.Format
	format    format.Format
	outFormat format.Format
	running   bool
	startedAt time.Time
	// runCtx bounds the processing loop across restarts; it comes from Start.
	runCtx   context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	lastErr  string
	fault    *capture.DriverFault

	frames         atomic.Uint64
	processErrors  atomic.Uint64
	outputTimeouts atomic.Uint64
	lastDropped    uint64
}

// New builds a pipeline from cfg. Collaborators set in deps are used as given.
func New(cfg *Config, deps Deps) (*Pipeline, error) {
	inFmt, err := cfg.Input.Format()
	if err != nil {
		return nil, fmt.Errorf("input format: %w", err)
	}
	formats := []format.Format{inFmt}
	if cfg.Fallback != nil {
		fb, err := cfg.Fallback.Format()
		if err != nil {
			return nil, fmt.Errorf("fallback format: %w", err)
		}
		formats = append(formats, fb)
	}

	p := &Pipeline{
		cfg:     cfg,
		module:  deps.Module,
		formats: formats,
		onFault: deps.OnFault,
	}
	if p.module == nil {
		factory, ok := Modules[cfg.Module.Name]
		if !ok {
			return nil, fmt.Errorf("unknown module %q", cfg.Module.Name)
		}
		p.module = factory()
	}
	if p.onFault == nil && cfg.FaultPolicy == FaultStop {
		p.onFault = p.stopOnFault
	}

	p.history, err = ringbuffer.New(ringbuffer.Config{
		Duration:   cfg.History.Duration,
		MaxRecords: cfg.History.MaxRecords,
		Path:       cfg.History.Path,
		PipelineID: cfg.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("create history: %w", err)
	}

	camCfg := capture.Config{
		ID:            cfg.ID + "/input",
		Buffers:       cfg.Input.Buffers,
		Timeout:       cfg.Input.Timeout,
		PollTimeout:   cfg.Input.PollTimeout,
		Dummy:         cfg.Input.Dummy,
		PresetControl: cfg.Input.PresetControl,
		Executor:      deps.Executor,
		OnFault:       p.onFault,
	}
	dev := deps.Input
	if dev == nil && cfg.Input.Device == "loopback" {
		dev = testPattern(inFmt)
	}
	if dev != nil {
		p.cam, err = capture.New(dev, camCfg)
	} else {
		p.cam, err = capture.Open(cfg.Input.Device, camCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}

	p.out = deps.Output
	if p.out == nil {
		renderer := deps.Renderer
		if renderer == nil && cfg.Output.Type == "gui" {
			renderer, err = newRenderer(cfg.Output)
			if err != nil {
				p.cam.Close()
				return nil, err
			}
		}
		p.out, err = output.New(output.Config{
			ID:          cfg.ID + "/output",
			Type:        cfg.Output.Type,
			Device:      cfg.Output.Device,
			Buffers:     cfg.Output.Buffers,
			Timeout:     cfg.Output.Timeout,
			PollTimeout: cfg.Output.PollTimeout,
			Renderer:    renderer,
			OnFault:     p.onFault,
		})
		if err != nil {
			p.cam.Close()
			return nil, fmt.Errorf("open output: %w", err)
		}
	}
	if g, ok := p.out.(*output.GUI); ok {
		p.preview, _ = g.Renderer().(*output.Preview)
	}

	log.Printf("[%s] Pipeline ready: %s -> %s -> %s (%s)",
		cfg.ID, p.cam.Device().Name(), p.module.Name(), p.out.Type(), v4l2.Describe(inFmt.PixelFormat))
	return p, nil
}

func newRenderer(cfg OutputConfig) (output.Renderer, error) {
	switch cfg.Renderer {
	case "", "preview":
		return output.NewPreview(cfg.PreviewQuality), nil
	case "encoder":
		enc, err := output.NewEncoder(ffmpeg.EncoderConfig{
			Codec:        cfg.Encoder.Codec,
			Preset:       cfg.Encoder.Preset,
			Bitrate:      cfg.Encoder.Bitrate,
			GOP:          cfg.Encoder.GOP,
			OutputPath:   cfg.Encoder.Path,
			OutputFormat: cfg.Encoder.Format,
		})
		if err != nil {
			return nil, fmt.Errorf("create encoder renderer: %w", err)
		}
		return enc, nil
	}
	return nil, fmt.Errorf("unknown renderer %q", cfg.Renderer)
}

// testPattern is a software camera paced at the configured frame rate
func testPattern(f format.Format) *v4l2.Loopback {
	fps := f.FPS
	if fps <= 0 {
		fps = 30
	}
	return v4l2.NewLoopback(v4l2.LoopbackConfig{
		Name:     "loopback",
		Interval: time.Second / time.Duration(fps),
		Fill: func(frame []byte, seq uint32) int {
			// Horizontal bands that scroll one row per frame
			for i := range frame {
				frame[i] = byte((i/64 + int(seq)) * 8)
			}
			return len(frame)
		},
	})
}

// ID returns the pipeline identifier
func (p *Pipeline) ID() string { return p.cfg.ID }

// Camera returns the input camera
func (p *Pipeline) Camera() *capture.Camera { return p.cam }

// Output returns the video sink
func (p *Pipeline) Output() output.Output { return p.out }

// History returns the frame history
func (p *Pipeline) History() *ringbuffer.Buffer { return p.history }

// Preview returns the preview renderer when the output renders one
func (p *Pipeline) Preview() (*output.Preview, bool) {
	return p.preview, p.preview != nil
}

// Start negotiates a format, starts both streams and launches the processing loop
func (p *Pipeline) Start(ctx context.Context) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	formats := p.formats
	p.runCtx = ctx
	p.mu.Unlock()
	return p.start(ctx, formats)
}

func (p *Pipeline) start(ctx context.Context, formats []format.Format) error {
	p.mu.RLock()
	running := p.running
	p.mu.RUnlock()
	if running {
		return ErrRunning
	}

	f, err := p.negotiate(formats)
	if err != nil {
		return err
	}

	outFmt := p.module.OutputFormat(f)
	if err := p.out.SetFormat(outFmt); err != nil {
		return fmt.Errorf("output %s: %w", p.out.Name(), err)
	}
	if err := p.out.StreamOn(); err != nil {
		return fmt.Errorf("output %s: %w", p.out.Name(), err)
	}
	if err := p.cam.StreamOn(); err != nil {
		p.out.StreamOff()
		return fmt.Errorf("input %s: %w", p.cam.ID(), err)
	}
	if err := p.history.Start(ctx); err != nil {
		log.Printf("[%s] Warning: start history: %v", p.cfg.ID, err)
	}
	p.history.Reset()

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	p.mu.Lock()
	p.format = f
	p.outFormat = outFmt
	p.running = true
	p.startedAt = time.Now()
	p.cancel = cancel
	p.loopDone = done
	p.lastErr = ""
	p.fault = nil
	p.lastDropped = p.cam.Stats().Dropped
	p.mu.Unlock()

	go p.run(loopCtx, done)

	log.Printf("[%s] Pipeline started: %v -> %v", p.cfg.ID, f, outFmt)
	return nil
}

// negotiate sets the first format the camera accepts. Config errors move on to
// the next candidate; anything else is returned.
func (p *Pipeline) negotiate(formats []format.Format) (format.Format, error) {
	var lastErr error
	for i, f := range formats {
		err := p.cam.SetFormat(f)
		if err == nil {
			if i > 0 {
				log.Printf("[%s] Using fallback format %v", p.cfg.ID, f)
			}
			return p.cam.Format(), nil
		}
		var ce *capture.ConfigError
		if !errors.As(err, &ce) {
			return format.Format{}, err
		}
		log.Printf("[%s] Warning: format %v rejected: %v", p.cfg.ID, f, ce.Err)
		lastErr = err
	}
	return format.Format{}, lastErr
}

func (p *Pipeline) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		in, err := p.cam.Get(ctx)
		if err != nil {
			if errors.Is(err, capture.ErrNoFrame) {
				continue
			}
			p.exit(ctx, "input", err)
			return
		}
		got := time.Now()

		out, err := p.out.Get(ctx)
		if err != nil {
			p.cam.Done(in)
			if errors.Is(err, capture.ErrNoFrame) {
				if p.outputTimeouts.Add(1) == 1 {
					log.Printf("[%s] Warning: output %s holds every buffer", p.cfg.ID, p.out.Name())
				}
				continue
			}
			p.exit(ctx, "output", err)
			return
		}

		err = p.module.Process(ctx, in, out)
		latency := time.Since(got)
		rec := ringbuffer.Record{
			Sequence:   in.Sequence,
			Slot:       in.Index,
			CapturedAt: got,
			Latency:    latency,
			BytesUsed:  out.BytesUsed(),
		}
		p.cam.Done(in)

		if err != nil {
			if p.processErrors.Add(1) == 1 {
				log.Printf("[%s] Warning: module %s: %v", p.cfg.ID, p.module.Name(), err)
			}
			p.setErr(fmt.Errorf("module %s: %w", p.module.Name(), err))
		}

		// The output keeps its cadence even when the module failed.
		if err := p.out.Send(out); err != nil {
			p.exit(ctx, "output", err)
			return
		}

		dropped := p.cam.Stats().Dropped
		p.mu.Lock()
		rec.Dropped = dropped - p.lastDropped
		p.lastDropped = dropped
		p.mu.Unlock()

		p.frames.Add(1)
		p.history.Add(rec)
	}
}

// exit records why the loop ended unless the pipeline is stopping
func (p *Pipeline) exit(ctx context.Context, side string, err error) {
	if ctx.Err() != nil || errors.Is(err, capture.ErrAborted) || errors.Is(err, context.Canceled) {
		return
	}
	log.Printf("[%s] Processing stopped by %s: %v", p.cfg.ID, side, err)
	p.setErr(fmt.Errorf("%s: %w", side, err))
}

func (p *Pipeline) setErr(err error) {
	p.mu.Lock()
	p.lastErr = err.Error()
	p.mu.Unlock()
}

// stopOnFault is the "stop" fault policy. It runs on the goroutine that hit the fault,
// so the streams are stopped from a new one.
func (p *Pipeline) stopOnFault(f *capture.DriverFault) {
	p.mu.Lock()
	p.fault = f
	p.lastErr = f.Error()
	p.mu.Unlock()

	go func() {
		if err := p.Stop(); err != nil {
			log.Printf("[%s] Warning: stop after fault: %v", p.cfg.ID, err)
		}
	}()
}

// Stop aborts both streams, waits for the processing loop and stops the drivers
func (p *Pipeline) Stop() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	return p.stop()
}

func (p *Pipeline) stop() error {
	p.mu.Lock()
	running, cancel, done := p.running, p.cancel, p.loopDone
	p.mu.Unlock()
	if !running {
		return nil
	}

	// Wake anything blocked in Get before touching the drivers.
	p.cam.AbortStream()
	p.out.AbortStream()
	cancel()
	<-done

	var result error
	if err := p.cam.StreamOff(); err != nil {
		result = err
	}
	if err := p.out.StreamOff(); err != nil && result == nil {
		result = err
	}
	p.history.Stop()

	p.mu.Lock()
	p.running = false
	p.cancel = nil
	p.loopDone = nil
	p.mu.Unlock()

	log.Printf("[%s] Pipeline stopped (frames %d, module errors %d)",
		p.cfg.ID, p.frames.Load(), p.processErrors.Load())
	return result
}

// AbortStream makes both streams stop delivering frames. Stop completes the shutdown.
func (p *Pipeline) AbortStream() {
	p.cam.AbortStream()
	p.out.AbortStream()
}

// Restart stops the streams and starts again with f, or with the configured formats
// when f is nil. When f is rejected the previous formats are restored and the
// *capture.ConfigError is returned. ctx only bounds the call; the restarted loop
// keeps running under the context given to Start.
func (p *Pipeline) Restart(ctx context.Context, f *format.Format) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.stop(); err != nil {
		log.Printf("[%s] Warning: stop for restart: %v", p.cfg.ID, err)
	}

	p.mu.RLock()
	formats := p.formats
	runCtx := p.runCtx
	p.mu.RUnlock()
	if runCtx == nil {
		runCtx = context.Background()
	}

	if f == nil {
		return p.start(runCtx, formats)
	}

	err := p.start(runCtx, []format.Format{*f})
	if err == nil {
		p.mu.Lock()
		p.formats = append([]format.Format{*f}, formats[1:]...)
		p.mu.Unlock()
		return nil
	}
	var ce *capture.ConfigError
	if !errors.As(err, &ce) {
		return err
	}
	log.Printf("[%s] Warning: restart with %v failed, restoring previous format", p.cfg.ID, f)
	if rerr := p.start(runCtx, formats); rerr != nil {
		log.Printf("[%s] Warning: restore: %v", p.cfg.ID, rerr)
	}
	return err
}

// Close stops the pipeline and releases both devices
func (p *Pipeline) Close() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	err := p.stop()
	if cerr := p.cam.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := p.out.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Status is a snapshot of the pipeline
type Status struct {
	ID             string            `json:"id" msgpack:"id"`
	State          string            `json:"state" msgpack:"state"`
	StartedAt      int64             `json:"started_at,omitempty" msgpack:"started_at,omitempty"`
	Uptime         float64           `json:"uptime_seconds" msgpack:"uptime_seconds"`
	Format         string            `json:"format,omitempty" msgpack:"format,omitempty"`
	OutputFormat   string            `json:"output_format,omitempty" msgpack:"output_format,omitempty"`
	Module         string            `json:"module" msgpack:"module"`
	Frames         uint64            `json:"frames" msgpack:"frames"`
	ProcessErrors  uint64            `json:"process_errors" msgpack:"process_errors"`
	OutputTimeouts uint64            `json:"output_timeouts" msgpack:"output_timeouts"`
	LastError      string            `json:"last_error,omitempty" msgpack:"last_error,omitempty"`
	Input          capture.Stats     `json:"input" msgpack:"input"`
	Output         output.Stats      `json:"output" msgpack:"output"`
	History        ringbuffer.Status `json:"history" msgpack:"history"`
}

// Status returns a snapshot of the pipeline and its devices
func (p *Pipeline) Status() Status {
	p.mu.RLock()
	s := Status{
		ID:             p.cfg.ID,
		State:          "stopped",
		Module:         p.module.Name(),
		Frames:         p.frames.Load(),
		ProcessErrors:  p.processErrors.Load(),
		OutputTimeouts: p.outputTimeouts.Load(),
		LastError:      p.lastErr,
	}
	if p.running {
		s.State = "running"
		s.StartedAt = p.startedAt.UnixMilli()
		s.Uptime = time.Since(p.startedAt).Seconds()
	}
	if p.fault != nil {
		s.State = "faulted"
	}
	if !p.format.IsZero() {
		s.Format = p.format.String()
		s.OutputFormat = p.outFormat.String()
	}
	p.mu.RUnlock()

	s.Input = p.cam.Stats()
	s.Output = p.out.Stats()
	s.History = p.history.GetStatus()
	return s
}

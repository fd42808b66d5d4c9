package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/video-system/go-vision-pipeline/internal/ffmpeg"
	"github.com/video-system/go-vision-pipeline/pkg/api"
	"github.com/video-system/go-vision-pipeline/pkg/pipeline"
	"github.com/video-system/go-vision-pipeline/pkg/platform"
	"github.com/video-system/go-vision-pipeline/pkg/v4l2"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	host := flag.String("host", "", "Override API host")
	port := flag.Int("port", 0, "Override API port")
	showVersion := flag.Bool("version", false, "Print version and exit")
	listDevices := flag.Bool("list-devices", false, "List V4L2 devices and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("visiond", version)
		return
	}
	if *listDevices {
		devices, err := v4l2.ListDevices("")
		if err != nil {
			log.Fatalf("Failed to list devices: %v", err)
		}
		for _, d := range devices {
			fmt.Printf("%-14s %-20s %-12s capture=%v output=%v mplane=%v\n",
				d.Path, d.Card, d.Driver, d.Capture, d.Output, d.Multiplanar)
		}
		return
	}

	// Load configuration
	cfg, err := pipeline.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *host != "" {
		cfg.API.Host = *host
	}
	if *port != 0 {
		cfg.API.Port = *port
	}

	p, err := pipeline.New(cfg, pipeline.Deps{})
	if err != nil {
		log.Fatalf("Failed to create pipeline: %v", err)
	}

	// Setup graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := p.Start(ctx); err != nil {
		p.Close()
		log.Fatalf("Failed to start pipeline: %v", err)
	}

	var apiServer *api.Server
	if cfg.API.IsEnabled() {
		apiServer = api.NewServer(api.ServerConfig{
			Host:   cfg.API.Host,
			Port:   cfg.API.Port,
			Engine: p,
		})
		go func() {
			if err := apiServer.Start(); err != nil {
				log.Printf("API server error: %v", err)
			}
		}()
	}

	// Register with the platform
	var platformClient *platform.Client
	heartbeatDone := make(chan struct{})
	if cfg.Platform.Enabled {
		platformClient = platform.New(platform.Config{
			URL:    cfg.Platform.URL,
			APIKey: cfg.Platform.APIKey,
		})
		agentID, err := registerAgent(ctx, platformClient, cfg, p)
		if err != nil {
			log.Printf("Warning: Failed to register with platform: %v", err)
			close(heartbeatDone)
		} else {
			log.Printf("Registered with platform as agent: %s", agentID)
			go func() {
				defer close(heartbeatDone)
				runHeartbeat(ctx, platformClient, agentID, cfg, p)
			}()
		}
	} else {
		close(heartbeatDone)
	}

	<-ctx.Done()
	log.Println("Shutdown signal received...")

	if apiServer != nil {
		apiServer.Stop()
	}
	if err := p.Close(); err != nil {
		log.Printf("Warning: close pipeline: %v", err)
	}
	<-heartbeatDone

	if platformClient != nil && cfg.Platform.UploadRecording {
		uploadRecording(platformClient, cfg)
	}

	log.Println("Pipeline stopped")
}

// registerAgent registers this pipeline agent with the video platform
func registerAgent(ctx context.Context, client *platform.Client, cfg *pipeline.Config, p *pipeline.Pipeline) (string, error) {
	hostname, _ := os.Hostname()

	agentID := cfg.Platform.AgentID
	if agentID == "" {
		agentID = fmt.Sprintf("agent-%s-%s", hostname, cfg.ID)
	}
	agentName := cfg.Platform.AgentName
	if agentName == "" {
		agentName = fmt.Sprintf("Vision Pipeline %s (%s)", cfg.ID, hostname)
	}

	agentURL := fmt.Sprintf("http://%s:%d", hostname, cfg.API.Port)
	if cfg.API.Host != "" && cfg.API.Host != "0.0.0.0" {
		agentURL = fmt.Sprintf("http://%s:%d", cfg.API.Host, cfg.API.Port)
	}

	status := p.Status()
	agent, err := client.RegisterAgent(ctx, platform.RegisterAgentRequest{
		ID:       agentID,
		Name:     agentName,
		URL:      agentURL,
		Hostname: hostname,
		Version:  version,
		Input:    status.Input.Device,
		Output:   cfg.Output.Type,
		Module:   status.Module,
		Format:   status.Format,
	})
	if err != nil {
		return "", err
	}
	return agent.ID, nil
}

// runHeartbeat reports pipeline status until ctx is done, then reports offline
func runHeartbeat(ctx context.Context, client *platform.Client, agentID string, cfg *pipeline.Config, p *pipeline.Pipeline) {
	ticker := time.NewTicker(cfg.Platform.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			offlineCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, _ = client.Heartbeat(offlineCtx, agentID, platform.AgentHeartbeatRequest{
				Status: platform.AgentStatusOffline,
			})
			cancel()
			return
		case <-ticker.C:
			s := p.Status()
			req := platform.AgentHeartbeatRequest{
				Status:       platform.AgentStatusOnline,
				Frames:       s.Frames,
				Dropped:      s.Input.Dropped,
				FPS:          s.History.FPS,
				ErrorMessage: s.LastError,
			}
			if s.State == "faulted" {
				req.Status = platform.AgentStatusFaulted
			}
			if _, err := client.Heartbeat(ctx, agentID, req); err != nil {
				log.Printf("Heartbeat failed: %v", err)
			}
		}
	}
}

// uploadRecording sends the finished encoder output to the platform
func uploadRecording(client *platform.Client, cfg *pipeline.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	path := cfg.Output.Encoder.Path
	meta := platform.RecordingMetadata{PipelineID: cfg.ID}
	if ff, err := ffmpeg.New(); err == nil {
		if info, err := ff.Probe(ctx, path); err == nil {
			meta.Codec = info.Codec
			meta.Width = info.Width
			meta.Height = info.Height
			meta.Frames = info.Frames
			meta.DurationSeconds = info.Duration
		} else {
			log.Printf("Warning: probe recording %s: %v", path, err)
		}
	}

	res, err := client.UploadRecording(ctx, path, meta)
	if err != nil {
		log.Printf("Warning: upload recording: %v", err)
		return
	}
	log.Printf("Uploaded recording %s (%d bytes)", res.FileName, res.FileSize)
}

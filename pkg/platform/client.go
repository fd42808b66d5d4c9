package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Client reports a pipeline agent to the video platform
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Config holds platform client configuration
type Config struct {
	URL    string
	APIKey string
}

// Agent status values
const (
	AgentStatusOnline  = "online"
	AgentStatusFaulted = "faulted"
	AgentStatusOffline = "offline"
)

// RegisterAgentRequest announces a pipeline agent
type RegisterAgentRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	Hostname string `json:"hostname"`
	Version  string `json:"version"`
	Input    string `json:"input"`
	Output   string `json:"output"`
	Module   string `json:"module"`
	Format   string `json:"format,omitempty"`
}

// Agent is the platform's view of a registered agent
type Agent struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// AgentHeartbeatRequest carries the periodic agent status
type AgentHeartbeatRequest struct {
	Status       string  `json:"status"`
	Frames       uint64  `json:"frames"`
	Dropped      uint64  `json:"dropped"`
	FPS          float64 `json:"fps"`
	ErrorMessage string  `json:"error_message,omitempty"`
}

// RecordingMetadata describes an uploaded recording
type RecordingMetadata struct {
	PipelineID      string  `json:"pipeline_id"`
	Codec           string  `json:"codec,omitempty"`
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
	Frames          int     `json:"frames,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	FileSizeBytes   int64   `json:"file_size_bytes,omitempty"`
}

// UploadResult represents the result of a recording upload
type UploadResult struct {
	Status   string `json:"status"`
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
	FilePath string `json:"file_path"`
}

// New creates a new platform client
func New(cfg Config) *Client {
	return &Client{
		baseURL: cfg.URL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute, // Long timeout for large uploads
		},
	}
}

// IsConfigured returns true if the client is properly configured
func (c *Client) IsConfigured() bool {
	return c.baseURL != ""
}

// CheckHealth checks if the platform is accessible
func (c *Client) CheckHealth(ctx context.Context) error {
	if !c.IsConfigured() {
		return fmt.Errorf("platform client not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("platform unhealthy (status %d)", resp.StatusCode)
	}
	return nil
}

// RegisterAgent registers the agent and returns the platform's record of it
func (c *Client) RegisterAgent(ctx context.Context, reg RegisterAgentRequest) (*Agent, error) {
	var agent Agent
	if err := c.postJSON(ctx, "/api/v1/agents", reg, &agent); err != nil {
		return nil, fmt.Errorf("register agent: %w", err)
	}
	if agent.ID == "" {
		agent.ID = reg.ID
	}
	return &agent, nil
}

// Heartbeat reports the agent status
func (c *Client) Heartbeat(ctx context.Context, agentID string, hb AgentHeartbeatRequest) (*Agent, error) {
	var agent Agent
	if err := c.postJSON(ctx, fmt.Sprintf("/api/v1/agents/%s/heartbeat", agentID), hb, &agent); err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}
	return &agent, nil
}

// UploadRecording uploads an encoded recording with its metadata
func (c *Client) UploadRecording(ctx context.Context, filePath string, metadata RecordingMetadata) (*UploadResult, error) {
	if !c.IsConfigured() {
		return nil, fmt.Errorf("platform client not configured")
	}

	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	fileInfo, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	metadata.FileSizeBytes = fileInfo.Size()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	if err := writer.WriteField("metadata", string(metadataJSON)); err != nil {
		return nil, fmt.Errorf("write metadata field: %w", err)
	}

	part, err := writer.CreateFormFile("file", filepath.Base(filePath))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("copy file to form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/recordings/upload", &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var result UploadResult
	if err := c.do(req, &result); err != nil {
		return nil, fmt.Errorf("upload recording: %w", err)
	}
	return &result, nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out interface{}) error {
	if !c.IsConfigured() {
		return fmt.Errorf("platform client not configured")
	}

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/video-system/go-vision-pipeline/pkg/capture"
	"github.com/video-system/go-vision-pipeline/pkg/format"
	"github.com/video-system/go-vision-pipeline/pkg/output"
	"github.com/video-system/go-vision-pipeline/pkg/pipeline"
	"github.com/video-system/go-vision-pipeline/pkg/ringbuffer"
	"github.com/video-system/go-vision-pipeline/pkg/v4l2"
)

// Engine is the pipeline as seen by the API
type Engine interface {
	Status() pipeline.Status
	History() *ringbuffer.Buffer
	Preview() (*output.Preview, bool)
	AbortStream()
	Restart(ctx context.Context, f *format.Format) error
}

// ServerConfig holds API server configuration
type ServerConfig struct {
	Host   string
	Port   int
	Engine Engine
	// TelemetryInterval is the websocket status period (default 1s).
	TelemetryInterval time.Duration
}

// Server is the HTTP control API
type Server struct {
	cfg      ServerConfig
	router   *gin.Engine
	server   *http.Server
	upgrader websocket.Upgrader

	wsMu    sync.Mutex
	wsConns map[*websocket.Conn]bool
}

// NewServer creates a new API server
func NewServer(cfg ServerConfig) *Server {
	if cfg.TelemetryInterval <= 0 {
		cfg.TelemetryInterval = time.Second
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:     cfg,
		router:  gin.New(),
		wsConns: make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.router.Use(gin.Recovery(), requestID(), accessLog())

	s.router.GET("/health", s.handleHealth)
	v1 := s.router.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/history", s.handleHistory)
	v1.GET("/devices", s.handleDevices)
	v1.POST("/stream/abort", s.handleAbort)
	v1.POST("/stream/restart", s.handleRestart)
	v1.GET("/preview.jpg", s.handleSnapshot)
	v1.GET("/preview.mjpg", s.handlePreview)
	v1.GET("/ws", s.handleWebSocket)

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: s.router,
	}
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Stop
func (s *Server) Start() error {
	log.Printf("API server starting on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the API server and closes websocket clients
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.server.Shutdown(ctx)

	s.wsMu.Lock()
	for conn := range s.wsConns {
		conn.Close()
	}
	s.wsMu.Unlock()
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Writer.Status() >= http.StatusBadRequest {
			log.Printf("[api] %s %s -> %d in %v (request %s)",
				c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start), c.GetString("request_id"))
		}
	}
}

func abortError(c *gin.Context, code int, err error) {
	c.AbortWithStatusJSON(code, gin.H{
		"error":      err.Error(),
		"request_id": c.GetString("request_id"),
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "go-vision-pipeline",
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Engine.Status())
}

func (s *Server) handleHistory(c *gin.Context) {
	history := s.cfg.Engine.History()

	var records []ringbuffer.Record
	switch {
	case c.Query("since") != "":
		ms, err := strconv.ParseInt(c.Query("since"), 10, 64)
		if err != nil {
			abortError(c, http.StatusBadRequest, fmt.Errorf("invalid since: %w", err))
			return
		}
		records = history.Records(time.UnixMilli(ms))
	default:
		n, err := strconv.Atoi(c.DefaultQuery("last", "100"))
		if err != nil || n < 0 {
			abortError(c, http.StatusBadRequest, fmt.Errorf("invalid last %q", c.Query("last")))
			return
		}
		records = history.Last(n)
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  history.GetStatus(),
		"records": records,
	})
}

func (s *Server) handleDevices(c *gin.Context) {
	devices, err := v4l2.ListDevices(c.Query("pattern"))
	if err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

func (s *Server) handleAbort(c *gin.Context) {
	s.cfg.Engine.AbortStream()
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	})
}

// restartRequest selects a new input format; an empty body restarts with the current one
type restartRequest struct {
	PixelFormat string       `json:"pixel_format"`
	Resolution  string       `json:"resolution"`
	Framerate   int          `json:"framerate"`
	Crop        *format.Rect `json:"crop,omitempty"`
	Preset      *int         `json:"preset,omitempty"`
}

func (s *Server) handleRestart(c *gin.Context) {
	var f *format.Format
	if c.Request.ContentLength > 0 {
		var req restartRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			abortError(c, http.StatusBadRequest, err)
			return
		}
		parsed, err := pipeline.FormatConfig{
			PixelFormat: req.PixelFormat,
			Resolution:  req.Resolution,
			Framerate:   req.Framerate,
			Crop:        req.Crop,
			Preset:      req.Preset,
		}.Format()
		if err != nil {
			abortError(c, http.StatusBadRequest, err)
			return
		}
		f = &parsed
	}

	if err := s.cfg.Engine.Restart(c.Request.Context(), f); err != nil {
		var ce *capture.ConfigError
		if errors.As(err, &ce) {
			abortError(c, http.StatusUnprocessableEntity, err)
			return
		}
		abortError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, s.cfg.Engine.Status())
}

func (s *Server) preview(c *gin.Context) (*output.Preview, bool) {
	p, ok := s.cfg.Engine.Preview()
	if !ok {
		abortError(c, http.StatusNotFound, fmt.Errorf("output has no preview renderer"))
	}
	return p, ok
}

func (s *Server) handleSnapshot(c *gin.Context) {
	p, ok := s.preview(c)
	if !ok {
		return
	}
	data, snap, err := p.JPEG()
	if err != nil {
		abortError(c, http.StatusServiceUnavailable, err)
		return
	}
	c.Header("X-Frame-Sequence", strconv.FormatUint(uint64(snap.Sequence), 10))
	c.Data(http.StatusOK, "image/jpeg", data)
}

// handlePreview streams the preview as multipart MJPEG, one part per rendered frame
func (s *Server) handlePreview(c *gin.Context) {
	p, ok := s.preview(c)
	if !ok {
		return
	}

	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	done := c.Request.Context().Done()
	for {
		updated := p.Updated()
		if data, _, err := p.JPEG(); err == nil {
			if _, err := fmt.Fprintf(c.Writer, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(data)); err != nil {
				return
			}
			if _, err := c.Writer.Write(append(data, '\r', '\n')); err != nil {
				return
			}
			c.Writer.Flush()
		}

		select {
		case <-done:
			return
		case <-updated:
		}
	}
}

// handleWebSocket pushes a msgpack-encoded status every TelemetryInterval
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[api] Warning: websocket upgrade from %s: %v", c.Request.RemoteAddr, err)
		return
	}

	s.wsMu.Lock()
	s.wsConns[conn] = true
	s.wsMu.Unlock()
	defer func() {
		conn.Close()
		s.wsMu.Lock()
		delete(s.wsConns, conn)
		s.wsMu.Unlock()
	}()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.TelemetryInterval)
	defer ticker.Stop()

	for {
		data, err := msgpack.Marshal(s.cfg.Engine.Status())
		if err != nil {
			log.Printf("[api] Warning: encode status: %v", err)
			return
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			return
		}

		select {
		case <-closed:
			return
		case <-ticker.C:
		}
	}
}

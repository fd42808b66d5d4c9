package ringbuffer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Config holds history configuration
type Config struct {
	Duration   time.Duration // How long to keep records (e.g., 30s)
	MaxRecords int           // Hard bound on kept records
	Path       string        // Directory for the index written on Stop (optional)
	PipelineID string
	// CleanupInterval is how often expired records are dropped.
	CleanupInterval time.Duration
}

// Record is the timing of one processed frame
type Record struct {
	Sequence   uint32        `json:"sequence" msgpack:"sequence"`
	Slot       int           `json:"slot" msgpack:"slot"`
	CapturedAt time.Time     `json:"captured_at" msgpack:"captured_at"`
	Latency    time.Duration `json:"latency_ns" msgpack:"latency_ns"`
	BytesUsed  int           `json:"bytes_used" msgpack:"bytes_used"`
	// Dropped counts frames the camera replaced since the previous record.
	Dropped uint64 `json:"dropped" msgpack:"dropped"`
}

// Buffer keeps a sliding window of frame records
type Buffer struct {
	cfg Config

	mu      sync.RWMutex
	records []Record
	total   uint64
	dropped uint64

	onRecord func(Record)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a history buffer
func New(cfg Config) (*Buffer, error) {
	if cfg.Duration <= 0 {
		cfg.Duration = 30 * time.Second
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = 10000
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Second
	}
	if cfg.Path != "" {
		if err := os.MkdirAll(cfg.Path, 0755); err != nil {
			return nil, fmt.Errorf("create history path: %w", err)
		}
	}

	return &Buffer{
		cfg:     cfg,
		records: make([]Record, 0, 256),
	}, nil
}

// OnRecord sets a callback for new records
func (b *Buffer) OnRecord(fn func(Record)) {
	b.mu.Lock()
	b.onRecord = fn
	b.mu.Unlock()
}

// Start starts the cleanup loop
func (b *Buffer) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})

	log.Printf("[%s] Frame history started (window %v, max %d)", b.cfg.PipelineID, b.cfg.Duration, b.cfg.MaxRecords)

	go b.cleanupLoop()
	return nil
}

// Stop stops the cleanup loop and writes the index when a path is configured
func (b *Buffer) Stop() {
	if b.cancel != nil {
		b.cancel()
		<-b.done
		b.cancel = nil
	}
	if b.cfg.Path != "" {
		if err := b.saveIndex(); err != nil {
			log.Printf("[%s] Warning: save history: %v", b.cfg.PipelineID, err)
		}
	}
	log.Printf("[%s] Frame history stopped", b.cfg.PipelineID)
}

// Add appends a record
func (b *Buffer) Add(rec Record) {
	b.mu.Lock()
	b.records = append(b.records, rec)
	if over := len(b.records) - b.cfg.MaxRecords; over > 0 {
		b.records = append(b.records[:0], b.records[over:]...)
	}
	b.total++
	b.dropped += rec.Dropped
	fn := b.onRecord
	b.mu.Unlock()

	if fn != nil {
		fn(rec)
	}
}

// Reset drops every record, for a new stream
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.records = b.records[:0]
	b.mu.Unlock()
}

// Records returns the records captured at or after since, oldest first
func (b *Buffer) Records(since time.Time) []Record {
	b.mu.RLock()
	defer b.mu.RUnlock()

	i := 0
	for i < len(b.records) && b.records[i].CapturedAt.Before(since) {
		i++
	}
	out := make([]Record, len(b.records)-i)
	copy(out, b.records[i:])
	return out
}

// Last returns up to n newest records, oldest first. n <= 0 returns none.
func (b *Buffer) Last(n int) []Record {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 {
		return []Record{}
	}
	if n > len(b.records) {
		n = len(b.records)
	}
	out := make([]Record, n)
	copy(out, b.records[len(b.records)-n:])
	return out
}

// GetStatus summarizes the window
func (b *Buffer) GetStatus() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Status{
		PipelineID: b.cfg.PipelineID,
		Count:      len(b.records),
		Total:      b.total,
		Dropped:    b.dropped,
		Window:     b.cfg.Duration.String(),
	}
	if len(b.records) == 0 {
		return s
	}

	first, last := b.records[0], b.records[len(b.records)-1]
	s.FirstSeq = first.Sequence
	s.LastSeq = last.Sequence
	s.OldestTime = first.CapturedAt.UnixMilli()
	s.NewestTime = last.CapturedAt.UnixMilli()

	var sum time.Duration
	for _, r := range b.records {
		sum += r.Latency
		if r.Latency > s.MaxLatency {
			s.MaxLatency = r.Latency
		}
	}
	s.MeanLatency = sum / time.Duration(len(b.records))
	if span := last.CapturedAt.Sub(first.CapturedAt); len(b.records) > 1 && span > 0 {
		s.FPS = float64(len(b.records)-1) / span.Seconds()
	}
	return s
}

// cleanupLoop removes old records
func (b *Buffer) cleanupLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.cleanup(time.Now())
		}
	}
}

// cleanup removes records older than the window
func (b *Buffer) cleanup(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := now.Add(-b.cfg.Duration)
	i := 0
	for i < len(b.records) && b.records[i].CapturedAt.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.records = append(b.records[:0], b.records[i:]...)
	}
	return i
}

// saveIndex writes the window to disk
func (b *Buffer) saveIndex() error {
	b.mu.RLock()
	index := Index{
		PipelineID: b.cfg.PipelineID,
		UpdatedAt:  time.Now(),
		Records:    append([]Record(nil), b.records...),
	}
	b.mu.RUnlock()
	index.Status = b.GetStatus()

	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	return os.WriteFile(filepath.Join(b.cfg.Path, "history.json"), data, 0644)
}

// LoadIndex reads an index written by Stop
func LoadIndex(path string) (*Index, error) {
	data, err := os.ReadFile(filepath.Join(path, "history.json"))
	if err != nil {
		return nil, err
	}
	var index Index
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}
	return &index, nil
}

// Index is the on-disk history format
type Index struct {
	PipelineID string    `json:"pipeline_id"`
	UpdatedAt  time.Time `json:"updated_at"`
	Status     Status    `json:"status"`
	Records    []Record  `json:"records"`
}

// Status represents the history status
type Status struct {
	PipelineID  string        `json:"pipeline_id" msgpack:"pipeline_id"`
	Window      string        `json:"window" msgpack:"window"`
	Count       int           `json:"count" msgpack:"count"`
	Total       uint64        `json:"total" msgpack:"total"`
	Dropped     uint64        `json:"dropped" msgpack:"dropped"`
	FirstSeq    uint32        `json:"first_seq" msgpack:"first_seq"`
	LastSeq     uint32        `json:"last_seq" msgpack:"last_seq"`
	OldestTime  int64         `json:"oldest_time" msgpack:"oldest_time"`
	NewestTime  int64         `json:"newest_time" msgpack:"newest_time"`
	FPS         float64       `json:"fps" msgpack:"fps"`
	MeanLatency time.Duration `json:"mean_latency_ns" msgpack:"mean_latency_ns"`
	MaxLatency  time.Duration `json:"max_latency_ns" msgpack:"max_latency_ns"`
}

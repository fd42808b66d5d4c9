package ringbuffer

import (
	"context"
	"testing"
	"time"
)

func TestAddAndStatus(t *testing.T) {
	b, err := New(Config{PipelineID: "test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	base := time.Now()
	for i := 0; i < 11; i++ {
		b.Add(Record{
			Sequence:   uint32(i),
			CapturedAt: base.Add(time.Duration(i) * 100 * time.Millisecond),
			Latency:    time.Duration(i+1) * time.Millisecond,
			Dropped:    uint64(i % 2),
		})
	}

	s := b.GetStatus()
	if s.Count != 11 || s.Total != 11 {
		t.Errorf("Count = %d, Total = %d, want 11", s.Count, s.Total)
	}
	if s.FirstSeq != 0 || s.LastSeq != 10 {
		t.Errorf("seq range = %d..%d, want 0..10", s.FirstSeq, s.LastSeq)
	}
	if s.FPS < 9.9 || s.FPS > 10.1 {
		t.Errorf("FPS = %.2f, want 10", s.FPS)
	}
	if s.MeanLatency != 6*time.Millisecond || s.MaxLatency != 11*time.Millisecond {
		t.Errorf("latency mean %v max %v, want 6ms and 11ms", s.MeanLatency, s.MaxLatency)
	}
	if s.Dropped != 5 {
		t.Errorf("Dropped = %d, want 5", s.Dropped)
	}
}

func TestMaxRecords(t *testing.T) {
	b, _ := New(Config{MaxRecords: 3})
	for i := 0; i < 5; i++ {
		b.Add(Record{Sequence: uint32(i), CapturedAt: time.Now()})
	}

	last := b.Last(10)
	if len(last) != 3 || last[0].Sequence != 2 || last[2].Sequence != 4 {
		t.Errorf("records = %+v, want sequences 2..4", last)
	}
	if got := b.Last(0); got == nil || len(got) != 0 {
		t.Errorf("Last(0) = %+v, want an empty list", got)
	}
	if got := b.Last(1); len(got) != 1 || got[0].Sequence != 4 {
		t.Errorf("Last(1) = %+v", got)
	}
	if s := b.GetStatus(); s.Total != 5 {
		t.Errorf("Total = %d, want 5", s.Total)
	}
}

func TestCleanup(t *testing.T) {
	b, _ := New(Config{Duration: time.Second})
	now := time.Now()
	b.Add(Record{Sequence: 1, CapturedAt: now.Add(-3 * time.Second)})
	b.Add(Record{Sequence: 2, CapturedAt: now.Add(-2 * time.Second)})
	b.Add(Record{Sequence: 3, CapturedAt: now})

	if removed := b.cleanup(now); removed != 2 {
		t.Errorf("cleanup removed %d, want 2", removed)
	}
	if recs := b.Records(time.Time{}); len(recs) != 1 || recs[0].Sequence != 3 {
		t.Errorf("records after cleanup = %+v", recs)
	}
	if recs := b.Records(now.Add(time.Millisecond)); len(recs) != 0 {
		t.Errorf("Records(after newest) = %+v, want none", recs)
	}
}

func TestCleanupLoop(t *testing.T) {
	b, _ := New(Config{Duration: 50 * time.Millisecond, CleanupInterval: 10 * time.Millisecond})
	b.Add(Record{Sequence: 1, CapturedAt: time.Now()})

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for b.GetStatus().Count != 0 {
		if time.Now().After(deadline) {
			t.Fatal("record not expired by the cleanup loop")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOnRecordAndReset(t *testing.T) {
	b, _ := New(Config{})
	var got []uint32
	b.OnRecord(func(r Record) { got = append(got, r.Sequence) })

	b.Add(Record{Sequence: 7, CapturedAt: time.Now()})
	b.Add(Record{Sequence: 8, CapturedAt: time.Now()})
	if len(got) != 2 || got[1] != 8 {
		t.Errorf("callback saw %v", got)
	}

	b.Reset()
	if s := b.GetStatus(); s.Count != 0 || s.Total != 2 {
		t.Errorf("after Reset: Count %d Total %d, want 0 and 2", s.Count, s.Total)
	}
}

func TestSaveIndex(t *testing.T) {
	dir := t.TempDir()
	b, err := New(Config{Path: dir, PipelineID: "p"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b.Start(context.Background())
	b.Add(Record{Sequence: 3, Slot: 1, BytesUsed: 100, CapturedAt: time.Now()})
	b.Stop()

	index, err := LoadIndex(dir)
	if err != nil {
		t.Fatalf("LoadIndex: %v", err)
	}
	if index.PipelineID != "p" || len(index.Records) != 1 || index.Records[0].BytesUsed != 100 {
		t.Errorf("index = %+v", index)
	}
	if index.Status.Count != 1 {
		t.Errorf("index status count = %d, want 1", index.Status.Count)
	}
}

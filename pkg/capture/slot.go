package capture

import (
	"context"
	"sync"
	"time"

	"github.com/video-system/go-vision-pipeline/pkg/v4l2"
)

// Frame is a dequeued buffer and the session it was captured in
type Frame struct {
	v4l2.Buffer
	Session string
}

// Slot is a capacity-one mailbox between the capture goroutine and its consumer.
// Put never blocks: a newer frame replaces an undelivered one, which is handed back
// to the producer for requeueing.
type Slot struct {
	mu      sync.Mutex
	frame   *Frame
	session string
	ready   chan struct{}
	aborted chan struct{}
	closed  bool
	drops   uint64
}

// NewSlot creates an empty slot
func NewSlot() *Slot {
	return &Slot{
		ready:   make(chan struct{}, 1),
		aborted: make(chan struct{}),
	}
}

// Put stores b, tagged with the current session, and returns the buffer it
// replaced, if any
func (s *Slot) Put(b v4l2.Buffer) (stale v4l2.Buffer, replaced bool) {
	s.mu.Lock()
	if s.frame != nil {
		stale, replaced = s.frame.Buffer, true
		s.drops++
	}
	s.frame = &Frame{Buffer: b, Session: s.session}
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return stale, replaced
}

// Take waits up to timeout for a frame. It returns ErrNoFrame on timeout, ErrAborted
// once aborted, or the context error.
func (s *Slot) Take(ctx context.Context, timeout time.Duration) (Frame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return Frame{}, ErrAborted
		}
		if s.frame != nil {
			b := *s.frame
			s.frame = nil
			s.mu.Unlock()
			return b, nil
		}
		aborted := s.aborted
		s.mu.Unlock()

		select {
		case <-s.ready:
		case <-aborted:
			return Frame{}, ErrAborted
		case <-timer.C:
			return Frame{}, ErrNoFrame
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

// Abort wakes every waiter with ErrAborted until Reset
func (s *Slot) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.aborted)
	}
}

// Drain removes the undelivered frame, if any
func (s *Slot) Drain() (v4l2.Buffer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frame == nil {
		return v4l2.Buffer{}, false
	}
	b := s.frame.Buffer
	s.frame = nil
	return b, true
}

// Reset empties the slot and reopens it for the stream session
func (s *Slot) Reset(session string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame = nil
	s.session = session
	if s.closed {
		s.closed = false
		s.aborted = make(chan struct{})
	}
	select {
	case <-s.ready:
	default:
	}
}

// Drops returns the number of frames replaced before delivery
func (s *Slot) Drops() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drops
}

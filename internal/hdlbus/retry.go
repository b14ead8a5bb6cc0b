package hdlbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Default retry policy for SendWithRetry.
const (
	// DefaultRetryCount is the number of resends after the initial send.
	DefaultRetryCount = 3

	// DefaultRetryInterval is the delay between sends.
	DefaultRetryInterval = 600 * time.Millisecond
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// RetryHandle is one in-flight command's scheduled resends.
//
// The handle resends the same encoded frame until its budget runs out or
// Cancel is called. A cancelled handle never fires again and cannot be reused.
type RetryHandle struct {
	frame     []byte
	interval  time.Duration
	resend    func([]byte) error
	remaining atomic.Int32
	cancelled atomic.Bool
	done      *closeOnce
}

// Cancel stops further resends. Safe to call more than once and from any
// goroutine, including from inside a resend.
func (h *RetryHandle) Cancel() {
	if h == nil {
		return
	}
	h.cancelled.Store(true)
	h.done.Close()
}

// Cancelled reports whether the handle has stopped.
func (h *RetryHandle) Cancelled() bool {
	return h.cancelled.Load()
}

// Remaining returns the number of resends still budgeted.
func (h *RetryHandle) Remaining() int {
	return int(h.remaining.Load())
}

// Done is closed once the handle is cancelled or exhausted.
func (h *RetryHandle) Done() <-chan struct{} {
	return h.done.Done()
}

// Scheduler drives RetryHandles.
//
// Each handle has its own ticker goroutine, but ticks are serialised across
// all handles so at most one resend is in progress at a time.
type Scheduler struct {
	tickMu sync.Mutex

	mu      sync.Mutex
	handles map[*RetryHandle]struct{}
	closed  bool
	wg      sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex
}

// NewScheduler creates an idle scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{handles: make(map[*RetryHandle]struct{})}
}

// SetLogger sets the logger used for exhaustion and resend failures.
func (s *Scheduler) SetLogger(logger Logger) {
	s.loggerMu.Lock()
	defer s.loggerMu.Unlock()
	s.logger = logger
}

// Schedule starts resending frame every interval, at most count times.
// The first resend happens one interval after Schedule returns.
//
// If resend returns an error the handle is cancelled immediately.
// After Close, Schedule returns an already cancelled handle.
func (s *Scheduler) Schedule(frame []byte, count int, interval time.Duration, resend func([]byte) error) *RetryHandle {
	h := &RetryHandle{
		frame:    frame,
		interval: interval,
		resend:   resend,
		done:     newCloseOnce(),
	}
	h.remaining.Store(int32(max(count, 0))) //nolint:gosec // retry counts are small

	s.mu.Lock()
	if s.closed || interval <= 0 {
		s.mu.Unlock()
		h.Cancel()
		return h
	}
	s.handles[h] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(h)

	return h
}

// Pending returns the number of live handles.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Close cancels every live handle and waits for their goroutines to exit.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for h := range s.handles {
		h.Cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) run(h *RetryHandle) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.handles, h)
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.Done():
			return
		case <-ticker.C:
			if !s.tick(h) {
				return
			}
		}
	}
}

// tick performs one scheduled step and reports whether the handle is still live.
func (s *Scheduler) tick(h *RetryHandle) bool {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	if h.Cancelled() {
		return false
	}

	if h.remaining.Load() == 0 {
		h.Cancel()
		s.logDebug("retry budget exhausted", "frame_len", len(h.frame))
		return false
	}

	h.remaining.Add(-1)
	if err := h.resend(h.frame); err != nil {
		h.Cancel()
		s.logDebug("resend failed, abandoning retries", "error", err)
		return false
	}

	return true
}

func (s *Scheduler) logDebug(msg string, keysAndValues ...any) {
	s.loggerMu.RLock()
	logger := s.logger
	s.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

package service

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// GenerationTask is one unit of serialized backend work.
type GenerationTask func(ctx context.Context) error

// GenerationSerializer admits at most one backend generation at a time,
// in FIFO arrival order. The backend is stateful and rate-sensitive:
// interleaving two streams would also entangle the two per-request
// encryption keys and confuse the detector's log attribution, so every
// generation in the process passes through here.
//
// A caller whose context is cancelled while queued leaves the queue
// without ever starting; a caller cancelled mid-task relies on the task
// observing ctx at its next suspension point.
type GenerationSerializer struct {
	mu      sync.Mutex
	busy    bool
	waiters []chan struct{}
	pending int
	idle    *sync.Cond

	logger *zap.Logger
}

// NewGenerationSerializer creates an idle serializer.
func NewGenerationSerializer(logger *zap.Logger) *GenerationSerializer {
	s := &GenerationSerializer{logger: logger}
	s.idle = sync.NewCond(&s.mu)
	return s
}

// Submit runs task once the slot is free, blocking until the task
// completes or ctx is cancelled while still queued.
func (s *GenerationSerializer) Submit(ctx context.Context, task GenerationTask) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return task(ctx)
}

func (s *GenerationSerializer) acquire(ctx context.Context) error {
	s.mu.Lock()
	if !s.busy {
		s.busy = true
		s.mu.Unlock()
		return nil
	}

	ticket := make(chan struct{})
	s.waiters = append(s.waiters, ticket)
	s.pending++
	queued := s.pending
	s.mu.Unlock()

	s.logger.Debug("Generation queued behind running request",
		zap.Int("pending", queued))

	select {
	case <-ticket:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for i, w := range s.waiters {
			if w == ticket {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				s.pending--
				s.mu.Unlock()
				return ctx.Err()
			}
		}
		s.mu.Unlock()
		// The slot was already handed to us between cancellation and
		// cleanup; give it back so the queue keeps moving.
		<-ticket
		s.release()
		return ctx.Err()
	}
}

func (s *GenerationSerializer) release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.waiters) > 0 {
		next := s.waiters[0]
		s.waiters = s.waiters[1:]
		s.pending--
		close(next)
		return
	}
	s.busy = false
	s.idle.Broadcast()
}

// Size returns running plus queued tasks.
func (s *GenerationSerializer) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.pending
	if s.busy {
		n++
	}
	return n
}

// Pending returns the number of queued (not yet started) tasks.
func (s *GenerationSerializer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// WaitIdle blocks until no task is running or queued.
func (s *GenerationSerializer) WaitIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.busy || s.pending > 0 {
		s.idle.Wait()
	}
}

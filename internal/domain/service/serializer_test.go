package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestSerializer_RunsSingleTask(t *testing.T) {
	s := NewGenerationSerializer(zap.NewNop())
	ran := false
	err := s.Submit(context.Background(), func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran {
		t.Fatal("task did not run")
	}
}

func TestSerializer_FIFONoOverlap(t *testing.T) {
	s := NewGenerationSerializer(zap.NewNop())

	var mu sync.Mutex
	var events []string
	record := func(e string) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}

	started := make(chan struct{})
	release := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Submit(context.Background(), func(ctx context.Context) error {
			record("start1")
			close(started)
			<-release
			record("end1")
			return nil
		})
	}()
	<-started

	// Queue tasks 2 and 3 strictly in order while task 1 holds the slot.
	for i := 2; i <= 3; i++ {
		i := i
		queued := make(chan struct{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			close(queued)
			s.Submit(context.Background(), func(ctx context.Context) error {
				record(fmt.Sprintf("start%d", i))
				time.Sleep(5 * time.Millisecond)
				record(fmt.Sprintf("end%d", i))
				return nil
			})
		}()
		<-queued
		// Wait until the submission is visibly queued before adding the next.
		for s.Pending() < i-1 {
			time.Sleep(time.Millisecond)
		}
	}

	close(release)
	wg.Wait()

	want := []string{"start1", "end1", "start2", "end2", "start3", "end3"}
	if len(events) != len(want) {
		t.Fatalf("events = %v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}

func TestSerializer_Counts(t *testing.T) {
	s := NewGenerationSerializer(zap.NewNop())

	if s.Size() != 0 || s.Pending() != 0 {
		t.Fatal("fresh serializer must be empty")
	}

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		s.Submit(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
		close(done)
	}()
	<-started

	if s.Size() != 1 {
		t.Fatalf("size = %d, want 1", s.Size())
	}

	queued := make(chan struct{})
	go func() {
		s.Submit(context.Background(), func(ctx context.Context) error { return nil })
		close(queued)
	}()
	for s.Pending() != 1 {
		time.Sleep(time.Millisecond)
	}
	if s.Size() != 2 {
		t.Fatalf("size = %d, want 2", s.Size())
	}

	close(release)
	<-done
	<-queued
	s.WaitIdle()
	if s.Size() != 0 {
		t.Fatalf("size after drain = %d", s.Size())
	}
}

func TestSerializer_CancelWhileQueued(t *testing.T) {
	s := NewGenerationSerializer(zap.NewNop())

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		s.Submit(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Submit(ctx, func(ctx context.Context) error {
			t.Error("cancelled task must never start")
			return nil
		})
	}()
	for s.Pending() != 1 {
		time.Sleep(time.Millisecond)
	}

	cancel()
	if err := <-errCh; err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if s.Pending() != 0 {
		t.Fatalf("cancelled waiter must leave the queue, pending = %d", s.Pending())
	}

	close(release)
	s.WaitIdle()
}

func TestSerializer_TaskErrorPropagates(t *testing.T) {
	s := NewGenerationSerializer(zap.NewNop())
	wantErr := fmt.Errorf("boom")
	err := s.Submit(context.Background(), func(ctx context.Context) error {
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("expected task error, got %v", err)
	}
	// The slot must be released after a failure.
	if err := s.Submit(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("slot not released: %v", err)
	}
}

package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRunner_ExecutesRegisteredHandler(t *testing.T) {
	r := NewRunner(zerolog.Nop(), 2, 8)

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	r.Register("accumulation.generate", func(_ context.Context, job Job) error {
		mu.Lock()
		got = append(got, job.Args["payer"].(string))
		mu.Unlock()
		close(done)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	err := r.Submit(ctx, Job{Name: "accumulation.generate", Args: map[string]any{"payer": "anthem"}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "anthem" {
		t.Errorf("handler args = %v", got)
	}
}

func TestRunner_RejectsUnknownJob(t *testing.T) {
	r := NewRunner(zerolog.Nop(), 1, 1)
	err := r.Submit(context.Background(), Job{Name: "unregistered"})
	if err == nil {
		t.Fatal("expected error for unregistered job name")
	}
}

func TestRunner_SurvivesHandlerPanic(t *testing.T) {
	r := NewRunner(zerolog.Nop(), 1, 4)

	panicked := make(chan struct{})
	ran := make(chan struct{})
	r.Register("panics", func(context.Context, Job) error {
		close(panicked)
		panic("boom")
	})
	r.Register("runs", func(context.Context, Job) error {
		close(ran)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	if err := r.Submit(ctx, Job{Name: "panics"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-panicked
	if err := r.Submit(ctx, Job{Name: "runs"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive panic")
	}
}

func TestInMemorySubmitter_RecordsAndFails(t *testing.T) {
	s := NewInMemorySubmitter()
	if err := s.Submit(context.Background(), Job{Name: "bill.process"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got := s.SubmittedNamed("bill.process"); len(got) != 1 {
		t.Fatalf("SubmittedNamed = %d jobs, want 1", len(got))
	}
	if got := s.Submitted(); got[0].ID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Error("submitted job was not assigned an ID")
	}

	wantErr := errors.New("queue unavailable")
	s.FailWith(wantErr)
	if err := s.Submit(context.Background(), Job{Name: "bill.process"}); !errors.Is(err, wantErr) {
		t.Errorf("Submit after FailWith = %v, want %v", err, wantErr)
	}
}

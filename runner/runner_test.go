package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/dhcgn/mailtool/model"
	"github.com/dhcgn/mailtool/state"
	"github.com/dhcgn/mailtool/stats"
)

type closeCountingTracker struct {
	*state.MemoryTracker
	closed atomic.Int32
}

func (c *closeCountingTracker) Close() error {
	c.closed.Add(1)
	return nil
}

func produce(r *Runner, envs ...model.Envelope) {
	r.AddStage("producer", func(ctx context.Context) error {
		defer r.CloseMailbox()
		for _, env := range envs {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.MailboxWriter() <- env:
			}
		}
		return nil
	})
}

func drain(r *Runner) *atomic.Int32 {
	var n atomic.Int32
	r.AddStage("consumer", func(ctx context.Context) error {
		for range r.Uploads() {
			n.Add(1)
		}
		return nil
	})
	return &n
}

func TestRunnerBridgeAndFanOut(t *testing.T) {
	tracker := &closeCountingTracker{MemoryTracker: state.NewMemoryTracker()}
	if err := tracker.MarkProcessed("seen", "old@example.com"); err != nil {
		t.Fatal(err)
	}

	r, err := New(context.Background(), tracker, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	first := stats.NewReporter(r, nil)
	second := stats.NewReporter(r, nil)

	produce(r,
		model.Envelope{Message: model.Message{ID: "a@example.com", Hash: "h1"}},
		model.Envelope{Message: model.Message{ID: "old@example.com", Hash: "seen"}},
		model.Envelope{Err: errors.New("unparsable")},
		model.Envelope{Message: model.Message{Hash: "h3"}},
		model.Envelope{Message: model.Message{ID: "b@example.com", Hash: "h2"}},
	)
	uploaded := drain(r)

	if err := r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if got := uploaded.Load(); got != 2 {
		t.Errorf("uploads = %d, want 2", got)
	}
	for name, rep := range map[string]*stats.Reporter{"first": first, "second": second} {
		s := rep.Summary()
		if s.Scanned != 4 || s.Duplicates != 1 || s.Enqueued != 2 || s.Errors != 2 {
			t.Errorf("%s subscriber summary = %+v", name, s)
		}
	}
	if tracker.closed.Load() != 1 {
		t.Errorf("tracker closed %d times, want 1", tracker.closed.Load())
	}
}

func TestRunnerStageFailureCancels(t *testing.T) {
	r, err := New(context.Background(), state.NewMemoryTracker(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	boom := errors.New("boom")
	r.AddStage("failing", func(context.Context) error { return boom })
	r.AddStage("blocked", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err = r.Start()
	if !errors.Is(err, boom) {
		t.Fatalf("Start() error = %v, want boom", err)
	}
}

func TestRunnerParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r, err := New(ctx, state.NewMemoryTracker(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	cancel()

	if err := r.Start(); !errors.Is(err, context.Canceled) {
		t.Fatalf("Start() error = %v, want context.Canceled", err)
	}
}

func TestNewRequiresTracker(t *testing.T) {
	if _, err := New(context.Background(), nil, nil); err == nil {
		t.Error("New() should reject a nil tracker")
	}
}

package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dhcgn/mailtool/model"
	"github.com/dhcgn/mailtool/state"
	"github.com/dhcgn/mailtool/stats"
)

var ErrMessageIDMissing = errors.New("mbox message missing id")

type StageFunc = func(context.Context) error

// Runner wires the import stages together: a producer writes envelopes into
// the mailbox channel, the bridge drops duplicates, and consumers read the
// uploads channel. Every subscriber gets its own copy of the event stream.
type Runner struct {
	id      string
	logger  *slog.Logger
	tracker state.Tracker

	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc

	messages chan model.Envelope
	uploads  chan model.Message

	subsMu      sync.Mutex
	subscribers []chan stats.Event
	eventsDone  bool

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeMailboxOnce sync.Once
	closeUploadsOnce sync.Once
	since            time.Time
}

// New returns a runner that consults tracker for duplicates. The runner owns
// tracker and closes it when Start returns.
func New(ctx context.Context, tracker state.Tracker, logger *slog.Logger) (*Runner, error) {
	if tracker == nil {
		return nil, fmt.Errorf("tracker must not be nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)

	id := uuid.NewString()
	if logger != nil {
		logger = logger.With("run", id)
	}

	r := &Runner{
		id:       id,
		logger:   logger,
		tracker:  tracker,
		parent:   ctx,
		ctx:      runCtx,
		cancel:   cancel,
		messages: make(chan model.Envelope, 32),
		uploads:  make(chan model.Message, 32),
	}

	r.AddStage("bridge", r.bridge)
	return r, nil
}

func (r *Runner) ID() string {
	return r.id
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

func (r *Runner) Tracker() state.Tracker {
	return r.tracker
}

func (r *Runner) MailboxWriter() chan<- model.Envelope {
	return r.messages
}

func (r *Runner) CloseMailbox() {
	r.closeMailboxOnce.Do(func() {
		close(r.messages)
	})
}

func (r *Runner) Uploads() <-chan model.Message {
	return r.uploads
}

// EmitEvent delivers evt to every subscriber. It blocks while a subscriber's
// buffer is full and gives up once the run is cancelled.
func (r *Runner) EmitEvent(evt stats.Event) {
	r.subsMu.Lock()
	subs := r.subscribers
	done := r.eventsDone
	r.subsMu.Unlock()
	if done {
		return
	}

	for _, ch := range subs {
		select {
		case <-r.ctx.Done():
			return
		case ch <- evt:
		}
	}
}

// SubscribeStats must be called before Start.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	ch := make(chan stats.Event, 128)

	r.subsMu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.subsMu.Unlock()

	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, ch); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		if err := fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stage: %w", name, err))
		}
	}()
}

// Start waits for all stages and subscribers to finish and returns the first
// stage error. A cancelled parent context is reported as such.
func (r *Runner) Start() error {
	r.since = time.Now()

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	r.cancel()

	err := r.firstError()
	if closeErr := r.tracker.Close(); closeErr != nil {
		err = errors.Join(err, fmt.Errorf("close state: %w", closeErr))
	}

	duration := time.Since(r.since)
	if err != nil {
		if r.logger != nil {
			r.logger.Error("pipeline failed", "duration", duration, "err", err)
		}
		return err
	}

	if r.logger != nil {
		r.logger.Info("pipeline completed", "duration", duration)
	}
	return nil
}

// bridge moves parsed messages from the mailbox channel to the uploads
// channel, dropping the ones admit rejects.
func (r *Runner) bridge(ctx context.Context) error {
	defer r.closeUploads()
	for {
		var (
			env model.Envelope
			ok  bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok = <-r.messages:
		}
		if !ok {
			return nil
		}

		msg, upload := r.admit(env)
		if !upload {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r.uploads <- msg:
		}
		r.EmitEvent(stats.Event{Stage: stats.StageMbox, Type: stats.EventTypeEnqueued, MessageID: msg.ID})
	}
}

// admit emits the events for one envelope and reports whether its message
// still needs uploading. Parse failures and missing ids count as errors but
// never stop the run.
func (r *Runner) admit(env model.Envelope) (model.Message, bool) {
	emit := func(t stats.EventType, id string, err error) {
		r.EmitEvent(stats.Event{Stage: stats.StageMbox, Type: t, MessageID: id, Err: err})
	}

	if env.Err != nil {
		emit(stats.EventTypeError, "", env.Err)
		return model.Message{}, false
	}

	msg := env.Message
	emit(stats.EventTypeScanned, msg.ID, nil)
	switch {
	case msg.ID == "":
		emit(stats.EventTypeError, "", ErrMessageIDMissing)
		return msg, false
	case msg.Hash != "" && r.tracker.AlreadyProcessed(msg.Hash):
		emit(stats.EventTypeDuplicate, msg.ID, nil)
		return msg, false
	}
	return msg, true
}

func (r *Runner) closeUploads() {
	r.closeUploadsOnce.Do(func() {
		close(r.uploads)
	})
}

func (r *Runner) closeEvents() {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	if r.eventsDone {
		return
	}
	r.eventsDone = true
	for _, ch := range r.subscribers {
		close(ch)
	}
}

func (r *Runner) firstError() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	if r.err != nil {
		return r.err
	}
	return r.parent.Err()
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}

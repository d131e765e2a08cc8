package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Stage names the part of a run that produced an event.
type Stage string

const (
	StageMbox   Stage = "mbox"
	StageIMAP   Stage = "imap"
	StageExport Stage = "export"
)

type EventType string

const (
	EventTypeScanned      EventType = "scanned"
	EventTypeEnqueued     EventType = "enqueued"
	EventTypeUploaded     EventType = "uploaded"
	EventTypeDryRunUpload EventType = "dry_run_uploaded"
	EventTypeDuplicate    EventType = "duplicate"
	EventTypeExported     EventType = "exported"
	EventTypeError        EventType = "error"
)

type Event struct {
	Stage     Stage
	Type      EventType
	MessageID string
	Err       error
	Detail    string
}

// Summary tallies the events of one import or export.
type Summary struct {
	Scanned        int
	Enqueued       int
	Uploaded       int
	DryRunUploaded int
	Duplicates     int
	Exported       int
	Errors         int
	LastError      error
}

// counter returns the field that events of type t increment, or nil.
func (s *Summary) counter(t EventType) *int {
	switch t {
	case EventTypeScanned:
		return &s.Scanned
	case EventTypeEnqueued:
		return &s.Enqueued
	case EventTypeUploaded:
		return &s.Uploaded
	case EventTypeDryRunUpload:
		return &s.DryRunUploaded
	case EventTypeDuplicate:
		return &s.Duplicates
	case EventTypeExported:
		return &s.Exported
	case EventTypeError:
		return &s.Errors
	}
	return nil
}

// summaryAttrs lists the log keys in output order. Optional counters are
// left out while zero.
var summaryAttrs = []struct {
	key      string
	typ      EventType
	optional bool
}{
	{"scanned", EventTypeScanned, false},
	{"enqueued", EventTypeEnqueued, false},
	{"uploaded", EventTypeUploaded, false},
	{"dryRunUploaded", EventTypeDryRunUpload, false},
	{"duplicates", EventTypeDuplicate, false},
	{"exported", EventTypeExported, true},
	{"errors", EventTypeError, false},
}

func (s Summary) LogAttrs() []any {
	attrs := make([]any, 0, 2*len(summaryAttrs)+2)
	for _, a := range summaryAttrs {
		n := *s.counter(a.typ)
		if a.optional && n == 0 {
			continue
		}
		attrs = append(attrs, a.key, n)
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

// Collector folds events into a Summary. It is safe for concurrent use.
type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

// Run applies events until the channel closes or ctx is done.
func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		var (
			evt Event
			ok  bool
		)
		select {
		case <-ctx.Done():
			return
		case evt, ok = <-events:
		}
		if !ok {
			return
		}
		c.Apply(evt)
	}
}

func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := c.summary.counter(evt.Type); n != nil {
		*n++
	}
	if evt.Type == EventTypeError && evt.Err != nil {
		c.summary.LastError = evt.Err
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary
}

// EventStream is implemented by the runner; subscribers get their own copy
// of every event.
type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

// Reporter logs one summary line when the stream closes, at warn level if
// any error event was seen.
type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	r := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", r.consume)
	return r
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	if r.logger == nil {
		return ctx.Err()
	}

	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started).Round(time.Millisecond))
	switch {
	case ctx.Err() != nil:
		r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		return ctx.Err()
	case summary.Errors > 0:
		r.logger.Warn("stats summary", attrs...)
	default:
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mailtool/stats"
)

// Bar renders a console progress bar driven by pipeline events. A disabled
// Bar ignores every call, so callers need no conditionals.
type Bar struct {
	mu      sync.Mutex
	pb      *pterm.ProgressbarPrinter
	total   int
	step    stats.EventType
	enabled bool
}

// New starts a bar with total steps. step is the event type that advances
// it: EventTypeScanned for imports, EventTypeExported for exports.
func New(title string, total, alreadyDone int, step stats.EventType, enabled bool) *Bar {
	bar := &Bar{total: total, step: step, enabled: enabled && total > 0}
	if !bar.enabled {
		return bar
	}

	pterm.Info.Printfln("%s: %d messages, %d already processed", title, total, alreadyDone)

	pb, err := pterm.DefaultProgressbar.
		WithTotal(total).
		WithTitle(title).
		WithRemoveWhenDone(false).
		Start()
	if err != nil {
		bar.enabled = false
		return bar
	}
	bar.pb = pb
	return bar
}

func (b *Bar) Update(evt stats.Event) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case b.step:
		b.pb.Increment()
		if evt.MessageID != "" {
			b.pb.UpdateTitle(truncate(evt.MessageID, 40))
		}
	case stats.EventTypeError:
		if evt.Err != nil {
			pterm.Error.Printfln("%v", evt.Err)
		}
	}
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}

func (b *Bar) Stop() {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}
	_, _ = b.pb.Stop()
}

// Subscriber feeds events into the bar until the stream closes.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	defer b.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// Reporter prints a summary table once the event stream closes.
type Reporter struct {
	collector *stats.Collector
	started   time.Time
	enabled   bool
}

// NewReporter subscribes bar and a summary printer to stream. With enabled
// false nothing is subscribed and Summary stays empty.
func NewReporter(stream stats.EventStream, bar *Bar, enabled bool) *Reporter {
	r := &Reporter{
		collector: stats.NewCollector(),
		started:   time.Now(),
		enabled:   enabled,
	}
	if !enabled {
		return r
	}
	if bar != nil {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
	}
	stream.SubscribeStats("progress-summary", r.consume)
	return r
}

func (r *Reporter) consume(ctx context.Context, events <-chan stats.Event) error {
	r.collector.Run(ctx, events)
	PrintSummary(r.collector.Snapshot(), time.Since(r.started))
	return nil
}

func (r *Reporter) Summary() stats.Summary {
	return r.collector.Snapshot()
}

// PrintSummary renders s as a two-column table.
func PrintSummary(s stats.Summary, duration time.Duration) {
	rows := pterm.TableData{
		{"Metric", "Count"},
		{"Duration", duration.Round(time.Millisecond).String()},
		{"Scanned", fmt.Sprint(s.Scanned)},
		{"Enqueued", fmt.Sprint(s.Enqueued)},
		{"Uploaded", fmt.Sprint(s.Uploaded)},
		{"Dry-run uploaded", fmt.Sprint(s.DryRunUploaded)},
		{"Duplicates (skipped)", fmt.Sprint(s.Duplicates)},
		{"Exported", fmt.Sprint(s.Exported)},
		{"Errors", fmt.Sprint(s.Errors)},
	}

	pterm.Println()
	pterm.DefaultSection.Println("Summary")
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	if s.LastError != nil {
		pterm.Error.Printfln("Last error: %v", s.LastError)
	}
}

// PrintTop renders the most frequent values of a header as a table.
func PrintTop(title string, counts []stats.Count) {
	pterm.DefaultSection.Println(title)
	if len(counts) == 0 {
		pterm.Println("(none)")
		return
	}
	rows := pterm.TableData{{"#", "Value", "Count"}}
	for i, c := range counts {
		rows = append(rows, []string{fmt.Sprint(i + 1), c.Value, fmt.Sprint(c.N)})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mailtool/config"
	"github.com/dhcgn/mailtool/filter"
	"github.com/dhcgn/mailtool/imap"
	"github.com/dhcgn/mailtool/mbox"
	"github.com/dhcgn/mailtool/model"
	"github.com/dhcgn/mailtool/progress"
	"github.com/dhcgn/mailtool/stats"
)

var statsHeaders = []string{"Delivered-To", "Subject", "From", "To"}

func newStatsCommand(a *app) *cobra.Command {
	var (
		reportDir string
		topN      int
	)
	cmd := &cobra.Command{
		Use:   "stats [mbox]",
		Short: "Show the most frequent senders, recipients and subjects of an mbox file or the folder",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := config.LoadFilter(cmd)
			if err != nil {
				return err
			}
			counter := stats.NewHeaderCounter(statsHeaders...)

			if len(args) == 1 {
				pterm.Info.Printfln("Analyzing mbox file: %s", args[0])
				err = countMbox(cmd.Context(), args[0], f, counter, a)
			} else {
				pterm.Info.Printfln("Analyzing folder: %s", a.cfg.Folder)
				err = countFolder(cmd.Context(), f, counter, a)
			}
			if err != nil {
				return err
			}

			fs := f.Stats()
			pterm.Info.Printfln("Counted %d messages (skipped %d by filters)", counter.Messages(), fs.Rejected)
			printFilterStats(fs)
			for _, field := range counter.Fields() {
				progress.PrintTop(fmt.Sprintf("Top %d %s", topN, field), counter.Top(field, topN))
			}

			if reportDir == "" {
				return nil
			}
			if err := saveCSVReports(counter, reportDir); err != nil {
				return fmt.Errorf("saving CSV reports: %w", err)
			}
			pterm.Info.Printfln("Reports saved to directory: %s", reportDir)
			return nil
		},
	}
	cmd.Flags().StringVarP(&reportDir, "output", "o", ".", "Output directory for CSV reports (empty to skip)")
	cmd.Flags().IntVarP(&topN, "top", "t", 10, "Number of top items to display per header")
	config.RegisterFilterFlags(cmd)
	return cmd
}

func countMbox(ctx context.Context, path string, f *filter.Filter, counter *stats.HeaderCounter, a *app) error {
	reader, err := mbox.NewReader(mbox.Options{Path: path, Filter: f}, a.logger)
	if err != nil {
		return err
	}

	total := 0
	showBar := a.cfg.LogLevel == "info"
	if showBar {
		if total, err = mbox.CountMessages(path); err != nil {
			return fmt.Errorf("error reading mbox file: %w", err)
		}
	}
	bar := progress.New("Counting", total, 0, stats.EventTypeScanned, showBar)
	defer bar.Stop()

	out := make(chan model.Envelope, 32)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		errCh <- reader.Stream(ctx, out)
	}()

	for env := range out {
		if env.Err != nil {
			a.logger.Warn("skipping unparsable message", "err", env.Err)
			continue
		}
		hdr, err := readHeader(env.Message.Raw)
		if err != nil {
			a.logger.Warn("skipping message with broken header", "id", env.Message.ID, "err", err)
			continue
		}
		counter.Add(headerText(hdr))
		bar.Update(stats.Event{Type: stats.EventTypeScanned, MessageID: env.Message.ID})
	}
	if err := <-errCh; err != nil {
		return fmt.Errorf("error reading mbox file: %w", err)
	}
	return nil
}

// countFolder works on headers only, so body filters cannot apply.
func countFolder(ctx context.Context, f *filter.Filter, counter *stats.HeaderCounter, a *app) error {
	fs := f.Stats()
	if len(fs.IncludeBody) > 0 || len(fs.ExcludeBody) > 0 {
		return errors.New("body filters need an mbox file; the folder is analysed from headers only")
	}

	return a.withSession(ctx, true, func(s *imap.Session) error {
		refs, err := s.SearchAll(ctx)
		if err != nil {
			return err
		}
		headers, err := s.FetchHeaders(ctx, refs)
		if err != nil {
			return err
		}
		for _, h := range headers {
			hdr := h.Header.Header.Header
			if f.Active() {
				var buf bytes.Buffer
				if err := textproto.WriteHeader(&buf, hdr); err != nil {
					return err
				}
				if !f.Allows(buf.Bytes(), nil) {
					continue
				}
			}
			counter.Add(headerText(hdr))
		}
		return nil
	})
}

func readHeader(raw []byte) (textproto.Header, error) {
	return textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
}

// headerText decodes RFC 2047 encoded words, keeping the raw value when the
// charset is unknown.
func headerText(h textproto.Header) func(string) string {
	mh := message.Header{Header: h}
	return func(field string) string {
		v, err := mh.Text(field)
		if err != nil {
			return mh.Get(field)
		}
		return v
	}
}

func saveCSVReports(counter *stats.HeaderCounter, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, field := range counter.Fields() {
		path := filepath.Join(dir, fmt.Sprintf("report_%s.csv", normalizeHeaderName(field)))
		file, err := os.Create(path)
		if err != nil {
			return err
		}
		if err := counter.WriteCSV(file, field); err != nil {
			file.Close()
			return err
		}
		if err := file.Close(); err != nil {
			return err
		}
	}
	return nil
}

func normalizeHeaderName(header string) string {
	name := strings.ToLower(header)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}

func printFilterStats(s filter.Stats) {
	sections := []struct {
		title string
		hits  []filter.PatternHits
	}{
		{"Include Header Filters", s.IncludeHeader},
		{"Include Body Filters", s.IncludeBody},
		{"Exclude Header Filters", s.ExcludeHeader},
		{"Exclude Body Filters", s.ExcludeBody},
	}
	for _, sec := range sections {
		if len(sec.hits) == 0 {
			continue
		}
		hits := append([]filter.PatternHits(nil), sec.hits...)
		sort.SliceStable(hits, func(i, j int) bool {
			if hits[i].Hits != hits[j].Hits {
				return hits[i].Hits > hits[j].Hits
			}
			return hits[i].Pattern < hits[j].Pattern
		})

		rows := pterm.TableData{{"Pattern", "Hits"}}
		for _, h := range hits {
			rows = append(rows, []string{h.Pattern, fmt.Sprint(h.Hits)})
		}
		pterm.DefaultSection.Println(sec.title)
		_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	}
}

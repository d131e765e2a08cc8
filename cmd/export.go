package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailtool/imap"
	"github.com/dhcgn/mailtool/mbox"
	"github.com/dhcgn/mailtool/progress"
	"github.com/dhcgn/mailtool/stats"
)

func newExportCommand(a *app) *cobra.Command {
	var (
		out          string
		showProgress bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the folder to an mbox file; a .zst suffix compresses it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				return errors.New("--out is required")
			}
			ctx := cmd.Context()
			started := time.Now()

			return a.withSession(ctx, true, func(s *imap.Session) error {
				refs, err := s.SearchAll(ctx)
				if err != nil {
					return err
				}

				w, err := mbox.Create(out)
				if err != nil {
					return err
				}

				collector := stats.NewCollector()
				bar := progress.New("Exporting "+a.cfg.Folder, len(refs), 0, stats.EventTypeExported, showProgress && a.cfg.LogLevel == "info")
				emit := func(evt stats.Event) {
					collector.Apply(evt)
					bar.Update(evt)
				}

				exportErr := exportMessages(cmd, s, refs, w, emit)
				bar.Stop()
				if err := w.Close(); err != nil && exportErr == nil {
					exportErr = fmt.Errorf("close %s: %w", out, err)
				}

				summary := collector.Snapshot()
				a.logger.Info("export finished", append(summary.LogAttrs(), "out", out, "compressed", mbox.IsCompressed(out), "duration", time.Since(started))...)
				return exportErr
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Destination mbox file (.mbox or .mbox.zst)")
	cmd.Flags().BoolVar(&showProgress, "progress", true, "Show a progress bar (only at --log-level info)")
	return cmd
}

// exportMessages stops at the first fetch or write failure; messages written
// so far stay in the file.
func exportMessages(cmd *cobra.Command, s *imap.Session, refs []imap.Ref, w *mbox.Writer, emit func(stats.Event)) error {
	ctx := cmd.Context()
	for _, ref := range refs {
		raw, err := s.FetchRaw(ctx, ref)
		if errors.Is(err, imap.ErrMessageNotFound) {
			// Expunged by another client since the search.
			emit(stats.Event{Stage: stats.StageExport, Type: stats.EventTypeError, Err: err})
			continue
		}
		if err != nil {
			return err
		}

		msg, err := mbox.ParseMessage(raw)
		if err != nil {
			emit(stats.Event{Stage: stats.StageExport, Type: stats.EventTypeError, Err: fmt.Errorf("uid %d: %w", ref.UID, err)})
			continue
		}
		if err := w.WriteMessage("", msg.ReceivedAt, raw); err != nil {
			return err
		}
		emit(stats.Event{Stage: stats.StageExport, Type: stats.EventTypeExported, MessageID: msg.ID})
	}
	return nil
}

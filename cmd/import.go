package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailtool/config"
	"github.com/dhcgn/mailtool/imap"
	"github.com/dhcgn/mailtool/mbox"
	"github.com/dhcgn/mailtool/progress"
	"github.com/dhcgn/mailtool/runner"
	"github.com/dhcgn/mailtool/state"
	"github.com/dhcgn/mailtool/stats"
)

func newImportCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <mbox>",
		Short: "Import messages from an mbox archive (optionally .zst) into an IMAP folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			importCfg, err := config.LoadImport(cmd, args[0], a.cfg)
			if err != nil {
				return err
			}
			f, err := config.LoadFilter(cmd)
			if err != nil {
				return err
			}
			if !importCfg.DryRun {
				if err := a.cfg.ResolveIMAP(); err != nil {
					return err
				}
			}

			logger := a.logger
			logger.Info("starting import", "mbox", importCfg.MboxPath, "target", importCfg.TargetFolder, "dryRun", importCfg.DryRun, "state", importCfg.StateBackend)

			tracker, err := state.Open(importCfg.StateBackend, importCfg.StateDir, !importCfg.DryRun)
			if err != nil {
				return fmt.Errorf("state.Open: %w", err)
			}

			r, err := runner.New(cmd.Context(), tracker, logger)
			if err != nil {
				_ = tracker.Close()
				return fmt.Errorf("runner.New: %w", err)
			}
			stats.NewReporter(r, r.Logger())

			if importCfg.Progress {
				total, err := mbox.CountMessages(importCfg.MboxPath)
				if err != nil {
					r.Logger().Warn("could not count messages, progress bar disabled", "err", err)
				}
				bar := progress.New("Importing", total, tracker.Snapshot().Processed, stats.EventTypeScanned, err == nil)
				progress.NewReporter(r, bar, true)
			}

			readerOpts := mbox.Options{Path: importCfg.MboxPath, Filter: f}
			if _, err := mbox.NewProducer(readerOpts, r, r.Logger()); err != nil {
				_ = tracker.Close()
				return fmt.Errorf("mbox.NewProducer: %w", err)
			}

			uploaderOpts := imap.UploadOptions{
				Server:       a.cfg.IMAPHost,
				Username:     a.cfg.IMAPUser,
				Password:     a.cfg.IMAPPass,
				TargetFolder: importCfg.TargetFolder,
				DryRun:       importCfg.DryRun,
			}
			session := imap.NewSession(a.cfg.SessionOptions(), r.Logger())
			if _, err := imap.NewUploader(uploaderOpts, session, r, r.Logger()); err != nil {
				_ = tracker.Close()
				return fmt.Errorf("imap.NewUploader: %w", err)
			}

			return r.Start()
		},
	}
	config.RegisterImportFlags(cmd)
	return cmd
}

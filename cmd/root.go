package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mailtool/config"
	"github.com/dhcgn/mailtool/imap"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	cleanup func() error
	logOut  io.Writer
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "mailtool",
		Short:         "Work with an IMAP mailbox from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}
	config.RegisterFlags(root)

	root.AddCommand(
		newFoldersCommand(a),
		newSearchCommand(a),
		newBodyCommand(a),
		newShowCommand(a),
		newMarkCommand(a, "mark-read", "Mark messages as read", (*imap.Session).MarkRead),
		newMarkCommand(a, "mark-unread", "Mark messages as unread", (*imap.Session).MarkUnread),
		newDeleteCommand(a),
		newAttachmentsCommand(a),
		newImportCommand(a),
		newExportCommand(a),
		newStatsCommand(a),
		newLoginCommand(a),
		newLogoutCommand(a),
		newVMCommand(a),
		newPlateCommand(a),
	)
	return root
}

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context) int {
	a := &app{logOut: os.Stderr}
	err := newRootCommand(a).ExecuteContext(ctx)
	// PersistentPostRunE is skipped when RunE fails.
	if cerr := a.close(); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return err
	}
	logger, cleanup, err := setupLogger(cfg, a.logOut)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	a.cleanup = cleanup
	if cfg.ConfigFile != "" {
		logger.Debug("config loaded", "file", cfg.ConfigFile)
	}
	return nil
}

func (a *app) close() error {
	if a.cleanup == nil {
		return nil
	}
	err := a.cleanup()
	a.cleanup = nil
	return err
}

func setupLogger(cfg config.Config, out io.Writer) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("mailtool-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(out, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(out, opts)
	return slog.New(handler), cleanup, nil
}

// withSession connects, optionally selects the configured folder, runs fn
// and logs out again.
func (a *app) withSession(ctx context.Context, selectFolder bool, fn func(*imap.Session) error) error {
	if err := a.cfg.ResolveIMAP(); err != nil {
		return err
	}

	session := imap.NewSession(a.cfg.SessionOptions(), a.logger)
	if err := session.Connect(ctx, a.cfg.IMAPHost, a.cfg.IMAPUser, a.cfg.IMAPPass); err != nil {
		return err
	}
	defer func() {
		if err := session.Logout(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn("imap logout failed", "err", err)
		}
	}()

	if selectFolder {
		if _, err := session.SelectFolder(ctx, a.cfg.Folder); err != nil {
			return err
		}
	}
	return fn(session)
}

// refsFromArgs turns UID arguments into refs for the selected folder.
func refsFromArgs(session *imap.Session, args []string) ([]imap.Ref, error) {
	refs := make([]imap.Ref, 0, len(args))
	for _, arg := range args {
		n, err := strconv.ParseUint(arg, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid uid %q", arg)
		}
		ref, err := session.RefFor(imapv2.UID(n))
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

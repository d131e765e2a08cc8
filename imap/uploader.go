package imap

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dhcgn/mailtool/model"
	"github.com/dhcgn/mailtool/state"
	"github.com/dhcgn/mailtool/stats"
)

// Pipeline is the part of the import runner the Uploader consumes.
type Pipeline interface {
	AddStage(name string, fn func(context.Context) error)
	Uploads() <-chan model.Message
	Tracker() state.Tracker
	EmitEvent(evt stats.Event)
}

type UploadOptions struct {
	Server       string
	Username     string
	Password     string
	TargetFolder string
	DryRun       bool
}

// Uploader appends every message from the pipeline into one folder. The
// connection is opened lazily on the first message, so dry runs and empty
// imports never touch the server.
type Uploader struct {
	opts     UploadOptions
	session  *Session
	pipeline Pipeline
	tracker  state.Tracker
	logger   *slog.Logger
}

func NewUploader(opts UploadOptions, session *Session, p Pipeline, logger *slog.Logger) (*Uploader, error) {
	if strings.TrimSpace(opts.Server) == "" && !opts.DryRun {
		return nil, fmt.Errorf("imap host is empty")
	}
	if session == nil {
		return nil, fmt.Errorf("session must not be nil")
	}
	tracker := p.Tracker()
	if tracker == nil {
		return nil, fmt.Errorf("tracker must not be nil")
	}
	if opts.TargetFolder == "" {
		opts.TargetFolder = "INBOX"
	}
	u := &Uploader{
		opts:     opts,
		session:  session,
		pipeline: p,
		tracker:  tracker,
		logger:   logger,
	}
	p.AddStage("imap", u.run)
	return u, nil
}

func (u *Uploader) run(ctx context.Context) error {
	defer func() {
		if u.session.Connected() {
			if err := u.session.Logout(context.WithoutCancel(ctx)); err != nil && u.logger != nil {
				u.logger.Warn("imap logout failed", "err", err)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-u.pipeline.Uploads():
			if !ok {
				return nil
			}
			if err := u.handle(ctx, msg); err != nil {
				u.pipeline.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeError, MessageID: msg.ID, Err: err})
				return err
			}
		}
	}
}

func (u *Uploader) handle(ctx context.Context, msg model.Message) error {
	if msg.ID == "" {
		return ErrMissingMessageID
	}
	if msg.Hash == "" {
		return fmt.Errorf("message %s missing hash", msg.ID)
	}

	if u.opts.DryRun {
		if err := u.tracker.MarkProcessed(msg.Hash, msg.ID); err != nil {
			return err
		}
		u.pipeline.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeDryRunUpload, MessageID: msg.ID})
		if u.logger != nil {
			u.logger.Debug("dry-run upload", "messageID", msg.ID, "target", u.opts.TargetFolder, "hash", msg.Hash)
		}
		return nil
	}

	if !u.session.Connected() {
		if err := u.connect(ctx); err != nil {
			return err
		}
	}

	uid, err := u.session.Append(ctx, u.opts.TargetFolder, msg.Raw, msg.ReceivedAt)
	if err != nil {
		return fmt.Errorf("upload message %s: %w", msg.ID, err)
	}
	if err := u.tracker.MarkProcessed(msg.Hash, msg.ID); err != nil {
		return err
	}

	u.pipeline.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeUploaded, MessageID: msg.ID})
	if u.logger != nil {
		u.logger.Debug("uploaded message", "messageID", msg.ID, "target", u.opts.TargetFolder, "uid", uid)
	}
	return nil
}

func (u *Uploader) connect(ctx context.Context) error {
	if err := u.session.Connect(ctx, u.opts.Server, u.opts.Username, u.opts.Password); err != nil {
		return err
	}
	created, err := u.session.EnsureFolder(ctx, u.opts.TargetFolder)
	if err != nil {
		return err
	}
	if created && u.logger != nil {
		u.logger.Info("imap mailbox created", "mailbox", u.opts.TargetFolder)
	}
	return nil
}

package imap

import (
	"context"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// MarkRead adds \Seen. Repeating it has no further effect.
func (s *Session) MarkRead(ctx context.Context, ref Ref) error {
	return s.store(ctx, "mark read "+ref.String(), ref, imapv2.StoreFlagsAdd, imapv2.FlagSeen)
}

// MarkUnread removes \Seen.
func (s *Session) MarkUnread(ctx context.Context, ref Ref) error {
	return s.store(ctx, "mark unread "+ref.String(), ref, imapv2.StoreFlagsDel, imapv2.FlagSeen)
}

// Delete flags the message \Deleted. The message stays in the folder, and in
// search results, until Expunge runs.
func (s *Session) Delete(ctx context.Context, ref Ref) error {
	return s.store(ctx, "delete "+ref.String(), ref, imapv2.StoreFlagsAdd, imapv2.FlagDeleted)
}

// Expunge permanently removes every \Deleted message in the selected folder.
// Refs to surviving messages stay valid.
func (s *Session) Expunge(ctx context.Context) error {
	folder, err := s.requireSelected("expunge")
	if err != nil {
		return err
	}

	var removed []uint32
	err = s.do(ctx, "expunge", func(c *imapclient.Client) error {
		var err error
		removed, err = c.Expunge().Collect()
		return err
	})
	if err != nil {
		return err
	}

	if s.logger != nil {
		s.logger.Info("imap folder expunged", "folder", folder.Name, "removed", len(removed))
	}
	return nil
}

func (s *Session) store(ctx context.Context, op string, ref Ref, mode imapv2.StoreFlagsOp, flags ...imapv2.Flag) error {
	if err := s.checkRef(op, ref); err != nil {
		return err
	}

	return s.do(ctx, op, func(c *imapclient.Client) error {
		return c.Store(imapv2.UIDSetNum(ref.UID), &imapv2.StoreFlags{
			Op:     mode,
			Silent: true,
			Flags:  flags,
		}, nil).Close()
	})
}

package imap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/mailtool/model"
)

// FetchRaw returns the full RFC 5322 message without setting \Seen.
func (s *Session) FetchRaw(ctx context.Context, ref Ref) ([]byte, error) {
	op := "fetch " + ref.String()
	if err := s.checkRef(op, ref); err != nil {
		return nil, err
	}

	section := &imapv2.FetchItemBodySection{Peek: true}
	opts := &imapv2.FetchOptions{
		UID:         true,
		BodySection: []*imapv2.FetchItemBodySection{section},
	}

	var (
		raw   []byte
		found bool
	)
	err := s.do(ctx, op, func(c *imapclient.Client) error {
		cmd := c.Fetch(imapv2.UIDSetNum(ref.UID), opts)
		msg := cmd.Next()
		if msg == nil {
			return cmd.Close()
		}

		buf, err := msg.Collect()
		if err != nil {
			_ = cmd.Close()
			return err
		}
		found = true
		raw = buf.FindBodySection(section)
		return cmd.Close()
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%s: %w", op, ErrMessageNotFound)
	}
	return raw, nil
}

// FetchMessage fetches and parses the message behind ref.
func (s *Session) FetchMessage(ctx context.Context, ref Ref) (*model.Content, error) {
	raw, err := s.FetchRaw(ctx, ref)
	if err != nil {
		return nil, err
	}
	content, err := model.ParseContent(raw)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ref, err)
	}
	if content.Truncated() && s.logger != nil {
		s.logger.Warn("message is truncated", "ref", ref.String())
	}
	return content, nil
}

// FetchBody returns the first text/plain part of the message, walking the
// MIME tree depth first. A message without such a part yields ErrNoTextBody,
// which is distinct from every fetch failure.
func (s *Session) FetchBody(ctx context.Context, ref Ref) (string, error) {
	content, err := s.FetchMessage(ctx, ref)
	if err != nil {
		return "", err
	}
	text, ok := content.PlainText()
	if !ok {
		return "", fmt.Errorf("fetch body %s: %w", ref, ErrNoTextBody)
	}
	return text, nil
}

// SaveAttachments writes every named, non-multipart part of the message into
// dir and returns the written paths. Existing files with the same name are
// overwritten. A message without attachments writes nothing.
func (s *Session) SaveAttachments(ctx context.Context, ref Ref, dir string) ([]string, error) {
	content, err := s.FetchMessage(ctx, ref)
	if err != nil {
		return nil, err
	}

	attachments := content.Attachments()
	if len(attachments) == 0 {
		return nil, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachment directory: %w", err)
	}

	paths := make([]string, 0, len(attachments))
	for idx, att := range attachments {
		path := filepath.Join(dir, attachmentName(att.Filename, idx))
		if err := os.WriteFile(path, att.Data, 0o644); err != nil {
			return paths, fmt.Errorf("write attachment %s: %w", path, err)
		}
		paths = append(paths, path)
		if s.logger != nil {
			s.logger.Debug("attachment saved", "ref", ref.String(), "path", path, "size", len(att.Data))
		}
	}
	return paths, nil
}

// attachmentName strips any directory components a sender put into the
// filename so writes stay inside the destination directory.
func attachmentName(name string, idx int) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = filepath.Base(filepath.Clean("/" + name))
	if name == "/" || name == "." || name == ".." || name == "" {
		return "attachment-" + strconv.Itoa(idx+1)
	}
	return name
}

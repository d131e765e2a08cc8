package imap

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"sort"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// headerBatch caps the number of UIDs sent in one FETCH command.
const headerBatch = 200

// MessageHeader is the parsed header block of one message.
type MessageHeader struct {
	Ref    Ref
	Header mail.Header
}

// FetchHeaders fetches only the header block of each ref, in batches, without
// setting \Seen. Refs the server no longer knows are silently omitted.
func (s *Session) FetchHeaders(ctx context.Context, refs []Ref) ([]MessageHeader, error) {
	for _, ref := range refs {
		if err := s.checkRef("fetch headers", ref); err != nil {
			return nil, err
		}
	}
	if len(refs) == 0 {
		return []MessageHeader{}, nil
	}

	byUID := make(map[imapv2.UID]Ref, len(refs))
	for _, ref := range refs {
		byUID[ref.UID] = ref
	}

	section := &imapv2.FetchItemBodySection{Specifier: imapv2.PartSpecifierHeader, Peek: true}
	opts := &imapv2.FetchOptions{
		UID:         true,
		BodySection: []*imapv2.FetchItemBodySection{section},
	}

	out := make([]MessageHeader, 0, len(refs))
	for start := 0; start < len(refs); start += headerBatch {
		end := min(start+headerBatch, len(refs))

		var set imapv2.UIDSet
		for _, ref := range refs[start:end] {
			set.AddNum(ref.UID)
		}

		op := fmt.Sprintf("fetch headers %d-%d", start, end)
		err := s.do(ctx, op, func(c *imapclient.Client) error {
			cmd := c.Fetch(set, opts)
			for {
				msg := cmd.Next()
				if msg == nil {
					break
				}
				buf, err := msg.Collect()
				if err != nil {
					_ = cmd.Close()
					return err
				}
				ref, ok := byUID[buf.UID]
				if !ok {
					continue
				}
				h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(buf.FindBodySection(section))))
				if err != nil {
					if s.logger != nil {
						s.logger.Warn("unparsable header", "ref", ref.String(), "err", err)
					}
					continue
				}
				out = append(out, MessageHeader{Ref: ref, Header: mail.Header{Header: message.Header{Header: h}}})
			}
			return cmd.Close()
		})
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Ref.UID < out[j].Ref.UID })
	return out, nil
}

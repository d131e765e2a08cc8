package model

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

var (
	ErrEmptyMessage = errors.New("message is empty")
	// ErrMalformedMessage means the top-level header could not be parsed.
	ErrMalformedMessage = errors.New("malformed message")
)

// Attachment is one named, non-multipart MIME part.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Content is a read-only view over a raw RFC 5322 message.
type Content struct {
	header      mail.Header
	text        string
	hasText     bool
	attachments []Attachment
	size        int
	truncated   bool
}

// ParseContent decodes raw and walks its MIME tree depth first. Parts with an
// unknown charset or transfer encoding are kept undecoded rather than failing
// the whole message. A body that breaks off mid-part (a missing closing
// boundary, a cut-off part header) ends the walk; everything read up to that
// point is kept and Truncated reports true.
func ParseContent(raw []byte) (*Content, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmptyMessage
	}

	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !isEncodingError(err) {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	content := &Content{
		header: mail.Header{Header: entity.Header},
		size:   len(raw),
	}

	err = entity.Walk(func(path []int, part *message.Entity, err error) error {
		if err != nil && !isEncodingError(err) {
			return err
		}
		if part == nil || part.MultipartReader() != nil {
			return nil
		}
		return content.visit(part)
	})
	if err != nil {
		content.truncated = true
	}

	return content, nil
}

func (c *Content) visit(part *message.Entity) error {
	mediaType, _, err := part.Header.ContentType()
	if err != nil || mediaType == "" {
		mediaType = "text/plain"
	}
	mediaType = strings.ToLower(mediaType)
	if strings.HasPrefix(mediaType, "multipart/") {
		return nil
	}

	attHeader := mail.AttachmentHeader{Header: part.Header}
	filename, _ := attHeader.Filename()
	disposition, _, _ := part.Header.ContentDisposition()

	if filename != "" {
		data, err := io.ReadAll(part.Body)
		c.attachments = append(c.attachments, Attachment{
			Filename:    filename,
			ContentType: mediaType,
			Data:        data,
		})
		if err != nil {
			return fmt.Errorf("read attachment %q: %w", filename, err)
		}
		return nil
	}

	if !c.hasText && mediaType == "text/plain" && !strings.EqualFold(disposition, "attachment") {
		data, err := io.ReadAll(part.Body)
		c.text = string(data)
		c.hasText = true
		if err != nil {
			return fmt.Errorf("read text part: %w", err)
		}
	}
	return nil
}

func isEncodingError(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

// Header exposes the top-level header fields.
func (c *Content) Header() mail.Header {
	return c.header
}

func (c *Content) Subject() string {
	subject, err := c.header.Subject()
	if err != nil {
		return c.header.Get("Subject")
	}
	return subject
}

// From returns the sender addresses formatted as "Name <addr>".
func (c *Content) From() []string {
	return c.addresses("From")
}

func (c *Content) To() []string {
	return c.addresses("To")
}

func (c *Content) addresses(key string) []string {
	list, err := c.header.AddressList(key)
	if err != nil {
		if raw := strings.TrimSpace(c.header.Get(key)); raw != "" {
			return []string{raw}
		}
		return nil
	}
	out := make([]string, 0, len(list))
	for _, addr := range list {
		out = append(out, addr.String())
	}
	return out
}

// Date is the parsed Date header, or the zero time if it is missing or malformed.
func (c *Content) Date() time.Time {
	date, err := c.header.Date()
	if err != nil {
		return time.Time{}
	}
	return date
}

func (c *Content) MessageID() string {
	id, err := c.header.MessageID()
	if err != nil || id == "" {
		return strings.Trim(strings.TrimSpace(c.header.Get("Message-Id")), "<>")
	}
	return id
}

// PlainText returns the first text/plain part and whether one exists.
func (c *Content) PlainText() (string, bool) {
	return c.text, c.hasText
}

func (c *Content) Attachments() []Attachment {
	out := make([]Attachment, len(c.attachments))
	copy(out, c.attachments)
	return out
}

// Truncated reports whether the MIME tree ended before its closing
// boundary. The last attachment may then hold partial data.
func (c *Content) Truncated() bool {
	return c.truncated
}

// Size is the length of the raw message in bytes.
func (c *Content) Size() int {
	return c.size
}

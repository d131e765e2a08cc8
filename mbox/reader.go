package mbox

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/klauspost/compress/zstd"

	"github.com/dhcgn/mailtool/filter"
	"github.com/dhcgn/mailtool/model"
)

type Options struct {
	Path string
	// Filter is optional; nil lets every message through.
	Filter *filter.Filter
}

type Reader interface {
	Stream(ctx context.Context, out chan<- model.Envelope) error
}

func NewReader(opts Options, logger *slog.Logger) (Reader, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	return &fileReader{path: path, filter: opts.Filter, logger: logger}, nil
}

type fileReader struct {
	path   string
	filter *filter.Filter
	logger *slog.Logger
}

// Stream sends every message that passes the filter to out. Messages that
// cannot be parsed are sent as error envelopes and streaming continues; only
// I/O failures on the mbox itself end the stream early.
func (f *fileReader) Stream(ctx context.Context, out chan<- model.Envelope) error {
	src, err := open(f.path)
	if err != nil {
		return err
	}
	defer src.Close()

	reader := mboxlib.NewReader(src)
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgReader, err := reader.NextMessage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return fmt.Errorf("message %d read: %w", idx, err)
		}

		if f.filter != nil && !f.filter.AllowsRaw(raw) {
			if f.logger != nil {
				f.logger.Debug("message filtered", "index", idx)
			}
			continue
		}

		msg, err := ParseMessage(raw)
		if err != nil {
			if f.logger != nil {
				f.logger.Warn("skipping unparsable message", "path", f.path, "index", idx, "err", err)
			}
			if err := emit(ctx, out, model.Envelope{Err: fmt.Errorf("message %d parse: %w", idx, err)}); err != nil {
				return err
			}
			continue
		}
		msg.Index = idx

		if err := emit(ctx, out, model.Envelope{Message: msg}); err != nil {
			return err
		}
	}
}

func emit(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}

// ParseMessage reads the header of raw and fills in the identifiers used for
// deduplication. A message without a Message-Id gets one derived from its
// content hash so it can still be tracked.
func ParseMessage(raw []byte) (model.Message, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return model.Message{}, model.ErrEmptyMessage
	}

	th, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return model.Message{}, fmt.Errorf("read header: %w", err)
	}
	header := mail.Header{Header: message.Header{Header: th}}

	sum := sha256.Sum256(raw)
	hash := base64.StdEncoding.EncodeToString(sum[:])

	id, _ := header.MessageID()
	if id == "" {
		id = strings.Trim(strings.TrimSpace(header.Get("Message-Id")), "<>")
	}
	if id == "" {
		id = "sha256-" + hash[:16] + "@mailtool"
	}

	subject, err := header.Subject()
	if err != nil {
		subject = header.Get("Subject")
	}
	receivedAt, _ := header.Date()

	return model.Message{
		ID:         id,
		Hash:       hash,
		Subject:    subject,
		ReceivedAt: receivedAt,
		Size:       int64(len(raw)),
		Raw:        raw,
	}, nil
}

// CountMessages counts the messages in an mbox file without parsing them.
func CountMessages(path string) (int, error) {
	src, err := open(path)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	reader := mboxlib.NewReader(src)
	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		if err != nil {
			return count, err
		}
		if _, err := io.Copy(io.Discard, msgReader); err != nil {
			return count, fmt.Errorf("message %d read: %w", count, err)
		}
		count++
	}
}

// open returns the mbox content at path, transparently decompressing files
// ending in .zst.
func open(path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	if !IsCompressed(path) {
		return file, nil
	}

	dec, err := zstd.NewReader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("open zstd stream: %w", err)
	}
	return &zstdReadCloser{Decoder: dec, file: file}, nil
}

type zstdReadCloser struct {
	*zstd.Decoder
	file *os.File
}

func (z *zstdReadCloser) Close() error {
	z.Decoder.Close()
	return z.file.Close()
}

// IsCompressed reports whether path names a zstd-compressed mbox.
func IsCompressed(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".zst")
}

package mbox

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/klauspost/compress/zstd"
)

// Writer appends raw messages to an mbox file, compressing the output with
// zstd when the path ends in .zst.
type Writer struct {
	file  *os.File
	zw    *zstd.Encoder
	mw    *mboxlib.Writer
	count int
}

func Create(path string) (*Writer, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create mbox: %w", err)
	}

	w := &Writer{file: file}
	var dst io.Writer = file
	if IsCompressed(path) {
		zw, err := zstd.NewWriter(file, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("create zstd stream: %w", err)
		}
		w.zw = zw
		dst = zw
	}
	w.mw = mboxlib.NewWriter(dst)
	return w, nil
}

// WriteMessage appends raw. from is the envelope sender for the "From "
// separator line; an empty value is written as MAILER-DAEMON.
func (w *Writer) WriteMessage(from string, date time.Time, raw []byte) error {
	if from == "" {
		from = "MAILER-DAEMON"
	}
	if date.IsZero() {
		date = time.Now()
	}

	mw, err := w.mw.CreateMessage(from, date)
	if err != nil {
		return fmt.Errorf("start message %d: %w", w.count, err)
	}
	if _, err := mw.Write(raw); err != nil {
		return fmt.Errorf("write message %d: %w", w.count, err)
	}
	w.count++
	return nil
}

// Count returns the number of messages written so far.
func (w *Writer) Count() int {
	return w.count
}

func (w *Writer) Close() error {
	var firstErr error
	if err := w.mw.Close(); err != nil {
		firstErr = fmt.Errorf("close mbox writer: %w", err)
	}
	if w.zw != nil {
		if err := w.zw.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close zstd stream: %w", err)
		}
	}
	if err := w.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close mbox file: %w", err)
	}
	return firstErr
}

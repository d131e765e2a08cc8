package imap

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
)

// debugWriter receives the raw protocol stream from imapclient and logs it
// line by line. Credentials sent with LOGIN or AUTHENTICATE are never logged.
type debugWriter struct {
	logger *slog.Logger

	mu  sync.Mutex
	buf bytes.Buffer
	// tag of the LOGIN or AUTHENTICATE command in flight. Until its tagged
	// completion every line may be a literal or SASL response.
	authTag string
}

func newDebugWriter(logger *slog.Logger) *debugWriter {
	return &debugWriter{logger: logger}
}

func (w *debugWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// incomplete line, keep it for the next write
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		line = strings.TrimRight(line, "\r\n")
		w.logger.Debug("imap protocol", "data", w.redact(line))
	}
	return len(p), nil
}

func (w *debugWriter) redact(line string) string {
	fields := strings.Fields(line)
	if w.authTag != "" {
		if isCompletion(fields, w.authTag) {
			w.authTag = ""
			return line
		}
		return "[redacted]"
	}
	if len(fields) >= 2 {
		cmd := strings.ToUpper(fields[1])
		if cmd == "LOGIN" || cmd == "AUTHENTICATE" {
			w.authTag = fields[0]
			return fields[0] + " " + cmd + " [redacted]"
		}
	}
	return line
}

func isCompletion(fields []string, tag string) bool {
	if len(fields) < 2 || fields[0] != tag {
		return false
	}
	switch strings.ToUpper(fields[1]) {
	case "OK", "NO", "BAD":
		return true
	}
	return false
}

package plate

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// Tesseract runs the tesseract command line tool, feeding the image as PNG
// on stdin and reading text from stdout.
type Tesseract struct {
	// Path to the binary; "tesseract" from PATH when empty.
	Path string
	// PageSegMode is passed as --psm. 7 treats the image as one text line.
	PageSegMode int
	Language    string
	Logger      *slog.Logger
}

func (t Tesseract) args() []string {
	psm := t.PageSegMode
	if psm == 0 {
		psm = 7
	}
	args := []string{"stdin", "stdout", "--psm", strconv.Itoa(psm)}
	if t.Language != "" {
		args = append(args, "-l", t.Language)
	}
	return args
}

func (t Tesseract) Recognize(ctx context.Context, img image.Image) (string, error) {
	bin := t.Path
	if bin == "" {
		bin = "tesseract"
	}

	var in bytes.Buffer
	if err := png.Encode(&in, img); err != nil {
		return "", fmt.Errorf("encode png: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, t.args()...)
	cmd.Stdin = &in
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", fmt.Errorf("%s: %w: %s", bin, err, msg)
		}
		return "", fmt.Errorf("%s: %w", bin, err)
	}
	if t.Logger != nil {
		t.Logger.Debug("tesseract finished", "bytes", stdout.Len(), "stderr", strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

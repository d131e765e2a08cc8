package imap

import (
	"errors"
	"fmt"

	imapv2 "github.com/emersion/go-imap/v2"
)

// Failure classes returned by Session. Every error a Session returns wraps
// exactly one of these, so callers can branch with errors.Is.
var (
	ErrAuthentication   = errors.New("imap authentication failed")
	ErrConnection       = errors.New("imap connection failed")
	ErrFolderNotFound   = errors.New("imap folder not found")
	ErrNotConnected     = errors.New("imap session is not connected")
	ErrNoFolderSelected = errors.New("no imap folder selected")
	ErrStaleReference   = errors.New("message reference belongs to an earlier folder selection")
	ErrMessageNotFound  = errors.New("message not found")
	ErrNoTextBody       = errors.New("message has no text/plain part")
	ErrProtocol         = errors.New("imap command rejected")
)

var ErrMissingMessageID = errors.New("message id is empty")

// classify maps an error from imapclient onto one of the failure classes.
// Server status responses (NO/BAD) become ErrProtocol unless their response
// code says something more specific; everything else is a transport failure.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var respErr *imapv2.Error
	if !errors.As(err, &respErr) {
		return fmt.Errorf("%s: %w: %w", op, ErrConnection, err)
	}

	switch respErr.Code {
	case imapv2.ResponseCodeNonExistent:
		return fmt.Errorf("%s: %w: %w", op, ErrFolderNotFound, err)
	case imapv2.ResponseCodeAuthenticationFailed, imapv2.ResponseCodeAuthorizationFailed:
		return fmt.Errorf("%s: %w: %w", op, ErrAuthentication, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrProtocol, err)
}

func isNo(err error) bool {
	var respErr *imapv2.Error
	return errors.As(err, &respErr) && respErr.Type == imapv2.StatusResponseTypeNo
}

package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/google/uuid"
)

// Security selects the transport protection used by Connect.
type Security int

const (
	// SecurityTLS dials implicit TLS, port 993 by default.
	SecurityTLS Security = iota
	// SecurityStartTLS dials plaintext and upgrades with STARTTLS, port 143 by default.
	SecurityStartTLS
	// SecurityNone never encrypts. Only meant for local test servers.
	SecurityNone
)

func (s Security) String() string {
	switch s {
	case SecurityTLS:
		return "tls"
	case SecurityStartTLS:
		return "starttls"
	case SecurityNone:
		return "none"
	}
	return "unknown"
}

// ParseSecurity converts a config string into a Security value.
func ParseSecurity(value string) (Security, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "tls":
		return SecurityTLS, nil
	case "starttls":
		return SecurityStartTLS, nil
	case "none", "insecure":
		return SecurityNone, nil
	}
	return SecurityTLS, fmt.Errorf("unknown imap security mode %q", value)
}

// AuthMechanism selects how Connect authenticates.
type AuthMechanism string

const (
	AuthLogin AuthMechanism = "login"
	AuthPlain AuthMechanism = "plain"
)

const (
	defaultTLSPort     = 993
	defaultPlainPort   = 143
	defaultDialTimeout = 30 * time.Second
)

type Options struct {
	// Port is used when the server address passed to Connect has none.
	Port               int
	Security           Security
	InsecureSkipVerify bool
	Auth               AuthMechanism
	DialTimeout        time.Duration
	// DebugProtocol traces the raw IMAP exchange into the logger at debug level.
	DebugProtocol bool
}

// Session is one authenticated IMAP connection with at most one selected
// folder. It moves from disconnected to connected on Connect, to
// folder-selected on SelectFolder, and back to disconnected on Logout or
// on any transport failure.
//
// A Session is not safe for concurrent use. Every method blocks until the
// server has answered; cancelling ctx mid-command closes the connection.
type Session struct {
	opts   Options
	logger *slog.Logger
	id     string

	client   *imapclient.Client
	server   string
	username string

	selected   *Folder
	generation uint64
}

func NewSession(opts Options, logger *slog.Logger) *Session {
	id := uuid.NewString()
	if logger != nil {
		logger = logger.With("session", id)
	}
	return &Session{
		opts:   opts,
		logger: logger,
		id:     id,
	}
}

// ID returns the identifier attached to this session's log records.
func (s *Session) ID() string {
	return s.id
}

// Connected reports whether a login has succeeded and the connection is open.
func (s *Session) Connected() bool {
	return s.client != nil
}

// Selected returns the active folder, or nil if none is selected.
func (s *Session) Selected() *Folder {
	if s.selected == nil {
		return nil
	}
	folder := *s.selected
	return &folder
}

// Connect dials server and authenticates. server is "host" or "host:port".
func (s *Session) Connect(ctx context.Context, server, username, password string) error {
	if s.client != nil {
		return fmt.Errorf("connect %s: session already connected to %s", server, s.server)
	}
	if strings.TrimSpace(username) == "" {
		return fmt.Errorf("connect %s: %w: username is empty", server, ErrAuthentication)
	}

	address, host, err := s.address(server)
	if err != nil {
		return fmt.Errorf("connect %s: %w: %w", server, ErrConnection, err)
	}

	tlsConfig := &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: s.opts.InsecureSkipVerify,
	}

	conn, err := s.dial(ctx, address, tlsConfig)
	if err != nil {
		return fmt.Errorf("dial imap %s: %w: %w", address, ErrConnection, err)
	}

	options := &imapclient.Options{TLSConfig: tlsConfig}
	if s.opts.DebugProtocol && s.logger != nil {
		options.DebugWriter = newDebugWriter(s.logger)
	}

	var client *imapclient.Client
	if s.opts.Security == SecurityStartTLS {
		client, err = imapclient.NewStartTLS(conn, options)
		if err != nil {
			_ = conn.Close()
			return fmt.Errorf("starttls %s: %w: %w", address, ErrConnection, err)
		}
	} else {
		client = imapclient.New(conn, options)
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})
	err = s.authenticate(client, username, password)
	if !stopClose() {
		return fmt.Errorf("login %s: %w: %w", username, ErrConnection, ctx.Err())
	}
	if err != nil {
		_ = client.Close()
		return err
	}

	s.client = client
	s.server = address
	s.username = username
	s.selected = nil

	if s.logger != nil {
		s.logger.Debug("imap connection established", "address", address, "user", username, "security", s.opts.Security.String())
	}
	return nil
}

func (s *Session) address(server string) (string, string, error) {
	server = strings.TrimSpace(server)
	if server == "" {
		return "", "", errors.New("server address is empty")
	}

	host, port, err := net.SplitHostPort(server)
	if err == nil {
		if _, err := strconv.Atoi(port); err != nil {
			return "", "", fmt.Errorf("invalid port in %q", server)
		}
		return server, host, nil
	}

	portNum := s.opts.Port
	if portNum <= 0 {
		portNum = defaultTLSPort
		if s.opts.Security != SecurityTLS {
			portNum = defaultPlainPort
		}
	}
	return net.JoinHostPort(server, strconv.Itoa(portNum)), server, nil
}

func (s *Session) dial(ctx context.Context, address string, tlsConfig *tls.Config) (net.Conn, error) {
	timeout := s.opts.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	dialer := &net.Dialer{Timeout: timeout}

	if s.opts.Security == SecurityTLS {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: tlsConfig}
		return tlsDialer.DialContext(ctx, "tcp", address)
	}
	return dialer.DialContext(ctx, "tcp", address)
}

func (s *Session) authenticate(client *imapclient.Client, username, password string) error {
	var err error
	switch s.opts.Auth {
	case AuthPlain:
		err = client.Authenticate(sasl.NewPlainClient("", username, password))
	case "", AuthLogin:
		err = client.Login(username, password).Wait()
	default:
		return fmt.Errorf("login %s: %w: unsupported mechanism %q", username, ErrAuthentication, s.opts.Auth)
	}
	if err == nil {
		return nil
	}

	var respErr *imapv2.Error
	if errors.As(err, &respErr) {
		return fmt.Errorf("login %s: %w: %w", username, ErrAuthentication, err)
	}
	return fmt.Errorf("login %s: %w: %w", username, ErrConnection, err)
}

// Logout ends the session. It is a no-op on a disconnected session.
func (s *Session) Logout(ctx context.Context) error {
	if s.client == nil {
		return nil
	}

	client := s.client
	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})
	err := client.Logout().Wait()
	stopClose()
	s.drop()

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("logout: %w: %w", ErrConnection, err)
	}
	if s.logger != nil {
		s.logger.Debug("imap session closed", "address", s.server)
	}
	return nil
}

// drop releases the connection and invalidates every outstanding Ref.
func (s *Session) drop() {
	if s.client != nil {
		if err := s.client.Close(); err != nil && s.logger != nil {
			s.logger.Debug("imap connection closed", "err", err)
		}
	}
	s.client = nil
	s.selected = nil
	s.generation++
}

// do runs one command against the live connection. A cancelled ctx closes
// the connection, and any transport failure leaves the session disconnected.
func (s *Session) do(ctx context.Context, op string, fn func(*imapclient.Client) error) error {
	if s.client == nil {
		return fmt.Errorf("%s: %w", op, ErrNotConnected)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	client := s.client
	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})
	err := fn(client)
	if !stopClose() {
		s.drop()
		return fmt.Errorf("%s: %w: %w", op, ErrConnection, ctx.Err())
	}

	err = classify(op, err)
	if errors.Is(err, ErrConnection) {
		s.drop()
	}
	return err
}

// SelectFolder opens name and makes it the active folder. Refs from a
// previous selection become stale, even when the same folder is re-selected.
func (s *Session) SelectFolder(ctx context.Context, name string) (*Folder, error) {
	op := "select " + name
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%s: %w: folder name is empty", op, ErrFolderNotFound)
	}

	var data *imapv2.SelectData
	err := s.do(ctx, op, func(c *imapclient.Client) error {
		var err error
		data, err = c.Select(name, nil).Wait()
		return err
	})

	// A failed SELECT leaves no mailbox selected on the server.
	s.selected = nil
	s.generation++

	if err != nil {
		if errors.Is(err, ErrProtocol) && isNo(err) {
			return nil, fmt.Errorf("%w: %w", ErrFolderNotFound, err)
		}
		return nil, err
	}

	s.selected = &Folder{
		Name:        name,
		UIDValidity: data.UIDValidity,
		UIDNext:     data.UIDNext,
		NumMessages: data.NumMessages,
	}
	if s.logger != nil {
		s.logger.Debug("imap folder selected", "folder", name, "messages", data.NumMessages, "uidValidity", data.UIDValidity)
	}
	return s.Selected(), nil
}

// ListFolders returns every folder visible to the user, sorted by name.
func (s *Session) ListFolders(ctx context.Context) ([]FolderInfo, error) {
	var mailboxes []*imapv2.ListData
	err := s.do(ctx, "list", func(c *imapclient.Client) error {
		var err error
		mailboxes, err = c.List("", "*", nil).Collect()
		return err
	})
	if err != nil {
		return nil, err
	}

	folders := make([]FolderInfo, 0, len(mailboxes))
	for _, mb := range mailboxes {
		info := FolderInfo{Name: mb.Mailbox}
		if mb.Delim != 0 {
			info.Delimiter = string(mb.Delim)
		}
		for _, attr := range mb.Attrs {
			info.Attributes = append(info.Attributes, string(attr))
		}
		folders = append(folders, info)
	}
	slices.SortFunc(folders, func(a, b FolderInfo) int {
		return strings.Compare(a.Name, b.Name)
	})
	return folders, nil
}

// EnsureFolder creates name unless it already exists. It reports whether a
// new folder was created.
func (s *Session) EnsureFolder(ctx context.Context, name string) (bool, error) {
	created := true
	err := s.do(ctx, "create "+name, func(c *imapclient.Client) error {
		err := c.Create(name, nil).Wait()
		var respErr *imapv2.Error
		if errors.As(err, &respErr) && respErr.Code == imapv2.ResponseCodeAlreadyExists {
			created = false
			return nil
		}
		return err
	})
	if err != nil {
		return false, err
	}

	if s.logger != nil {
		if created {
			s.logger.Info("imap folder created", "folder", name)
		} else {
			s.logger.Debug("imap folder already exists", "folder", name)
		}
	}
	return created, nil
}

// Append stores raw as a new message in folder. The returned UID is zero
// when the server does not support UIDPLUS.
func (s *Session) Append(ctx context.Context, folder string, raw []byte, received time.Time) (imapv2.UID, error) {
	var uid imapv2.UID
	err := s.do(ctx, "append "+folder, func(c *imapclient.Client) error {
		var opts *imapv2.AppendOptions
		if !received.IsZero() {
			opts = &imapv2.AppendOptions{Time: received}
		}

		cmd := c.Append(folder, int64(len(raw)), opts)
		remaining := raw
		for len(remaining) > 0 {
			n, err := cmd.Write(remaining)
			if err != nil {
				_ = cmd.Close()
				return fmt.Errorf("append write: %w", err)
			}
			if n == 0 {
				_ = cmd.Close()
				return errors.New("append write: wrote 0 bytes")
			}
			remaining = remaining[n:]
		}
		if err := cmd.Close(); err != nil {
			return fmt.Errorf("append close: %w", err)
		}

		data, err := cmd.Wait()
		if err != nil {
			return err
		}
		if data != nil {
			uid = data.UID
		}
		return nil
	})
	return uid, err
}

func (s *Session) requireSelected(op string) (*Folder, error) {
	if s.client == nil {
		return nil, fmt.Errorf("%s: %w", op, ErrNotConnected)
	}
	if s.selected == nil {
		return nil, fmt.Errorf("%s: %w", op, ErrNoFolderSelected)
	}
	return s.selected, nil
}

func (s *Session) checkRef(op string, ref Ref) error {
	folder, err := s.requireSelected(op)
	if err != nil {
		return err
	}
	if ref.generation != s.generation || ref.Folder != folder.Name || ref.UIDValidity != folder.UIDValidity {
		return fmt.Errorf("%s: %w", op, ErrStaleReference)
	}
	return nil
}

// RefFor builds a Ref for a UID the caller obtained out of band, such as
// from the command line, against the current selection.
func (s *Session) RefFor(uid imapv2.UID) (Ref, error) {
	folder, err := s.requireSelected("ref")
	if err != nil {
		return Ref{}, err
	}
	if uid == 0 {
		return Ref{}, fmt.Errorf("ref: %w: uid must be positive", ErrMessageNotFound)
	}
	return s.ref(folder, uid), nil
}

func (s *Session) ref(folder *Folder, uid imapv2.UID) Ref {
	return Ref{
		UID:         uid,
		Folder:      folder.Name,
		UIDValidity: folder.UIDValidity,
		generation:  s.generation,
	}
}

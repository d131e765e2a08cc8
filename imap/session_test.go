package imap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
)

const (
	testUser     = "alice@example.com"
	testPassword = "correct horse"
)

const aliceNote = "From: Bob <bob@example.com>\r\n" +
	"To: alice@example.com\r\n" +
	"Subject: Note\r\n" +
	"Message-Id: <note@example.com>\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Just a note.\r\n"

const carolNewsletter = "From: Carol <carol@example.org>\r\n" +
	"To: alice@example.com\r\n" +
	"Subject: Newsletter\r\n" +
	"Message-Id: <news@example.org>\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>No plain text here</p>\r\n"

const bobReport = "From: Bob <bob@example.com>\r\n" +
	"To: alice@example.com\r\n" +
	"Subject: Report\r\n" +
	"Message-Id: <report@example.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=b1\r\n" +
	"\r\n" +
	"--b1\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Report attached.\r\n" +
	"--b1\r\n" +
	"Content-Type: text/csv\r\n" +
	"Content-Disposition: attachment; filename=\"../../report.csv\"\r\n" +
	"\r\n" +
	"a,b\r\n1,2\r\n" +
	"--b1--\r\n"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startServer runs an in-memory IMAP server with INBOX and Archive folders.
func startServer(t *testing.T) string {
	t.Helper()
	return startServerFor(t, testUser, testPassword)
}

func startServerFor(t *testing.T, username, password string) string {
	t.Helper()

	memServer := imapmemserver.New()
	user := imapmemserver.NewUser(username, password)
	for _, name := range []string{"INBOX", "Archive"} {
		err := user.Create(name, nil)
		var respErr *imapv2.Error
		if err != nil && !(errors.As(err, &respErr) && respErr.Code == imapv2.ResponseCodeAlreadyExists) {
			t.Fatalf("create mailbox %s: %v", name, err)
		}
	}
	memServer.AddUser(user)

	server := imapserver.New(&imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return memServer.NewSession(), nil, nil
		},
		Caps: imapv2.CapSet{
			imapv2.CapIMAP4rev1: {},
			imapv2.CapIMAP4rev2: {},
		},
		InsecureAuth: true,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		_ = server.Serve(ln)
	}()
	t.Cleanup(func() {
		_ = server.Close()
	})

	return ln.Addr().String()
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func connect(t *testing.T, ctx context.Context, address string, opts Options) *Session {
	t.Helper()
	opts.Security = SecurityNone
	session := NewSession(opts, discardLogger())
	if err := session.Connect(ctx, address, testUser, testPassword); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() {
		_ = session.Logout(context.Background())
	})
	return session
}

// seededSession connects, appends the given messages to INBOX and selects it.
func seededSession(t *testing.T, messages ...string) (context.Context, *Session) {
	t.Helper()
	ctx := testContext(t)
	session := connect(t, ctx, startServer(t), Options{})

	for _, raw := range messages {
		if _, err := session.Append(ctx, "INBOX", []byte(raw), time.Time{}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	if _, err := session.SelectFolder(ctx, "INBOX"); err != nil {
		t.Fatalf("SelectFolder() error = %v", err)
	}
	return ctx, session
}

func uids(refs []Ref) []imapv2.UID {
	out := make([]imapv2.UID, 0, len(refs))
	for _, ref := range refs {
		out = append(out, ref.UID)
	}
	return out
}

func TestSession_SearchAllNoDuplicates(t *testing.T) {
	ctx, session := seededSession(t, aliceNote, carolNewsletter, bobReport)

	refs, err := session.SearchAll(ctx)
	if err != nil {
		t.Fatalf("SearchAll() error = %v", err)
	}
	if len(refs) != 3 {
		t.Fatalf("SearchAll() returned %d refs, want 3", len(refs))
	}

	got := uids(refs)
	if !slices.IsSorted(got) {
		t.Errorf("SearchAll() not in ascending order: %v", got)
	}
	if len(slices.Compact(slices.Clone(got))) != len(got) {
		t.Errorf("SearchAll() returned duplicates: %v", got)
	}
	for _, ref := range refs {
		if ref.Folder != "INBOX" {
			t.Errorf("ref folder = %q, want INBOX", ref.Folder)
		}
	}
}

func TestSession_EmptyFolderSearch(t *testing.T) {
	ctx, session := seededSession(t)

	refs, err := session.SearchAll(ctx)
	if err != nil {
		t.Fatalf("SearchAll() error = %v", err)
	}
	if refs == nil || len(refs) != 0 {
		t.Errorf("SearchAll() = %v, want empty non-nil slice", refs)
	}
}

func TestSession_ConnectErrors(t *testing.T) {
	ctx := testContext(t)
	address := startServer(t)

	t.Run("bad password", func(t *testing.T) {
		session := NewSession(Options{Security: SecurityNone}, discardLogger())
		err := session.Connect(ctx, address, testUser, "wrong")
		if !errors.Is(err, ErrAuthentication) {
			t.Fatalf("Connect() error = %v, want ErrAuthentication", err)
		}
		if session.Connected() {
			t.Error("session should stay disconnected after failed login")
		}
	})

	t.Run("empty username", func(t *testing.T) {
		session := NewSession(Options{Security: SecurityNone}, nil)
		err := session.Connect(ctx, address, "", testPassword)
		if !errors.Is(err, ErrAuthentication) {
			t.Fatalf("Connect() error = %v, want ErrAuthentication", err)
		}
	})

	t.Run("unreachable server", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		closed := ln.Addr().String()
		_ = ln.Close()

		session := NewSession(Options{Security: SecurityNone, DialTimeout: time.Second}, nil)
		err = session.Connect(ctx, closed, testUser, testPassword)
		if !errors.Is(err, ErrConnection) {
			t.Fatalf("Connect() error = %v, want ErrConnection", err)
		}
	})

	t.Run("sasl plain", func(t *testing.T) {
		session := NewSession(Options{Security: SecurityNone, Auth: AuthPlain}, discardLogger())
		if err := session.Connect(ctx, address, testUser, testPassword); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
		_ = session.Logout(ctx)
	})
}

func TestSession_StateGuards(t *testing.T) {
	ctx := testContext(t)

	session := NewSession(Options{}, nil)
	if _, err := session.SearchAll(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SearchAll() before connect error = %v, want ErrNotConnected", err)
	}
	if _, err := session.SelectFolder(ctx, "INBOX"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SelectFolder() before connect error = %v, want ErrNotConnected", err)
	}

	session = connect(t, ctx, startServer(t), Options{})
	if _, err := session.SearchUnread(ctx); !errors.Is(err, ErrNoFolderSelected) {
		t.Errorf("SearchUnread() before select error = %v, want ErrNoFolderSelected", err)
	}
	if err := session.Expunge(ctx); !errors.Is(err, ErrNoFolderSelected) {
		t.Errorf("Expunge() before select error = %v, want ErrNoFolderSelected", err)
	}

	if err := session.Logout(ctx); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if _, err := session.ListFolders(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ListFolders() after logout error = %v, want ErrNotConnected", err)
	}
}

func TestSession_SelectMissingFolder(t *testing.T) {
	ctx, session := seededSession(t, aliceNote)

	_, err := session.SelectFolder(ctx, "Does/Not/Exist")
	if !errors.Is(err, ErrFolderNotFound) {
		t.Fatalf("SelectFolder() error = %v, want ErrFolderNotFound", err)
	}
	if session.Selected() != nil {
		t.Error("failed select must leave no folder selected")
	}
	if !session.Connected() {
		t.Error("failed select must not drop the connection")
	}
}

func TestSession_UnreadIsSubsetAndMarkReadIdempotent(t *testing.T) {
	ctx, session := seededSession(t, aliceNote, carolNewsletter, bobReport)

	all, err := session.SearchAll(ctx)
	if err != nil {
		t.Fatalf("SearchAll() error = %v", err)
	}
	unread, err := session.SearchUnread(ctx)
	if err != nil {
		t.Fatalf("SearchUnread() error = %v", err)
	}
	for _, uid := range uids(unread) {
		if !slices.Contains(uids(all), uid) {
			t.Errorf("unread uid %d missing from SearchAll", uid)
		}
	}

	target := all[0]
	for i := 0; i < 2; i++ {
		if err := session.MarkRead(ctx, target); err != nil {
			t.Fatalf("MarkRead() #%d error = %v", i+1, err)
		}
		unread, err = session.SearchUnread(ctx)
		if err != nil {
			t.Fatalf("SearchUnread() error = %v", err)
		}
		if slices.Contains(uids(unread), target.UID) {
			t.Errorf("after MarkRead #%d uid %d still unread", i+1, target.UID)
		}
		if len(unread) != len(all)-1 {
			t.Errorf("after MarkRead #%d got %d unread, want %d", i+1, len(unread), len(all)-1)
		}
	}

	if err := session.MarkUnread(ctx, target); err != nil {
		t.Fatalf("MarkUnread() error = %v", err)
	}
	unread, err = session.SearchUnread(ctx)
	if err != nil {
		t.Fatalf("SearchUnread() error = %v", err)
	}
	if len(unread) != len(all) {
		t.Errorf("after MarkUnread got %d unread, want %d", len(unread), len(all))
	}
}

func TestSession_FetchDoesNotMarkRead(t *testing.T) {
	ctx, session := seededSession(t, aliceNote)

	refs, err := session.SearchAll(ctx)
	if err != nil {
		t.Fatalf("SearchAll() error = %v", err)
	}
	if _, err := session.FetchBody(ctx, refs[0]); err != nil {
		t.Fatalf("FetchBody() error = %v", err)
	}
	unread, err := session.SearchUnread(ctx)
	if err != nil {
		t.Fatalf("SearchUnread() error = %v", err)
	}
	if len(unread) != 1 {
		t.Errorf("fetching should not set \\Seen, unread = %d", len(unread))
	}
}

func TestSession_SearchBySender(t *testing.T) {
	ctx, session := seededSession(t, aliceNote, carolNewsletter, bobReport)

	refs, err := session.SearchBySender(ctx, "bob@example.com")
	if err != nil {
		t.Fatalf("SearchBySender() error = %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("SearchBySender(bob) = %d refs, want 2", len(refs))
	}

	refs, err = session.SearchBySender(ctx, "nobody@example.net")
	if err != nil {
		t.Fatalf("SearchBySender() error = %v", err)
	}
	if len(refs) != 0 {
		t.Errorf("SearchBySender(nobody) = %d refs, want 0", len(refs))
	}

	if _, err := session.SearchBySender(ctx, "  "); err == nil {
		t.Error("SearchBySender() with empty address should fail")
	}
}

func TestSession_DeleteRequiresExpunge(t *testing.T) {
	ctx, session := seededSession(t, aliceNote, carolNewsletter)

	refs, err := session.SearchAll(ctx)
	if err != nil {
		t.Fatalf("SearchAll() error = %v", err)
	}
	victim, survivor := refs[0], refs[1]

	if err := session.Delete(ctx, victim); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	refs, err = session.SearchAll(ctx)
	if err != nil {
		t.Fatalf("SearchAll() error = %v", err)
	}
	if !slices.Contains(uids(refs), victim.UID) {
		t.Error("deleted message should remain visible until expunge")
	}

	if err := session.Expunge(ctx); err != nil {
		t.Fatalf("Expunge() error = %v", err)
	}
	refs, err = session.SearchAll(ctx)
	if err != nil {
		t.Fatalf("SearchAll() error = %v", err)
	}
	if slices.Contains(uids(refs), victim.UID) {
		t.Error("expunged message still returned by SearchAll")
	}

	// Refs to other messages survive the expunge.
	if _, err := session.FetchRaw(ctx, survivor); err != nil {
		t.Errorf("FetchRaw(survivor) error = %v", err)
	}
}

func TestSession_FetchBody(t *testing.T) {
	ctx, session := seededSession(t, aliceNote, carolNewsletter, bobReport)

	refs, err := session.SearchAll(ctx)
	if err != nil {
		t.Fatalf("SearchAll() error = %v", err)
	}

	body, err := session.FetchBody(ctx, refs[0])
	if err != nil {
		t.Fatalf("FetchBody() error = %v", err)
	}
	if strings.TrimSpace(body) != "Just a note." {
		t.Errorf("FetchBody() = %q", body)
	}

	if _, err := session.FetchBody(ctx, refs[1]); !errors.Is(err, ErrNoTextBody) {
		t.Errorf("FetchBody(html only) error = %v, want ErrNoTextBody", err)
	}

	body, err = session.FetchBody(ctx, refs[2])
	if err != nil {
		t.Fatalf("FetchBody(multipart) error = %v", err)
	}
	if strings.TrimSpace(body) != "Report attached." {
		t.Errorf("FetchBody(multipart) = %q", body)
	}

	missing, err := session.RefFor(9999)
	if err != nil {
		t.Fatalf("RefFor() error = %v", err)
	}
	if _, err := session.FetchBody(ctx, missing); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("FetchBody(missing) error = %v, want ErrMessageNotFound", err)
	}
}

func TestSession_SaveAttachments(t *testing.T) {
	ctx, session := seededSession(t, aliceNote, bobReport)

	refs, err := session.SearchAll(ctx)
	if err != nil {
		t.Fatalf("SearchAll() error = %v", err)
	}

	t.Run("no attachments", func(t *testing.T) {
		dir := t.TempDir()
		paths, err := session.SaveAttachments(ctx, refs[0], dir)
		if err != nil {
			t.Fatalf("SaveAttachments() error = %v", err)
		}
		if len(paths) != 0 {
			t.Errorf("SaveAttachments() wrote %v, want nothing", paths)
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatalf("ReadDir() error = %v", err)
		}
		if len(entries) != 0 {
			t.Errorf("directory has %d entries, want 0", len(entries))
		}
	})

	t.Run("overwrites inside destination", func(t *testing.T) {
		dir := t.TempDir()
		target := filepath.Join(dir, "report.csv")
		if err := os.WriteFile(target, []byte("stale"), 0o644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}

		paths, err := session.SaveAttachments(ctx, refs[1], dir)
		if err != nil {
			t.Fatalf("SaveAttachments() error = %v", err)
		}
		if len(paths) != 1 || paths[0] != target {
			t.Fatalf("SaveAttachments() = %v, want [%s]", paths, target)
		}
		data, err := os.ReadFile(target)
		if err != nil {
			t.Fatalf("ReadFile() error = %v", err)
		}
		if !strings.Contains(string(data), "a,b") {
			t.Errorf("attachment content = %q", data)
		}
	})
}

func TestSession_ReselectInvalidatesRefs(t *testing.T) {
	ctx, session := seededSession(t, aliceNote)

	refs, err := session.SearchAll(ctx)
	if err != nil {
		t.Fatalf("SearchAll() error = %v", err)
	}

	if _, err := session.SelectFolder(ctx, "Archive"); err != nil {
		t.Fatalf("SelectFolder(Archive) error = %v", err)
	}
	if _, err := session.FetchRaw(ctx, refs[0]); !errors.Is(err, ErrStaleReference) {
		t.Errorf("FetchRaw() after reselect error = %v, want ErrStaleReference", err)
	}

	if _, err := session.SelectFolder(ctx, "INBOX"); err != nil {
		t.Fatalf("SelectFolder(INBOX) error = %v", err)
	}
	if err := session.MarkRead(ctx, refs[0]); !errors.Is(err, ErrStaleReference) {
		t.Errorf("MarkRead() after reselect error = %v, want ErrStaleReference", err)
	}
	if err := session.MarkRead(ctx, Ref{}); !errors.Is(err, ErrStaleReference) {
		t.Errorf("MarkRead(zero ref) error = %v, want ErrStaleReference", err)
	}
}

func TestSession_ListAndEnsureFolders(t *testing.T) {
	ctx := testContext(t)
	session := connect(t, ctx, startServer(t), Options{})

	created, err := session.EnsureFolder(ctx, "Imported")
	if err != nil {
		t.Fatalf("EnsureFolder() error = %v", err)
	}
	if !created {
		t.Error("EnsureFolder() should report creation")
	}
	created, err = session.EnsureFolder(ctx, "Imported")
	if err != nil {
		t.Fatalf("EnsureFolder() second call error = %v", err)
	}
	if created {
		t.Error("EnsureFolder() should not recreate an existing folder")
	}

	folders, err := session.ListFolders(ctx)
	if err != nil {
		t.Fatalf("ListFolders() error = %v", err)
	}
	var names []string
	for _, f := range folders {
		names = append(names, f.Name)
	}
	for _, want := range []string{"Archive", "INBOX", "Imported"} {
		if !slices.Contains(names, want) {
			t.Errorf("ListFolders() = %v, missing %s", names, want)
		}
	}
}

func TestSession_CancelledContext(t *testing.T) {
	_, session := seededSession(t, aliceNote)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := session.SearchAll(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("SearchAll() with cancelled ctx error = %v, want context.Canceled", err)
	}
}

func TestAttachmentName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "invoice.pdf", want: "invoice.pdf"},
		{name: "unix traversal", in: "../../etc/passwd", want: "passwd"},
		{name: "windows path", in: `C:\temp\photo.jpg`, want: "photo.jpg"},
		{name: "dot dot only", in: "..", want: "attachment-3"},
		{name: "empty", in: "", want: "attachment-3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := attachmentName(tt.in, 2); got != tt.want {
				t.Errorf("attachmentName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseSecurity(t *testing.T) {
	tests := []struct {
		in      string
		want    Security
		wantErr bool
	}{
		{in: "", want: SecurityTLS},
		{in: "TLS", want: SecurityTLS},
		{in: "starttls", want: SecurityStartTLS},
		{in: "none", want: SecurityNone},
		{in: "ssl3", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseSecurity(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSecurity(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseSecurity(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDebugWriterRedactsCredentials(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	w := newDebugWriter(logger)

	_, _ = w.Write([]byte("T1 LOGIN alice {6}\r\n+ Ready for literal data\r\nsecret\r\n"))
	_, _ = w.Write([]byte("T1 OK LOGIN completed\r\nT2 SEL"))
	_, _ = w.Write([]byte("ECT INBOX\r\n"))

	out := buf.String()
	if strings.Contains(out, "secret") {
		t.Errorf("debug output leaked password: %s", out)
	}
	if !strings.Contains(out, "T2 SELECT INBOX") {
		t.Errorf("debug output lost split line: %s", out)
	}
	if !strings.Contains(out, "T1 OK LOGIN completed") {
		t.Errorf("tagged completion should be logged: %s", out)
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSession_DebugProtocolHidesLiteralPassword(t *testing.T) {
	// non-ASCII and a quote force the password into a literal
	const password = "s\u00ebcret\"pw"
	address := startServerFor(t, testUser, password)
	ctx := testContext(t)

	var out lockedBuffer
	logger := slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	session := NewSession(Options{Security: SecurityNone, DebugProtocol: true}, logger)
	if err := session.Connect(ctx, address, testUser, password); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if _, err := session.SelectFolder(ctx, "INBOX"); err != nil {
		t.Fatalf("SelectFolder() error = %v", err)
	}
	if err := session.Logout(ctx); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}

	log := out.String()
	if strings.Contains(log, "cret") {
		t.Errorf("debug log leaked the password:\n%s", log)
	}
	if !strings.Contains(log, "LOGIN [redacted]") {
		t.Errorf("debug log should show the redacted LOGIN:\n%s", log)
	}
	if !strings.Contains(log, "SELECT") {
		t.Errorf("redaction should end after login completes:\n%s", log)
	}
}

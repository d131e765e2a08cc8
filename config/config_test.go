package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailtool/imap"
)

// newCommand returns a command with the shared flags parsed from args.
func newCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test", RunE: func(*cobra.Command, []string) error { return nil }}
	RegisterFlags(cmd)
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}
	return cmd
}

func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	for _, key := range []string{"IMAP_PASS", "MAILTOOL_CONFIG", "MAILTOOL_IMAP_HOST", "MAILTOOL_IMAP_USER", "MAILTOOL_IMAP_PASS"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	isolateEnv(t)

	cfg, err := LoadConfig(newCommand(t))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Security != imap.SecurityTLS {
		t.Errorf("Security = %v, want tls", cfg.Security)
	}
	if cfg.Folder != "INBOX" {
		t.Errorf("Folder = %q, want INBOX", cfg.Folder)
	}
	if cfg.Auth != imap.AuthLogin {
		t.Errorf("Auth = %q, want login", cfg.Auth)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
}

func TestLoadConfig_FileEnvAndFlagPrecedence(t *testing.T) {
	isolateEnv(t)

	path := filepath.Join(t.TempDir(), "mailtool.yaml")
	content := "imap-host: file.example.com\nimap-user: file-user\nfolder: Archive\nlog-level: WARNING\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("MAILTOOL_IMAP_USER", "env-user")
	t.Setenv("IMAP_PASS", "env-pass")

	cfg, err := LoadConfig(newCommand(t, "--config", path, "--folder", "Sent", "--use-tls=false", "--starttls"))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.IMAPHost != "file.example.com" {
		t.Errorf("IMAPHost = %q, want value from file", cfg.IMAPHost)
	}
	if cfg.IMAPUser != "env-user" {
		t.Errorf("IMAPUser = %q, want env override", cfg.IMAPUser)
	}
	if cfg.Folder != "Sent" {
		t.Errorf("Folder = %q, want flag override", cfg.Folder)
	}
	if cfg.IMAPPass != "env-pass" {
		t.Errorf("IMAPPass = %q, want IMAP_PASS fallback", cfg.IMAPPass)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
	if cfg.Security != imap.SecurityStartTLS {
		t.Errorf("Security = %v, want starttls", cfg.Security)
	}
	if cfg.ConfigFile != path {
		t.Errorf("ConfigFile = %q, want %q", cfg.ConfigFile, path)
	}
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	isolateEnv(t)

	_, err := LoadConfig(newCommand(t, "--config", filepath.Join(t.TempDir(), "absent.yaml")))
	if err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	isolateEnv(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "port", args: []string{"--imap-port", "70000"}, want: "--imap-port"},
		{name: "auth", args: []string{"--auth", "cram-md5"}, want: "--auth"},
		{name: "log level", args: []string{"--log-level", "verbose"}, want: "--log-level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(newCommand(t, tt.args...))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("LoadConfig() error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestResolveIMAP(t *testing.T) {
	original := lookupPassword
	t.Cleanup(func() { lookupPassword = original })

	var lookedUp string
	lookupPassword = func(key string) (string, error) {
		lookedUp = key
		if key == "imap:alice@mail.example.com" {
			return "from-keyring", nil
		}
		return "", errors.New("not found")
	}

	cfg := Config{IMAPHost: "mail.example.com", IMAPUser: "alice", UseKeyring: true}
	if err := cfg.ResolveIMAP(); err != nil {
		t.Fatalf("ResolveIMAP() error = %v", err)
	}
	if cfg.IMAPPass != "from-keyring" {
		t.Errorf("IMAPPass = %q, want keyring value", cfg.IMAPPass)
	}

	cfg = Config{IMAPHost: "mail.example.com", IMAPUser: "bob", UseKeyring: true}
	if err := cfg.ResolveIMAP(); err == nil {
		t.Error("ResolveIMAP() should fail without any password source")
	}
	if lookedUp != "imap:bob@mail.example.com" {
		t.Errorf("keyring lookup key = %q", lookedUp)
	}

	lookedUp = ""
	cfg = Config{IMAPHost: "mail.example.com", IMAPUser: "alice", UseKeyring: false}
	if err := cfg.ResolveIMAP(); err == nil {
		t.Error("ResolveIMAP() should fail when keyring is disabled")
	}
	if lookedUp != "" {
		t.Error("keyring must not be consulted when disabled")
	}

	cfg = Config{IMAPUser: "alice", IMAPPass: "x"}
	if err := cfg.ResolveIMAP(); err == nil {
		t.Error("ResolveIMAP() should require a host")
	}
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailtool/state"
)

func newSubcommand(t *testing.T, register func(*cobra.Command), args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "sub", RunE: func(*cobra.Command, []string) error { return nil }}
	RegisterFlags(cmd)
	register(cmd)
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}
	return cmd
}

func TestLoadFilter(t *testing.T) {
	isolateEnv(t)

	cmd := newSubcommand(t, RegisterFilterFlags, "--include-header", `^From: .*a{1,3}`, "--include-body", "invoice", "--ignore-case")
	f, err := LoadFilter(cmd)
	if err != nil {
		t.Fatalf("LoadFilter() error = %v", err)
	}
	stats := f.Stats()
	if len(stats.IncludeHeader) != 1 || stats.IncludeHeader[0].Pattern != `^From: .*a{1,3}` {
		t.Errorf("IncludeHeader = %+v, want the pattern unsplit", stats.IncludeHeader)
	}
	if !f.Allows([]byte("Subject: x"), []byte("Your INVOICE")) {
		t.Error("ignore-case should match INVOICE")
	}

	cmd = newSubcommand(t, RegisterFilterFlags, "--include-header", "a", "--exclude-body", "b")
	if _, err := LoadFilter(cmd); err == nil {
		t.Error("mixing include and exclude flags should fail")
	}

	cmd = newSubcommand(t, RegisterFilterFlags)
	f, err = LoadFilter(cmd)
	if err != nil {
		t.Fatalf("LoadFilter() without flags error = %v", err)
	}
	if f.Active() {
		t.Error("filter without patterns should be inactive")
	}
}

func TestLoadImport(t *testing.T) {
	isolateEnv(t)

	mboxPath := filepath.Join(t.TempDir(), "archive.mbox")
	if err := os.WriteFile(mboxPath, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	shared := Config{Folder: "Archive", LogLevel: "info"}

	cfg, err := LoadImport(newSubcommand(t, RegisterImportFlags), mboxPath, shared)
	if err != nil {
		t.Fatalf("LoadImport() error = %v", err)
	}
	if cfg.TargetFolder != "Archive" {
		t.Errorf("TargetFolder = %q, want shared folder", cfg.TargetFolder)
	}
	if cfg.StateBackend != state.BackendFile {
		t.Errorf("StateBackend = %q, want file", cfg.StateBackend)
	}
	if !strings.HasSuffix(cfg.StateDir, filepath.Join(".mailtool", "state")) {
		t.Errorf("StateDir = %q, want default under home", cfg.StateDir)
	}
	if !cfg.Progress {
		t.Error("Progress should default on at info level")
	}

	cmd := newSubcommand(t, RegisterImportFlags, "--target-folder", "Imported", "--state-backend", "SQLite", "--dry-run")
	cfg, err = LoadImport(cmd, mboxPath, Config{Folder: "INBOX", LogLevel: "debug"})
	if err != nil {
		t.Fatalf("LoadImport() error = %v", err)
	}
	if cfg.TargetFolder != "Imported" || cfg.StateBackend != state.BackendSQLite || !cfg.DryRun {
		t.Errorf("LoadImport() = %+v", cfg)
	}
	if cfg.Progress {
		t.Error("Progress must be off below info level")
	}

	tests := []struct {
		name string
		path string
		args []string
		want string
	}{
		{name: "missing path", path: " ", want: "mbox path is required"},
		{name: "absent file", path: filepath.Join(t.TempDir(), "absent.mbox"), want: "mbox file"},
		{name: "bad backend", path: mboxPath, args: []string{"--state-backend", "redis"}, want: "--state-backend"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadImport(newSubcommand(t, RegisterImportFlags, tt.args...), tt.path, shared)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("LoadImport() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadVCenter(t *testing.T) {
	isolateEnv(t)
	t.Setenv("VCENTER_PASS", "")
	os.Unsetenv("VCENTER_PASS")

	original := lookupPassword
	t.Cleanup(func() { lookupPassword = original })
	lookupPassword = func(key string) (string, error) {
		if key == "vcenter:admin@vc.example.com" {
			return "from-keyring", nil
		}
		return "", errors.New("not found")
	}

	cmd := newSubcommand(t, RegisterVCenterFlags, "--vcenter-host", "vc.example.com", "--vcenter-user", "Admin", "--cluster", "c1", "--insecure")
	cfg, err := LoadVCenter(cmd)
	if err != nil {
		t.Fatalf("LoadVCenter() error = %v", err)
	}
	if cfg.Pass != "from-keyring" || cfg.Cluster != "c1" || !cfg.Insecure {
		t.Errorf("LoadVCenter() = %+v", cfg)
	}

	t.Setenv("VCENTER_PASS", "from-env")
	cfg, err = LoadVCenter(newSubcommand(t, RegisterVCenterFlags, "--vcenter-host", "vc.example.com", "--vcenter-user", "admin"))
	if err != nil {
		t.Fatalf("LoadVCenter() error = %v", err)
	}
	if cfg.Pass != "from-env" {
		t.Errorf("Pass = %q, want env value before keyring", cfg.Pass)
	}

	os.Unsetenv("VCENTER_PASS")
	_, err = LoadVCenter(newSubcommand(t, RegisterVCenterFlags, "--vcenter-host", "vc.example.com", "--vcenter-user", "bob", "--keyring=false"))
	if err == nil || !strings.Contains(err.Error(), "login --vcenter") {
		t.Errorf("LoadVCenter() error = %v, want password hint", err)
	}

	_, err = LoadVCenter(newSubcommand(t, RegisterVCenterFlags, "--vcenter-user", "admin"))
	if err == nil || !strings.Contains(err.Error(), "--vcenter-host") {
		t.Errorf("LoadVCenter() error = %v, want host requirement", err)
	}
}

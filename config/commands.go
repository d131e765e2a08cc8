package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dhcgn/mailtool/credential"
	"github.com/dhcgn/mailtool/filter"
	"github.com/dhcgn/mailtool/state"
)

// RegisterFilterFlags adds the regex filter flags used by import and stats.
func RegisterFilterFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")
	flags.Bool("ignore-case", false, "Match filter patterns case-insensitively")
}

// LoadFilter builds the filter described by the filter flags.
func LoadFilter(cmd *cobra.Command) (*filter.Filter, error) {
	v, err := newViper(cmd.Flags())
	if err != nil {
		return nil, err
	}
	opts := filter.Options{
		IncludeHeader: patterns(v, cmd.Flags(), "include-header"),
		IncludeBody:   patterns(v, cmd.Flags(), "include-body"),
		ExcludeHeader: patterns(v, cmd.Flags(), "exclude-header"),
		ExcludeBody:   patterns(v, cmd.Flags(), "exclude-body"),
		IgnoreCase:    v.GetBool("ignore-case"),
	}
	f, err := filter.New(opts)
	if err != nil {
		return nil, fmt.Errorf("invalid filter flags: %w", err)
	}
	return f, nil
}

// patterns prefers values given on the command line, which viper would
// otherwise re-split on commas and break regexes such as "a{1,3}".
func patterns(v *viper.Viper, flags *pflag.FlagSet, name string) []string {
	if flags.Changed(name) {
		values, err := flags.GetStringArray(name)
		if err == nil {
			return values
		}
	}
	return v.GetStringSlice(name)
}

type ImportConfig struct {
	MboxPath     string
	TargetFolder string
	DryRun       bool
	StateDir     string
	StateBackend string
	Progress     bool
}

func RegisterImportFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("target-folder", "", "IMAP folder to import into (default: --folder)")
	flags.Bool("dry-run", false, "Scan and record what would be uploaded without touching the server or the state")
	flags.String("state-dir", "", "Directory for incremental import state (default ~/.mailtool/state)")
	flags.String("state-backend", state.BackendFile, "Import state backend: file or sqlite")
	flags.Bool("progress", true, "Show a progress bar (only at --log-level info)")
	RegisterFilterFlags(cmd)
}

func LoadImport(cmd *cobra.Command, mboxPath string, shared Config) (ImportConfig, error) {
	v, err := newViper(cmd.Flags())
	if err != nil {
		return ImportConfig{}, err
	}

	cfg := ImportConfig{
		MboxPath:     strings.TrimSpace(mboxPath),
		TargetFolder: v.GetString("target-folder"),
		DryRun:       v.GetBool("dry-run"),
		StateDir:     v.GetString("state-dir"),
		StateBackend: strings.ToLower(strings.TrimSpace(v.GetString("state-backend"))),
		Progress:     v.GetBool("progress") && shared.LogLevel == "info",
	}
	if cfg.MboxPath == "" {
		return ImportConfig{}, fmt.Errorf("mbox path is required")
	}
	if _, err := os.Stat(cfg.MboxPath); err != nil {
		return ImportConfig{}, fmt.Errorf("mbox file: %w", err)
	}
	if cfg.TargetFolder == "" {
		cfg.TargetFolder = shared.Folder
	}
	if cfg.StateDir == "" {
		dir, err := DefaultStateDir()
		if err != nil {
			return ImportConfig{}, fmt.Errorf("resolve state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	switch cfg.StateBackend {
	case state.BackendFile, state.BackendSQLite:
	default:
		return ImportConfig{}, fmt.Errorf("invalid --state-backend: %s", cfg.StateBackend)
	}
	return cfg, nil
}

type VCenterConfig struct {
	Host       string
	User       string
	Pass       string
	Insecure   bool
	Datacenter string
	Cluster    string
	Datastore  string
	UseKeyring bool
}

func RegisterVCenterFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("vcenter-host", "", "vCenter hostname or SDK URL")
	flags.String("vcenter-user", "", "vCenter username")
	flags.String("vcenter-pass", "", "vCenter password (falls back to VCENTER_PASS env var, then the keyring)")
	flags.Bool("insecure", false, "Skip vCenter TLS certificate verification")
	flags.String("datacenter", "", "Datacenter for new VMs (default: the only one)")
	flags.String("cluster", "", "Cluster for new VMs (default: the only one)")
	flags.String("datastore", "", "Datastore for new VMs (default: the only one)")
}

func LoadVCenter(cmd *cobra.Command) (VCenterConfig, error) {
	v, err := newViper(cmd.Flags())
	if err != nil {
		return VCenterConfig{}, err
	}

	cfg := VCenterConfig{
		Host:       strings.TrimSpace(v.GetString("vcenter-host")),
		User:       strings.TrimSpace(v.GetString("vcenter-user")),
		Pass:       v.GetString("vcenter-pass"),
		Insecure:   v.GetBool("insecure"),
		Datacenter: v.GetString("datacenter"),
		Cluster:    v.GetString("cluster"),
		Datastore:  v.GetString("datastore"),
		UseKeyring: v.GetBool("keyring"),
	}
	if cfg.Host == "" {
		return VCenterConfig{}, fmt.Errorf("--vcenter-host is required")
	}
	if cfg.User == "" {
		return VCenterConfig{}, fmt.Errorf("--vcenter-user is required")
	}
	if cfg.Pass == "" {
		cfg.Pass = os.Getenv("VCENTER_PASS")
	}
	if cfg.Pass == "" && cfg.UseKeyring {
		if pass, err := lookupPassword(credential.VCenterKey(cfg.User, cfg.Host)); err == nil {
			cfg.Pass = pass
		}
	}
	if cfg.Pass == "" {
		return VCenterConfig{}, fmt.Errorf("vCenter password must be provided via --vcenter-pass, VCENTER_PASS env var or `mailtool login --vcenter`")
	}
	return cfg, nil
}

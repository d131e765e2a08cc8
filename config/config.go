package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dhcgn/mailtool/credential"
	"github.com/dhcgn/mailtool/imap"
)

// Config captures the options shared by every subcommand. Values come from,
// in order of precedence: flags, MAILTOOL_* environment variables, the YAML
// config file, and flag defaults.
type Config struct {
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	Security           imap.Security
	InsecureSkipVerify bool
	Auth               imap.AuthMechanism
	IMAPDebug          bool
	Folder             string
	UseKeyring         bool

	LogLevel string
	LogDir   string

	ConfigFile string
}

// lookupPassword is swapped out in tests to keep the OS keyring untouched.
var lookupPassword = credential.Get

// RegisterFlags attaches the shared flags to the root command.
func RegisterFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("config", "", "Path to a YAML config file (default ~/.config/mailtool/config.yaml)")
	flags.String("imap-host", "", "IMAP server hostname, optionally host:port")
	flags.Int("imap-port", 0, "IMAP server port (default 993 for tls, 143 otherwise)")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var, then the keyring)")
	flags.Bool("use-tls", true, "Use implicit TLS for the IMAP connection")
	flags.Bool("starttls", false, "Upgrade a plaintext connection with STARTTLS (requires --use-tls=false)")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("auth", string(imap.AuthLogin), "Authentication mechanism: login or plain")
	flags.Bool("imap-debug", false, "Log the IMAP protocol exchange at debug level")
	flags.String("folder", "INBOX", "IMAP folder to operate on")
	flags.Bool("keyring", true, "Look up the IMAP password in the OS keyring")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Also write logs to a timestamped file in this directory")
}

// LoadConfig resolves the shared options for cmd.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	v, err := newViper(cmd.Flags())
	if err != nil {
		return Config{}, err
	}

	security := imap.SecurityTLS
	if !v.GetBool("use-tls") {
		security = imap.SecurityNone
		if v.GetBool("starttls") {
			security = imap.SecurityStartTLS
		}
	}

	logLevel := strings.ToLower(strings.TrimSpace(v.GetString("log-level")))
	if logLevel == "warning" {
		logLevel = "warn"
	}

	cfg := Config{
		IMAPHost:           strings.TrimSpace(v.GetString("imap-host")),
		IMAPPort:           v.GetInt("imap-port"),
		IMAPUser:           strings.TrimSpace(v.GetString("imap-user")),
		IMAPPass:           v.GetString("imap-pass"),
		Security:           security,
		InsecureSkipVerify: v.GetBool("insecure-skip-verify"),
		Auth:               imap.AuthMechanism(strings.ToLower(v.GetString("auth"))),
		IMAPDebug:          v.GetBool("imap-debug"),
		Folder:             v.GetString("folder"),
		UseKeyring:         v.GetBool("keyring"),
		LogLevel:           logLevel,
		LogDir:             v.GetString("log-dir"),
		ConfigFile:         v.ConfigFileUsed(),
	}

	if cfg.IMAPPass == "" {
		cfg.IMAPPass = os.Getenv("IMAP_PASS")
	}
	if cfg.Folder == "" {
		cfg.Folder = "INBOX"
	}
	if cfg.LogDir != "" {
		cfg.LogDir = filepath.Clean(cfg.LogDir)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func newViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MAILTOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	path, explicit := "", false
	if f := flags.Lookup("config"); f != nil && f.Value.String() != "" {
		path, explicit = f.Value.String(), true
	} else if p := os.Getenv("MAILTOOL_CONFIG"); p != "" {
		path, explicit = p, true
	} else {
		path = DefaultConfigPath()
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		var pathErr *os.PathError
		if !explicit && (errors.As(err, &notFound) || errors.As(err, &pathErr)) {
			return v, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return v, nil
}

// ResolveIMAP checks that everything needed to open a mail session is
// present, falling back to the keyring for the password.
func (c *Config) ResolveIMAP() error {
	if c.IMAPHost == "" {
		return fmt.Errorf("--imap-host is required")
	}
	if c.IMAPUser == "" {
		return fmt.Errorf("--imap-user is required")
	}
	if c.IMAPPass == "" && c.UseKeyring {
		if pass, err := lookupPassword(credential.IMAPKey(c.IMAPUser, c.IMAPHost)); err == nil {
			c.IMAPPass = pass
		}
	}
	if c.IMAPPass == "" {
		return fmt.Errorf("IMAP password must be provided via --imap-pass, IMAP_PASS env var or `mailtool login`")
	}
	return nil
}

// SessionOptions converts the config into imap.Options.
func (c Config) SessionOptions() imap.Options {
	return imap.Options{
		Port:               c.IMAPPort,
		Security:           c.Security,
		InsecureSkipVerify: c.InsecureSkipVerify,
		Auth:               c.Auth,
		DebugProtocol:      c.IMAPDebug,
	}
}

func validateConfig(cfg Config) error {
	if cfg.IMAPPort < 0 || cfg.IMAPPort > 65535 {
		return fmt.Errorf("--imap-port must be between 1 and 65535")
	}

	switch cfg.Auth {
	case imap.AuthLogin, imap.AuthPlain:
	default:
		return fmt.Errorf("invalid --auth: %s", cfg.Auth)
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

// DefaultConfigPath returns ~/.config/mailtool/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailtool", "config.yaml")
}

// DefaultStateDir returns the directory used for incremental import state.
func DefaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mailtool", "state"), nil
}

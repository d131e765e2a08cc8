package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/dhcgn/mailtool/config"
	"github.com/dhcgn/mailtool/credential"
	"github.com/dhcgn/mailtool/imap"
	"github.com/dhcgn/mailtool/vsphere"
)

// Swapped out in tests so the OS keyring is never touched.
var (
	storeSecret  = credential.Set
	deleteSecret = credential.Delete
)

func newLoginCommand(a *app) *cobra.Command {
	var (
		vcenter       bool
		passwordStdin bool
		noVerify      bool
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the IMAP (or vCenter) password in the OS keyring",
		Long: `Prompt for the password, check it against the server and store it in the
OS keyring. Later commands find it there when no password flag or
environment variable is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if vcenter {
				return loginVCenter(cmd, a, passwordStdin, noVerify)
			}
			return loginIMAP(cmd, a, passwordStdin, noVerify)
		},
	}
	cmd.Flags().BoolVar(&vcenter, "vcenter", false, "Store the vCenter password instead of the IMAP one")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read the password from stdin instead of prompting")
	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "Store the password without logging in first")
	config.RegisterVCenterFlags(cmd)
	return cmd
}

func loginIMAP(cmd *cobra.Command, a *app, passwordStdin, noVerify bool) error {
	if a.cfg.IMAPHost == "" || a.cfg.IMAPUser == "" {
		return errors.New("--imap-host and --imap-user are required")
	}
	if a.cfg.IMAPPass == "" {
		pass, err := readPassword(cmd, passwordStdin, fmt.Sprintf("IMAP password for %s@%s: ", a.cfg.IMAPUser, a.cfg.IMAPHost))
		if err != nil {
			return err
		}
		a.cfg.IMAPPass = pass
	}

	if !noVerify {
		err := a.withSession(cmd.Context(), false, func(*imap.Session) error { return nil })
		if err != nil {
			return fmt.Errorf("password not stored: %w", err)
		}
	}

	key := credential.IMAPKey(a.cfg.IMAPUser, a.cfg.IMAPHost)
	if err := storeSecret(key, a.cfg.IMAPPass); err != nil {
		return err
	}
	a.logger.Info("password stored in keyring", "key", key)
	return nil
}

func loginVCenter(cmd *cobra.Command, a *app, passwordStdin, noVerify bool) error {
	flags := cmd.Flags()
	if pass, _ := flags.GetString("vcenter-pass"); pass == "" && os.Getenv("VCENTER_PASS") == "" {
		pass, err := readPassword(cmd, passwordStdin, "vCenter password: ")
		if err != nil {
			return err
		}
		if err := flags.Set("vcenter-pass", pass); err != nil {
			return err
		}
	}
	// The keyring is what we are about to fill, not a source.
	if err := flags.Set("keyring", "false"); err != nil {
		return err
	}

	vc, err := config.LoadVCenter(cmd)
	if err != nil {
		return err
	}

	if !noVerify {
		client, err := vsphere.Connect(cmd.Context(), vsphere.Credentials{
			Host:     vc.Host,
			Username: vc.User,
			Password: vc.Pass,
			Insecure: vc.Insecure,
		})
		if err != nil {
			return fmt.Errorf("password not stored: %w", err)
		}
		_ = client.Logout(cmd.Context())
	}

	key := credential.VCenterKey(vc.User, vc.Host)
	if err := storeSecret(key, vc.Pass); err != nil {
		return err
	}
	a.logger.Info("password stored in keyring", "key", key)
	return nil
}

// readPassword prompts on the terminal without echo, or reads one line from
// stdin when fromStdin is set.
func readPassword(cmd *cobra.Command, fromStdin bool, prompt string) (string, error) {
	if fromStdin {
		return readPasswordLine(cmd.InOrStdin())
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no terminal available for an interactive password prompt (use --password-stdin)")
	}
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	if len(pass) == 0 {
		return "", errors.New("password is empty")
	}
	return string(pass), nil
}

func readPasswordLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}
	pass := strings.TrimRight(line, "\r\n")
	if pass == "" {
		return "", errors.New("password is empty")
	}
	return pass, nil
}

func newLogoutCommand(a *app) *cobra.Command {
	var vcenter bool
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored IMAP (or vCenter) password from the OS keyring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var key string
			if vcenter {
				host, _ := cmd.Flags().GetString("vcenter-host")
				user, _ := cmd.Flags().GetString("vcenter-user")
				if host == "" || user == "" {
					return errors.New("--vcenter-host and --vcenter-user are required")
				}
				key = credential.VCenterKey(user, host)
			} else {
				if a.cfg.IMAPHost == "" || a.cfg.IMAPUser == "" {
					return errors.New("--imap-host and --imap-user are required")
				}
				key = credential.IMAPKey(a.cfg.IMAPUser, a.cfg.IMAPHost)
			}

			if err := deleteSecret(key); err != nil {
				return err
			}
			a.logger.Info("password removed from keyring", "key", key)
			return nil
		},
	}
	cmd.Flags().BoolVar(&vcenter, "vcenter", false, "Remove the vCenter password instead of the IMAP one")
	config.RegisterVCenterFlags(cmd)
	return cmd
}

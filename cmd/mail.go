package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailtool/imap"
)

func newFoldersCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "folders",
		Short: "List the folders on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), false, func(s *imap.Session) error {
				folders, err := s.ListFolders(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, f := range folders {
					if f.Selectable() {
						fmt.Fprintln(out, f.Name)
					} else {
						fmt.Fprintf(out, "%s (not selectable)\n", f.Name)
					}
				}
				return nil
			})
		},
	}
}

func newSearchCommand(a *app) *cobra.Command {
	var (
		from   string
		unread bool
		long   bool
	)
	cmd := &cobra.Command{
		Use:   "search",
		Short: "List message UIDs in the folder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withSession(ctx, true, func(s *imap.Session) error {
				var (
					refs []imap.Ref
					err  error
				)
				switch {
				case from != "":
					refs, err = s.SearchBySender(ctx, from)
				case unread:
					refs, err = s.SearchUnread(ctx)
				default:
					refs, err = s.SearchAll(ctx)
				}
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if !long {
					for _, ref := range refs {
						fmt.Fprintln(out, ref.UID)
					}
					return nil
				}
				return printHeaders(ctx, out, s, refs)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Only messages whose From contains this address")
	cmd.Flags().BoolVar(&unread, "unread", false, "Only messages without the \\Seen flag")
	cmd.Flags().BoolVarP(&long, "long", "l", false, "Print date, sender and subject for each message")
	cmd.MarkFlagsMutuallyExclusive("from", "unread")
	return cmd
}

func printHeaders(ctx context.Context, out io.Writer, s *imap.Session, refs []imap.Ref) error {
	headers, err := s.FetchHeaders(ctx, refs)
	if err != nil {
		return err
	}
	for _, h := range headers {
		subject, err := h.Header.Subject()
		if err != nil {
			subject = h.Header.Get("Subject")
		}
		date := ""
		if t, err := h.Header.Date(); err == nil {
			date = t.Format(time.DateTime)
		}
		fmt.Fprintf(out, "%d\t%s\t%s\t%s\n", h.Ref.UID, date, h.Header.Get("From"), subject)
	}
	return nil
}

func newBodyCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "body <uid>",
		Short: "Print the first text/plain part of a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withSession(ctx, true, func(s *imap.Session) error {
				refs, err := refsFromArgs(s, args)
				if err != nil {
					return err
				}
				body, err := s.FetchBody(ctx, refs[0])
				if err != nil {
					return err
				}
				_, err = io.WriteString(cmd.OutOrStdout(), body)
				return err
			})
		},
	}
}

func newShowCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <uid>",
		Short: "Print the headers, attachment list and text of a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withSession(ctx, true, func(s *imap.Session) error {
				refs, err := refsFromArgs(s, args)
				if err != nil {
					return err
				}
				content, err := s.FetchMessage(ctx, refs[0])
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "From:       %s\n", strings.Join(content.From(), ", "))
				fmt.Fprintf(out, "To:         %s\n", strings.Join(content.To(), ", "))
				if date := content.Date(); !date.IsZero() {
					fmt.Fprintf(out, "Date:       %s\n", date.Format(time.RFC1123Z))
				}
				fmt.Fprintf(out, "Subject:    %s\n", content.Subject())
				fmt.Fprintf(out, "Message-Id: %s\n", content.MessageID())
				fmt.Fprintf(out, "Size:       %d bytes\n", content.Size())
				if content.Truncated() {
					fmt.Fprintln(out, "Warning:    message is truncated")
				}
				for _, att := range content.Attachments() {
					fmt.Fprintf(out, "Attachment: %s (%s, %d bytes)\n", att.Filename, att.ContentType, len(att.Data))
				}
				fmt.Fprintln(out)

				if text, ok := content.PlainText(); ok {
					fmt.Fprint(out, text)
				} else {
					fmt.Fprintln(out, "(no text/plain part)")
				}
				return nil
			})
		},
	}
}

func newMarkCommand(a *app, use, short string, mark func(*imap.Session, context.Context, imap.Ref) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <uid>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withSession(ctx, true, func(s *imap.Session) error {
				refs, err := refsFromArgs(s, args)
				if err != nil {
					return err
				}
				for _, ref := range refs {
					if err := mark(s, ctx, ref); err != nil {
						return err
					}
					a.logger.Info(use, "uid", ref.UID)
				}
				return nil
			})
		},
	}
}

func newDeleteCommand(a *app) *cobra.Command {
	var expunge bool
	cmd := &cobra.Command{
		Use:   "delete <uid>...",
		Short: "Flag messages as deleted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withSession(ctx, true, func(s *imap.Session) error {
				refs, err := refsFromArgs(s, args)
				if err != nil {
					return err
				}
				for _, ref := range refs {
					if err := s.Delete(ctx, ref); err != nil {
						return err
					}
					a.logger.Info("flagged deleted", "uid", ref.UID)
				}
				if !expunge {
					return nil
				}
				if err := s.Expunge(ctx); err != nil {
					return err
				}
				a.logger.Info("folder expunged", "folder", a.cfg.Folder)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&expunge, "expunge", false, "Expunge the folder afterwards")
	return cmd
}

func newAttachmentsCommand(a *app) *cobra.Command {
	var dest string
	cmd := &cobra.Command{
		Use:   "attachments <uid>",
		Short: "Save the attachments of a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dest == "" {
				return errors.New("--dest is required")
			}
			ctx := cmd.Context()
			return a.withSession(ctx, true, func(s *imap.Session) error {
				refs, err := refsFromArgs(s, args)
				if err != nil {
					return err
				}
				paths, err := s.SaveAttachments(ctx, refs[0], dest)
				for _, p := range paths {
					fmt.Fprintln(cmd.OutOrStdout(), p)
				}
				if err != nil {
					return err
				}
				if len(paths) == 0 {
					a.logger.Info("message has no attachments", "uid", refs[0].UID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dest, "dest", "", "Directory to write attachments into")
	return cmd
}

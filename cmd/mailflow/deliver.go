package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/mailflow/server"
	"github.com/migadu/mailflow/server/filter"
	"github.com/spf13/cobra"
)

type deliverFlags struct {
	user        string
	mailbox     string
	sender      string
	recipient   string
	spamHint    string
	flags       []string
	noAutoreply bool
	queueID     string
	iface       string
}

func newDeliverCmd(load configLoader) *cobra.Command {
	var f deliverFlags

	cmd := &cobra.Command{
		Use:   "deliver [file]",
		Short: "Filter and store one message for a local user",
		Long: `Reads a raw RFC 5322 message from file, or from stdin when no file is
given, runs it through the user's filters and prints the outcome as JSON.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := f.options()
			if err != nil {
				return err
			}
			raw, err := readMessage(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}

			cfg, err := load()
			if err != nil {
				return err
			}
			closeLog, err := initLogging(cfg)
			if err != nil {
				return err
			}
			defer closeLog()

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			out, err := a.handler.Process(cmd.Context(), raw, opts)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}

	cmd.Flags().StringVar(&f.user, "user", "", "Target user: numeric id, address or username")
	cmd.Flags().StringVar(&f.mailbox, "mailbox", "", "Default mailbox: numeric id or path (default INBOX)")
	cmd.Flags().StringVar(&f.sender, "sender", "", "Envelope sender")
	cmd.Flags().StringVar(&f.recipient, "recipient", "", "Envelope recipient")
	cmd.Flags().StringVar(&f.spamHint, "spam-hint", "", "Action suggested by the spam scanner")
	cmd.Flags().StringSliceVar(&f.flags, "flag", nil, "Flag to set on the stored message (repeatable)")
	cmd.Flags().BoolVar(&f.noAutoreply, "no-autoreply", false, "Never send an autoreply for this message")
	cmd.Flags().StringVar(&f.queueID, "queue-id", "", "Queue id of the inbound message")
	cmd.Flags().StringVar(&f.iface, "interface", "cli", "Interface name recorded with the message")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func (f *deliverFlags) options() (filter.Options, error) {
	opts := filter.Options{
		Sender:           f.sender,
		Recipient:        f.recipient,
		SpamHint:         f.spamHint,
		DisableAutoreply: f.noAutoreply,
		QueueID:          f.queueID,
		Interface:        f.iface,
	}
	if err := parseUser(f.user, &opts); err != nil {
		return opts, err
	}
	parseMailbox(f.mailbox, &opts)
	for _, flag := range f.flags {
		opts.Flags = append(opts.Flags, imap.Flag(flag))
	}
	return opts, nil
}

// parseUser accepts a numeric user id, an address or a username.
func parseUser(v string, opts *filter.Options) error {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return fmt.Errorf("--user is required")
	case strings.Contains(v, "@"):
		addr, err := server.NewAddress(v)
		if err != nil {
			return fmt.Errorf("invalid --user address: %w", err)
		}
		opts.Address = addr.FullAddress()
	default:
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			if id <= 0 {
				return fmt.Errorf("invalid user id %d", id)
			}
			opts.UserID = id
			return nil
		}
		opts.Username = v
	}
	return nil
}

func parseMailbox(v string, opts *filter.Options) {
	v = strings.TrimSpace(v)
	if v == "" {
		return
	}
	if id, err := strconv.ParseInt(v, 10, 64); err == nil && id > 0 {
		opts.Mailbox = id
		return
	}
	opts.MailboxPath = v
}

func readMessage(stdin io.Reader, args []string) ([]byte, error) {
	var (
		raw []byte
		err error
	)
	if len(args) > 0 && args[0] != "-" {
		raw, err = os.ReadFile(args[0])
	} else {
		raw, err = io.ReadAll(stdin)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty message")
	}
	return raw, nil
}

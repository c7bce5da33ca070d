package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/next-trace/scg-communication/contract/comms"
	"github.com/next-trace/scg-communication/internal/transport"
	"github.com/next-trace/scg-communication/sender"
)

type sendFlags struct {
	messageID string
	sessionID string
	eventName string
	version   string
	headers   map[string]string
}

func newSendCmd(rf *rootFlags) *cobra.Command {
	f := sendFlags{}

	cmd := &cobra.Command{
		Use:   "send <json-body|->",
		Short: "Publish one JSON message",
		Long:  `send publishes a JSON body to the configured channel. Use "-" to read the body from stdin.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rf.load()
			if err != nil {
				return err
			}

			logger, err := newLogger(cfg.Logging, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ch, err := cfg.ChannelSpec()
			if err != nil {
				return err
			}

			body := args[0]
			if body == "-" {
				raw, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}

				body = strings.TrimSpace(string(raw))
			}

			if err := runSend(cmd.Context(), transport.New(cfg, logger), ch, body, f); err != nil {
				return err
			}

			logger.Info("message sent", "channel", ch.String())

			return nil
		},
	}

	cmd.Flags().StringVar(&f.messageID, "message-id", "", "message id (generated when empty)")
	cmd.Flags().StringVar(&f.sessionID, "session-id", "", "session id; messages sharing it are handled in order")
	cmd.Flags().StringVar(&f.eventName, "event-name", "", "event name")
	cmd.Flags().StringVar(&f.version, "schema-version", "", "payload schema version")
	cmd.Flags().StringToStringVarP(&f.headers, "header", "H", nil, "extra header key=value (repeatable)")

	return cmd
}

func runSend(ctx context.Context, f *transport.Factory, ch comms.Channel, body string, flags sendFlags) error {
	pub, cleanup, err := f.Publisher(ctx, ch)
	if err != nil {
		return err
	}

	s, err := sender.New[json.RawMessage](ch, pub, sender.WithCloser(func() error {
		cleanup()
		return nil
	}))
	if err != nil {
		cleanup()
		return err
	}

	opts := []comms.SendOption{
		comms.WithSessionID(flags.sessionID),
		comms.WithEventName(flags.eventName),
		comms.WithVersion(flags.version),
	}

	if flags.messageID != "" {
		opts = append(opts, comms.WithMessageID(flags.messageID))
	}

	for k, v := range flags.headers {
		opts = append(opts, comms.WithHeader(k, v))
	}

	return errors.Join(s.Send(ctx, json.RawMessage(body), opts...), s.Close())
}

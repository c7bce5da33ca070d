package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/next-trace/scg-communication/contract/comms"
	cerr "github.com/next-trace/scg-communication/contract/errors"
	"github.com/next-trace/scg-communication/internal/transport"
)

type receiveFlags struct {
	outcome string
	reason  string
	count   int
}

func newReceiveCmd(rf *rootFlags) *cobra.Command {
	f := receiveFlags{}

	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Run a receiver and print every message",
		Long: `receive consumes the configured channel until interrupted, printing one
line per message and settling each with the chosen outcome.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = args

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

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runReceive(ctx, transport.New(cfg, logger), ch, logger, cmd.OutOrStdout(), f)
		},
	}

	cmd.Flags().StringVar(&f.outcome, "outcome", "complete", "settlement for every message: complete, abandon or deadletter")
	cmd.Flags().StringVar(&f.reason, "reason", "rejected by comms receive", "dead-letter reason")
	cmd.Flags().IntVarP(&f.count, "count", "n", 0, "stop after this many messages (0 runs until interrupted)")

	return cmd
}

func parseOutcome(name, reason string) (comms.Outcome, error) { //nolint:ireturn
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "complete":
		return comms.Completed(), nil
	case "abandon":
		return comms.Abandoned(), nil
	case "deadletter", "dead-letter":
		return comms.DeadLettered(reason), nil
	default:
		return nil, fmt.Errorf("outcome %q: %w", name, cerr.ErrConfiguration)
	}
}

func runReceive(
	ctx context.Context,
	f *transport.Factory,
	ch comms.Channel,
	logger *slog.Logger,
	out io.Writer,
	flags receiveFlags,
) error {
	outcome, err := parseOutcome(flags.outcome, flags.reason)
	if err != nil {
		return err
	}

	r, err := f.Receiver(ctx, ch)
	if err != nil {
		return err
	}

	var (
		mu   sync.Mutex
		seen atomic.Int64
		once sync.Once
		done = make(chan struct{})
	)

	onMessage := func(_ context.Context, m comms.Message) (comms.Outcome, error) {
		mu.Lock()
		fmt.Fprintf(out, "%s\t%s\t%d\t%s\n", m.MessageID, m.EventName, m.DeliveryCount, m.Body)
		mu.Unlock()

		if flags.count > 0 && seen.Add(1) >= int64(flags.count) {
			once.Do(func() { close(done) })
		}

		return outcome, nil
	}

	onFault := func(ctx context.Context, err error) {
		logger.ErrorContext(ctx, "message fault", "error", err)
	}

	if err := r.RegisterHandler(onMessage, onFault); err != nil {
		_ = r.Close()
		return err
	}

	logger.Info("receiver started", "channel", ch.String(), "outcome", flags.outcome)

	select {
	case <-ctx.Done():
	case <-done:
	}

	logger.Info("receiver stopping", "channel", ch.String(), "received", seen.Load())

	return r.Close()
}

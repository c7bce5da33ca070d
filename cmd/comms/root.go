package main

import (
	"github.com/spf13/cobra"

	"github.com/next-trace/scg-communication/internal/config"
)

type rootFlags struct {
	configPath string
	transport  string
	kind       string
	channel    string
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:   "comms",
		Short: "Send and receive messages over queues and topics",
		Long: `comms publishes messages to and runs receivers on queues and topics
backed by NATS JetStream, RabbitMQ, Kafka, Redis or an in-process channel.
Settings come from an optional YAML file, COMMS_* environment variables and flags.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&f.configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&f.transport, "transport", "", "inmemory, nats, rabbitmq, kafka or redis")
	rootCmd.PersistentFlags().StringVar(&f.kind, "kind", "", "channel kind: queue or topic")
	rootCmd.PersistentFlags().StringVar(&f.channel, "channel", "", "channel name")

	rootCmd.AddCommand(
		newReceiveCmd(f),
		newSendCmd(f),
	)

	return rootCmd
}

func (f *rootFlags) load() (config.Config, error) {
	return config.Load(f.configPath, func(c *config.Config) {
		if f.transport != "" {
			c.Transport = f.transport
		}

		if f.kind != "" {
			c.Channel.Kind = f.kind
		}

		if f.channel != "" {
			c.Channel.Name = f.channel
		}
	})
}

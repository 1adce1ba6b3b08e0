package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/solsync/client"
	natspkg "github.com/brojonat/solsync/service/nats"
)

// publishedEvent mirrors natspkg.SyncEvent with the client-side event shape.
type publishedEvent struct {
	WalletAddress string       `json:"wallet_address"`
	Event         client.Event `json:"event"`
	PublishedAt   time.Time    `json:"published_at"`
}

func natsURLFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "nats-url",
		Usage:   "NATS server URL",
		EnvVars: []string{"NATS_URL"},
		Value:   "nats://localhost:4222",
	}
}

func natsCommand() *cli.Command {
	return &cli.Command{
		Name:  "nats",
		Usage: "Consume engine events published to NATS JetStream",
		Subcommands: []*cli.Command{
			subscribeCommand(),
			inspectStreamCommand(),
		},
	}
}

// subscribeCommand subscribes to engine events for a wallet.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Subscribe to engine events for a wallet",
		ArgsUsage: "WALLET_ADDRESS",
		Description: `Stream events published by "solsync run" when NATS_URL is set.
Events are published to the subject: solsync.{wallet_address}.{event_type}

Example:
  solsync nats subscribe DYw8jCTfwHNRJhhmFcbXvVDTqWMEVFBX6ZKUmG5CNSKK --event transactions`,
		Flags: []cli.Flag{
			natsURLFlag(),
			&cli.StringFlag{
				Name:  "event",
				Usage: "Only this event type (default: all)",
			},
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (used with --durable)",
				Value: "solsync-cli",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("wallet address is required")
			}
			address := c.Args().First()

			subject := natspkg.Subject(address, "*")
			if t := c.String("event"); t != "" {
				subject = natspkg.Subject(address, t)
			}

			nc, err := nats.Connect(c.String("nats-url"))
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			consumerConfig := jetstream.ConsumerConfig{
				FilterSubject: subject,
				AckPolicy:     jetstream.AckExplicitPolicy,
			}
			if c.Bool("durable") {
				consumerConfig.Durable = c.String("consumer-name")
				consumerConfig.Name = c.String("consumer-name")
			}

			cons, err := js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, consumerConfig)
			if err != nil {
				return fmt.Errorf("failed to create consumer: %w", err)
			}

			jsonOutput := c.Bool("json")
			if !jsonOutput {
				fmt.Fprintf(c.App.ErrWriter, "Subscribing to %s (Ctrl-C to exit)\n\n", subject)
			}

			msgs := make(chan jetstream.Msg, 10)
			consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
				select {
				case msgs <- msg:
				case <-ctx.Done():
				}
			})
			if err != nil {
				return fmt.Errorf("failed to start consuming: %w", err)
			}
			defer consumeCtx.Stop()

			count := 0
			for {
				select {
				case msg := <-msgs:
					var event publishedEvent
					if err := json.Unmarshal(msg.Data(), &event); err != nil {
						fmt.Fprintf(c.App.ErrWriter, "Error parsing event: %v\n", err)
						_ = msg.Ack()
						continue
					}
					count++

					if jsonOutput {
						if err := outputJSON(c.App.Writer, event); err != nil {
							return err
						}
					} else {
						fmt.Fprintf(c.App.Writer, "%s  %s  %s\n",
							event.Event.Time.Format(time.RFC3339), event.WalletAddress, describeEvent(event.Event))
					}
					_ = msg.Ack()

				case <-ctx.Done():
					if !jsonOutput {
						fmt.Fprintf(c.App.ErrWriter, "\nReceived %d events\n", count)
					}
					return nil
				}
			}
		},
	}
}

// inspectStreamCommand shows information about the JetStream stream.
func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect-stream",
		Usage: "Inspect the " + natspkg.StreamName + " JetStream stream",
		Flags: []cli.Flag{natsURLFlag()},
		Action: func(c *cli.Context) error {
			nc, err := nats.Connect(c.String("nats-url"))
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			ctx, cancel := context.WithTimeout(c.Context, 10*time.Second)
			defer cancel()

			stream, err := js.Stream(ctx, natspkg.StreamName)
			if err != nil {
				return fmt.Errorf("failed to get stream: %w", err)
			}
			info, err := stream.Info(ctx)
			if err != nil {
				return fmt.Errorf("failed to get stream info: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, info)
			}

			w := c.App.Writer
			fmt.Fprintf(w, "Stream:     %s\n", info.Config.Name)
			fmt.Fprintf(w, "Subjects:   %v\n", info.Config.Subjects)
			fmt.Fprintf(w, "Messages:   %d\n", info.State.Msgs)
			fmt.Fprintf(w, "Bytes:      %d\n", info.State.Bytes)
			fmt.Fprintf(w, "First Seq:  %d\n", info.State.FirstSeq)
			fmt.Fprintf(w, "Last Seq:   %d\n", info.State.LastSeq)
			fmt.Fprintf(w, "Consumers:  %d\n", info.State.Consumers)
			fmt.Fprintf(w, "Max Age:    %s\n", info.Config.MaxAge)
			fmt.Fprintf(w, "Storage:    %s\n", info.Config.Storage)
			return nil
		},
	}
}

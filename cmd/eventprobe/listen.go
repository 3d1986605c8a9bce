package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"gigwire/pkg/bus"
)

func newListenCmd() *cobra.Command {
	var (
		amqpURL  string
		exchange string
		queue    string
		patterns []string
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print events matching the given bindings",
		Long:  "Binds a queue to the events exchange and prints every matching event as a JSON line until interrupted. With no --queue a private auto-delete queue is used, so live consumers keep their deliveries.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListen(cmd, amqpURL, exchange, queue, patterns)
		},
	}

	cmd.Flags().StringVar(&amqpURL, "amqp-url", os.Getenv("AMQP_URL"), "broker URL (defaults to AMQP_URL)")
	cmd.Flags().StringVar(&exchange, "exchange", "gigwire.events", "topic exchange name")
	cmd.Flags().StringVar(&queue, "queue", "", "named queue to drain (empty for a private probe queue)")
	cmd.Flags().StringSliceVar(&patterns, "pattern", []string{"#"}, "topic binding pattern, repeatable (e.g. bids.*)")
	return cmd
}

func runListen(cmd *cobra.Command, amqpURL, exchange, queue string, patterns []string) error {
	if strings.TrimSpace(amqpURL) == "" {
		return fmt.Errorf("broker URL required (--amqp-url or AMQP_URL)")
	}

	eventBus, err := bus.NewAMQPBus(bus.AMQPBusConfig{
		URL:      amqpURL,
		Exchange: exchange,
		Queue:    queue,
	})
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer eventBus.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	err = eventBus.Subscribe(ctx, patterns, func(ctx context.Context, event bus.Event) error {
		line, err := json.Marshal(event)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(line))
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "listening on %s %v (ctrl-c to stop)\n", exchange, patterns)
	<-ctx.Done()
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"gigwire/pkg/bus"
)

type publishOptions struct {
	amqpURL      string
	exchange     string
	eventType    string
	actorID      string
	entityKind   string
	entityID     string
	targetUserID string
	payload      string
}

func newPublishCmd() *cobra.Command {
	var opts publishOptions

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish one event to the events exchange",
		Long:  "Publishes a single event with the given routing key so the downstream path (queue binding, dispatcher, socket push) can be checked end to end. The payload is inline JSON or @path to read a file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.amqpURL, "amqp-url", os.Getenv("AMQP_URL"), "broker URL (defaults to AMQP_URL)")
	cmd.Flags().StringVar(&opts.exchange, "exchange", "gigwire.events", "topic exchange name")
	cmd.Flags().StringVar(&opts.eventType, "type", "", "event type and routing key (e.g. bids.placed)")
	cmd.Flags().StringVar(&opts.actorID, "actor", "", "user id that caused the event")
	cmd.Flags().StringVar(&opts.entityKind, "entity-kind", "", "entity kind (e.g. bid)")
	cmd.Flags().StringVar(&opts.entityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&opts.targetUserID, "target-user", "", "recipient user id for targeted events")
	cmd.Flags().StringVar(&opts.payload, "payload", "", "event payload as JSON, or @path to a JSON file")
	cmd.MarkFlagRequired("type")
	cmd.MarkFlagRequired("entity-kind")
	cmd.MarkFlagRequired("entity-id")
	return cmd
}

func runPublish(cmd *cobra.Command, opts publishOptions) error {
	if strings.TrimSpace(opts.amqpURL) == "" {
		return fmt.Errorf("broker URL required (--amqp-url or AMQP_URL)")
	}
	payload, err := loadPayload(opts.payload)
	if err != nil {
		return err
	}

	eventBus, err := bus.NewAMQPBus(bus.AMQPBusConfig{
		URL:      opts.amqpURL,
		Exchange: opts.exchange,
	})
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer eventBus.Close()

	event := bus.Event{
		ID:           uuid.NewString(),
		Type:         strings.TrimSpace(opts.eventType),
		ActorID:      strings.TrimSpace(opts.actorID),
		EntityKind:   strings.TrimSpace(opts.entityKind),
		EntityID:     strings.TrimSpace(opts.entityID),
		TargetUserID: strings.TrimSpace(opts.targetUserID),
		Payload:      payload,
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	if err := eventBus.Publish(ctx, event); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "published %s (%s)\n", event.Type, event.ID)
	return nil
}

func loadPayload(raw string) (json.RawMessage, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "@") {
		data, err := os.ReadFile(strings.TrimPrefix(raw, "@"))
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		raw = string(data)
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

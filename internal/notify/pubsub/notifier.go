// Package pubsub publishes crossing events to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/mattyhall/rexml/internal/watch"
)

// Config names the destination topic.
type Config struct {
	ProjectID string
	Topic     string
}

// Notifier publishes one JSON message per crossing.
type Notifier struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
}

// New dials Pub/Sub and prepares a publisher for cfg.Topic.
func New(ctx context.Context, cfg Config) (*Notifier, error) {
	if cfg.ProjectID == "" || cfg.Topic == "" {
		return nil, fmt.Errorf("pubsub project_id and topic are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &Notifier{client: client, publisher: client.Publisher(cfg.Topic)}, nil
}

// NotifyCrossing publishes event and waits for the server acknowledgement.
func (n *Notifier) NotifyCrossing(ctx context.Context, event watch.CrossingEvent) error {
	if n.publisher == nil {
		return fmt.Errorf("pubsub publisher is not configured")
	}
	msg, err := newMessage(event)
	if err != nil {
		return err
	}
	if _, err := n.publisher.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish crossing: %w", err)
	}
	return nil
}

// Close flushes pending messages and releases the client.
func (n *Notifier) Close() error {
	if n.publisher != nil {
		n.publisher.Stop()
	}
	if n.client != nil {
		return n.client.Close()
	}
	return nil
}

func newMessage(event watch.CrossingEvent) (*pubsub.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal crossing: %w", err)
	}
	return &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"channel":     event.ChannelName,
			"upstream_id": event.UpstreamID,
		},
	}, nil
}

// Package pubsub publishes run notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/cropcost-pipeline/internal/pipeline"
)

// Publisher wraps a Pub/Sub client and a default topic.
type Publisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *zap.Logger
}

var _ pipeline.Publisher = (*Publisher)(nil)

// New connects to projectID and resolves topicID. It fails when the topic does
// not exist or cannot be inspected.
func New(ctx context.Context, projectID, topicID string, logger *zap.Logger) (*Publisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	pub, err := NewWithClient(ctx, client, topicID, logger)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil && logger != nil {
			logger.Warn("failed to close pubsub client after topic lookup", zap.Error(closeErr))
		}
		return nil, err
	}
	return pub, nil
}

// NewWithClient uses an existing client. The Publisher owns the client after
// a successful call.
func NewWithClient(ctx context.Context, client *pubsub.Client, topicID string, logger *zap.Logger) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("pubsub client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check pubsub topic %q: %w", topicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %q does not exist", topicID)
	}
	return &Publisher{client: client, topic: topic, logger: logger}, nil
}

// Publish marshals payload to JSON and waits for the server to acknowledge it.
// A non-empty topic other than the default is resolved on the same client.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.topic == nil {
		return "", errors.New("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	target := p.topic
	if topic != "" && topic != p.topic.ID() {
		target = p.client.Topic(topic)
		defer target.Stop()
	}
	msg := &pubsub.Message{Data: data, Attributes: attributes(payload)}
	id, err := target.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", target.ID(), err)
	}
	p.logger.Debug("pubsub message published", zap.String("topic", target.ID()), zap.String("message_id", id))
	return id, nil
}

// Close flushes pending messages and closes the client.
func (p *Publisher) Close() error {
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client == nil {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

// attributed payloads expose routing attributes for subscription filters.
type attributed interface {
	Attributes() map[string]string
}

func attributes(payload any) map[string]string {
	if a, ok := payload.(attributed); ok {
		return a.Attributes()
	}
	return nil
}

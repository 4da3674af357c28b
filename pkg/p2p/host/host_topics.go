package host

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"pool_validator/pkg/p2p/message"
)

// Announcer publishes signed round summaries on a gossip topic
type Announcer struct {
	host  *Host
	topic string
}

// NewAnnouncer joins topic on h
func NewAnnouncer(h *Host, topic string) (*Announcer, error) {
	if topic == "" {
		return nil, fmt.Errorf("announce topic cannot be empty")
	}
	if _, err := h.GetTopic(topic); err != nil {
		return nil, err
	}
	return &Announcer{host: h, topic: topic}, nil
}

// Announce signs and publishes summary
func (a *Announcer) Announce(ctx context.Context, summary message.RoundSummary) error {
	topic, err := a.host.GetTopic(a.topic)
	if err != nil {
		return err
	}

	msg, err := message.NewMessage(message.RoundSummaryMessage, summary)
	if err != nil {
		return err
	}
	if err := msg.Sign(a.host.privKey); err != nil {
		return fmt.Errorf("failed to sign message: %w", err)
	}

	msgBytes, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := topic.Publish(ctx, msgBytes); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	a.host.logger.Debug("Round summary published",
		zap.String("round", summary.RoundID),
		zap.String("outcome", summary.Outcome))
	return nil
}

// Subscribe delivers verified round summaries from the topic until ctx ends
func (a *Announcer) Subscribe(ctx context.Context, fn func(message.RoundSummary)) error {
	topic, err := a.host.GetTopic(a.topic)
	if err != nil {
		return err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", a.topic, err)
	}
	defer sub.Cancel()

	for {
		raw, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading from subscription: %w", err)
		}

		var msg message.Message
		if err := msg.Unmarshal(raw.Data); err != nil {
			a.host.logger.Warn("Failed to unmarshal message", zap.Error(err))
			continue
		}
		if err := msg.Verify(); err != nil {
			a.host.logger.Warn("Failed to verify message signature", zap.Error(err))
			continue
		}
		if msg.Type != message.RoundSummaryMessage {
			continue
		}

		var summary message.RoundSummary
		if err := msg.DecodeData(&summary); err != nil {
			a.host.logger.Warn("Invalid round summary payload", zap.Error(err))
			continue
		}
		fn(summary)
	}
}

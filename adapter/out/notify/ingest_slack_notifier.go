// Package notify posts batch summaries to chat.
package notify

import (
	"context"
	"fmt"

	"ingest_server/core/port/out"
	"ingest_server/pkg/apperr"

	"github.com/slack-go/slack"
)

// SlackNotifier posts plain-text messages to one Slack channel.
type SlackNotifier struct {
	api     *slack.Client
	channel string
}

// NewSlackNotifier creates a notifier for channelID.
func NewSlackNotifier(token, channelID string, options ...slack.Option) *SlackNotifier {
	return &SlackNotifier{
		api:     slack.New(token, options...),
		channel: channelID,
	}
}

var _ out.Notifier = (*SlackNotifier)(nil)

func (n *SlackNotifier) Notify(ctx context.Context, text string) error {
	_, _, err := n.api.PostMessageContext(ctx, n.channel, slack.MsgOptionText(text, false))
	if err != nil {
		return apperr.ExternalError("slack", fmt.Errorf("post to %s: %w", n.channel, err))
	}
	return nil
}

// NopNotifier drops every message. Used when Slack is not configured.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string) error { return nil }

// Package slack posts job notifications to a Slack channel.
package slack

import (
	"context"
	"errors"
	"fmt"
	"time"

	slackapi "github.com/slack-go/slack"

	"github.com/lokalhq/lokal/internal/notify"
)

const maxRetries = 3

// slackClient abstracts the Slack Web API methods we use.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Adapter implements notify.Adapter for the Slack Web API.
type Adapter struct {
	client    slackClient
	channelID string
	backoff   time.Duration
}

// AdapterOpts holds configuration for creating a Slack adapter.
type AdapterOpts struct {
	BotToken  string
	ChannelID string

	// client is injected in tests.
	client slackClient
}

// New creates a Slack adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("slack: channel ID is required")
	}
	client := opts.client
	if client == nil {
		if opts.BotToken == "" {
			return nil, fmt.Errorf("slack: bot token is required")
		}
		client = slackapi.New(opts.BotToken)
	}
	return &Adapter{client: client, channelID: opts.ChannelID, backoff: time.Second}, nil
}

// Name implements notify.Adapter.
func (a *Adapter) Name() string { return "slack" }

// Verify checks the bot token and returns the bot's user ID.
func (a *Adapter) Verify() (string, error) {
	auth, err := a.client.AuthTest()
	if err != nil {
		return "", fmt.Errorf("slack: auth test: %w", err)
	}
	return auth.UserID, nil
}

// Send posts the message as attachments to the configured channel.
func (a *Adapter) Send(ctx context.Context, msg notify.Message) error {
	options := buildMessageOptions(msg)
	err := a.retryOnRateLimit(ctx, func() error {
		_, _, postErr := a.client.PostMessage(a.channelID, options...)
		return postErr
	})
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

func buildMessageOptions(msg notify.Message) []slackapi.MsgOption {
	var options []slackapi.MsgOption
	if len(msg.Events) > 0 {
		attachments := make([]slackapi.Attachment, 0, len(msg.Events))
		for _, evt := range msg.Events {
			attachments = append(attachments, eventToAttachment(evt))
		}
		options = append(options, slackapi.MsgOptionAttachments(attachments...))
		if msg.Text != "" {
			options = append(options, slackapi.MsgOptionText(msg.Text, false))
		}
		return options
	}
	return append(options, slackapi.MsgOptionText(msg.Text, false))
}

func eventToAttachment(evt notify.Event) slackapi.Attachment {
	att := slackapi.Attachment{
		Title:    evt.Title,
		Text:     evt.Body,
		Color:    evt.Color,
		Fallback: evt.Title,
	}
	for _, f := range evt.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{
			Title: f.Name,
			Value: f.Value,
			Short: f.Short,
		})
	}
	return att
}

// retryOnRateLimit retries fn on Slack rate limit errors, waiting RetryAfter
// when Slack provides it and doubling the base backoff otherwise.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) || attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = a.backoff << attempt
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Package slackapi wraps the Slack Web API behind a rate-limited,
// retrying client. It is the sole point of contact with Slack.
package slackapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/slack-go/slack"
	"golang.org/x/time/rate"

	"github.com/monisB2B/slacksummarizer2/internal/metrics"
)

// API is the set of Slack operations the pipeline consumes. The
// concrete Client implements it; tests substitute fakes.
type API interface {
	ListConversations(ctx context.Context, cursor string) ([]slack.Channel, string, error)
	GetConversationInfo(ctx context.Context, channelID string) (*slack.Channel, error)
	ListHistory(ctx context.Context, channelID, oldest, cursor string) ([]slack.Message, string, error)
	ListThreadReplies(ctx context.Context, channelID, threadTS, cursor string) ([]slack.Message, string, error)
	GetUserInfo(ctx context.Context, userID string) (*slack.User, error)
	ListUsers(ctx context.Context) ([]slack.User, error)
	PostMessage(ctx context.Context, channelID string, options ...slack.MsgOption) (string, error)
	GetPermalink(ctx context.Context, channelID, ts string) (string, error)
}

const (
	defaultMaxRetries  = 3
	defaultBaseBackoff = 500 * time.Millisecond
	pageSize           = 200
)

// Client retries rate-limited calls with a doubling backoff, honoring
// Slack's Retry-After hint, and paces outgoing requests with a token
// bucket so bursts do not trip the limiter in the first place.
type Client struct {
	api         *slack.Client
	limiter     *rate.Limiter
	maxRetries  int
	baseBackoff time.Duration

	// sleep is swapped in tests to avoid real backoff delays.
	sleep func(time.Duration)
}

type Option func(*Client)

func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

func WithBaseBackoff(d time.Duration) Option {
	return func(c *Client) { c.baseBackoff = d }
}

func New(botToken string, opts ...Option) *Client {
	c := &Client{
		api: slack.New(botToken),
		// Slack's Tier 3 methods allow ~50 requests per minute.
		limiter:     rate.NewLimiter(rate.Limit(1), 3),
		maxRetries:  defaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
		sleep:       time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do runs one API operation through the pacer and the retry loop.
// Rate-limit errors are retried with sleep max(retryAfter, backoff),
// doubling the backoff each attempt; any other error propagates
// immediately. Backoff state is per call, not shared.
func (c *Client) do(ctx context.Context, operation string, fn func() error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}

	backoff := c.baseBackoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			metrics.APICallsTotal.WithLabelValues(operation, "ok").Inc()
			return nil
		}

		var rateLimited *slack.RateLimitedError
		if !errors.As(err, &rateLimited) {
			metrics.APICallsTotal.WithLabelValues(operation, "error").Inc()
			return fmt.Errorf("%s: %w", operation, err)
		}

		if attempt >= c.maxRetries {
			metrics.APICallsTotal.WithLabelValues(operation, "rate_limited").Inc()
			return fmt.Errorf("%s: retry ceiling reached after %d attempts: %w", operation, attempt+1, err)
		}

		delay := backoff
		if rateLimited.RetryAfter > delay {
			delay = rateLimited.RetryAfter
		}
		backoff *= 2

		metrics.APIRetriesTotal.WithLabelValues(operation).Inc()
		slog.Warn("Slack rate limit hit, backing off",
			"operation", operation,
			"attempt", attempt+1,
			"delay", delay)
		c.sleep(delay)
	}
}

func (c *Client) ListConversations(ctx context.Context, cursor string) ([]slack.Channel, string, error) {
	var channels []slack.Channel
	var nextCursor string

	err := c.do(ctx, "conversations.list", func() error {
		var err error
		channels, nextCursor, err = c.api.GetConversationsContext(ctx, &slack.GetConversationsParameters{
			Cursor:          cursor,
			Limit:           pageSize,
			Types:           []string{"public_channel", "private_channel", "im", "mpim"},
			ExcludeArchived: true,
		})
		return err
	})
	return channels, nextCursor, err
}

func (c *Client) GetConversationInfo(ctx context.Context, channelID string) (*slack.Channel, error) {
	var channel *slack.Channel

	err := c.do(ctx, "conversations.info", func() error {
		var err error
		channel, err = c.api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{
			ChannelID: channelID,
		})
		return err
	})
	return channel, err
}

func (c *Client) ListHistory(ctx context.Context, channelID, oldest, cursor string) ([]slack.Message, string, error) {
	var resp *slack.GetConversationHistoryResponse

	err := c.do(ctx, "conversations.history", func() error {
		var err error
		resp, err = c.api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
			ChannelID: channelID,
			Cursor:    cursor,
			Oldest:    oldest,
			Limit:     pageSize,
		})
		return err
	})
	if err != nil {
		return nil, "", err
	}
	return resp.Messages, resp.ResponseMetaData.NextCursor, nil
}

func (c *Client) ListThreadReplies(ctx context.Context, channelID, threadTS, cursor string) ([]slack.Message, string, error) {
	var messages []slack.Message
	var nextCursor string

	err := c.do(ctx, "conversations.replies", func() error {
		var err error
		messages, _, nextCursor, err = c.api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
			ChannelID: channelID,
			Timestamp: threadTS,
			Cursor:    cursor,
			Limit:     pageSize,
		})
		return err
	})
	return messages, nextCursor, err
}

func (c *Client) GetUserInfo(ctx context.Context, userID string) (*slack.User, error) {
	var user *slack.User

	err := c.do(ctx, "users.info", func() error {
		var err error
		user, err = c.api.GetUserInfoContext(ctx, userID)
		return err
	})
	return user, err
}

func (c *Client) ListUsers(ctx context.Context) ([]slack.User, error) {
	var users []slack.User

	err := c.do(ctx, "users.list", func() error {
		var err error
		users, err = c.api.GetUsersContext(ctx)
		return err
	})
	return users, err
}

func (c *Client) PostMessage(ctx context.Context, channelID string, options ...slack.MsgOption) (string, error) {
	var ts string

	err := c.do(ctx, "chat.postMessage", func() error {
		var err error
		_, ts, err = c.api.PostMessageContext(ctx, channelID, options...)
		return err
	})
	return ts, err
}

func (c *Client) GetPermalink(ctx context.Context, channelID, ts string) (string, error) {
	var permalink string

	err := c.do(ctx, "chat.getPermalink", func() error {
		var err error
		permalink, err = c.api.GetPermalinkContext(ctx, &slack.PermalinkParameters{
			Channel: channelID,
			Ts:      ts,
		})
		return err
	})
	return permalink, err
}

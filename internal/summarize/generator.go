// Package summarize produces digest summaries for a conversation and
// time window, preferring a model-backed path and falling back to a
// heuristic one so a summary is never lost to a model failure.
package summarize

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/monisB2B/slacksummarizer2/internal/metrics"
	"github.com/monisB2B/slacksummarizer2/internal/store"
)

// ErrEmptyWindow signals a window with no messages: nothing to
// summarize, no summary row created.
var ErrEmptyWindow = errors.New("no messages in window")

// maxHighlights caps the heuristic highlight list.
const maxHighlights = 5

// ModelClient is the optional model-backed summarization path. Both
// paths produce the same result shape, keeping persistence and
// posting path-agnostic.
type ModelClient interface {
	Summarize(ctx context.Context, conversationName string, messages []store.Message) (*Result, error)
}

// Result is the path-agnostic output of either generation strategy.
type Result struct {
	Recap      string
	Highlights []store.Highlight
	Tasks      []store.Task
	Mentions   []store.MentionCount
}

// UserResolver reports directory records; used to keep bots out of
// mention rankings and task ownership.
type UserResolver interface {
	ResolveUser(ctx context.Context, userID string) (*store.UserRecord, error)
}

type Generator struct {
	store    store.Store
	model    ModelClient // nil forces the heuristic path
	resolver UserResolver

	now func() time.Time
}

func New(st store.Store, model ModelClient, resolver UserResolver) *Generator {
	return &Generator{
		store:    st,
		model:    model,
		resolver: resolver,
		now:      time.Now,
	}
}

// Generate builds and persists a summary for the conversation over
// [start, end]. It returns ErrEmptyWindow without persisting anything
// when the window holds no messages. Any model-path failure falls
// back to the heuristic path transparently.
func (g *Generator) Generate(ctx context.Context, conv store.Conversation, start, end time.Time) (*store.Summary, error) {
	messages, err := g.store.FindMessagesInWindow(ctx, conv.ChannelID, start, end)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, ErrEmptyWindow
	}

	result, origin := g.generate(ctx, conv, messages)

	summary := &store.Summary{
		ID:          uuid.New().String(),
		ChannelID:   conv.ChannelID,
		WindowStart: start,
		WindowEnd:   end,
		Recap:       result.Recap,
		Highlights:  result.Highlights,
		Tasks:       result.Tasks,
		Mentions:    result.Mentions,
		Origin:      origin,
	}

	if err := g.store.CreateSummary(ctx, summary); err != nil {
		metrics.SummariesGenerated.WithLabelValues(origin, "error").Inc()
		return nil, err
	}

	metrics.SummariesGenerated.WithLabelValues(origin, "ok").Inc()
	slog.Info("Summary generated",
		"channel", conv.ChannelID,
		"origin", origin,
		"messages", len(messages),
		"tasks", len(summary.Tasks))
	return summary, nil
}

func (g *Generator) generate(ctx context.Context, conv store.Conversation, messages []store.Message) (*Result, string) {
	if g.model != nil {
		result, err := g.model.Summarize(ctx, conv.Name, messages)
		if err == nil && result.Recap != "" {
			return result, store.TaskOriginModel
		}
		slog.Warn("Model summary failed, falling back to heuristic",
			"channel", conv.ChannelID,
			"error", err)
	}
	return g.heuristic(ctx, messages), store.TaskOriginHeuristic
}

// isBot resolves the bot flag for a user, treating resolution
// failures as non-bots so the pipeline never stalls on the directory.
func (g *Generator) isBot(ctx context.Context, userID string) bool {
	if g.resolver == nil || userID == "" {
		return false
	}
	record, err := g.resolver.ResolveUser(ctx, userID)
	if err != nil || record == nil {
		return false
	}
	return record.IsBot
}

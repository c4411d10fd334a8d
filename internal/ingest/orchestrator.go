// Package ingest drives the conversation ingestion pipeline: list
// conversations, page through history since the stored watermark,
// backfill thread replies, resolve identities, and persist with
// upsert semantics.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/slack-go/slack"

	"github.com/monisB2B/slacksummarizer2/internal/directory"
	"github.com/monisB2B/slacksummarizer2/internal/extract"
	"github.com/monisB2B/slacksummarizer2/internal/metrics"
	"github.com/monisB2B/slacksummarizer2/internal/slackapi"
	"github.com/monisB2B/slacksummarizer2/internal/store"
)

// RunStats summarizes one ingestion run.
type RunStats struct {
	Conversations int
	Skipped       int
	Messages      int
	ThreadsFilled int
}

type Orchestrator struct {
	api       slackapi.API
	store     store.Store
	directory *directory.Directory

	// delay spreads load between conversations, independent of the
	// API client's own backoff.
	delay time.Duration
	sleep func(time.Duration)
}

func New(api slackapi.API, st store.Store, dir *directory.Directory, delay time.Duration) *Orchestrator {
	return &Orchestrator{
		api:       api,
		store:     st,
		directory: dir,
		delay:     delay,
		sleep:     time.Sleep,
	}
}

// Run ingests every conversation visible to the integration. A
// failure in one conversation is logged and skipped; it never aborts
// the others. sinceOverride, when non-zero, raises the fetch lower
// bound above each conversation's stored watermark.
func (o *Orchestrator) Run(ctx context.Context, sinceOverride time.Time) (*RunStats, error) {
	stats := &RunStats{}

	channels, err := o.listAllConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	slog.Info("Ingestion run started", "conversations", len(channels))

	for i, channel := range channels {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		if err := o.ingestConversation(ctx, channel, sinceOverride, stats); err != nil {
			slog.Error("Conversation ingestion failed, skipping",
				"channel", channel.ID,
				"name", channel.Name,
				"error", err)
			metrics.ConversationsSkipped.Inc()
			stats.Skipped++
		}
		stats.Conversations++

		if o.delay > 0 && i < len(channels)-1 {
			o.sleep(o.delay)
		}
	}

	slog.Info("Ingestion run finished",
		"conversations", stats.Conversations,
		"skipped", stats.Skipped,
		"messages", stats.Messages,
		"threads", stats.ThreadsFilled)
	return stats, nil
}

func (o *Orchestrator) listAllConversations(ctx context.Context) ([]slack.Channel, error) {
	var channels []slack.Channel
	cursor := ""
	for {
		page, nextCursor, err := o.api.ListConversations(ctx, cursor)
		if err != nil {
			return nil, err
		}
		channels = append(channels, page...)
		if nextCursor == "" {
			return channels, nil
		}
		cursor = nextCursor
	}
}

func (o *Orchestrator) ingestConversation(ctx context.Context, channel slack.Channel, sinceOverride time.Time, stats *RunStats) error {
	// Verify the conversation is still accessible before fetching.
	info, err := o.api.GetConversationInfo(ctx, channel.ID)
	if err != nil {
		return fmt.Errorf("conversation inaccessible: %w", err)
	}

	conv := &store.Conversation{
		ChannelID: info.ID,
		Name:      conversationName(info),
		Kind:      conversationKind(info),
	}
	if err := o.store.UpsertConversation(ctx, conv); err != nil {
		return err
	}

	watermark, err := o.store.Watermark(ctx, info.ID)
	if err != nil {
		return err
	}

	// Fetch lower bound: the greater of the override and the watermark.
	oldest := watermark
	if !sinceOverride.IsZero() {
		if overrideTS := timeTS(sinceOverride); oldest == "" || tsLess(oldest, overrideTS) {
			oldest = overrideTS
		}
	}

	messages, err := o.fetchHistory(ctx, info.ID, oldest)
	if err != nil {
		return err
	}

	messages, filled, err := o.backfillThreads(ctx, info.ID, messages)
	if err != nil {
		return err
	}
	stats.ThreadsFilled += filled

	persisted, maxTS := o.persistMessages(ctx, info.ID, messages)
	stats.Messages += persisted

	// Advance only past the fully persisted prefix; a failure mid
	// batch must not move the watermark beyond unprocessed messages.
	if maxTS != "" {
		if err := o.store.AdvanceWatermark(ctx, info.ID, maxTS); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) fetchHistory(ctx context.Context, channelID, oldest string) ([]slack.Message, error) {
	var messages []slack.Message
	cursor := ""
	for {
		page, nextCursor, err := o.api.ListHistory(ctx, channelID, oldest, cursor)
		if err != nil {
			return nil, err
		}
		messages = append(messages, page...)
		if nextCursor == "" {
			return messages, nil
		}
		cursor = nextCursor
	}
}

// backfillThreads fetches the reply set for every threaded message in
// the batch. The plain history call returns thread roots but not
// their replies, so replies must be pulled explicitly per thread.
func (o *Orchestrator) backfillThreads(ctx context.Context, channelID string, messages []slack.Message) ([]slack.Message, int, error) {
	fetched := make(map[string]bool)
	have := make(map[string]bool, len(messages))
	for _, msg := range messages {
		have[msg.Timestamp] = true
	}

	filled := 0
	result := messages
	for _, msg := range messages {
		threadTS := msg.ThreadTimestamp
		if threadTS == "" || fetched[threadTS] {
			continue
		}
		fetched[threadTS] = true

		replies, err := o.fetchThreadReplies(ctx, channelID, threadTS)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to backfill thread %s: %w", threadTS, err)
		}

		for _, reply := range replies {
			// The root is part of the history batch already.
			if reply.Timestamp == threadTS || have[reply.Timestamp] {
				continue
			}
			have[reply.Timestamp] = true
			result = append(result, reply)
		}
		filled++
	}
	return result, filled, nil
}

func (o *Orchestrator) fetchThreadReplies(ctx context.Context, channelID, threadTS string) ([]slack.Message, error) {
	var replies []slack.Message
	cursor := ""
	for {
		page, nextCursor, err := o.api.ListThreadReplies(ctx, channelID, threadTS, cursor)
		if err != nil {
			return nil, err
		}
		replies = append(replies, page...)
		if nextCursor == "" {
			return replies, nil
		}
		cursor = nextCursor
	}
}

// persistMessages upserts the batch in timestamp order and returns
// the count persisted plus the highest timestamp safely covered by
// the watermark. Persistence stops advancing the candidate watermark
// at the first failure, though later messages are still attempted.
func (o *Orchestrator) persistMessages(ctx context.Context, channelID string, messages []slack.Message) (int, string) {
	ordered := make([]slack.Message, len(messages))
	copy(ordered, messages)
	sortByTimestamp(ordered)

	persisted := 0
	maxTS := ""
	failed := false

	for _, raw := range ordered {
		if raw.Timestamp == "" {
			continue
		}

		msg := o.convertMessage(ctx, channelID, raw)

		if err := o.store.UpsertMessage(ctx, msg); err != nil {
			slog.Error("Failed to persist message",
				"channel", channelID,
				"ts", raw.Timestamp,
				"error", err)
			metrics.MessagesIngested.WithLabelValues(channelID, "error").Inc()
			failed = true
			continue
		}

		metrics.MessagesIngested.WithLabelValues(channelID, "ok").Inc()
		persisted++
		if !failed && (maxTS == "" || tsLess(maxTS, msg.Timestamp)) {
			maxTS = msg.Timestamp
		}
	}
	return persisted, maxTS
}

// convertMessage maps a Slack message to the stored shape, resolving
// the author and every mentioned user first so persisted rows never
// reference an unresolved identity. The lookups are independent reads
// and run concurrently.
func (o *Orchestrator) convertMessage(ctx context.Context, channelID string, raw slack.Message) *store.Message {
	mentions := extract.Mentions(raw.Text)

	ids := make([]string, 0, len(mentions)+1)
	if raw.User != "" {
		ids = append(ids, raw.User)
	}
	ids = append(ids, mentions...)

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			if _, err := o.directory.ResolveUser(ctx, userID); err != nil {
				slog.Warn("Identity resolution failed", "user_id", userID, "error", err)
			}
		}(id)
	}
	wg.Wait()

	var reactions map[string]int
	if len(raw.Reactions) > 0 {
		reactions = make(map[string]int, len(raw.Reactions))
		for _, reaction := range raw.Reactions {
			reactions[reaction.Name] = reaction.Count
		}
	}

	return &store.Message{
		ChannelID:       channelID,
		Timestamp:       raw.Timestamp,
		UserID:          raw.User,
		Text:            raw.Text,
		ThreadTimestamp: raw.ThreadTimestamp,
		Reactions:       reactions,
		Mentions:        mentions,
		EventAt:         tsTime(raw.Timestamp),
	}
}

func sortByTimestamp(messages []slack.Message) {
	sort.Slice(messages, func(i, j int) bool {
		return tsLess(messages[i].Timestamp, messages[j].Timestamp)
	})
}

func conversationName(ch *slack.Channel) string {
	if ch.Name != "" {
		return ch.Name
	}
	// DMs carry no name; fall back to the counterpart user.
	if ch.User != "" {
		return ch.User
	}
	return ch.ID
}

func conversationKind(ch *slack.Channel) string {
	switch {
	case ch.IsIM:
		return store.KindIM
	case ch.IsMpIM:
		return store.KindMpIM
	case ch.IsGroup:
		return store.KindGroup
	default:
		return store.KindChannel
	}
}

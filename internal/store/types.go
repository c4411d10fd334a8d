package store

import (
	"context"
	"time"
)

// Conversation kinds as reported by the Slack conversations API.
const (
	KindChannel = "channel"
	KindGroup   = "group"
	KindIM      = "im"
	KindMpIM    = "mpim"
)

// Conversation is a channel, group or DM tracked for ingestion.
type Conversation struct {
	ChannelID string    `json:"channel_id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Watermark string    `json:"watermark"` // last processed Slack timestamp, "" before first run
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is a single chat message keyed by (channel, Slack timestamp).
type Message struct {
	ChannelID       string         `json:"channel_id"`
	Timestamp       string         `json:"timestamp"`
	UserID          string         `json:"user_id"`
	Text            string         `json:"text"`
	ThreadTimestamp string         `json:"thread_timestamp,omitempty"`
	Reactions       map[string]int `json:"reactions,omitempty"`
	Mentions        []string       `json:"mentions,omitempty"`
	EventAt         time.Time      `json:"event_at"`
	ReceivedAt      time.Time      `json:"received_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// IsThreadRoot reports whether the message starts a thread.
func (m *Message) IsThreadRoot() bool {
	return m.ThreadTimestamp != "" && m.ThreadTimestamp == m.Timestamp
}

// IsThreadReply reports whether the message replies to an earlier root.
func (m *Message) IsThreadReply() bool {
	return m.ThreadTimestamp != "" && m.ThreadTimestamp != m.Timestamp
}

// UserRecord is a directory entry for a message author or mentioned user.
type UserRecord struct {
	UserID      string    `json:"user_id"`
	Name        string    `json:"name"`
	RealName    string    `json:"real_name,omitempty"`
	Email       string    `json:"email,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	IsBot       bool      `json:"is_bot"`
	Placeholder bool      `json:"placeholder,omitempty"` // synthesized for unresolvable users
	RefreshedAt time.Time `json:"refreshed_at"`
}

// Highlight is a notable message surfaced in a digest.
type Highlight struct {
	Text      string `json:"text"`
	UserID    string `json:"user_id"`
	Timestamp string `json:"timestamp"`
	Reason    string `json:"reason,omitempty"`
}

// Task origins. Heuristic candidates carry a lower confidence than
// model-extracted ones.
const (
	TaskOriginHeuristic = "heuristic"
	TaskOriginModel     = "model"
)

// Task is a candidate action item extracted from a message.
type Task struct {
	Title      string     `json:"title"`
	Owner      string     `json:"owner,omitempty"`
	DueDate    *time.Time `json:"due_date,omitempty"`
	Confidence float64    `json:"confidence"`
	SourceTS   string     `json:"source_ts,omitempty"`
	Permalink  string     `json:"permalink,omitempty"`
	Origin     string     `json:"origin"`
}

// MentionCount aggregates how often a user was referenced in a window.
// Order within a Summary is discovery order; consumers sort by count.
type MentionCount struct {
	UserID  string `json:"user_id"`
	Count   int    `json:"count"`
	Snippet string `json:"snippet,omitempty"`
}

// Summary is a generated digest for a conversation and time window.
// Rows are append-only; one row per generation run.
type Summary struct {
	ID          string         `json:"id"`
	ChannelID   string         `json:"channel_id"`
	WindowStart time.Time      `json:"window_start"`
	WindowEnd   time.Time      `json:"window_end"`
	Recap       string         `json:"recap"`
	Highlights  []Highlight    `json:"highlights"`
	Tasks       []Task         `json:"tasks"`
	Mentions    []MentionCount `json:"mentions"`
	Origin      string         `json:"origin"` // which generation path produced it
	CreatedAt   time.Time      `json:"created_at"`
	PostedAt    *time.Time     `json:"posted_at,omitempty"`
	PostedRef   string         `json:"posted_ref,omitempty"`
}

// Store is the persistence contract for conversations, messages,
// users and summaries. All writes are idempotent upserts except
// CreateSummary, which is append-only.
type Store interface {
	UpsertConversation(ctx context.Context, c *Conversation) error
	ListConversations(ctx context.Context) ([]Conversation, error)
	Watermark(ctx context.Context, channelID string) (string, error)
	AdvanceWatermark(ctx context.Context, channelID, ts string) error

	UpsertMessage(ctx context.Context, m *Message) error
	FindMessagesInWindow(ctx context.Context, channelID string, start, end time.Time) ([]Message, error)

	UpsertUser(ctx context.Context, u *UserRecord) error
	GetUser(ctx context.Context, userID string) (*UserRecord, error)

	CreateSummary(ctx context.Context, s *Summary) error
	LatestSummary(ctx context.Context, channelID string, start, end time.Time) (*Summary, error)
	MarkSummaryPosted(ctx context.Context, summaryID, ref string) error

	PurgeMessagesOlderThan(ctx context.Context, age time.Duration) (int64, error)

	Close() error
}

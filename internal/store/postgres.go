package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store on top of Postgres. Dedup relies on
// the unique index over (channel_id, message_timestamp) and
// ON CONFLICT upserts, so re-ingesting a range is a no-op.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Ping reports whether the database is reachable. Used by the
// readiness endpoint.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) initSchema() error {
	slog.Info("Initializing database schema...")

	tables := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			channel_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			watermark TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			channel_id TEXT NOT NULL,
			message_timestamp TEXT NOT NULL,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			thread_timestamp TEXT NOT NULL DEFAULT '',
			reactions JSONB,
			mentions JSONB,
			event_at TIMESTAMP WITH TIME ZONE NOT NULL,
			received_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			PRIMARY KEY (channel_id, message_timestamp)
		);`,
		`CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			real_name TEXT,
			email TEXT,
			avatar_url TEXT,
			is_bot BOOLEAN DEFAULT FALSE,
			placeholder BOOLEAN DEFAULT FALSE,
			refreshed_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);`,
		`CREATE TABLE IF NOT EXISTS summaries (
			id UUID PRIMARY KEY,
			channel_id TEXT NOT NULL,
			window_start TIMESTAMP WITH TIME ZONE NOT NULL,
			window_end TIMESTAMP WITH TIME ZONE NOT NULL,
			recap TEXT NOT NULL,
			highlights JSONB,
			tasks JSONB,
			mentions JSONB,
			origin TEXT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			posted_at TIMESTAMP WITH TIME ZONE,
			posted_ref TEXT NOT NULL DEFAULT ''
		);`,
	}

	for _, tableSQL := range tables {
		if _, err := s.db.Exec(tableSQL); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_messages_event_at ON messages(channel_id, event_at);",
		"CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(channel_id, thread_timestamp);",
		"CREATE INDEX IF NOT EXISTS idx_summaries_window ON summaries(channel_id, window_start, window_end);",
	}

	for _, indexSQL := range indexes {
		if _, err := s.db.Exec(indexSQL); err != nil {
			slog.Warn("Failed to create index", "error", err, "sql", indexSQL)
		}
	}

	slog.Info("Database schema initialized successfully")
	return nil
}

func (s *PostgresStore) UpsertConversation(ctx context.Context, c *Conversation) error {
	query := `
		INSERT INTO conversations (channel_id, name, kind)
		VALUES ($1, $2, $3)
		ON CONFLICT (channel_id)
		DO UPDATE SET
			name = EXCLUDED.name,
			kind = EXCLUDED.kind,
			updated_at = NOW()
	`

	if _, err := s.db.ExecContext(ctx, query, c.ChannelID, c.Name, c.Kind); err != nil {
		return fmt.Errorf("failed to upsert conversation %s: %w", c.ChannelID, err)
	}
	return nil
}

func (s *PostgresStore) ListConversations(ctx context.Context) ([]Conversation, error) {
	query := `
		SELECT channel_id, name, kind, watermark, created_at, updated_at
		FROM conversations
		ORDER BY channel_id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ChannelID, &c.Name, &c.Kind, &c.Watermark, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

func (s *PostgresStore) Watermark(ctx context.Context, channelID string) (string, error) {
	var watermark string
	err := s.db.QueryRowContext(ctx,
		"SELECT watermark FROM conversations WHERE channel_id = $1", channelID,
	).Scan(&watermark)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read watermark for %s: %w", channelID, err)
	}
	return watermark, nil
}

// AdvanceWatermark moves the conversation watermark forward. The
// numeric guard keeps it monotonic even if callers race or replay.
func (s *PostgresStore) AdvanceWatermark(ctx context.Context, channelID, ts string) error {
	query := `
		UPDATE conversations
		SET watermark = $2, updated_at = NOW()
		WHERE channel_id = $1
		  AND (watermark = '' OR watermark::numeric < $2::numeric)
	`

	if _, err := s.db.ExecContext(ctx, query, channelID, ts); err != nil {
		return fmt.Errorf("failed to advance watermark for %s: %w", channelID, err)
	}
	return nil
}

func (s *PostgresStore) UpsertMessage(ctx context.Context, m *Message) error {
	reactions, err := marshalJSONB(m.Reactions)
	if err != nil {
		return fmt.Errorf("failed to encode reactions: %w", err)
	}
	mentions, err := marshalJSONB(m.Mentions)
	if err != nil {
		return fmt.Errorf("failed to encode mentions: %w", err)
	}

	query := `
		INSERT INTO messages (
			channel_id, message_timestamp, user_id, content,
			thread_timestamp, reactions, mentions, event_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (channel_id, message_timestamp)
		DO UPDATE SET
			content = EXCLUDED.content,
			reactions = EXCLUDED.reactions,
			mentions = EXCLUDED.mentions,
			updated_at = NOW()
	`

	_, err = s.db.ExecContext(ctx, query,
		m.ChannelID, m.Timestamp, m.UserID, m.Text,
		m.ThreadTimestamp, reactions, mentions, m.EventAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert message %s/%s: %w", m.ChannelID, m.Timestamp, err)
	}
	return nil
}

func (s *PostgresStore) FindMessagesInWindow(ctx context.Context, channelID string, start, end time.Time) ([]Message, error) {
	query := `
		SELECT channel_id, message_timestamp, user_id, content,
			   thread_timestamp, reactions, mentions, event_at, received_at, updated_at
		FROM messages
		WHERE channel_id = $1 AND event_at >= $2 AND event_at <= $3
		ORDER BY message_timestamp ASC
	`

	rows, err := s.db.QueryContext(ctx, query, channelID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query window: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var reactions, mentions []byte
		err := rows.Scan(
			&m.ChannelID, &m.Timestamp, &m.UserID, &m.Text,
			&m.ThreadTimestamp, &reactions, &mentions, &m.EventAt, &m.ReceivedAt, &m.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if err := unmarshalJSONB(reactions, &m.Reactions); err != nil {
			return nil, fmt.Errorf("failed to decode reactions: %w", err)
		}
		if err := unmarshalJSONB(mentions, &m.Mentions); err != nil {
			return nil, fmt.Errorf("failed to decode mentions: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *PostgresStore) UpsertUser(ctx context.Context, u *UserRecord) error {
	query := `
		INSERT INTO users (user_id, name, real_name, email, avatar_url, is_bot, placeholder, refreshed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (user_id)
		DO UPDATE SET
			name = EXCLUDED.name,
			real_name = EXCLUDED.real_name,
			email = EXCLUDED.email,
			avatar_url = EXCLUDED.avatar_url,
			is_bot = EXCLUDED.is_bot,
			placeholder = EXCLUDED.placeholder,
			refreshed_at = NOW()
	`

	_, err := s.db.ExecContext(ctx, query,
		u.UserID, u.Name, u.RealName, u.Email, u.AvatarURL, u.IsBot, u.Placeholder,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert user %s: %w", u.UserID, err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (*UserRecord, error) {
	query := `
		SELECT user_id, name, real_name, email, avatar_url, is_bot, placeholder, refreshed_at
		FROM users
		WHERE user_id = $1
	`

	var u UserRecord
	var realName, email, avatar sql.NullString
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&u.UserID, &u.Name, &realName, &email, &avatar, &u.IsBot, &u.Placeholder, &u.RefreshedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", userID, err)
	}
	u.RealName = realName.String
	u.Email = email.String
	u.AvatarURL = avatar.String
	return &u, nil
}

func (s *PostgresStore) CreateSummary(ctx context.Context, sum *Summary) error {
	highlights, err := marshalJSONB(sum.Highlights)
	if err != nil {
		return fmt.Errorf("failed to encode highlights: %w", err)
	}
	tasks, err := marshalJSONB(sum.Tasks)
	if err != nil {
		return fmt.Errorf("failed to encode tasks: %w", err)
	}
	mentions, err := marshalJSONB(sum.Mentions)
	if err != nil {
		return fmt.Errorf("failed to encode mentions: %w", err)
	}

	query := `
		INSERT INTO summaries (
			id, channel_id, window_start, window_end,
			recap, highlights, tasks, mentions, origin
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = s.db.ExecContext(ctx, query,
		sum.ID, sum.ChannelID, sum.WindowStart, sum.WindowEnd,
		sum.Recap, highlights, tasks, mentions, sum.Origin,
	)
	if err != nil {
		return fmt.Errorf("failed to create summary: %w", err)
	}
	return nil
}

func (s *PostgresStore) LatestSummary(ctx context.Context, channelID string, start, end time.Time) (*Summary, error) {
	query := `
		SELECT id, channel_id, window_start, window_end,
			   recap, highlights, tasks, mentions, origin, created_at, posted_at, posted_ref
		FROM summaries
		WHERE channel_id = $1 AND window_start = $2 AND window_end = $3
		ORDER BY created_at DESC
		LIMIT 1
	`

	var sum Summary
	var highlights, tasks, mentions []byte
	var postedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, channelID, start, end).Scan(
		&sum.ID, &sum.ChannelID, &sum.WindowStart, &sum.WindowEnd,
		&sum.Recap, &highlights, &tasks, &mentions, &sum.Origin,
		&sum.CreatedAt, &postedAt, &sum.PostedRef,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest summary: %w", err)
	}

	if err := unmarshalJSONB(highlights, &sum.Highlights); err != nil {
		return nil, fmt.Errorf("failed to decode highlights: %w", err)
	}
	if err := unmarshalJSONB(tasks, &sum.Tasks); err != nil {
		return nil, fmt.Errorf("failed to decode tasks: %w", err)
	}
	if err := unmarshalJSONB(mentions, &sum.Mentions); err != nil {
		return nil, fmt.Errorf("failed to decode mentions: %w", err)
	}
	if postedAt.Valid {
		sum.PostedAt = &postedAt.Time
	}
	return &sum, nil
}

func (s *PostgresStore) MarkSummaryPosted(ctx context.Context, summaryID, ref string) error {
	query := `
		UPDATE summaries
		SET posted_at = NOW(), posted_ref = $2
		WHERE id = $1 AND posted_at IS NULL
	`

	if _, err := s.db.ExecContext(ctx, query, summaryID, ref); err != nil {
		return fmt.Errorf("failed to mark summary posted: %w", err)
	}
	return nil
}

// PurgeMessagesOlderThan removes raw messages past the retention age.
// Summaries are untouched and survive the purge of their sources.
func (s *PostgresStore) PurgeMessagesOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age)

	result, err := s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE event_at < $1", cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge messages: %w", err)
	}

	purged, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged messages: %w", err)
	}
	return purged, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func marshalJSONB(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalJSONB(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

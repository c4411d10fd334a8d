// Package directory resolves Slack user identities through a TTL cache
// backed by the relational store.
package directory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/slack-go/slack"

	"github.com/monisB2B/slacksummarizer2/internal/cache"
	"github.com/monisB2B/slacksummarizer2/internal/slackapi"
	"github.com/monisB2B/slacksummarizer2/internal/store"
)

// DefaultTTL bounds how stale a cached directory entry may get before
// the Slack API is consulted again.
const DefaultTTL = time.Hour

type Directory struct {
	api   slackapi.API
	store store.Store
	cache *cache.TTL[*store.UserRecord]
}

func New(api slackapi.API, st store.Store, ttl time.Duration) *Directory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Directory{
		api:   api,
		store: st,
		cache: cache.NewTTL[*store.UserRecord](ttl),
	}
}

// ResolveUser returns the directory record for a Slack user ID,
// refreshing from the API when the cached entry is older than the TTL
// and writing through to the store. Unresolvable users yield a
// synthetic placeholder rather than an error, so ingestion never
// stalls on a deleted or unknown author.
func (d *Directory) ResolveUser(ctx context.Context, userID string) (*store.UserRecord, error) {
	return d.cache.GetOrRefresh(ctx, userID, d.load)
}

// Warm bulk-loads the workspace member list into the cache with a
// write-through to the store, so a run resolves most authors without
// one users.info call each. Best effort: the caller logs and moves on.
func (d *Directory) Warm(ctx context.Context) error {
	users, err := d.api.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}

	for i := range users {
		record := recordFromUser(&users[i])
		if err := d.store.UpsertUser(ctx, record); err != nil {
			return err
		}
		d.cache.Put(record.UserID, record)
	}

	slog.Info("User directory warmed", "users", d.cache.Len())
	return nil
}

func (d *Directory) load(ctx context.Context, userID string) (*store.UserRecord, error) {
	user, err := d.api.GetUserInfo(ctx, userID)
	if err != nil {
		slog.Warn("User lookup failed, using placeholder",
			"user_id", userID,
			"error", err)
		record := placeholderRecord(userID)
		if storeErr := d.store.UpsertUser(ctx, record); storeErr != nil {
			slog.Error("Failed to persist placeholder user", "user_id", userID, "error", storeErr)
		}
		return record, nil
	}

	record := recordFromUser(user)
	if err := d.store.UpsertUser(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

func recordFromUser(user *slack.User) *store.UserRecord {
	return &store.UserRecord{
		UserID:      user.ID,
		Name:        user.Name,
		RealName:    user.RealName,
		Email:       user.Profile.Email,
		AvatarURL:   user.Profile.Image192,
		IsBot:       user.IsBot,
		RefreshedAt: time.Now(),
	}
}

func placeholderRecord(userID string) *store.UserRecord {
	return &store.UserRecord{
		UserID:      userID,
		Name:        "unknown-" + userID,
		Placeholder: true,
		RefreshedAt: time.Now(),
	}
}

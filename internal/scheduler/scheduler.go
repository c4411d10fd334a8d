// Package scheduler ties the pipeline together: a cron trigger runs
// ingestion, per-conversation summarization, digest posting, and the
// retention sweep, with a run-level mutex so the recurring trigger
// and manual invocations never overlap.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/monisB2B/slacksummarizer2/internal/digest"
	"github.com/monisB2B/slacksummarizer2/internal/ingest"
	"github.com/monisB2B/slacksummarizer2/internal/metrics"
	"github.com/monisB2B/slacksummarizer2/internal/store"
	"github.com/monisB2B/slacksummarizer2/internal/summarize"
)

// ErrRunInProgress rejects a trigger while another run holds the
// run-level mutex.
var ErrRunInProgress = errors.New("a pipeline run is already in progress")

type Runner struct {
	ingestor  *ingest.Orchestrator
	generator *summarize.Generator
	poster    *digest.Poster
	store     store.Store

	window    time.Duration
	retention time.Duration // zero disables the sweep

	mu   sync.Mutex
	cron *cron.Cron
	now  func() time.Time
}

func New(ingestor *ingest.Orchestrator, generator *summarize.Generator, poster *digest.Poster, st store.Store, window, retention time.Duration) *Runner {
	return &Runner{
		ingestor:  ingestor,
		generator: generator,
		poster:    poster,
		store:     st,
		window:    window,
		retention: retention,
		now:       time.Now,
	}
}

// Start registers the recurring trigger and launches the cron loop.
func (r *Runner) Start(ctx context.Context, spec string) error {
	r.cron = cron.New()
	_, err := r.cron.AddFunc(spec, func() {
		if err := r.RunOnce(ctx); err != nil {
			if errors.Is(err, ErrRunInProgress) {
				slog.Warn("Scheduled run skipped, previous run still active")
				return
			}
			slog.Error("Scheduled run failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	r.cron.Start()
	slog.Info("Scheduler started", "schedule", spec)
	return nil
}

// Stop halts the cron loop, waiting for an in-flight job to finish.
func (r *Runner) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// RunOnce executes one full pipeline pass: ingestion, summarization
// and posting over the most recently closed window, then retention.
// Concurrent triggers are rejected, not queued.
func (r *Runner) RunOnce(ctx context.Context) error {
	if !r.mu.TryLock() {
		return ErrRunInProgress
	}
	defer r.mu.Unlock()

	start := r.now()
	defer func() {
		metrics.RunDuration.WithLabelValues("full").Observe(time.Since(start).Seconds())
	}()

	if _, err := r.ingestor.Run(ctx, time.Time{}); err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}

	end := r.now()
	r.summarizeAndPost(ctx, end.Add(-r.window), end)

	if r.retention > 0 {
		if err := r.purge(ctx, r.retention); err != nil {
			slog.Error("Retention sweep failed", "error", err)
		}
	}
	return nil
}

// summarizeAndPost runs generation and posting per conversation. One
// conversation's failure never blocks the others, and a posting
// failure never rolls back the persisted summary.
func (r *Runner) summarizeAndPost(ctx context.Context, start, end time.Time) {
	conversations, err := r.store.ListConversations(ctx)
	if err != nil {
		slog.Error("Failed to list conversations for summarization", "error", err)
		return
	}

	for _, conv := range conversations {
		// A window that already produced a posted digest is done; a
		// retriggered run must not post it again.
		prior, err := r.store.LatestSummary(ctx, conv.ChannelID, start, end)
		if err != nil {
			slog.Warn("Prior summary lookup failed, generating anyway",
				"channel", conv.ChannelID,
				"error", err)
		} else if prior != nil && prior.PostedAt != nil {
			slog.Debug("Window already posted", "channel", conv.ChannelID, "summary_id", prior.ID)
			continue
		}

		summary, err := r.generator.Generate(ctx, conv, start, end)
		if errors.Is(err, summarize.ErrEmptyWindow) {
			slog.Debug("Nothing to summarize", "channel", conv.ChannelID)
			continue
		}
		if err != nil {
			slog.Error("Summary generation failed, skipping conversation",
				"channel", conv.ChannelID,
				"error", err)
			continue
		}

		ref, err := r.poster.Post(ctx, conv, summary)
		if errors.Is(err, digest.ErrNotConfigured) {
			continue
		}
		if err != nil {
			slog.Error("Digest posting failed, summary kept",
				"channel", conv.ChannelID,
				"summary_id", summary.ID,
				"error", err)
			continue
		}

		if err := r.store.MarkSummaryPosted(ctx, summary.ID, ref); err != nil {
			slog.Error("Failed to record posted digest",
				"summary_id", summary.ID,
				"error", err)
		}
	}
}

func (r *Runner) purge(ctx context.Context, age time.Duration) error {
	purged, err := r.store.PurgeMessagesOlderThan(ctx, age)
	if err != nil {
		return err
	}
	if purged > 0 {
		metrics.MessagesPurged.Add(float64(purged))
		slog.Info("Retention sweep removed aged messages", "purged", purged)
	}
	return nil
}

// RunIngestion is the manual ingestion entry point. sinceOverride,
// when non-zero, raises every conversation's fetch lower bound.
func (r *Runner) RunIngestion(ctx context.Context, sinceOverride time.Time) error {
	if !r.mu.TryLock() {
		return ErrRunInProgress
	}
	defer r.mu.Unlock()

	_, err := r.ingestor.Run(ctx, sinceOverride)
	return err
}

// RunSummarization generates and posts a summary for one conversation
// over an explicit window.
func (r *Runner) RunSummarization(ctx context.Context, channelID string, start, end time.Time) error {
	if !r.mu.TryLock() {
		return ErrRunInProgress
	}
	defer r.mu.Unlock()

	conversations, err := r.store.ListConversations(ctx)
	if err != nil {
		return err
	}
	for _, conv := range conversations {
		if conv.ChannelID != channelID {
			continue
		}

		summary, err := r.generator.Generate(ctx, conv, start, end)
		if err != nil {
			return err
		}

		ref, err := r.poster.Post(ctx, conv, summary)
		if errors.Is(err, digest.ErrNotConfigured) {
			return nil
		}
		if err != nil {
			return err
		}
		return r.store.MarkSummaryPosted(ctx, summary.ID, ref)
	}
	return fmt.Errorf("unknown conversation %s", channelID)
}

// PurgeOlderThan is the manual retention entry point.
func (r *Runner) PurgeOlderThan(ctx context.Context, days int) error {
	if days <= 0 {
		return fmt.Errorf("retention age must be positive, got %d days", days)
	}
	return r.purge(ctx, time.Duration(days)*24*time.Hour)
}

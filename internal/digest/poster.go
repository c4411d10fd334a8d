// Package digest renders persisted summaries into Block Kit messages
// and publishes them to the destination channel.
package digest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/slack-go/slack"

	"github.com/monisB2B/slacksummarizer2/internal/metrics"
	"github.com/monisB2B/slacksummarizer2/internal/slackapi"
	"github.com/monisB2B/slacksummarizer2/internal/store"
)

// ErrNotConfigured signals that no destination channel is set; the
// posting step is a documented no-op in that case, not a failure.
var ErrNotConfigured = errors.New("no digest channel configured")

const (
	// Slack section blocks cap text at 3000 characters.
	maxRecapLength     = 2900
	maxLineLength      = 150
	maxRankedMentions  = 5
	maxRenderedTasks   = 10
	maxRenderedHilites = 5
)

type Poster struct {
	api     slackapi.API
	channel string
}

func New(api slackapi.API, channel string) *Poster {
	return &Poster{api: api, channel: channel}
}

// Post renders and publishes a summary, returning the destination
// message timestamp. Posting is fire-and-forget relative to summary
// persistence: a failure here never touches the stored summary.
func (p *Poster) Post(ctx context.Context, conv store.Conversation, summary *store.Summary) (string, error) {
	if p.channel == "" {
		return "", ErrNotConfigured
	}

	tasks := p.resolvePermalinks(ctx, conv.ChannelID, summary.Tasks)
	blocks := renderBlocks(conv, summary, tasks)

	ref, err := p.api.PostMessage(ctx, p.channel,
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionText(fmt.Sprintf("Digest for #%s", conv.Name), false),
	)
	if err != nil {
		metrics.DigestsPosted.WithLabelValues("error").Inc()
		return "", fmt.Errorf("failed to post digest: %w", err)
	}

	metrics.DigestsPosted.WithLabelValues("ok").Inc()
	return ref, nil
}

// resolvePermalinks fills in missing permalinks for the tasks that
// will appear in the digest, so action items link back to their source
// message. Lookup failures leave the task unlinked.
func (p *Poster) resolvePermalinks(ctx context.Context, channelID string, tasks []store.Task) []store.Task {
	resolved := make([]store.Task, len(tasks))
	copy(resolved, tasks)

	for i := range resolved {
		if i == maxRenderedTasks {
			break
		}
		if resolved[i].Permalink != "" || resolved[i].SourceTS == "" {
			continue
		}
		link, err := p.api.GetPermalink(ctx, channelID, resolved[i].SourceTS)
		if err != nil {
			continue
		}
		resolved[i].Permalink = link
	}
	return resolved
}

func renderBlocks(conv store.Conversation, summary *store.Summary, tasks []store.Task) []slack.Block {
	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(
			slack.PlainTextType, fmt.Sprintf("Digest: #%s", conv.Name), false, false)),
		slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType, periodLine(summary), false, false)),
		slack.NewSectionBlock(slack.NewTextBlockObject(
			slack.MarkdownType, truncate(summary.Recap, maxRecapLength), false, false), nil, nil),
	}

	if lines := highlightLines(summary.Highlights); lines != "" {
		blocks = append(blocks,
			slack.NewDividerBlock(),
			slack.NewSectionBlock(slack.NewTextBlockObject(
				slack.MarkdownType, "*Highlights*\n"+lines, false, false), nil, nil))
	}

	if lines := taskLines(tasks); lines != "" {
		blocks = append(blocks,
			slack.NewDividerBlock(),
			slack.NewSectionBlock(slack.NewTextBlockObject(
				slack.MarkdownType, "*Action items*\n"+lines, false, false), nil, nil))
	}

	if lines := mentionLines(summary.Mentions); lines != "" {
		blocks = append(blocks,
			slack.NewDividerBlock(),
			slack.NewSectionBlock(slack.NewTextBlockObject(
				slack.MarkdownType, "*Most mentioned*\n"+lines, false, false), nil, nil))
	}

	return blocks
}

func periodLine(summary *store.Summary) string {
	const layout = "Jan 2 15:04"
	return fmt.Sprintf("%s — %s", summary.WindowStart.Format(layout), summary.WindowEnd.Format(layout))
}

func highlightLines(highlights []store.Highlight) string {
	var lines []string
	for i, h := range highlights {
		if i == maxRenderedHilites {
			break
		}
		line := fmt.Sprintf("• <@%s>: %s", h.UserID, truncate(h.Text, maxLineLength))
		if h.UserID == "" {
			line = "• " + truncate(h.Text, maxLineLength)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func taskLines(tasks []store.Task) string {
	var lines []string
	for i, task := range tasks {
		if i == maxRenderedTasks {
			break
		}

		var notes []string
		if task.Owner != "" {
			notes = append(notes, fmt.Sprintf("owner: <@%s>", task.Owner))
		}
		if task.DueDate != nil {
			notes = append(notes, "due "+task.DueDate.Format("Jan 2"))
		}

		title := truncate(task.Title, maxLineLength)
		if task.Permalink != "" {
			title = fmt.Sprintf("<%s|%s>", task.Permalink, title)
		}
		line := "• " + title
		if len(notes) > 0 {
			line += fmt.Sprintf(" _(%s)_", strings.Join(notes, ", "))
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// mentionLines ranks mentioned users by count descending. The sort is
// stable, so equal counts keep their discovery order.
func mentionLines(mentions []store.MentionCount) string {
	ranked := make([]store.MentionCount, len(mentions))
	copy(ranked, mentions)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Count > ranked[j].Count
	})

	var lines []string
	for i, m := range ranked {
		if i == maxRankedMentions {
			break
		}
		lines = append(lines, fmt.Sprintf("%d. <@%s> — %d", i+1, m.UserID, m.Count))
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}

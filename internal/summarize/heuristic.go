package summarize

import (
	"context"
	"fmt"
	"strings"

	"github.com/monisB2B/slacksummarizer2/internal/extract"
	"github.com/monisB2B/slacksummarizer2/internal/store"
)

const snippetLength = 80

// heuristic builds a summary from fixed rules: a templated statistics
// recap, rule-selected highlights, the union of per-message task
// candidates, and aggregated mention counts with context snippets.
func (g *Generator) heuristic(ctx context.Context, messages []store.Message) *Result {
	return &Result{
		Recap:      heuristicRecap(messages),
		Highlights: heuristicHighlights(messages),
		Tasks:      g.heuristicTasks(ctx, messages),
		Mentions:   g.aggregateMentions(ctx, messages),
	}
}

func heuristicRecap(messages []store.Message) string {
	participants := make(map[string]bool)
	threads := make(map[string]bool)
	for _, msg := range messages {
		if msg.UserID != "" {
			participants[msg.UserID] = true
		}
		if msg.ThreadTimestamp != "" {
			threads[msg.ThreadTimestamp] = true
		}
	}

	first := messages[0].EventAt
	last := messages[len(messages)-1].EventAt

	return fmt.Sprintf("%d messages from %d participants across %d threads between %s and %s.",
		len(messages),
		len(participants),
		len(threads),
		first.Format("Jan 2 15:04"),
		last.Format("Jan 2 15:04"))
}

// heuristicHighlights selects messages that drew reactions, started a
// thread, or asked a question, in chronological order, capped.
func heuristicHighlights(messages []store.Message) []store.Highlight {
	var highlights []store.Highlight
	for _, msg := range messages {
		reason := ""
		switch {
		case len(msg.Reactions) > 0:
			reason = "reactions"
		case msg.IsThreadRoot():
			reason = "thread start"
		case strings.Contains(msg.Text, "?"):
			reason = "question"
		default:
			continue
		}

		highlights = append(highlights, store.Highlight{
			Text:      truncate(msg.Text, snippetLength),
			UserID:    msg.UserID,
			Timestamp: msg.Timestamp,
			Reason:    reason,
		})
		if len(highlights) == maxHighlights {
			break
		}
	}
	return highlights
}

// heuristicTasks unions the task extractor over every message in the
// window. Owners that resolve to bots are cleared.
func (g *Generator) heuristicTasks(ctx context.Context, messages []store.Message) []store.Task {
	var tasks []store.Task
	for _, msg := range messages {
		candidates := extract.Tasks(extract.Candidate{
			Text:      msg.Text,
			Timestamp: msg.Timestamp,
			UserID:    msg.UserID,
		}, g.now())

		for _, task := range candidates {
			if task.Owner != "" && g.isBot(ctx, task.Owner) {
				task.Owner = ""
			}
			tasks = append(tasks, task)
		}
	}
	return tasks
}

// aggregateMentions counts mention references across the window in
// discovery order, keeping a truncated snippet of the first mentioning
// message. Bot users are excluded from the ranking.
func (g *Generator) aggregateMentions(ctx context.Context, messages []store.Message) []store.MentionCount {
	index := make(map[string]int)
	var counts []store.MentionCount

	for _, msg := range messages {
		for _, id := range extract.Mentions(msg.Text) {
			if pos, ok := index[id]; ok {
				counts[pos].Count++
				continue
			}
			if g.isBot(ctx, id) {
				continue
			}
			index[id] = len(counts)
			counts = append(counts, store.MentionCount{
				UserID:  id,
				Count:   1,
				Snippet: truncate(msg.Text, snippetLength),
			})
		}
	}
	return counts
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

package extract

import (
	"regexp"
	"strings"
	"time"

	"github.com/monisB2B/slacksummarizer2/internal/store"
)

// HeuristicConfidence is the fixed score for pattern-extracted tasks,
// deliberately below what the model path assigns.
const HeuristicConfidence = 0.5

// minTitleLength rejects noise like "todo:" with nothing after it.
const minTitleLength = 4

// Candidate is the message context the task extractor operates on.
type Candidate struct {
	Text      string
	Timestamp string
	Permalink string
	UserID    string
}

type taskRule struct {
	name    string
	pattern *regexp.Regexp
}

// Each rule fires independently; a message matching several rules
// yields several candidates, one per rule. Group 1 is the title.
var taskRules = []taskRule{
	{"todo_marker", regexp.MustCompile(`(?i)\btodo\s*:\s*(.+)`)},
	{"please_verb", regexp.MustCompile(`(?i)\bplease\s+([a-z]+\s+.+)`)},
	{"checklist", regexp.MustCompile(`(?m)^\s*[-*]\s*\[[ x]?\]\s*(.+)$`)},
	{"bullet", regexp.MustCompile(`(?m)^\s*[-*•]\s+(?:\[[ x]?\]\s*)?(.+)$`)},
	{"numbered", regexp.MustCompile(`(?m)^\s*\d+[.)]\s+(.+)$`)},
}

var weekdays = map[string]time.Weekday{
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
	"sunday":    time.Sunday,
}

var (
	isoDatePattern = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	weekdayPattern = regexp.MustCompile(`(?i)\b(?:by|on|before|until)?\s*(monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
	relDayPattern  = regexp.MustCompile(`(?i)\b(today|tomorrow|tonight)\b`)
	nextWeekRef    = regexp.MustCompile(`(?i)\bnext week\b`)
	endOfWeekRef   = regexp.MustCompile(`(?i)\b(?:end of (?:the )?week|eow)\b`)
)

// Tasks applies the heuristic rule chain to one message and returns a
// candidate per matching rule. An owner is inferred only when the
// message mentions exactly one user; any other count leaves it unset.
// The first due-date phrase anywhere in the text wins for every
// candidate. Candidates are not deduplicated across rules.
func Tasks(msg Candidate, now time.Time) []store.Task {
	mentions := Mentions(msg.Text)
	owner := ""
	if len(mentions) == 1 {
		owner = mentions[0]
	}

	due := DueDate(msg.Text, now)

	var tasks []store.Task
	for _, rule := range taskRules {
		match := rule.pattern.FindStringSubmatch(msg.Text)
		if match == nil {
			continue
		}

		title := cleanTitle(match[1])
		if len(title) < minTitleLength {
			continue
		}

		tasks = append(tasks, store.Task{
			Title:      title,
			Owner:      owner,
			DueDate:    due,
			Confidence: HeuristicConfidence,
			SourceTS:   msg.Timestamp,
			Permalink:  msg.Permalink,
			Origin:     store.TaskOriginHeuristic,
		})
	}
	return tasks
}

// DueDate parses the first natural-language date expression found in
// text, resolved against now. Returns nil when nothing matches.
func DueDate(text string, now time.Time) *time.Time {
	type hit struct {
		pos     int
		resolve func() time.Time
	}
	var hits []hit

	if loc := isoDatePattern.FindStringIndex(text); loc != nil {
		raw := text[loc[0]:loc[1]]
		if parsed, err := time.ParseInLocation("2006-01-02", raw, now.Location()); err == nil {
			hits = append(hits, hit{loc[0], func() time.Time { return parsed }})
		}
	}

	if loc := relDayPattern.FindStringIndex(text); loc != nil {
		word := strings.ToLower(text[loc[0]:loc[1]])
		hits = append(hits, hit{loc[0], func() time.Time {
			day := startOfDay(now)
			if word == "tomorrow" {
				day = day.AddDate(0, 0, 1)
			}
			return day
		}})
	}

	if match := weekdayPattern.FindStringSubmatchIndex(text); match != nil {
		word := strings.ToLower(text[match[2]:match[3]])
		hits = append(hits, hit{match[0], func() time.Time {
			return nextWeekday(now, weekdays[word])
		}})
	}

	if loc := nextWeekRef.FindStringIndex(text); loc != nil {
		hits = append(hits, hit{loc[0], func() time.Time {
			return nextWeekday(now, time.Monday)
		}})
	}

	if loc := endOfWeekRef.FindStringIndex(text); loc != nil {
		hits = append(hits, hit{loc[0], func() time.Time {
			return nextWeekday(now, time.Friday)
		}})
	}

	if len(hits) == 0 {
		return nil
	}

	// First match in the text wins.
	best := hits[0]
	for _, h := range hits[1:] {
		if h.pos < best.pos {
			best = h
		}
	}
	resolved := best.resolve()
	return &resolved
}

func cleanTitle(title string) string {
	title = strings.TrimSpace(title)
	title = strings.Trim(title, "*_~`")
	// Collapse a trailing mention-only tail like "... <@U1>".
	return strings.TrimSpace(title)
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// nextWeekday returns the next occurrence of target strictly after
// now's weekday, wrapping a full week when they coincide.
func nextWeekday(now time.Time, target time.Weekday) time.Time {
	days := int(target-now.Weekday()+7) % 7
	if days == 0 {
		days = 7
	}
	return startOfDay(now).AddDate(0, 0, days)
}

// Package extract holds the pure text extractors: mention references
// and heuristic task candidates. Nothing here touches the network or
// the store.
package extract

import "regexp"

// Slack encodes user mentions inline as <@U12345>.
var mentionPattern = regexp.MustCompile(`<@([A-Z0-9]+)>`)

// Mentions returns the deduplicated user IDs referenced in text, in
// first-appearance order. Text without mentions yields nil.
func Mentions(text string) []string {
	matches := mentionPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(matches))
	var ids []string
	for _, match := range matches {
		id := match[1]
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

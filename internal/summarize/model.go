package summarize

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/monisB2B/slacksummarizer2/internal/store"
)

// ModelConfidence is assigned to model-extracted tasks, above the
// heuristic extractor's fixed score.
const ModelConfidence = 0.9

const systemPrompt = `You summarize Slack conversations for a daily team digest.
Given a transcript, respond with a single JSON object, no prose, with keys:
"recap" (2-4 sentence summary), "highlights" (array of {"text","user_id","ts"}
for the most notable messages), "tasks" (array of {"title","owner","due_date"}
where owner is a Slack user ID or empty and due_date is YYYY-MM-DD or empty),
"mentions" (object mapping mentioned user IDs to counts).`

// OpenAIModel implements ModelClient against the chat completions API.
type OpenAIModel struct {
	client *openai.Client
	model  string
}

func NewOpenAIModel(apiKey string) *OpenAIModel {
	return &OpenAIModel{
		client: openai.NewClient(apiKey),
		model:  openai.GPT4TurboPreview,
	}
}

type modelPayload struct {
	Recap      string `json:"recap"`
	Highlights []struct {
		Text   string `json:"text"`
		UserID string `json:"user_id"`
		TS     string `json:"ts"`
	} `json:"highlights"`
	Tasks []struct {
		Title   string `json:"title"`
		Owner   string `json:"owner"`
		DueDate string `json:"due_date"`
	} `json:"tasks"`
	Mentions map[string]int `json:"mentions"`
}

func (m *OpenAIModel) Summarize(ctx context.Context, conversationName string, messages []store.Message) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	transcript := BuildTranscript(conversationName, messages)

	resp, err := m.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       m.model,
		Temperature: 0.2,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: transcript},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	return parseModelResponse(resp.Choices[0].Message.Content)
}

// parseModelResponse decodes the model's JSON, tolerating markdown
// code fences around it.
func parseModelResponse(content string) (*Result, error) {
	var payload modelPayload
	if err := json.Unmarshal([]byte(cleanJSON(content)), &payload); err != nil {
		return nil, fmt.Errorf("malformed model response: %w", err)
	}
	if payload.Recap == "" {
		return nil, fmt.Errorf("model response missing recap")
	}

	result := &Result{Recap: payload.Recap}

	for _, h := range payload.Highlights {
		result.Highlights = append(result.Highlights, store.Highlight{
			Text:      h.Text,
			UserID:    h.UserID,
			Timestamp: h.TS,
		})
	}

	for _, task := range payload.Tasks {
		title := strings.TrimSpace(task.Title)
		if title == "" {
			continue
		}
		var due *time.Time
		if task.DueDate != "" {
			if parsed, err := time.Parse("2006-01-02", task.DueDate); err == nil {
				due = &parsed
			}
		}
		result.Tasks = append(result.Tasks, store.Task{
			Title:      title,
			Owner:      task.Owner,
			DueDate:    due,
			Confidence: ModelConfidence,
			Origin:     store.TaskOriginModel,
		})
	}

	// JSON objects carry no order, so rank by count with a stable
	// ID tie-break.
	for id, count := range payload.Mentions {
		result.Mentions = append(result.Mentions, store.MentionCount{UserID: id, Count: count})
	}
	sort.Slice(result.Mentions, func(i, j int) bool {
		if result.Mentions[i].Count != result.Mentions[j].Count {
			return result.Mentions[i].Count > result.Mentions[j].Count
		}
		return result.Mentions[i].UserID < result.Mentions[j].UserID
	})

	return result, nil
}

// cleanJSON strips the markdown fences models wrap JSON in.
func cleanJSON(input string) string {
	input = strings.TrimSpace(input)
	input = strings.TrimPrefix(input, "```json")
	input = strings.TrimPrefix(input, "```")
	input = strings.TrimSuffix(input, "```")
	return strings.TrimSpace(input)
}

// BuildTranscript renders messages chronologically for the model,
// flagging thread starts and annotating reactions.
func BuildTranscript(conversationName string, messages []store.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Conversation: #%s\n\n", conversationName)

	for _, msg := range messages {
		author := msg.UserID
		if author == "" {
			author = "unknown"
		}

		fmt.Fprintf(&b, "[%s] %s", msg.EventAt.Format("2006-01-02 15:04"), author)
		if msg.IsThreadRoot() {
			b.WriteString(" (thread start)")
		} else if msg.IsThreadReply() {
			b.WriteString(" (in thread)")
		}
		fmt.Fprintf(&b, ": %s\n", msg.Text)

		if len(msg.Reactions) > 0 {
			names := make([]string, 0, len(msg.Reactions))
			for name := range msg.Reactions {
				names = append(names, name)
			}
			sort.Strings(names)
			var parts []string
			for _, name := range names {
				parts = append(parts, fmt.Sprintf(":%s: x%d", name, msg.Reactions[name]))
			}
			fmt.Fprintf(&b, "    [reactions: %s]\n", strings.Join(parts, " "))
		}
	}
	return b.String()
}

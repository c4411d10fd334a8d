package summarize

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/monisB2B/slacksummarizer2/internal/store"
)

// fakeStore implements the store methods the generator touches.
type fakeStore struct {
	store.Store
	messages  []store.Message
	summaries []store.Summary
	findErr   error
}

func (f *fakeStore) FindMessagesInWindow(ctx context.Context, channelID string, start, end time.Time) ([]store.Message, error) {
	return f.messages, f.findErr
}

func (f *fakeStore) CreateSummary(ctx context.Context, s *store.Summary) error {
	f.summaries = append(f.summaries, *s)
	return nil
}

type fakeModel struct {
	result *Result
	err    error
	calls  int
}

func (f *fakeModel) Summarize(ctx context.Context, conversationName string, messages []store.Message) (*Result, error) {
	f.calls++
	return f.result, f.err
}

type fakeResolver struct {
	bots map[string]bool
}

func (f *fakeResolver) ResolveUser(ctx context.Context, userID string) (*store.UserRecord, error) {
	return &store.UserRecord{UserID: userID, IsBot: f.bots[userID]}, nil
}

var window = struct{ start, end time.Time }{
	start: time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC),
	end:   time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC),
}

func windowMessages() []store.Message {
	at := func(h int) time.Time { return time.Date(2024, 3, 6, h, 0, 0, 0, time.UTC) }
	return []store.Message{
		{
			ChannelID:       "C1",
			Timestamp:       "1709708400.000100",
			UserID:          "U1",
			Text:            "morning, planning doc is ready",
			ThreadTimestamp: "1709708400.000100",
			Reactions:       map[string]int{"thumbsup": 2},
			EventAt:         at(7),
		},
		{
			ChannelID: "C1",
			Timestamp: "1709712000.000200",
			UserID:    "U2",
			Text:      "<@U1> please review the rollout checklist",
			Mentions:  []string{"U1"},
			EventAt:   at(8),
		},
		{
			ChannelID: "C1",
			Timestamp: "1709715600.000300",
			UserID:    "U3",
			Text:      "does anyone have the staging credentials?",
			EventAt:   at(9),
		},
	}
}

func conv() store.Conversation {
	return store.Conversation{ChannelID: "C1", Name: "general", Kind: store.KindChannel}
}

func TestGenerateEmptyWindow(t *testing.T) {
	st := &fakeStore{}
	g := New(st, nil, nil)

	_, err := g.Generate(context.Background(), conv(), window.start, window.end)
	if !errors.Is(err, ErrEmptyWindow) {
		t.Fatalf("Generate() error = %v, want ErrEmptyWindow", err)
	}
	if len(st.summaries) != 0 {
		t.Errorf("summaries persisted = %d, want 0 for empty window", len(st.summaries))
	}
}

func TestGenerateModelPath(t *testing.T) {
	st := &fakeStore{messages: windowMessages()}
	model := &fakeModel{result: &Result{
		Recap:    "The team prepared the rollout.",
		Tasks:    []store.Task{{Title: "review the rollout checklist", Owner: "U1", Confidence: ModelConfidence, Origin: store.TaskOriginModel}},
		Mentions: []store.MentionCount{{UserID: "U1", Count: 1}},
	}}
	g := New(st, model, nil)

	summary, err := g.Generate(context.Background(), conv(), window.start, window.end)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if summary.Origin != store.TaskOriginModel {
		t.Errorf("Origin = %q, want model", summary.Origin)
	}
	if summary.Recap != "The team prepared the rollout." {
		t.Errorf("Recap = %q", summary.Recap)
	}
	if len(st.summaries) != 1 {
		t.Fatalf("summaries persisted = %d, want 1", len(st.summaries))
	}
}

func TestGenerateFallsBackOnModelError(t *testing.T) {
	st := &fakeStore{messages: windowMessages()}
	model := &fakeModel{err: errors.New("quota exceeded")}
	g := New(st, model, nil)

	summary, err := g.Generate(context.Background(), conv(), window.start, window.end)
	if err != nil {
		t.Fatalf("Generate() error = %v, want transparent fallback", err)
	}
	if model.calls != 1 {
		t.Errorf("model.calls = %d, want 1", model.calls)
	}
	if summary.Origin != store.TaskOriginHeuristic {
		t.Errorf("Origin = %q, want heuristic", summary.Origin)
	}

	// The fallback populates the same shape the model path would.
	if summary.Recap == "" {
		t.Error("fallback Recap is empty")
	}
	if len(summary.Highlights) == 0 {
		t.Error("fallback Highlights are empty")
	}
	if len(summary.Tasks) == 0 {
		t.Error("fallback Tasks are empty")
	}
	if len(summary.Mentions) == 0 {
		t.Error("fallback Mentions are empty")
	}
}

func TestGenerateHeuristicWhenUnconfigured(t *testing.T) {
	st := &fakeStore{messages: windowMessages()}
	g := New(st, nil, nil)

	summary, err := g.Generate(context.Background(), conv(), window.start, window.end)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if summary.Origin != store.TaskOriginHeuristic {
		t.Errorf("Origin = %q, want heuristic", summary.Origin)
	}
	if !strings.Contains(summary.Recap, "3 messages from 3 participants") {
		t.Errorf("Recap = %q, want templated statistics sentence", summary.Recap)
	}
}

func TestHeuristicHighlightSelection(t *testing.T) {
	g := New(&fakeStore{}, nil, nil)

	result := g.heuristic(context.Background(), windowMessages())

	// The reacted thread root and the question qualify; the plain
	// request does not.
	if len(result.Highlights) != 2 {
		t.Fatalf("highlights = %d, want 2", len(result.Highlights))
	}
	reasons := map[string]bool{}
	for _, h := range result.Highlights {
		reasons[h.Reason] = true
	}
	for _, want := range []string{"reactions", "question"} {
		if !reasons[want] {
			t.Errorf("missing highlight reason %q in %v", want, reasons)
		}
	}
}

func TestHeuristicHighlightCap(t *testing.T) {
	var messages []store.Message
	for i := 0; i < 10; i++ {
		messages = append(messages, store.Message{
			UserID:  "U1",
			Text:    "is this the right approach?",
			EventAt: time.Date(2024, 3, 6, 9, i, 0, 0, time.UTC),
		})
	}

	g := New(&fakeStore{}, nil, nil)
	result := g.heuristic(context.Background(), messages)

	if len(result.Highlights) != maxHighlights {
		t.Errorf("highlights = %d, want capped at %d", len(result.Highlights), maxHighlights)
	}
}

func TestHeuristicExcludesBots(t *testing.T) {
	messages := []store.Message{
		{
			UserID:  "U2",
			Text:    "<@UBOT> please rerun the nightly build",
			EventAt: time.Date(2024, 3, 6, 9, 0, 0, 0, time.UTC),
		},
	}

	g := New(&fakeStore{}, nil, &fakeResolver{bots: map[string]bool{"UBOT": true}})
	result := g.heuristic(context.Background(), messages)

	if len(result.Mentions) != 0 {
		t.Errorf("bot mention ranked: %v", result.Mentions)
	}
	for _, task := range result.Tasks {
		if task.Owner != "" {
			t.Errorf("task owner = %q, want unset for a bot", task.Owner)
		}
	}
}

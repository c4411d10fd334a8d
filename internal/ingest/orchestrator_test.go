package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/slack-go/slack"

	"github.com/monisB2B/slacksummarizer2/internal/directory"
	"github.com/monisB2B/slacksummarizer2/internal/store"
)

// fakeSlack implements slackapi.API over in-memory fixtures.
type fakeSlack struct {
	channels   []slack.Channel
	history    map[string][]slack.Message // channelID -> messages
	replies    map[string][]slack.Message // threadTS -> full reply set including root
	brokenInfo map[string]bool            // channelID -> conversations.info fails

	historyCalls int
}

func (f *fakeSlack) ListConversations(ctx context.Context, cursor string) ([]slack.Channel, string, error) {
	return f.channels, "", nil
}

func (f *fakeSlack) GetConversationInfo(ctx context.Context, channelID string) (*slack.Channel, error) {
	if f.brokenInfo[channelID] {
		return nil, errors.New("channel_not_found")
	}
	for i := range f.channels {
		if f.channels[i].ID == channelID {
			return &f.channels[i], nil
		}
	}
	return nil, errors.New("channel_not_found")
}

func (f *fakeSlack) ListHistory(ctx context.Context, channelID, oldest, cursor string) ([]slack.Message, string, error) {
	f.historyCalls++
	var out []slack.Message
	for _, msg := range f.history[channelID] {
		if oldest == "" || tsLess(oldest, msg.Timestamp) {
			out = append(out, msg)
		}
	}
	return out, "", nil
}

func (f *fakeSlack) ListThreadReplies(ctx context.Context, channelID, threadTS, cursor string) ([]slack.Message, string, error) {
	return f.replies[threadTS], "", nil
}

func (f *fakeSlack) GetUserInfo(ctx context.Context, userID string) (*slack.User, error) {
	return &slack.User{ID: userID, Name: "user-" + userID}, nil
}

func (f *fakeSlack) ListUsers(ctx context.Context) ([]slack.User, error) { return nil, nil }

func (f *fakeSlack) PostMessage(ctx context.Context, channelID string, options ...slack.MsgOption) (string, error) {
	return "", nil
}

func (f *fakeSlack) GetPermalink(ctx context.Context, channelID, ts string) (string, error) {
	return fmt.Sprintf("https://example.slack.com/archives/%s/p%s", channelID, ts), nil
}

// memStore implements store.Store in memory.
type memStore struct {
	mu            sync.Mutex
	conversations map[string]*store.Conversation
	messages      map[string]*store.Message // channelID + "/" + ts
	users         map[string]*store.UserRecord
	summaries     []*store.Summary

	upsertCalls int
	failTS      string // UpsertMessage fails for this timestamp
}

func newMemStore() *memStore {
	return &memStore{
		conversations: make(map[string]*store.Conversation),
		messages:      make(map[string]*store.Message),
		users:         make(map[string]*store.UserRecord),
	}
}

func (m *memStore) UpsertConversation(ctx context.Context, c *store.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.conversations[c.ChannelID]; ok {
		existing.Name = c.Name
		existing.Kind = c.Kind
		return nil
	}
	copied := *c
	m.conversations[c.ChannelID] = &copied
	return nil
}

func (m *memStore) ListConversations(ctx context.Context) ([]store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Conversation
	for _, c := range m.conversations {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out, nil
}

func (m *memStore) Watermark(ctx context.Context, channelID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conversations[channelID]; ok {
		return c.Watermark, nil
	}
	return "", nil
}

func (m *memStore) AdvanceWatermark(ctx context.Context, channelID, ts string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[channelID]
	if !ok {
		return errors.New("unknown conversation")
	}
	if c.Watermark == "" || tsLess(c.Watermark, ts) {
		c.Watermark = ts
	}
	return nil
}

func (m *memStore) UpsertMessage(ctx context.Context, msg *store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertCalls++
	if m.failTS != "" && msg.Timestamp == m.failTS {
		return errors.New("store unavailable")
	}
	copied := *msg
	m.messages[msg.ChannelID+"/"+msg.Timestamp] = &copied
	return nil
}

func (m *memStore) FindMessagesInWindow(ctx context.Context, channelID string, start, end time.Time) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Message
	for _, msg := range m.messages {
		if msg.ChannelID == channelID && !msg.EventAt.Before(start) && !msg.EventAt.After(end) {
			out = append(out, *msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return tsLess(out[i].Timestamp, out[j].Timestamp) })
	return out, nil
}

func (m *memStore) UpsertUser(ctx context.Context, u *store.UserRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *u
	m.users[u.UserID] = &copied
	return nil
}

func (m *memStore) GetUser(ctx context.Context, userID string) (*store.UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		copied := *u
		return &copied, nil
	}
	return nil, nil
}

func (m *memStore) CreateSummary(ctx context.Context, s *store.Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *s
	m.summaries = append(m.summaries, &copied)
	return nil
}

func (m *memStore) LatestSummary(ctx context.Context, channelID string, start, end time.Time) (*store.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.summaries) - 1; i >= 0; i-- {
		s := m.summaries[i]
		if s.ChannelID == channelID && s.WindowStart.Equal(start) && s.WindowEnd.Equal(end) {
			copied := *s
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memStore) MarkSummaryPosted(ctx context.Context, summaryID, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.summaries {
		if s.ID == summaryID && s.PostedAt == nil {
			now := time.Now()
			s.PostedAt = &now
			s.PostedRef = ref
		}
	}
	return nil
}

func (m *memStore) PurgeMessagesOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-age)
	var purged int64
	for key, msg := range m.messages {
		if msg.EventAt.Before(cutoff) {
			delete(m.messages, key)
			purged++
		}
	}
	return purged, nil
}

func (m *memStore) Close() error { return nil }

func testChannel(id, name string) slack.Channel {
	ch := slack.Channel{}
	ch.ID = id
	ch.Name = name
	ch.IsChannel = true
	return ch
}

func msg(ts, user, text, threadTS string) slack.Message {
	m := slack.Message{}
	m.Timestamp = ts
	m.User = user
	m.Text = text
	m.ThreadTimestamp = threadTS
	return m
}

func newTestOrchestrator(api *fakeSlack, st *memStore) *Orchestrator {
	o := New(api, st, directory.New(api, st, time.Hour), 0)
	o.sleep = func(time.Duration) {}
	return o
}

func TestRunBackfillsThreadAndAdvancesWatermark(t *testing.T) {
	const (
		rootTS  = "1709740000.000100"
		replyTS = "1709740050.000200"
		plainTS = "1709740100.000300"
	)

	api := &fakeSlack{
		channels: []slack.Channel{testChannel("C1", "general")},
		history: map[string][]slack.Message{
			"C1": {
				msg(rootTS, "U1", "kickoff <@U2>", rootTS),
				msg(plainTS, "U2", "sounds good", ""),
			},
		},
		replies: map[string][]slack.Message{
			rootTS: {
				msg(rootTS, "U1", "kickoff <@U2>", rootTS),
				msg(replyTS, "U2", "on it", rootTS),
			},
		},
	}
	st := newMemStore()

	stats, err := newTestOrchestrator(api, st).Run(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if stats.Messages != 3 {
		t.Errorf("stats.Messages = %d, want 3 (root, reply, plain)", stats.Messages)
	}
	if stats.ThreadsFilled != 1 {
		t.Errorf("stats.ThreadsFilled = %d, want 1", stats.ThreadsFilled)
	}

	reply := st.messages["C1/"+replyTS]
	if reply == nil {
		t.Fatal("thread reply was not persisted")
	}
	if reply.ThreadTimestamp != rootTS {
		t.Errorf("reply.ThreadTimestamp = %q, want %q", reply.ThreadTimestamp, rootTS)
	}

	wm, _ := st.Watermark(context.Background(), "C1")
	if wm != plainTS {
		t.Errorf("watermark = %q, want %q (latest message)", wm, plainTS)
	}

	root := st.messages["C1/"+rootTS]
	if root == nil || len(root.Mentions) != 1 || root.Mentions[0] != "U2" {
		t.Errorf("root mentions = %v, want [U2]", root.Mentions)
	}
	if u, _ := st.GetUser(context.Background(), "U2"); u == nil {
		t.Error("mentioned user U2 was not resolved into the store")
	}
}

func TestRunIsIdempotentAcrossRuns(t *testing.T) {
	const ts = "1709740000.000100"

	api := &fakeSlack{
		channels: []slack.Channel{testChannel("C1", "general")},
		history: map[string][]slack.Message{
			"C1": {msg(ts, "U1", "hello", "")},
		},
	}
	st := newMemStore()
	o := newTestOrchestrator(api, st)

	if _, err := o.Run(context.Background(), time.Time{}); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	firstUpserts := st.upsertCalls

	// Second run starts from the advanced watermark: the already
	// committed range is not re-fetched or re-written.
	if _, err := o.Run(context.Background(), time.Time{}); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}

	if st.upsertCalls != firstUpserts {
		t.Errorf("second run re-persisted a committed range: upserts %d -> %d", firstUpserts, st.upsertCalls)
	}
	if len(st.messages) != 1 {
		t.Errorf("stored messages = %d, want 1", len(st.messages))
	}

	wm, _ := st.Watermark(context.Background(), "C1")
	if wm != ts {
		t.Errorf("watermark = %q, want unchanged %q", wm, ts)
	}
}

func TestReingestWithChangedReactionsUpdatesInPlace(t *testing.T) {
	const ts = "1709740000.000100"

	api := &fakeSlack{}
	st := newMemStore()
	o := newTestOrchestrator(api, st)

	first := msg(ts, "U1", "shipping today", "")
	first.Reactions = []slack.ItemReaction{{Name: "eyes", Count: 1}}
	if persisted, _ := o.persistMessages(context.Background(), "C1", []slack.Message{first}); persisted != 1 {
		t.Fatalf("first persist count = %d, want 1", persisted)
	}

	// Same (conversation, timestamp) observed again with updated
	// reactions: one row, latest field values, no duplicate.
	second := msg(ts, "U1", "shipping today", "")
	second.Reactions = []slack.ItemReaction{
		{Name: "eyes", Count: 3},
		{Name: "tada", Count: 1},
	}
	if persisted, _ := o.persistMessages(context.Background(), "C1", []slack.Message{second}); persisted != 1 {
		t.Fatalf("second persist count = %d, want 1", persisted)
	}

	if len(st.messages) != 1 {
		t.Fatalf("stored messages = %d, want 1", len(st.messages))
	}
	got := st.messages["C1/"+ts]
	if got.Reactions["eyes"] != 3 || got.Reactions["tada"] != 1 {
		t.Errorf("reactions = %v, want map[eyes:3 tada:1]", got.Reactions)
	}
}

func TestRunWatermarkHaltsAtFirstPersistFailure(t *testing.T) {
	const (
		okTS   = "1709740000.000100"
		badTS  = "1709740050.000200"
		lastTS = "1709740100.000300"
	)

	api := &fakeSlack{
		channels: []slack.Channel{testChannel("C1", "general")},
		history: map[string][]slack.Message{
			"C1": {
				msg(okTS, "U1", "first", ""),
				msg(badTS, "U1", "second", ""),
				msg(lastTS, "U1", "third", ""),
			},
		},
	}
	st := newMemStore()
	st.failTS = badTS

	if _, err := newTestOrchestrator(api, st).Run(context.Background(), time.Time{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	wm, _ := st.Watermark(context.Background(), "C1")
	if wm != okTS {
		t.Errorf("watermark = %q, want %q (must not pass the failed message)", wm, okTS)
	}
	// Later messages were still attempted.
	if st.messages["C1/"+lastTS] == nil {
		t.Error("message after the failure should still be persisted")
	}
}

func TestRunSkipsInaccessibleConversation(t *testing.T) {
	api := &fakeSlack{
		channels: []slack.Channel{
			testChannel("C1", "locked"),
			testChannel("C2", "open"),
		},
		history: map[string][]slack.Message{
			"C2": {msg("1709740000.000100", "U1", "hello", "")},
		},
		brokenInfo: map[string]bool{"C1": true},
	}
	st := newMemStore()

	stats, err := newTestOrchestrator(api, st).Run(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if stats.Skipped != 1 {
		t.Errorf("stats.Skipped = %d, want 1", stats.Skipped)
	}
	if stats.Messages != 1 {
		t.Errorf("stats.Messages = %d, want 1 from the accessible conversation", stats.Messages)
	}
}

func TestRunSinceOverrideRaisesLowerBound(t *testing.T) {
	const (
		oldTS = "1709650000.000100"
		newTS = "1709740000.000200"
	)

	api := &fakeSlack{
		channels: []slack.Channel{testChannel("C1", "general")},
		history: map[string][]slack.Message{
			"C1": {
				msg(oldTS, "U1", "stale", ""),
				msg(newTS, "U1", "fresh", ""),
			},
		},
	}
	st := newMemStore()

	override := tsTime(oldTS).Add(time.Hour)
	if _, err := newTestOrchestrator(api, st).Run(context.Background(), override); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if st.messages["C1/"+oldTS] != nil {
		t.Error("message below the override bound should not be ingested")
	}
	if st.messages["C1/"+newTS] == nil {
		t.Error("message above the override bound should be ingested")
	}
}

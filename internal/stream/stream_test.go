package stream

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/TobiSchelling/newswatcher/internal/database"
	"github.com/TobiSchelling/newswatcher/internal/ingest"
	"github.com/TobiSchelling/newswatcher/internal/logging"
)

type fakeLister struct {
	sources []database.Source
	err     error
	calls   int
}

func (f *fakeLister) ActiveSourcesForActiveTasks(_ context.Context, kind database.SourceKind) ([]database.Source, error) {
	f.calls++
	if kind != database.KindTelegram {
		return nil, errors.New("wrong kind")
	}
	return f.sources, f.err
}

type fakeStore struct {
	mu    sync.Mutex
	items []database.Item
	err   error
}

func (f *fakeStore) StoreItem(_ context.Context, item database.Item) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	f.items = append(f.items, item)
	return true, nil
}

// fakeSession replays messages, then returns end (or blocks until ctx
// ends when end is nil).
type fakeSession struct {
	msgs   []Message
	end    error
	closed bool
}

func (s *fakeSession) Next(ctx context.Context) (Message, error) {
	if len(s.msgs) > 0 {
		m := s.msgs[0]
		s.msgs = s.msgs[1:]
		return m, nil
	}
	if s.end != nil {
		return Message{}, s.end
	}
	<-ctx.Done()
	return Message{}, ctx.Err()
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type fakeClient struct {
	sessions []*fakeSession
	err      error
	connects int
}

func (c *fakeClient) Connect(context.Context) (Session, error) {
	c.connects++
	if c.err != nil {
		return nil, c.err
	}
	if len(c.sessions) == 0 {
		return &fakeSession{}, nil
	}
	s := c.sessions[0]
	c.sessions = c.sessions[1:]
	return s, nil
}

var channel = database.Source{ID: 7, Name: "Go News", Kind: database.KindTelegram, Locator: "@GoNews"}

func newTestProducer(client Client, lister SourceLister, store ItemStore) *Producer {
	p := NewProducer(client, lister, store, time.Second, logging.Discard())
	p.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return p
}

func TestStepNoSourcesBacksOff(t *testing.T) {
	client := &fakeClient{}
	p := newTestProducer(client, &fakeLister{}, &fakeStore{})

	if got := p.step(t.Context()); got != StateBackoff {
		t.Errorf("step = %v, want backoff", got)
	}
	if client.connects != 0 {
		t.Error("must not connect without sources")
	}
}

func TestStepListerErrorBacksOff(t *testing.T) {
	p := newTestProducer(&fakeClient{}, &fakeLister{err: errors.New("db down")}, &fakeStore{})
	if got := p.step(t.Context()); got != StateBackoff {
		t.Errorf("step = %v, want backoff", got)
	}
}

func TestStepConnectErrorBacksOff(t *testing.T) {
	p := newTestProducer(&fakeClient{err: errors.New("unauthorized")},
		&fakeLister{sources: []database.Source{channel}}, &fakeStore{})
	if got := p.step(t.Context()); got != StateBackoff {
		t.Errorf("step = %v, want backoff", got)
	}
}

func TestStepBackoffReconnects(t *testing.T) {
	var slept []time.Duration
	p := newTestProducer(&fakeClient{}, &fakeLister{}, &fakeStore{})
	p.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	p.state = StateBackoff

	if got := p.step(t.Context()); got != StateConnecting {
		t.Errorf("step = %v, want connecting", got)
	}
	if len(slept) != 1 || slept[0] != time.Second {
		t.Errorf("expected one backoff sleep, got %v", slept)
	}
}

func TestStepCancelledStops(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	for _, st := range []State{StateConnecting, StateListening, StateBackoff} {
		session := &fakeSession{}
		p := newTestProducer(&fakeClient{}, &fakeLister{}, &fakeStore{})
		p.state = st
		p.session = session
		if got := p.step(ctx); got != StateStopped {
			t.Errorf("from %v: step = %v, want stopped", st, got)
		}
		if !session.closed {
			t.Errorf("from %v: expected session closed", st)
		}
	}
}

func TestListeningSessionErrorBacksOff(t *testing.T) {
	session := &fakeSession{end: errors.New("connection reset")}
	client := &fakeClient{sessions: []*fakeSession{session}}
	p := newTestProducer(client, &fakeLister{sources: []database.Source{channel}}, &fakeStore{})

	if got := p.step(t.Context()); got != StateListening {
		t.Fatalf("connect step = %v, want listening", got)
	}
	p.state = StateListening
	if got := p.step(t.Context()); got != StateBackoff {
		t.Errorf("listen step = %v, want backoff", got)
	}
	if !session.closed || p.session != nil {
		t.Error("expected session to be closed and released")
	}
}

func TestRunStoresMatchingMessages(t *testing.T) {
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	session := &fakeSession{
		msgs: []Message{
			{ChatID: -100, ChatHandle: "gonews", MessageID: 1, Text: "Go 1.26 is out", Date: now},
			{ChatID: -200, ChatHandle: "other", MessageID: 2, Text: "not subscribed", Date: now},
			{ChatID: -100, ChatHandle: "gonews", MessageID: 3, Text: "   ", HasMedia: true, Date: now},
			{ChatID: -100, ChatHandle: "GoNews", MessageID: 4, Text: "second post", Date: now},
		},
		end: errors.New("disconnected"),
	}
	client := &fakeClient{sessions: []*fakeSession{session}}
	lister := &fakeLister{sources: []database.Source{channel}}
	store := &fakeStore{}
	p := newTestProducer(client, lister, store)

	ctx, cancel := context.WithCancel(t.Context())
	var states []State
	p.sleep = func(ctx context.Context, _ time.Duration) error {
		states = append(states, p.state)
		cancel()
		return ctx.Err()
	}

	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p.state != StateStopped {
		t.Errorf("final state = %v, want stopped", p.state)
	}
	if len(states) != 1 || states[0] != StateBackoff {
		t.Errorf("expected a single backoff after disconnect, got %v", states)
	}
	if len(store.items) != 2 {
		t.Fatalf("expected 2 stored items, got %d", len(store.items))
	}
	first := store.items[0]
	if first.SourceID != channel.ID || first.Title != "Go 1.26 is out" || *first.ExternalID != "1" {
		t.Errorf("unexpected item: %+v", first)
	}
	if first.URL == nil || *first.URL != "https://t.me/gonews/1" {
		t.Errorf("unexpected url: %v", first.URL)
	}
	if !first.PublishedAt.Equal(now) {
		t.Errorf("published_at = %v, want %v", first.PublishedAt, now)
	}
}

func TestRunReResolvesSourcesOnReconnect(t *testing.T) {
	lister := &fakeLister{sources: []database.Source{channel}}
	client := &fakeClient{sessions: []*fakeSession{
		{end: errors.New("timeout")},
		{end: errors.New("timeout")},
	}}
	p := newTestProducer(client, lister, &fakeStore{})

	ctx, cancel := context.WithCancel(t.Context())
	sleeps := 0
	p.sleep = func(ctx context.Context, _ time.Duration) error {
		sleeps++
		if sleeps == 2 {
			cancel()
		}
		return ctx.Err()
	}
	p.Run(ctx)

	if client.connects != 2 || lister.calls != 2 {
		t.Errorf("expected 2 connects and 2 resolutions, got %d and %d", client.connects, lister.calls)
	}
}

func TestHandleMatchesNumericChatID(t *testing.T) {
	store := &fakeStore{}
	p := newTestProducer(&fakeClient{}, &fakeLister{}, store)
	p.index = indexSources([]database.Source{{ID: 9, Locator: "-1001234"}})

	p.handle(t.Context(), Message{ChatID: -1001234, MessageID: 5, Text: "private channel post"})
	if len(store.items) != 1 || store.items[0].SourceID != 9 {
		t.Fatalf("expected item for numeric channel, got %+v", store.items)
	}
	if store.items[0].URL != nil {
		t.Error("expected no url without a public handle")
	}
}

func TestHandleStorageErrorDropsMessage(t *testing.T) {
	store := &fakeStore{err: errors.New("disk full")}
	p := newTestProducer(&fakeClient{}, &fakeLister{}, store)
	p.index = indexSources([]database.Source{channel})

	// Must not panic or retry.
	p.handle(t.Context(), Message{ChatHandle: "gonews", MessageID: 1, Text: "x"})
	if len(store.items) != 0 {
		t.Errorf("expected nothing stored, got %d", len(store.items))
	}
}

func TestToItemTruncatesTitle(t *testing.T) {
	text := strings.Repeat("ж", 150)
	item, ok := toItem(channel, Message{MessageID: 1, Text: text})
	if !ok {
		t.Fatal("expected item")
	}
	if want := strings.Repeat("ж", 100) + "..."; item.Title != want {
		t.Errorf("title has %d runes, want 100 plus ellipsis", len([]rune(item.Title)))
	}
	if item.Body != text {
		t.Error("body must hold the full text")
	}

	short, _ := toItem(channel, Message{MessageID: 2, Text: strings.Repeat("a", 100)})
	if strings.HasSuffix(short.Title, "...") {
		t.Error("exactly 100 runes must not be truncated")
	}
	if short.RawPayload["message_id"] != int64(2) {
		t.Errorf("unexpected raw payload: %v", short.RawPayload)
	}
}

func TestNormalizeHandle(t *testing.T) {
	cases := map[string]string{
		"@GoNews":              "gonews",
		"t.me/GoNews":          "gonews",
		"https://t.me/GoNews/": "gonews",
		" gonews ":             "gonews",
		"-1001234":             "-1001234",
	}
	for in, want := range cases {
		if got := normalizeHandle(in); got != want {
			t.Errorf("normalizeHandle(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStreamDedupThroughCoordinator(t *testing.T) {
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"), logging.Discard())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	ctx := t.Context()
	uid, _ := db.CreateUser(ctx, "u@example.com")
	sid, _ := db.CreateSource(ctx, uid, "Go News", database.KindTelegram, "@gonews")
	tid, _ := db.CreateTask(ctx, uid, "Go", "go releases")
	db.LinkSource(ctx, tid, sid)

	msg := Message{ChatID: -100, ChatHandle: "gonews", MessageID: 1, Text: "hello", Date: time.Now()}
	session := &fakeSession{msgs: []Message{msg, msg}, end: errors.New("bye")}
	coord := ingest.NewCoordinator(db, nil, logging.Discard())
	p := newTestProducer(&fakeClient{sessions: []*fakeSession{session}}, db, coord)
	p.sleep = func(context.Context, time.Duration) error { return context.Canceled }
	p.Run(ctx)

	items, _ := db.ItemsForSource(ctx, sid)
	if len(items) != 1 {
		t.Errorf("expected redelivered message stored once, got %d", len(items))
	}
}

package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TobiSchelling/newswatcher/internal/database"
	"github.com/TobiSchelling/newswatcher/internal/logging"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"), logging.Discard())
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func ptr(s string) *string { return &s }

// fakeProducer returns canned items or errors keyed by source locator.
type fakeProducer struct {
	mu     sync.Mutex
	items  map[string][]database.Item
	errs   map[string]error
	delay  time.Duration
	active atomic.Int32
	peak   atomic.Int32
}

func (p *fakeProducer) Fetch(_ context.Context, src database.Source) ([]database.Item, error) {
	n := p.active.Add(1)
	defer p.active.Add(-1)
	for {
		old := p.peak.Load()
		if n <= old || p.peak.CompareAndSwap(old, n) {
			break
		}
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.errs[src.Locator]; err != nil {
		return nil, err
	}
	// Hand out copies so repeated fetches see pristine items.
	return append([]database.Item(nil), p.items[src.Locator]...), nil
}

// failingCommitStore runs the writes and then fails the commit.
type failingCommitStore struct {
	*database.DB
}

var errCommit = errors.New("commit failed")

func (s failingCommitStore) InTx(ctx context.Context, fn func(database.Writer) error) error {
	return s.DB.InTx(ctx, func(w database.Writer) error {
		if err := fn(w); err != nil {
			return err
		}
		return errCommit
	})
}

type fixture struct {
	db     *database.DB
	userID int64
	taskID int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := openTestDB(t)
	ctx := t.Context()
	uid, err := db.CreateUser(ctx, "reader@example.com")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	tid, err := db.CreateTask(ctx, uid, "Tech", "tech news")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return &fixture{db: db, userID: uid, taskID: tid}
}

func (f *fixture) source(t *testing.T, locator string) database.Source {
	t.Helper()
	ctx := t.Context()
	id, err := f.db.CreateSource(ctx, f.userID, locator, database.KindRSS, locator)
	if err != nil {
		t.Fatalf("CreateSource: %v", err)
	}
	if err := f.db.LinkSource(ctx, f.taskID, id); err != nil {
		t.Fatalf("LinkSource: %v", err)
	}
	src, _ := f.db.GetSource(ctx, id)
	return *src
}

func item(title string, url, ext *string) database.Item {
	return database.Item{Title: title, Body: title + " body", URL: url, ExternalID: ext, PublishedAt: time.Now()}
}

func TestProcessSourceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	src := f.source(t, "https://x/feed")
	p := &fakeProducer{items: map[string][]database.Item{
		src.Locator: {
			item("a", ptr("https://x/a"), ptr("a")),
			item("b", ptr("https://x/b"), ptr("b")),
		},
	}}
	c := NewCoordinator(f.db, p, logging.Discard())

	if n := c.ProcessSource(t.Context(), src); n != 2 {
		t.Fatalf("first run stored %d, want 2", n)
	}
	if n := c.ProcessSource(t.Context(), src); n != 0 {
		t.Errorf("second run stored %d, want 0", n)
	}

	items, _ := f.db.ItemsForSource(t.Context(), src.ID)
	if len(items) != 2 {
		t.Errorf("expected 2 stored items, got %d", len(items))
	}
	got, _ := f.db.GetSource(t.Context(), src.ID)
	if got.LastFetchedAt == nil {
		t.Error("expected last_fetched_at to be set")
	}
}

func TestProcessSourceDedupWithinBatch(t *testing.T) {
	f := newFixture(t)
	src := f.source(t, "https://x/feed")
	p := &fakeProducer{items: map[string][]database.Item{
		src.Locator: {
			item("a", ptr("https://x/a"), ptr("g1")),
			item("a again", ptr("https://x/a"), ptr("g2")),
			item("same guid", ptr("https://x/c"), ptr("g1")),
			item("c", ptr("https://x/d"), nil),
		},
	}}
	c := NewCoordinator(f.db, p, logging.Discard())

	if n := c.ProcessSource(t.Context(), src); n != 2 {
		t.Errorf("stored %d, want 2", n)
	}
}

func TestProcessSourceExternalIDDedup(t *testing.T) {
	f := newFixture(t)
	src := f.source(t, "https://x/feed")
	p := &fakeProducer{items: map[string][]database.Item{
		src.Locator: {item("a", nil, ptr("msg-1"))},
	}}
	c := NewCoordinator(f.db, p, logging.Discard())
	c.ProcessSource(t.Context(), src)

	// The url changed but the external ID is the same.
	p.items[src.Locator] = []database.Item{item("a", ptr("https://x/new"), ptr("msg-1"))}
	if n := c.ProcessSource(t.Context(), src); n != 0 {
		t.Errorf("stored %d, want 0 for known external id", n)
	}
}

func TestProcessSourceItemsWithoutKeysAlwaysInserted(t *testing.T) {
	f := newFixture(t)
	src := f.source(t, "https://x/feed")
	p := &fakeProducer{items: map[string][]database.Item{
		src.Locator: {item("no keys", nil, nil)},
	}}
	c := NewCoordinator(f.db, p, logging.Discard())

	c.ProcessSource(t.Context(), src)
	c.ProcessSource(t.Context(), src)

	items, _ := f.db.ItemsForSource(t.Context(), src.ID)
	if len(items) != 2 {
		t.Errorf("expected keyless item stored twice, got %d", len(items))
	}
}

func TestProcessSourceDedupIsPerSource(t *testing.T) {
	f := newFixture(t)
	a := f.source(t, "https://a/feed")
	b := f.source(t, "https://b/feed")
	shared := item("shared", ptr("https://news/1"), ptr("1"))
	p := &fakeProducer{items: map[string][]database.Item{
		a.Locator: {shared},
		b.Locator: {shared},
	}}
	c := NewCoordinator(f.db, p, logging.Discard())

	if n := c.ProcessSource(t.Context(), a) + c.ProcessSource(t.Context(), b); n != 2 {
		t.Errorf("stored %d, want 2 across sources", n)
	}
}

func TestProcessSourceFetchErrorReturnsZero(t *testing.T) {
	f := newFixture(t)
	src := f.source(t, "https://x/feed")
	p := &fakeProducer{errs: map[string]error{src.Locator: errors.New("timeout")}}
	c := NewCoordinator(f.db, p, logging.Discard())

	if n := c.ProcessSource(t.Context(), src); n != 0 {
		t.Errorf("stored %d, want 0", n)
	}
	got, _ := f.db.GetSource(t.Context(), src.ID)
	if got.LastFetchedAt != nil {
		t.Error("last_fetched_at must not change when the fetch fails")
	}
}

func TestProcessSourceCommitFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	src := f.source(t, "https://x/feed")
	p := &fakeProducer{items: map[string][]database.Item{
		src.Locator: {item("a", ptr("https://x/a"), nil), item("b", ptr("https://x/b"), nil)},
	}}
	c := NewCoordinator(failingCommitStore{f.db}, p, logging.Discard())

	if n := c.ProcessSource(t.Context(), src); n != 0 {
		t.Errorf("stored %d, want 0", n)
	}
	items, _ := f.db.ItemsForSource(t.Context(), src.ID)
	if len(items) != 0 {
		t.Errorf("expected rollback, got %d items", len(items))
	}
	got, _ := f.db.GetSource(t.Context(), src.ID)
	if got.LastFetchedAt != nil {
		t.Error("expected last_fetched_at rolled back")
	}
}

func TestRunBatchIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	good := f.source(t, "https://good/feed")
	bad := f.source(t, "https://bad/feed")
	other := f.source(t, "https://other/feed")
	p := &fakeProducer{
		items: map[string][]database.Item{
			good.Locator:  {item("g", ptr("https://good/1"), nil)},
			other.Locator: {item("o1", ptr("https://other/1"), nil), item("o2", ptr("https://other/2"), nil)},
		},
		errs: map[string]error{bad.Locator: errors.New("503")},
	}
	c := NewCoordinator(f.db, p, logging.Discard())

	res := c.RunBatch(t.Context(), database.KindRSS, 4)
	if res.Sources != 3 || res.NewItems != 3 || res.Failed != 1 {
		t.Errorf("unexpected batch result: %+v", res)
	}
}

func TestRunBatchRespectsConcurrency(t *testing.T) {
	f := newFixture(t)
	p := &fakeProducer{items: map[string][]database.Item{}, delay: 20 * time.Millisecond}
	for i := range 6 {
		src := f.source(t, "https://feed/"+string(rune('a'+i)))
		p.items[src.Locator] = []database.Item{item("x", ptr(src.Locator+"/1"), nil)}
	}
	c := NewCoordinator(f.db, p, logging.Discard())

	res := c.RunBatch(t.Context(), database.KindRSS, 2)
	if res.NewItems != 6 {
		t.Errorf("stored %d, want 6", res.NewItems)
	}
	if peak := p.peak.Load(); peak > 2 || peak < 1 {
		t.Errorf("peak concurrency %d, want between 1 and 2", peak)
	}
}

func TestRunBatchSkipsUnlinkedSources(t *testing.T) {
	f := newFixture(t)
	linked := f.source(t, "https://linked/feed")
	if _, err := f.db.CreateSource(t.Context(), f.userID, "lonely", database.KindRSS, "https://lonely/feed"); err != nil {
		t.Fatal(err)
	}
	p := &fakeProducer{items: map[string][]database.Item{
		linked.Locator:        {item("l", ptr("https://linked/1"), nil)},
		"https://lonely/feed": {item("x", ptr("https://lonely/1"), nil)},
	}}
	c := NewCoordinator(f.db, p, logging.Discard())

	res := c.RunBatch(t.Context(), database.KindRSS, 2)
	if res.Sources != 1 || res.NewItems != 1 {
		t.Errorf("unexpected batch result: %+v", res)
	}
}

func TestStoreItem(t *testing.T) {
	f := newFixture(t)
	src := f.source(t, "@chan")
	c := NewCoordinator(f.db, nil, logging.Discard())

	it := item("msg", ptr("https://t.me/chan/1"), ptr("1"))
	it.SourceID = src.ID

	stored, err := c.StoreItem(t.Context(), it)
	if err != nil || !stored {
		t.Fatalf("first StoreItem = %v, %v", stored, err)
	}
	stored, err = c.StoreItem(t.Context(), it)
	if err != nil || stored {
		t.Errorf("second StoreItem = %v, %v; want false, nil", stored, err)
	}
}

func TestStoreItemCommitFailure(t *testing.T) {
	f := newFixture(t)
	src := f.source(t, "@chan")
	c := NewCoordinator(failingCommitStore{f.db}, nil, logging.Discard())

	it := item("msg", nil, ptr("1"))
	it.SourceID = src.ID
	if _, err := c.StoreItem(t.Context(), it); !errors.Is(err, errCommit) {
		t.Errorf("expected commit error, got %v", err)
	}
	items, _ := f.db.ItemsForSource(t.Context(), src.ID)
	if len(items) != 0 {
		t.Errorf("expected nothing stored, got %d", len(items))
	}
}

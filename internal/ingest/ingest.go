// Package ingest stores items produced by feeds and channels, skipping
// ones a source has already delivered.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/TobiSchelling/newswatcher/internal/database"
)

// Producer fetches the current items of a source. Returned items need not
// have SourceID set.
type Producer interface {
	Fetch(ctx context.Context, src database.Source) ([]database.Item, error)
}

// Store is the part of the database the coordinator writes through.
type Store interface {
	ActiveSourcesForActiveTasks(ctx context.Context, kind database.SourceKind) ([]database.Source, error)
	InTx(ctx context.Context, fn func(database.Writer) error) error
}

// BatchResult summarizes one RunBatch.
type BatchResult struct {
	Sources  int
	NewItems int
	Failed   int
}

// Coordinator deduplicates and persists producer output.
type Coordinator struct {
	store    Store
	producer Producer
	logger   *slog.Logger
	now      func() time.Time
}

// NewCoordinator creates a coordinator. producer may be nil when only
// StoreItem is used.
func NewCoordinator(store Store, producer Producer, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:    store,
		producer: producer,
		logger:   logger.With("component", "ingest"),
		now:      time.Now,
	}
}

// ProcessSource fetches one source and stores its new items together with
// the source's fetch time. It returns the number of items stored; any
// failure is logged and reported as 0.
func (c *Coordinator) ProcessSource(ctx context.Context, src database.Source) int {
	n, _ := c.processSource(ctx, src)
	return n
}

func (c *Coordinator) processSource(ctx context.Context, src database.Source) (int, error) {
	log := c.logger.With("source_id", src.ID, "source", src.Name)
	log.Debug("processing source")

	items, err := c.producer.Fetch(ctx, src)
	if err != nil {
		log.Error("fetch failed", "error", err)
		return 0, err
	}
	log.Debug("fetched items", "count", len(items))

	var stored int
	err = c.store.InTx(ctx, func(w database.Writer) error {
		stored = 0
		fresh, err := newItems(ctx, w, src.ID, items)
		if err != nil {
			return err
		}
		for i := range fresh {
			if _, err := w.InsertItem(ctx, &fresh[i]); err != nil {
				return err
			}
			stored++
		}
		return w.TouchSource(ctx, src.ID, c.now())
	})
	if err != nil {
		log.Error("storing items failed", "error", err)
		return 0, err
	}

	log.Info("stored new items", "new", stored, "fetched", len(items))
	return stored, nil
}

// newItems drops candidates whose url or external ID is already stored
// for the source or appeared earlier in the same batch. Candidates with
// neither key are always kept.
func newItems(ctx context.Context, w database.Writer, sourceID int64, items []database.Item) ([]database.Item, error) {
	var urls, ids []string
	for _, it := range items {
		if it.URL != nil {
			urls = append(urls, *it.URL)
		}
		if it.ExternalID != nil {
			ids = append(ids, *it.ExternalID)
		}
	}
	if len(urls) == 0 && len(ids) == 0 {
		return withSource(items, sourceID), nil
	}

	known, err := w.ExistingKeys(ctx, sourceID, urls, ids)
	if err != nil {
		return nil, fmt.Errorf("checking existing items: %w", err)
	}

	var fresh []database.Item
	for _, it := range items {
		if it.URL != nil && known.URLs[*it.URL] {
			continue
		}
		if it.ExternalID != nil && known.ExternalIDs[*it.ExternalID] {
			continue
		}
		if it.URL != nil {
			known.URLs[*it.URL] = true
		}
		if it.ExternalID != nil {
			known.ExternalIDs[*it.ExternalID] = true
		}
		fresh = append(fresh, it)
	}
	return withSource(fresh, sourceID), nil
}

func withSource(items []database.Item, sourceID int64) []database.Item {
	for i := range items {
		items[i].SourceID = sourceID
	}
	return items
}

// RunBatch processes every active source of kind that feeds an active
// task, with at most concurrency sources in flight. A failing source does
// not affect the others.
func (c *Coordinator) RunBatch(ctx context.Context, kind database.SourceKind, concurrency int) BatchResult {
	sources, err := c.store.ActiveSourcesForActiveTasks(ctx, kind)
	if err != nil {
		c.logger.Error("loading sources failed", "kind", kind, "error", err)
		return BatchResult{}
	}
	if len(sources) == 0 {
		c.logger.Debug("no active sources", "kind", kind)
		return BatchResult{}
	}
	if concurrency < 1 {
		concurrency = 1
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		res = BatchResult{Sources: len(sources)}
		sem = make(chan struct{}, concurrency)
	)
	for _, src := range sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				mu.Lock()
				res.Failed++
				mu.Unlock()
				return
			}
			defer func() { <-sem }()

			n, err := c.processSource(ctx, src)
			mu.Lock()
			res.NewItems += n
			if err != nil {
				res.Failed++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	c.logger.Info("batch complete", "kind", kind, "sources", res.Sources, "new_items", res.NewItems, "failed", res.Failed)
	return res
}

// StoreItem persists a single item unless its source already holds it.
// It reports whether the item was stored.
func (c *Coordinator) StoreItem(ctx context.Context, item database.Item) (bool, error) {
	var stored bool
	err := c.store.InTx(ctx, func(w database.Writer) error {
		stored = false
		exists, err := w.ItemExists(ctx, item.SourceID, item.URL, item.ExternalID)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		if _, err := w.InsertItem(ctx, &item); err != nil {
			return err
		}
		stored = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("storing item: %w", err)
	}
	return stored, nil
}

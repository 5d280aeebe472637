// Package search maintains a full-text index of ingested items.
package search

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/TobiSchelling/newswatcher/internal/database"
)

// watermarkKey holds the highest item ID already indexed.
var watermarkKey = []byte("last_item_id")

// Index wraps a Bleve search index.
type Index struct {
	index bleve.Index
}

// Document is the indexed form of an item.
type Document struct {
	Title       string
	Body        string
	URL         string
	SourceID    string
	PublishedAt time.Time
}

// Hit is one search result.
type Hit struct {
	ItemID      int64
	Title       string
	URL         string
	PublishedAt time.Time
	Score       float64
	Fragments   map[string][]string
}

// ItemSource lists items in ID order.
type ItemSource interface {
	ItemsAfter(ctx context.Context, afterID int64, limit int) ([]database.Item, error)
}

// Open opens or creates a Bleve index.
func Open(path string) (*Index, error) {
	idx, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		idx, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("create index: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	return &Index{index: idx}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	text := bleve.NewTextFieldMapping()
	text.Analyzer = en.AnalyzerName

	exact := bleve.NewTextFieldMapping()
	exact.Analyzer = keyword.Name

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("Title", text)
	doc.AddFieldMappingsAt("Body", text)
	doc.AddFieldMappingsAt("URL", exact)
	doc.AddFieldMappingsAt("SourceID", exact)
	doc.AddFieldMappingsAt("PublishedAt", bleve.NewDateTimeFieldMapping())

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	return m
}

// Close closes the index.
func (i *Index) Close() error {
	return i.index.Close()
}

// Count returns the number of indexed items.
func (i *Index) Count() (uint64, error) {
	return i.index.DocCount()
}

// Watermark returns the highest item ID indexed so far.
func (i *Index) Watermark() (int64, error) {
	raw, err := i.index.GetInternal(watermarkKey)
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}
	if len(raw) == 0 {
		return 0, nil
	}
	return strconv.ParseInt(string(raw), 10, 64)
}

// IndexNew indexes the items stored since the last run, batchSize at a
// time, and returns how many were added. The watermark advances with
// each committed batch.
func (i *Index) IndexNew(ctx context.Context, src ItemSource, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	last, err := i.Watermark()
	if err != nil {
		return 0, err
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		items, err := src.ItemsAfter(ctx, last, batchSize)
		if err != nil {
			return total, fmt.Errorf("list items: %w", err)
		}
		if len(items) == 0 {
			return total, nil
		}

		batch := i.index.NewBatch()
		for _, it := range items {
			if err := batch.Index(strconv.FormatInt(it.ID, 10), toDocument(it)); err != nil {
				return total, fmt.Errorf("batch index %d: %w", it.ID, err)
			}
			last = max(last, it.ID)
		}
		batch.SetInternal(watermarkKey, []byte(strconv.FormatInt(last, 10)))
		if err := i.index.Batch(batch); err != nil {
			return total, fmt.Errorf("commit batch: %w", err)
		}
		total += len(items)

		if len(items) < batchSize {
			return total, nil
		}
	}
}

func toDocument(it database.Item) Document {
	d := Document{
		Title:       it.Title,
		Body:        it.Body,
		SourceID:    strconv.FormatInt(it.SourceID, 10),
		PublishedAt: it.PublishedAt,
	}
	if it.URL != nil {
		d.URL = *it.URL
	}
	return d
}

// Search runs a query string search (quotes, +/-, field:term) and
// returns up to limit hits with highlighted fragments.
func (i *Index) Search(queryStr string, limit int) ([]Hit, error) {
	query := bleve.NewQueryStringQuery(queryStr)
	req := bleve.NewSearchRequestOptions(query, limit, 0, false)
	req.Highlight = bleve.NewHighlightWithStyle("html")
	req.Fields = []string{"Title", "URL", "PublishedAt"}

	res, err := i.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		id, err := strconv.ParseInt(h.ID, 10, 64)
		if err != nil {
			continue
		}
		hit := Hit{ItemID: id, Score: h.Score, Fragments: h.Fragments}
		if title, ok := h.Fields["Title"].(string); ok {
			hit.Title = title
		}
		if url, ok := h.Fields["URL"].(string); ok {
			hit.URL = url
		}
		if ts, ok := h.Fields["PublishedAt"].(string); ok {
			hit.PublishedAt, _ = time.Parse(time.RFC3339, ts)
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

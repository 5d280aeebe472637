package collect

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"
	"github.com/mmcdole/gofeed"

	"github.com/TobiSchelling/newswatcher/internal/database"
	"github.com/TobiSchelling/newswatcher/internal/fetch"
)

// maxFeedBytes caps the size of a downloaded feed document.
const maxFeedBytes = 10 << 20

// FeedOptions configures a FeedProducer.
type FeedOptions struct {
	Timeout time.Duration
	// MaxEntries caps the entries taken per feed; 0 takes all.
	MaxEntries int
	// Fetcher, when set, replaces short descriptions with the extracted
	// article text of the entry link.
	Fetcher *fetch.ContentFetcher
}

// FeedProducer fetches RSS and Atom feeds.
type FeedProducer struct {
	client     *http.Client
	maxEntries int
	fetcher    *fetch.ContentFetcher
	logger     *slog.Logger
	now        func() time.Time
}

// NewFeedProducer creates a feed producer.
func NewFeedProducer(opts FeedOptions, logger *slog.Logger) *FeedProducer {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &FeedProducer{
		client:     &http.Client{Timeout: timeout},
		maxEntries: opts.MaxEntries,
		fetcher:    opts.Fetcher,
		logger:     logger.With("component", "collect"),
		now:        time.Now,
	}
}

// Fetch downloads and parses the feed at src.Locator. A feed that cannot
// be downloaded or parsed yields no items and no error; only context
// cancellation is reported.
func (p *FeedProducer) Fetch(ctx context.Context, src database.Source) ([]database.Item, error) {
	log := p.logger.With("source_id", src.ID, "feed", src.Locator)

	feed, err := p.download(ctx, src.Locator)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn("failed to fetch feed", "error", err)
		return nil, nil
	}

	var session *fetch.Session
	if p.fetcher != nil {
		session = p.fetcher.NewSession()
	}

	var items []database.Item
	for _, entry := range feed.Items {
		if p.maxEntries > 0 && len(items) >= p.maxEntries {
			break
		}
		it, ok := p.parseItem(entry)
		if !ok {
			continue
		}
		if session != nil && it.URL != nil {
			if text := session.Text(ctx, *it.URL); len(text) > len(it.Body) {
				it.Body = text
			}
		}
		items = append(items, it)
	}

	log.Debug("parsed feed", "entries", len(feed.Items), "items", len(items))
	return items, nil
}

func (p *FeedProducer) download(ctx context.Context, feedURL string) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "newswatcher/1.0 (news aggregator)")
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.8")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("reading feed: %w", err)
	}

	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err == nil {
		return feed, nil
	}
	trimmed := truncateAtLastEntry(body)
	if trimmed == nil {
		return nil, fmt.Errorf("parsing feed: %w", err)
	}
	feed, rerr := gofeed.NewParser().Parse(bytes.NewReader(trimmed))
	if rerr != nil {
		return nil, fmt.Errorf("parsing feed: %w", err)
	}
	p.logger.Warn("recovered entries from malformed feed",
		"feed", feedURL, "entries", len(feed.Items), "error", err)
	return feed, nil
}

// truncateAtLastEntry cuts a broken document after its last complete
// RSS item or Atom entry and closes the enclosing elements. It returns
// nil when the document holds no complete entry.
func truncateAtLastEntry(body []byte) []byte {
	if i := bytes.LastIndex(body, []byte("</item>")); i >= 0 {
		out := append([]byte{}, body[:i+len("</item>")]...)
		if bytes.Contains(out, []byte("<rdf:RDF")) {
			return append(out, "</rdf:RDF>"...)
		}
		return append(out, "</channel></rss>"...)
	}
	if i := bytes.LastIndex(body, []byte("</entry>")); i >= 0 {
		out := append([]byte{}, body[:i+len("</entry>")]...)
		return append(out, "</feed>"...)
	}
	return nil
}

// parseItem maps a feed entry to an item. Entries without a title, link
// or description are dropped.
func (p *FeedProducer) parseItem(entry *gofeed.Item) (database.Item, bool) {
	title := strings.TrimSpace(entry.Title)
	link := strings.TrimSpace(entry.Link)
	description := strings.TrimSpace(entry.Description)
	if title == "" || link == "" || description == "" {
		p.logger.Debug("skipping entry missing required fields",
			"title", title != "", "link", link != "", "description", description != "")
		return database.Item{}, false
	}

	externalID := strings.TrimSpace(entry.GUID)
	if externalID == "" {
		externalID = link
	}

	published := entry.Published
	if published == "" {
		published = entry.Updated
	}

	body := htmlToText(description)
	if body == "" {
		body = description
	}

	now := p.now()
	return database.Item{
		Title:       title,
		Body:        body,
		URL:         &link,
		ExternalID:  &externalID,
		PublishedAt: publishedAt(entry, now),
		FetchedAt:   now,
		RawPayload: map[string]any{
			"title":       title,
			"link":        link,
			"description": description,
			"published":   published,
		},
	}, true
}

// publishedAt picks the first usable date: parsed published, parsed
// updated, raw published, raw updated, then now.
func publishedAt(entry *gofeed.Item, now time.Time) time.Time {
	if entry.PublishedParsed != nil {
		return entry.PublishedParsed.UTC()
	}
	if entry.UpdatedParsed != nil {
		return entry.UpdatedParsed.UTC()
	}
	for _, raw := range []string{entry.Published, entry.Updated} {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if t, err := dateparse.ParseIn(raw, time.UTC); err == nil {
			return t.UTC()
		}
	}
	return now.UTC()
}

// htmlToText flattens an HTML fragment to whitespace-normalized text.
func htmlToText(fragment string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return ""
	}
	doc.Find("script, style").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// SourceName derives a display name from a feed URL, e.g.
// "https://blog.golang.org/feed.atom" becomes "Golang".
func SourceName(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Hostname() == "" {
		return feedURL
	}
	host := strings.ToLower(u.Hostname())

	for _, prefix := range []string{"www.", "blog.", "blogs.", "rss.", "feeds."} {
		host = strings.TrimPrefix(host, prefix)
	}

	parts := strings.Split(host, ".")
	name := host
	if len(parts) >= 2 {
		name = parts[len(parts)-2]
	}
	if name == "" {
		return feedURL
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

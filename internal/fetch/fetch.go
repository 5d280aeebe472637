package fetch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
)

// minContentLength is the shortest extraction treated as article text.
const minContentLength = 100

// ContentFetcher fetches full article text via HTTP + readability extraction.
type ContentFetcher struct {
	client *http.Client
	logger *slog.Logger
}

// NewContentFetcher creates a new content fetcher.
func NewContentFetcher(timeout time.Duration, logger *slog.Logger) *ContentFetcher {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &ContentFetcher{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		logger: logger.With("component", "fetch"),
	}
}

// Session remembers hosts that answered with an HTTP error so the rest of
// their links are skipped. Sessions are not safe for concurrent use.
type Session struct {
	f             *ContentFetcher
	failedDomains map[string]struct{}
}

// NewSession starts a fetch session, typically one per feed.
func (f *ContentFetcher) NewSession() *Session {
	return &Session{f: f, failedDomains: make(map[string]struct{})}
}

// Text returns the extracted article text of pageURL, or "" when nothing
// usable could be extracted.
func (s *Session) Text(ctx context.Context, pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil || u.Host == "" {
		return ""
	}
	domain := strings.ToLower(u.Host)
	if _, failed := s.failedDomains[domain]; failed {
		return ""
	}

	text, err := s.f.fetchArticleContent(ctx, u)
	var herr *httpError
	if errors.As(err, &herr) {
		s.failedDomains[domain] = struct{}{}
		s.f.logger.Debug("HTTP error, skipping remaining links from host", "url", pageURL, "host", domain, "status", herr.code)
		return ""
	}
	if text == "" {
		s.f.logger.Debug("no extractable content", "url", pageURL)
	}
	return text
}

func (f *ContentFetcher) fetchArticleContent(ctx context.Context, u *url.URL) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "newswatcher/1.0 (news aggregator)")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", nil // connection error, not HTTP error
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", &httpError{code: resp.StatusCode}
	}

	article, err := readability.FromReader(io.LimitReader(resp.Body, 5<<20), u)
	if err != nil {
		return "", nil
	}

	text := strings.TrimSpace(article.TextContent)
	if len(text) > minContentLength {
		return text, nil
	}
	return "", nil
}

type httpError struct {
	code int
}

func (e *httpError) Error() string {
	return http.StatusText(e.code)
}

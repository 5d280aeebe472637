package fetch

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TobiSchelling/newswatcher/internal/logging"
)

const articleHTML = `<html><head><title>Story</title></head><body>
<nav>Home | About</nav>
<article><h1>Story</h1>
<p>The quick brown fox jumps over the lazy dog. This paragraph is long enough to count as article content for extraction.</p>
<p>A second paragraph adds more text so the readability scorer picks this block as the main content of the page.</p>
<p>Paragraph 3 keeps going with ordinary sentences, commas, and enough words to push the article well past the extraction threshold.</p>
<p>Paragraph 4 keeps going with ordinary sentences, commas, and enough words to push the article well past the extraction threshold.</p>
<p>Paragraph 5 keeps going with ordinary sentences, commas, and enough words to push the article well past the extraction threshold.</p>
<p>Paragraph 6 keeps going with ordinary sentences, commas, and enough words to push the article well past the extraction threshold.</p>
<p>Paragraph 7 keeps going with ordinary sentences, commas, and enough words to push the article well past the extraction threshold.</p>
<p>Paragraph 8 keeps going with ordinary sentences, commas, and enough words to push the article well past the extraction threshold.</p>
</article></body></html>`

func TestSessionTextExtractsArticle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(articleHTML))
	}))
	defer srv.Close()

	s := NewContentFetcher(5*time.Second, logging.Discard()).NewSession()
	text := s.Text(t.Context(), srv.URL+"/story")
	if !strings.Contains(text, "quick brown fox") {
		t.Errorf("expected article text, got %q", text)
	}
}

func TestSessionSkipsFailedHost(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	s := NewContentFetcher(5*time.Second, logging.Discard()).NewSession()
	if text := s.Text(t.Context(), srv.URL+"/a"); text != "" {
		t.Errorf("expected empty text, got %q", text)
	}
	s.Text(t.Context(), srv.URL+"/b")
	if hits.Load() != 1 {
		t.Errorf("expected host to be hit once, got %d", hits.Load())
	}

	// A new session starts with a clean slate.
	NewContentFetcher(5*time.Second, logging.Discard()).NewSession().Text(t.Context(), srv.URL+"/c")
	if hits.Load() != 2 {
		t.Errorf("expected fresh session to retry host, got %d hits", hits.Load())
	}
}

func TestSessionTextInvalidURL(t *testing.T) {
	s := NewContentFetcher(0, logging.Discard()).NewSession()
	if text := s.Text(t.Context(), "not a url"); text != "" {
		t.Errorf("expected empty text, got %q", text)
	}
}

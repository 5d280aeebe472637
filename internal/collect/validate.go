package collect

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ValidateFeed checks that feedURL serves a parseable feed with at least
// one entry carrying a title, link and description. It returns the feed
// title.
func (p *FeedProducer) ValidateFeed(ctx context.Context, feedURL string) (string, error) {
	feedURL = strings.TrimSpace(feedURL)
	if feedURL == "" {
		return "", errors.New("URL cannot be empty")
	}
	if !strings.HasPrefix(feedURL, "http://") && !strings.HasPrefix(feedURL, "https://") {
		return "", errors.New("URL must start with http:// or https://")
	}

	feed, err := p.download(ctx, feedURL)
	if err != nil {
		return "", err
	}
	if len(feed.Items) == 0 {
		return "", errors.New("feed has no entries")
	}

	valid := false
	for _, entry := range feed.Items {
		if _, ok := p.parseItem(entry); ok {
			valid = true
			break
		}
	}
	if !valid {
		return "", fmt.Errorf("feed entries missing required fields (title, link, description)")
	}

	title := strings.TrimSpace(feed.Title)
	if title == "" {
		title = strings.TrimSpace(feed.Description)
	}
	return title, nil
}

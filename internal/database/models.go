package database

import "time"

// SourceKind distinguishes polled feeds from streamed channels.
type SourceKind string

const (
	KindRSS      SourceKind = "rss"
	KindTelegram SourceKind = "telegram"
)

// Valid reports whether k is a known kind.
func (k SourceKind) Valid() bool {
	return k == KindRSS || k == KindTelegram
}

// User owns sources and tasks.
type User struct {
	ID        int64
	Email     string
	Active    bool
	LLMAPIKey *string
	CreatedAt *string
}

// Source is a configured origin of items: a feed URL or a channel handle.
type Source struct {
	ID            int64
	UserID        int64
	Name          string
	Kind          SourceKind
	Locator       string
	Active        bool
	LastFetchedAt *time.Time
	CreatedAt     *string
}

// Item is one ingested unit of content. Items are never updated.
type Item struct {
	ID          int64
	SourceID    int64
	Title       string
	Body        string
	URL         *string
	ExternalID  *string
	PublishedAt time.Time
	FetchedAt   time.Time
	RawPayload  map[string]any
}

// Task is a natural-language filter applied to the items of its linked
// sources.
type Task struct {
	ID        int64
	UserID    int64
	Name      string
	Prompt    string
	Active    bool
	CreatedAt *string
	UpdatedAt *string
}

// ItemTaskResult records the classifier decision for one (item, task)
// pair. A missing row means the pair has not been judged.
type ItemTaskResult struct {
	ItemID       int64
	TaskID       int64
	Classified   bool
	Matches      *bool
	ClassifiedAt *time.Time
	Response     map[string]any
}

// Rationale returns the classifier's explanation, if recorded.
func (r ItemTaskResult) Rationale() string {
	s, _ := r.Response["rationale"].(string)
	return s
}

// Outcome is a successful classification to be persisted.
type Outcome struct {
	Matches      bool
	Rationale    string
	TokensUsed   int
	ClassifiedAt time.Time
}

// MatchedItem pairs an item with its result for a task.
type MatchedItem struct {
	Item       Item
	SourceName string
	Result     ItemTaskResult
}

// TaskSummary is a task with aggregate result counts.
type TaskSummary struct {
	Task       Task
	Sources    int
	Classified int
	Matched    int
}

// Keys holds the dedup keys already present for a source.
type Keys struct {
	URLs        map[string]bool
	ExternalIDs map[string]bool
}

// Stats contains aggregate database statistics.
type Stats struct {
	Users       int
	Sources     int
	RSSSources  int
	TGSources   int
	Items       int
	Tasks       int
	ActiveTasks int
	Classified  int
	Matched     int
}

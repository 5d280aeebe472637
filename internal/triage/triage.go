package triage

import (
	"context"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/TobiSchelling/newswatcher/internal/database"
	"github.com/TobiSchelling/newswatcher/internal/llm"
)

// maxBodyRunes bounds the item text sent to the classifier.
const maxBodyRunes = 4000

// Stats holds the results of a classification run.
type Stats struct {
	Processed int
	Errors    int
}

func (s *Stats) add(o Stats) {
	s.Processed += o.Processed
	s.Errors += o.Errors
}

// Classifier judges an item against a task prompt.
type Classifier interface {
	Classify(ctx context.Context, title, body, instruction string) (llm.Decision, error)
}

// ClassifierFactory builds a classifier bound to a credential.
type ClassifierFactory func(apiKey string) (Classifier, error)

// Store is the part of the database the consumer reads and writes.
type Store interface {
	GetUser(ctx context.Context, id int64) (*database.User, error)
	ActiveUsers(ctx context.Context) ([]database.User, error)
	ActiveTasks(ctx context.Context, userID int64) ([]database.Task, error)
	CandidateItems(ctx context.Context, taskID int64, since time.Time) ([]database.Item, error)
	InTx(ctx context.Context, fn func(database.Writer) error) error
}

// Consumer classifies recent items against each user's active tasks.
type Consumer struct {
	store       Store
	factory     ClassifierFactory
	fallbackKey string
	window      time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewConsumer creates a consumer. fallbackKey is used for users without
// their own credential; window bounds how old a candidate item may be.
func NewConsumer(store Store, factory ClassifierFactory, fallbackKey string, window time.Duration, logger *slog.Logger) *Consumer {
	return &Consumer{
		store:       store,
		factory:     factory,
		fallbackKey: fallbackKey,
		window:      window,
		logger:      logger.With("component", "triage"),
		now:         time.Now,
	}
}

// Run processes every active user concurrently and returns the totals.
func (c *Consumer) Run(ctx context.Context) Stats {
	users, err := c.store.ActiveUsers(ctx)
	if err != nil {
		c.logger.Error("loading users failed", "error", err)
		return Stats{}
	}

	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		total Stats
	)
	for _, u := range users {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := c.ProcessUserTasks(ctx, u.ID)
			mu.Lock()
			total.add(s)
			mu.Unlock()
		}()
	}
	wg.Wait()

	c.logger.Info("classification complete", "users", len(users), "processed", total.Processed, "errors", total.Errors)
	return total
}

// ProcessUserTasks classifies the pending items of each of the user's
// active tasks in turn. A user without a credential is skipped.
func (c *Consumer) ProcessUserTasks(ctx context.Context, userID int64) Stats {
	log := c.logger.With("user_id", userID)

	user, err := c.store.GetUser(ctx, userID)
	if err != nil {
		log.Error("loading user failed", "error", err)
		return Stats{}
	}
	if user == nil {
		log.Warn("user not found")
		return Stats{}
	}

	key := c.fallbackKey
	if user.LLMAPIKey != nil && *user.LLMAPIKey != "" {
		key = *user.LLMAPIKey
	}
	if key == "" {
		log.Info("no classifier credential, skipping user")
		return Stats{}
	}

	tasks, err := c.store.ActiveTasks(ctx, userID)
	if err != nil {
		log.Error("loading tasks failed", "error", err)
		return Stats{}
	}
	if len(tasks) == 0 {
		return Stats{}
	}

	classifier, err := c.factory(key)
	if err != nil {
		log.Error("building classifier failed", "error", err)
		return Stats{}
	}

	var total Stats
	for _, task := range tasks {
		total.add(c.processTask(ctx, classifier, task))
	}
	log.Info("user tasks classified", "tasks", len(tasks), "processed", total.Processed, "errors", total.Errors)
	return total
}

type verdict struct {
	item     database.Item
	decision llm.Decision
	err      error
}

// processTask classifies all candidates of a task concurrently and stores
// the successful decisions in one transaction.
func (c *Consumer) processTask(ctx context.Context, classifier Classifier, task database.Task) Stats {
	log := c.logger.With("task_id", task.ID, "task", task.Name)

	items, err := c.store.CandidateItems(ctx, task.ID, c.now().Add(-c.window))
	if err != nil {
		log.Error("loading candidates failed", "error", err)
		return Stats{}
	}
	if len(items) == 0 {
		log.Debug("no pending items")
		return Stats{}
	}

	verdicts := make([]verdict, len(items))
	var wg sync.WaitGroup
	for i, it := range items {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := classifier.Classify(ctx, it.Title, itemText(it), task.Prompt)
			verdicts[i] = verdict{item: it, decision: d, err: err}
		}()
	}
	wg.Wait()

	var failed int
	var ok []verdict
	for _, v := range verdicts {
		if v.err != nil {
			failed++
			log.Warn("classification failed", "item_id", v.item.ID, "error", v.err)
			continue
		}
		ok = append(ok, v)
	}
	if len(ok) == 0 {
		return Stats{Errors: failed}
	}

	at := c.now()
	err = c.store.InTx(ctx, func(w database.Writer) error {
		for _, v := range ok {
			out := database.Outcome{
				Matches:      v.decision.Matches,
				Rationale:    v.decision.Rationale,
				TokensUsed:   v.decision.TokensUsed,
				ClassifiedAt: at,
			}
			if err := w.UpsertResult(ctx, v.item.ID, task.ID, out); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Error("saving results failed", "error", err, "items", len(items))
		return Stats{Errors: len(items)}
	}

	log.Info("task classified", "processed", len(ok), "errors", failed)
	return Stats{Processed: len(ok), Errors: failed}
}

// Pending returns the number of candidate items per active task across
// active users, without classifying anything.
func (c *Consumer) Pending(ctx context.Context) (map[int64]int, error) {
	users, err := c.store.ActiveUsers(ctx)
	if err != nil {
		return nil, err
	}
	since := c.now().Add(-c.window)
	pending := make(map[int64]int)
	for _, u := range users {
		tasks, err := c.store.ActiveTasks(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		for _, t := range tasks {
			items, err := c.store.CandidateItems(ctx, t.ID, since)
			if err != nil {
				return nil, err
			}
			pending[t.ID] = len(items)
		}
	}
	return pending, nil
}

func itemText(it database.Item) string {
	body := it.Body
	if body == "" {
		body = it.Title
	}
	if utf8.RuneCountInString(body) > maxBodyRunes {
		body = string([]rune(body)[:maxBodyRunes]) + "..."
	}
	return body
}

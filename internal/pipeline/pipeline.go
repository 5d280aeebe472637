package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/TobiSchelling/newswatcher/internal/collect"
	"github.com/TobiSchelling/newswatcher/internal/config"
	"github.com/TobiSchelling/newswatcher/internal/database"
	"github.com/TobiSchelling/newswatcher/internal/fetch"
	"github.com/TobiSchelling/newswatcher/internal/ingest"
	"github.com/TobiSchelling/newswatcher/internal/llm"
	"github.com/TobiSchelling/newswatcher/internal/scheduler"
	"github.com/TobiSchelling/newswatcher/internal/search"
	"github.com/TobiSchelling/newswatcher/internal/stream"
	"github.com/TobiSchelling/newswatcher/internal/triage"
)

// StepResult holds the result of a single pipeline step.
type StepResult struct {
	Name    string
	Summary string
	Err     error
}

// Result holds the results of a full pipeline run.
type Result struct {
	Steps []StepResult
}

// Pipeline wires the producers, the coordinator, the classification
// consumer and the search index to one configuration and store.
type Pipeline struct {
	cfg      *config.Config
	db       *database.DB
	logger   *slog.Logger
	feeds    *collect.FeedProducer
	ingest   *ingest.Coordinator
	consumer *triage.Consumer
	index    *search.Index
}

// New creates a new pipeline.
func New(cfg *config.Config, db *database.DB, logger *slog.Logger) *Pipeline {
	opts := collect.FeedOptions{
		Timeout:    cfg.Poll.Timeout,
		MaxEntries: cfg.Poll.MaxEntries,
	}
	if cfg.Poll.FetchFullContent {
		opts.Fetcher = fetch.NewContentFetcher(cfg.Poll.Timeout, logger)
	}
	feeds := collect.NewFeedProducer(opts, logger)

	factory := llm.NewClassifierFactory(llm.Settings{
		Provider:    cfg.Classifier.Provider,
		Model:       cfg.Classifier.Model,
		OllamaURL:   cfg.Classifier.OllamaURL,
		OpenAIModel: cfg.Classifier.OpenAIModel,
		MaxTokens:   cfg.Classifier.MaxTokens,
		Timeout:     cfg.Classifier.Timeout,
	})
	classifiers := func(apiKey string) (triage.Classifier, error) {
		c, err := factory(apiKey)
		if err != nil {
			return nil, err
		}
		return c, nil
	}

	return &Pipeline{
		cfg:      cfg,
		db:       db,
		logger:   logger.With("component", "pipeline"),
		feeds:    feeds,
		ingest:   ingest.NewCoordinator(db, feeds, logger),
		consumer: triage.NewConsumer(db, classifiers, cfg.FallbackAPIKey(), cfg.Classifier.Window, logger),
	}
}

// UseIndex enables the index step. The caller owns idx.
func (p *Pipeline) UseIndex(idx *search.Index) {
	p.index = idx
}

// Feeds returns the poll producer, for feed validation.
func (p *Pipeline) Feeds() *collect.FeedProducer {
	return p.feeds
}

// Run executes collect, classify and index once.
func (p *Pipeline) Run(ctx context.Context) *Result {
	r := &Result{}

	p.logger.Info("step 1/3: polling feeds")
	r.Steps = append(r.Steps, p.Collect(ctx))
	if ctx.Err() != nil {
		return r
	}

	p.logger.Info("step 2/3: classifying items")
	r.Steps = append(r.Steps, p.Classify(ctx))
	if ctx.Err() != nil {
		return r
	}

	if p.index != nil {
		p.logger.Info("step 3/3: indexing items")
		r.Steps = append(r.Steps, p.Index(ctx))
	}
	return r
}

// DryRun shows what would be done without executing.
func (p *Pipeline) DryRun(ctx context.Context) *Result {
	r := &Result{}

	feeds, err := p.db.ActiveSourcesForActiveTasks(ctx, database.KindRSS)
	r.Steps = append(r.Steps, StepResult{
		Name:    "Collect",
		Summary: fmt.Sprintf("[dry-run] %d feeds would be polled", len(feeds)),
		Err:     err,
	})

	pending, err := p.consumer.Pending(ctx)
	total := 0
	for _, n := range pending {
		total += n
	}
	r.Steps = append(r.Steps, StepResult{
		Name:    "Classify",
		Summary: fmt.Sprintf("[dry-run] %d items pending across %d tasks", total, len(pending)),
		Err:     err,
	})

	if p.index != nil {
		wm, err := p.index.Watermark()
		r.Steps = append(r.Steps, StepResult{
			Name:    "Index",
			Summary: fmt.Sprintf("[dry-run] items after #%d would be indexed", wm),
			Err:     err,
		})
	}
	return r
}

// Collect polls every active feed once.
func (p *Pipeline) Collect(ctx context.Context) StepResult {
	res := p.ingest.RunBatch(ctx, database.KindRSS, p.cfg.Poll.Concurrency)
	return StepResult{
		Name:    "Collect",
		Summary: fmt.Sprintf("Stored %d new items from %d feeds (%d failed)", res.NewItems, res.Sources, res.Failed),
	}
}

// Classify runs the consumer for all active users.
func (p *Pipeline) Classify(ctx context.Context) StepResult {
	s := p.consumer.Run(ctx)
	return summarize(s)
}

// ClassifyUser runs the consumer for one user.
func (p *Pipeline) ClassifyUser(ctx context.Context, userID int64) StepResult {
	return summarize(p.consumer.ProcessUserTasks(ctx, userID))
}

func summarize(s triage.Stats) StepResult {
	return StepResult{
		Name:    "Classify",
		Summary: fmt.Sprintf("Classified %d items, %d errors", s.Processed, s.Errors),
	}
}

// Index adds newly stored items to the search index.
func (p *Pipeline) Index(ctx context.Context) StepResult {
	if p.index == nil {
		return StepResult{Name: "Index", Summary: "search disabled"}
	}
	n, err := p.index.IndexNew(ctx, p.db, p.cfg.Search.BatchSize)
	return StepResult{
		Name:    "Index",
		Summary: fmt.Sprintf("Indexed %d items", n),
		Err:     err,
	}
}

// Stream builds the Telegram streaming producer, or nil when streaming
// is disabled or no bot token is configured.
func (p *Pipeline) Stream() *stream.Producer {
	if !p.cfg.Telegram.Enabled {
		return nil
	}
	token := p.cfg.BotToken()
	if token == "" {
		p.logger.Warn("telegram enabled but no bot token set", "env", p.cfg.Telegram.BotTokenEnv)
		return nil
	}
	client := stream.NewBotClient(token, p.cfg.Telegram.PollTimeout, p.logger)
	return stream.NewProducer(client, p.db, p.ingest, p.cfg.Telegram.Backoff, p.logger)
}

// Register adds the recurring jobs and the streaming task to s.
func (p *Pipeline) Register(s *scheduler.Scheduler) {
	s.Every("collect", p.cfg.Poll.Interval, func(ctx context.Context) error {
		return logStep(p.logger, p.Collect(ctx))
	})
	s.Every("classify", p.cfg.Classifier.Interval, func(ctx context.Context) error {
		return logStep(p.logger, p.Classify(ctx))
	})
	if p.index != nil {
		s.Every("index", p.cfg.Search.Interval, func(ctx context.Context) error {
			return logStep(p.logger, p.Index(ctx))
		})
	}
	if sp := p.Stream(); sp != nil {
		s.Supervise("telegram", sp.Run)
	}
}

func logStep(logger *slog.Logger, r StepResult) error {
	if r.Err != nil {
		return fmt.Errorf("%s: %w", r.Name, r.Err)
	}
	logger.Info(r.Summary, "step", r.Name)
	return nil
}

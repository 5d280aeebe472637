package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/newswatcher/internal/config"
	"github.com/TobiSchelling/newswatcher/internal/database"
	"github.com/TobiSchelling/newswatcher/internal/logging"
	"github.com/TobiSchelling/newswatcher/internal/pipeline"
	"github.com/TobiSchelling/newswatcher/internal/scheduler"
	"github.com/TobiSchelling/newswatcher/internal/search"
	"github.com/TobiSchelling/newswatcher/internal/server"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
)

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "newswatcher",
	Short:   "Watch news sources and filter them with LLM tasks",
	Long:    "NewsWatcher polls RSS feeds and listens to Telegram channels, stores new items, and classifies them against natural-language tasks.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			logger = logging.New("INFO")
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		level := cfg.Logging.Level
		if verbose {
			level = "DEBUG"
		}
		logger = logging.New(level)
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(collectCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(resultsCmd)
	rootCmd.AddCommand(usersCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(tasksCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("newswatcher", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/newswatcher/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to choose the LLM provider, then add users, sources and tasks.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database and system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats(cmd.Context())
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Printf("Database: %s\n\n", db.Path())
		fmt.Println("Sources:")
		fmt.Printf("  Users: %d\n", stats.Users)
		fmt.Printf("  Sources: %d (%d feeds, %d channels)\n", stats.Sources, stats.RSSSources, stats.TGSources)
		fmt.Printf("  Items stored: %d\n", stats.Items)
		fmt.Println("\nClassification:")
		fmt.Printf("  Tasks: %d (%d active)\n", stats.Tasks, stats.ActiveTasks)
		fmt.Printf("  Classified pairs: %d\n", stats.Classified)
		fmt.Printf("  Matches: %d\n", stats.Matched)

		fmt.Println("\nClassifier:")
		fmt.Printf("  Provider: %s\n", cfg.Classifier.Provider)
		if cfg.FallbackAPIKey() != "" {
			fmt.Printf("  Fallback key: set (%s)\n", cfg.Classifier.APIKeyEnv)
		} else {
			fmt.Println("  Fallback key: not set")
		}
		return nil
	},
}

// --- pipeline commands ---

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Poll all active feeds once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(false, func(p *pipeline.Pipeline) error {
			printSteps([]pipeline.StepResult{p.Collect(cmd.Context())})
			return nil
		})
	},
}

var classifyUser int64

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Classify pending items against active tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(false, func(p *pipeline.Pipeline) error {
			var step pipeline.StepResult
			if classifyUser > 0 {
				step = p.ClassifyUser(cmd.Context(), classifyUser)
			} else {
				step = p.Classify(cmd.Context())
			}
			printSteps([]pipeline.StepResult{step})
			return nil
		})
	},
}

func init() {
	classifyCmd.Flags().Int64Var(&classifyUser, "user", 0, "Only classify tasks of this user ID")
}

var dryRun bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline once: collect -> classify -> index",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(cfg.Search.Enabled, func(p *pipeline.Pipeline) error {
			var result *pipeline.Result
			if dryRun {
				result = p.DryRun(cmd.Context())
			} else {
				result = p.Run(cmd.Context())
			}
			printSteps(result.Steps)
			return nil
		})
	},
}

func init() {
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be done without executing")
}

var daemonServe bool

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the scheduler and the Telegram listener until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		idx, err := openIndex()
		if err != nil {
			return err
		}
		if idx != nil {
			defer idx.Close()
		}

		p := pipeline.New(cfg, db, logger)
		if idx != nil {
			p.UseIndex(idx)
		}

		sched := scheduler.New(logger)
		p.Register(sched)
		if err := sched.Start(ctx); err != nil {
			return err
		}

		var serveErr error
		if daemonServe {
			serveErr = server.Serve(ctx, db, searcher(idx), cfg.Server.Port, logger)
		} else {
			<-ctx.Done()
		}

		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := sched.Stop(stopCtx); err != nil {
			logger.Warn("scheduler did not stop cleanly", "error", err)
		}
		return serveErr
	},
}

func init() {
	daemonCmd.Flags().BoolVar(&daemonServe, "serve", false, "Also serve the web viewer")
}

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local web viewer",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		idx, err := openIndex()
		if err != nil {
			return err
		}
		if idx != nil {
			defer idx.Close()
		}

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}
		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(ctx, db, searcher(idx), port, logger)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on")
}

var searchLimit int

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Full-text search over stored items",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := openIndex()
		if err != nil {
			return err
		}
		if idx == nil {
			return errors.New("search is disabled in the configuration")
		}
		defer idx.Close()

		hits, err := idx.Search(strings.Join(args, " "), searchLimit)
		if err != nil {
			return err
		}
		if len(hits) == 0 {
			fmt.Println("No matching items.")
			return nil
		}
		for _, h := range hits {
			fmt.Printf("  [%d] %s (%.2f)\n", h.ItemID, h.Title, h.Score)
			if h.URL != "" {
				fmt.Printf("        %s\n", h.URL)
			}
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 20, "Maximum number of results")
}

var (
	resultsAll   bool
	resultsLimit int
)

var resultsCmd = &cobra.Command{
	Use:   "results [task-id]",
	Short: "Show classified items of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "task")
		if err != nil {
			return err
		}
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		task, err := db.GetTask(cmd.Context(), id)
		if err != nil {
			return err
		}
		if task == nil {
			return fmt.Errorf("task %d not found", id)
		}

		results, err := db.ResultsForTask(cmd.Context(), id, !resultsAll, resultsLimit)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n\n", task.Name, task.Prompt)
		if len(results) == 0 {
			fmt.Println("No results yet.")
			return nil
		}
		for _, r := range results {
			mark := " "
			if r.Result.Matches != nil && *r.Result.Matches {
				mark = "*"
			}
			fmt.Printf("  [%d] %s %s (%s)\n", r.Item.ID, mark, r.Item.Title, r.SourceName)
			if why := r.Result.Rationale(); why != "" {
				fmt.Printf("        %s\n", truncate(why, 100))
			}
		}
		return nil
	},
}

func init() {
	resultsCmd.Flags().BoolVar(&resultsAll, "all", false, "Include items that did not match")
	resultsCmd.Flags().IntVarP(&resultsLimit, "limit", "n", 50, "Maximum number of items")
}

// --- helpers ---

func openDB() (*database.DB, error) {
	return database.Open(cfg.DBPath(), logger)
}

// openIndex opens the search index, or returns nil when search is
// disabled. The index is held exclusively by one process at a time.
func openIndex() (*search.Index, error) {
	if !cfg.Search.Enabled {
		return nil, nil
	}
	idx, err := search.Open(cfg.IndexPath())
	if err != nil {
		return nil, fmt.Errorf("opening search index: %w", err)
	}
	return idx, nil
}

// searcher avoids handing the server a typed nil.
func searcher(idx *search.Index) server.Searcher {
	if idx == nil {
		return nil
	}
	return idx
}

func withPipeline(useIndex bool, fn func(*pipeline.Pipeline) error) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	p := pipeline.New(cfg, db, logger)
	if useIndex {
		idx, err := openIndex()
		if err != nil {
			return err
		}
		if idx != nil {
			defer idx.Close()
			p.UseIndex(idx)
		}
	}
	return fn(p)
}

func printSteps(steps []pipeline.StepResult) {
	for i, step := range steps {
		fmt.Printf("\nStep %d/%d: %s\n", i+1, len(steps), step.Name)
		if step.Err != nil {
			fmt.Printf("  Error: %v\n", step.Err)
		} else {
			fmt.Printf("  %s\n", step.Summary)
		}
	}
}

func parseID(arg, what string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s ID: %s", what, arg)
	}
	return id, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

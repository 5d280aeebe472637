package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/newswatcher/internal/collect"
	"github.com/TobiSchelling/newswatcher/internal/database"
	"github.com/TobiSchelling/newswatcher/internal/stream"
)

// --- users ---

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage users",
}

var usersAddCmd = &cobra.Command{
	Use:   "add [email]",
	Short: "Add a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		id, err := db.CreateUser(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Added user [%d]: %s\n", id, strings.TrimSpace(args[0]))
		return nil
	},
}

var usersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		users, err := db.ListUsers(cmd.Context())
		if err != nil {
			return err
		}
		if len(users) == 0 {
			fmt.Println("No users. Add one with: newswatcher users add")
			return nil
		}
		for _, u := range users {
			key := "fallback key"
			if u.LLMAPIKey != nil && *u.LLMAPIKey != "" {
				key = "own key"
			}
			fmt.Printf("  [%d] %s %s (%s)\n", u.ID, activeIcon(u.Active), u.Email, key)
		}
		return nil
	},
}

var usersToggleCmd = &cobra.Command{
	Use:   "toggle [id]",
	Short: "Toggle a user's active state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "user")
		if err != nil {
			return err
		}
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		u, err := db.GetUser(cmd.Context(), id)
		if err != nil {
			return err
		}
		if u == nil {
			return fmt.Errorf("user %d not found", id)
		}
		if err := db.SetUserActive(cmd.Context(), id, !u.Active); err != nil {
			return err
		}
		fmt.Printf("User [%d] %s: %s\n", id, u.Email, stateWord(!u.Active))
		return nil
	},
}

var usersSetKeyCmd = &cobra.Command{
	Use:   "set-key [id] [key]",
	Short: "Set the user's LLM API key; omit the key to clear it",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "user")
		if err != nil {
			return err
		}
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		var key *string
		if len(args) == 2 && strings.TrimSpace(args[1]) != "" {
			k := strings.TrimSpace(args[1])
			key = &k
		}
		if err := db.SetUserAPIKey(cmd.Context(), id, key); err != nil {
			return err
		}
		if key == nil {
			fmt.Printf("Cleared API key of user [%d]\n", id)
		} else {
			fmt.Printf("Set API key of user [%d]\n", id)
		}
		return nil
	},
}

func init() {
	usersCmd.AddCommand(usersAddCmd)
	usersCmd.AddCommand(usersListCmd)
	usersCmd.AddCommand(usersToggleCmd)
	usersCmd.AddCommand(usersSetKeyCmd)
}

// --- sources ---

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage feeds and channels",
}

var (
	sourceName     string
	sourceValidate bool
)

var sourcesAddCmd = &cobra.Command{
	Use:   "add [user-id] [rss|telegram] [url-or-channel]",
	Short: "Add a source",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := parseID(args[0], "user")
		if err != nil {
			return err
		}
		kind := database.SourceKind(strings.ToLower(args[1]))
		if !kind.Valid() {
			return fmt.Errorf("unknown source kind %q (want rss or telegram)", args[1])
		}
		locator := strings.TrimSpace(args[2])

		name := sourceName
		if sourceValidate {
			title, err := validateSource(cmd, kind, locator)
			if err != nil {
				return fmt.Errorf("validating %s: %w", locator, err)
			}
			if name == "" {
				name = title
			}
		}
		if name == "" && kind == database.KindRSS {
			name = collect.SourceName(locator)
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		id, err := db.CreateSource(cmd.Context(), userID, name, kind, locator)
		if err != nil {
			return err
		}
		fmt.Printf("Added %s source [%d]: %s\n", kind, id, locator)
		return nil
	},
}

func validateSource(cmd *cobra.Command, kind database.SourceKind, locator string) (string, error) {
	switch kind {
	case database.KindRSS:
		feeds := collect.NewFeedProducer(collect.FeedOptions{Timeout: cfg.Poll.Timeout}, logger)
		return feeds.ValidateFeed(cmd.Context(), locator)
	default:
		token := cfg.BotToken()
		if token == "" {
			return "", fmt.Errorf("no bot token in $%s", cfg.Telegram.BotTokenEnv)
		}
		return stream.NewBotClient(token, 0, logger).ValidateChannel(cmd.Context(), locator)
	}
}

var (
	sourcesUser int64
	sourcesKind string
)

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		sources, err := db.ListSources(cmd.Context(), database.SourceFilter{
			UserID: sourcesUser,
			Kind:   database.SourceKind(strings.ToLower(sourcesKind)),
		})
		if err != nil {
			return err
		}
		if len(sources) == 0 {
			fmt.Println("No sources. Add one with: newswatcher sources add")
			return nil
		}
		for _, s := range sources {
			fetched := "never"
			if s.LastFetchedAt != nil {
				fetched = s.LastFetchedAt.Local().Format("2006-01-02 15:04")
			}
			fmt.Printf("  [%d] %s %-8s %s\n", s.ID, activeIcon(s.Active), s.Kind, s.Name)
			fmt.Printf("        %s (user %d, fetched %s)\n", s.Locator, s.UserID, fetched)
		}
		return nil
	},
}

var sourcesToggleCmd = &cobra.Command{
	Use:   "toggle [id]",
	Short: "Toggle a source's active state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "source")
		if err != nil {
			return err
		}
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		s, err := db.GetSource(cmd.Context(), id)
		if err != nil {
			return err
		}
		if s == nil {
			return fmt.Errorf("source %d not found", id)
		}
		if err := db.SetSourceActive(cmd.Context(), id, !s.Active); err != nil {
			return err
		}
		fmt.Printf("Source [%d] %s: %s\n", id, s.Name, stateWord(!s.Active))
		return nil
	},
}

func init() {
	sourcesAddCmd.Flags().StringVar(&sourceName, "name", "", "Display name (defaults to the feed or channel title)")
	sourcesAddCmd.Flags().BoolVar(&sourceValidate, "validate", false, "Check the feed or channel before adding it")
	sourcesListCmd.Flags().Int64Var(&sourcesUser, "user", 0, "Only sources of this user ID")
	sourcesListCmd.Flags().StringVar(&sourcesKind, "kind", "", "Only sources of this kind (rss or telegram)")

	sourcesCmd.AddCommand(sourcesAddCmd)
	sourcesCmd.AddCommand(sourcesListCmd)
	sourcesCmd.AddCommand(sourcesToggleCmd)
}

// --- tasks ---

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Manage classification tasks",
}

var tasksAddCmd = &cobra.Command{
	Use:   "add [user-id] [name] [prompt]",
	Short: "Add a task",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := parseID(args[0], "user")
		if err != nil {
			return err
		}
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		id, err := db.CreateTask(cmd.Context(), userID, args[1], args[2])
		if err != nil {
			return err
		}
		fmt.Printf("Added task [%d]: %s\n", id, args[1])
		fmt.Printf("Link sources with: newswatcher tasks link %d <source-id>\n", id)
		return nil
	},
}

var tasksUser int64

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		tasks, err := db.ListTasks(cmd.Context(), tasksUser)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Println("No tasks. Add one with: newswatcher tasks add")
			return nil
		}
		for _, t := range tasks {
			sources, err := db.TaskSources(cmd.Context(), t.ID)
			if err != nil {
				return err
			}
			fmt.Printf("  [%d] %s %s (user %d, %d sources)\n", t.ID, activeIcon(t.Active), t.Name, t.UserID, len(sources))
			fmt.Printf("        %s\n", truncate(t.Prompt, 60))
		}
		return nil
	},
}

var tasksToggleCmd = &cobra.Command{
	Use:   "toggle [id]",
	Short: "Toggle a task's active state",
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

		t, err := db.GetTask(cmd.Context(), id)
		if err != nil {
			return err
		}
		if t == nil {
			return fmt.Errorf("task %d not found", id)
		}
		if err := db.SetTaskActive(cmd.Context(), id, !t.Active); err != nil {
			return err
		}
		fmt.Printf("Task [%d] %s: %s\n", id, t.Name, stateWord(!t.Active))
		return nil
	},
}

var tasksLinkCmd = &cobra.Command{
	Use:   "link [task-id] [source-id]",
	Short: "Feed a source's items to a task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return linkCommand(cmd, args, true)
	},
}

var tasksUnlinkCmd = &cobra.Command{
	Use:   "unlink [task-id] [source-id]",
	Short: "Stop feeding a source's items to a task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return linkCommand(cmd, args, false)
	},
}

func linkCommand(cmd *cobra.Command, args []string, link bool) error {
	taskID, err := parseID(args[0], "task")
	if err != nil {
		return err
	}
	sourceID, err := parseID(args[1], "source")
	if err != nil {
		return err
	}
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	if link {
		if err := db.LinkSource(cmd.Context(), taskID, sourceID); err != nil {
			return err
		}
		fmt.Printf("Linked source [%d] to task [%d]\n", sourceID, taskID)
		return nil
	}
	if err := db.UnlinkSource(cmd.Context(), taskID, sourceID); err != nil {
		return err
	}
	fmt.Printf("Unlinked source [%d] from task [%d]\n", sourceID, taskID)
	return nil
}

var tasksResetCmd = &cobra.Command{
	Use:   "reset [task-id] [item-id]",
	Short: "Mark an item as pending so the task classifies it again",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID, err := parseID(args[0], "task")
		if err != nil {
			return err
		}
		itemID, err := parseID(args[1], "item")
		if err != nil {
			return err
		}
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.ResetResult(cmd.Context(), itemID, taskID); err != nil {
			return err
		}
		fmt.Printf("Item [%d] is pending for task [%d]\n", itemID, taskID)
		return nil
	},
}

func init() {
	tasksListCmd.Flags().Int64Var(&tasksUser, "user", 0, "Only tasks of this user ID")

	tasksCmd.AddCommand(tasksAddCmd)
	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksToggleCmd)
	tasksCmd.AddCommand(tasksLinkCmd)
	tasksCmd.AddCommand(tasksUnlinkCmd)
	tasksCmd.AddCommand(tasksResetCmd)
}

func activeIcon(active bool) string {
	if active {
		return "*"
	}
	return " "
}

func stateWord(active bool) string {
	if active {
		return "enabled"
	}
	return "disabled"
}

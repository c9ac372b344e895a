package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/coachkit/recall/pkg/config"
	"github.com/coachkit/recall/pkg/memory"
)

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "recall",
		Short: "Personalization memory engine for coaching conversations",
		Long: strings.TrimSpace(`recall captures durable facts about a user from coaching chat,
deduplicates them into a memory graph, and retrieves the most relevant
memories for the current conversation context.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	root.AddCommand(newOnboardCommand())
	root.AddCommand(newRememberCommand())
	root.AddCommand(newRecallCommand())
	root.AddCommand(newDetectCommand())
	root.AddCommand(newOverviewCommand())
	root.AddCommand(newForgetCommand())
	root.AddCommand(newConsolidateCommand())
	root.AddCommand(newLogCommand())
	root.AddCommand(newStatsCommand())
	root.AddCommand(newShellCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newVersionCommand())

	return root
}

// withService loads config, opens the engine and runs fn with it.
func withService(fn func(ctx context.Context, cfg *config.Config, svc *memory.Service) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	svc, closeSvc, err := openService(cfg)
	if err != nil {
		return err
	}
	defer closeSvc()
	return fn(context.Background(), cfg, svc)
}

func newOnboardCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "onboard",
		Short:   "Initialize ~/.recall config and workspace",
		Example: "  recall onboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := getConfigPath()
			if _, err := os.Stat(configPath); err == nil {
				fmt.Printf("Config already exists at %s, leaving it untouched.\n", configPath)
			} else {
				cfg := config.DefaultConfig()
				if err := config.SaveConfig(configPath, cfg); err != nil {
					return fmt.Errorf("save config: %w", err)
				}
				if err := os.MkdirAll(cfg.WorkspacePath(), 0o755); err != nil {
					return fmt.Errorf("create workspace: %w", err)
				}
				fmt.Printf("Wrote %s\n", configPath)
			}
			fmt.Println("\nNext steps:")
			fmt.Println("  1. Optionally configure an AI provider in providers.classifier / providers.embedder")
			fmt.Println("  2. Store a memory:   recall remember \"I'm allergic to peanuts\" --category food_diet")
			fmt.Println("  3. Retrieve context: recall recall \"what should I avoid eating?\"")
			return nil
		},
	}
}

func newRememberCommand() *cobra.Command {
	var (
		user       string
		category   string
		importance float64
	)

	cmd := &cobra.Command{
		Use:   "remember <content>",
		Args:  cobra.MinimumNArgs(1),
		Short: "Store a user-authored memory",
		Example: strings.Join([]string{
			"  recall remember \"I'm allergic to peanuts\" --category food_diet --importance 0.9",
			"  recall remember \"I prefer morning workouts\"",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, cfg *config.Config, svc *memory.Service) error {
				cat := memory.Category(category)
				if category == "" {
					cat = memory.CategoryPersonalContext
				}
				if !memory.ValidCategory(cat) {
					return fmt.Errorf("unknown category %q (valid: %s)", category, categoryList())
				}
				entry, err := svc.CreateMemoryManual(ctx, resolveUser(cfg, user), strings.Join(args, " "), cat, importance)
				if err != nil {
					return err
				}
				fmt.Printf("Stored %s [%s] %q\n", entry.ID, entry.Category, entry.Content)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "User id (defaults to workspace.user_id)")
	cmd.Flags().StringVarP(&category, "category", "c", "", "Memory category: "+categoryList())
	cmd.Flags().Float64VarP(&importance, "importance", "i", 0.5, "Importance 0..1")
	return cmd
}

func newRecallCommand() *cobra.Command {
	var (
		user   string
		mode   string
		intent string
		topics []string
		when   string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "recall <query>",
		Args:  cobra.MinimumNArgs(1),
		Short: "Retrieve memories relevant to a query and conversation context",
		Example: strings.Join([]string{
			"  recall recall \"what should I eat before a run?\"",
			"  recall recall \"training plan\" --mode fitness --topics running,nutrition",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, cfg *config.Config, svc *memory.Service) error {
				convCtx := memory.ConversationContext{
					CoachingMode: mode,
					UserIntent:   intent,
					RecentTopics: topics,
					Temporal:     memory.TemporalContext(when),
				}
				results, err := svc.GetContextualMemories(ctx, resolveUser(cfg, user), strings.Join(args, " "), convCtx, limit)
				if err != nil {
					return err
				}
				if len(results) == 0 {
					fmt.Println("No relevant memories.")
					return nil
				}
				for i, r := range results {
					fmt.Printf("%d. [%.2f] (%s) %s\n", i+1, r.Score, r.Entry.Category, r.Entry.Content)
					fmt.Printf("   id=%s reason=%s semantic=%.2f temporal=%.2f contextual=%.2f graph=%.2f\n",
						r.Entry.ID, r.Reason, r.Semantic, r.Temporal, r.Contextual, r.Graph)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "User id (defaults to workspace.user_id)")
	cmd.Flags().StringVarP(&mode, "mode", "m", "", "Coaching mode (fitness, nutrition, mindset, ...)")
	cmd.Flags().StringVar(&intent, "intent", "", "Detected user intent")
	cmd.Flags().StringSliceVar(&topics, "topics", nil, "Recent conversation topics")
	cmd.Flags().StringVar(&when, "temporal", "", "Temporal focus: immediate, recent or historical")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum results (defaults to memory.max_recall_items)")
	return cmd
}

func newDetectCommand() *cobra.Command {
	var (
		user         string
		conversation string
		wait         time.Duration
	)

	cmd := &cobra.Command{
		Use:     "detect <message>",
		Args:    cobra.MinimumNArgs(1),
		Short:   "Run memory-worthiness detection on a chat message",
		Example: "  recall detect \"I switched to evening workouts last month\"",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, cfg *config.Config, svc *memory.Service) error {
				uid := resolveUser(cfg, user)
				before, err := svc.GetOverview(ctx, uid)
				if err != nil {
					return err
				}
				svc.SubmitMessageForDetection(uid, strings.Join(args, " "), conversation)
				if !svc.Scheduler().Drain(wait) {
					fmt.Println("Detection still running in the background.")
					return nil
				}
				after, err := svc.GetOverview(ctx, uid)
				if err != nil {
					return err
				}
				if countTotal(after) > countTotal(before) {
					fmt.Println("Message stored as a memory.")
				} else {
					fmt.Println("Nothing memory-worthy detected.")
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "User id (defaults to workspace.user_id)")
	cmd.Flags().StringVar(&conversation, "conversation", "", "Conversation id for history context")
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "How long to wait for background processing")
	return cmd
}

func newOverviewCommand() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:     "overview",
		Short:   "Show active memory counts per category",
		Example: "  recall overview",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, cfg *config.Config, svc *memory.Service) error {
				counts, err := svc.GetOverview(ctx, resolveUser(cfg, user))
				if err != nil {
					return err
				}
				if len(counts) == 0 {
					fmt.Println("No memories stored.")
					return nil
				}
				total := 0
				for _, c := range counts {
					fmt.Printf("  %-18s %d\n", c.Category, c.Count)
					total += c.Count
				}
				fmt.Printf("  %-18s %d\n", "total", total)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "User id (defaults to workspace.user_id)")
	return cmd
}

func newForgetCommand() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:     "forget <memory-id>...",
		Args:    cobra.MinimumNArgs(1),
		Short:   "Soft-delete memories by id",
		Example: "  recall forget mem-1a2b3c",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, cfg *config.Config, svc *memory.Service) error {
				uid := resolveUser(cfg, user)
				if len(args) == 1 {
					if err := svc.DeleteMemory(ctx, uid, args[0]); err != nil {
						return err
					}
				} else if err := svc.BulkDelete(ctx, uid, args); err != nil {
					return err
				}
				fmt.Printf("Forgot %d memor%s.\n", len(args), pluralIES(len(args)))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "User id (defaults to workspace.user_id)")
	return cmd
}

func newConsolidateCommand() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:     "consolidate",
		Short:   "Run an on-demand consolidation sweep",
		Example: "  recall consolidate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, cfg *config.Config, svc *memory.Service) error {
				applied, err := svc.Consolidate(ctx, resolveUser(cfg, user))
				if err != nil {
					return err
				}
				fmt.Printf("Consolidation applied %d action(s).\n", applied)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "User id (defaults to workspace.user_id)")
	return cmd
}

func newLogCommand() *cobra.Command {
	var (
		user  string
		limit int
	)

	cmd := &cobra.Command{
		Use:     "log",
		Short:   "Show the consolidation audit log",
		Example: "  recall log --limit 20",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, cfg *config.Config, svc *memory.Service) error {
				entries, err := svc.ConsolidationLog(ctx, resolveUser(cfg, user), limit)
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					fmt.Println("No consolidation activity.")
					return nil
				}
				for _, e := range entries {
					at := time.UnixMilli(e.CreatedAtMS).Format("2006-01-02 15:04:05")
					fmt.Printf("%s  %-14s sources=%v result=%s conf=%.2f\n", at, e.Type, e.SourceIDs, e.ResultID, e.Confidence)
					if e.Reason != "" {
						fmt.Printf("    %s\n", e.Reason)
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "User id (defaults to workspace.user_id)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum log entries")
	return cmd
}

func newStatsCommand() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:     "stats",
		Short:   "Show memory graph metrics and queue counters",
		Example: "  recall stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, cfg *config.Config, svc *memory.Service) error {
				metrics, err := svc.GraphMetricsFor(ctx, resolveUser(cfg, user))
				if err != nil {
					return err
				}
				fmt.Printf("Memories:       %d\n", metrics.TotalMemories)
				fmt.Printf("Relationships:  %d\n", metrics.TotalRelationships)
				fmt.Printf("Contradictions: %d\n", metrics.ContradictionCount)
				fmt.Printf("Graph density:  %.4f\n", metrics.GraphDensity)
				if metrics.ComputedAtMS > 0 {
					fmt.Printf("Computed at:    %s\n", time.UnixMilli(metrics.ComputedAtMS).Format("2006-01-02 15:04:05"))
				}
				sched := svc.Scheduler()
				fmt.Printf("Queue:          completed=%d failed=%d dropped=%d\n",
					sched.Completed(), sched.Failed(), sched.Dropped())
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "User id (defaults to workspace.user_id)")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show configuration and runtime readiness",
		Example: "  recall status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			configPath := getConfigPath()

			fmt.Printf("%s Status\n", appName)
			fmt.Printf("Version: %s\n\n", formatVersion())

			mark := func(ok bool) string {
				if ok {
					return "ok"
				}
				return "missing"
			}
			_, cfgErr := os.Stat(configPath)
			fmt.Printf("Config:     %s (%s)\n", configPath, mark(cfgErr == nil))
			_, wsErr := os.Stat(cfg.WorkspacePath())
			fmt.Printf("Workspace:  %s (%s)\n", cfg.WorkspacePath(), mark(wsErr == nil))
			_, dbErr := os.Stat(cfg.DatabasePath())
			fmt.Printf("Memory DB:  %s (%s)\n", cfg.DatabasePath(), mark(dbErr == nil))
			fmt.Printf("Classifier: %s\n", cfg.Providers.Classifier.Variant)
			fmt.Printf("Embedder:   %s\n", cfg.Providers.Embedder.Variant)
			fmt.Printf("Sweep cron: %s\n", cfg.Memory.SweepCron)
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  recall version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}

func resolveUser(cfg *config.Config, flag string) string {
	if strings.TrimSpace(flag) != "" {
		return flag
	}
	if strings.TrimSpace(cfg.Workspace.UserID) != "" {
		return cfg.Workspace.UserID
	}
	return "default"
}

func categoryList() string {
	names := make([]string, 0, len(memory.Categories))
	for _, c := range memory.Categories {
		names = append(names, string(c))
	}
	return strings.Join(names, ", ")
}

func countTotal(counts []memory.CategoryCount) int {
	total := 0
	for _, c := range counts {
		total += c.Count
	}
	return total
}

func pluralIES(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/coachkit/recall/pkg/config"
	"github.com/coachkit/recall/pkg/memory"
)

func newShellCommand() *cobra.Command {
	var (
		user         string
		conversation string
		mode         string
	)

	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive memory shell",
		Long: strings.TrimSpace(`Open an interactive session against the memory engine.
Plain text runs detection; /-prefixed commands operate directly:
  /remember <text>     store a memory
  /recall <query>      retrieve relevant memories
  /overview            per-category counts
  /forget <id>         soft-delete a memory
  /consolidate         run a consolidation sweep
  /log                 consolidation audit log
  /stats               graph metrics
  /quit                exit`),
		Example: "  recall shell --mode nutrition",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, cfg *config.Config, svc *memory.Service) error {
				return runShell(ctx, svc, resolveUser(cfg, user), conversation, mode)
			})
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "User id (defaults to workspace.user_id)")
	cmd.Flags().StringVar(&conversation, "conversation", "shell", "Conversation id for this session")
	cmd.Flags().StringVarP(&mode, "mode", "m", "", "Coaching mode for retrieval context")
	return cmd
}

func runShell(ctx context.Context, svc *memory.Service, userID, conversationID, mode string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          appName + "> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".recall_history"),
		HistoryLimit:    200,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()

	fmt.Printf("%s interactive shell (user=%s). Type /help for commands, /quit to exit.\n", appName, userID)
	topics := []string{}

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("Goodbye!")
				return nil
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "/quit" || input == "/exit" || input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			return nil
		}

		if strings.HasPrefix(input, "/") {
			handleShellCommand(ctx, svc, userID, mode, topics, input)
			continue
		}

		// Plain text: run detection like an incoming chat message.
		svc.SubmitMessageForDetection(userID, input, conversationID)
		topics = appendTopic(topics, input)
		if svc.Scheduler().Drain(3 * time.Second) {
			fmt.Println("(processed)")
		} else {
			fmt.Println("(processing in background)")
		}
	}
}

func handleShellCommand(ctx context.Context, svc *memory.Service, userID, mode string, topics []string, input string) {
	parts := strings.SplitN(strings.TrimPrefix(input, "/"), " ", 2)
	command := strings.ToLower(parts[0])
	rest := ""
	if len(parts) > 1 {
		rest = strings.TrimSpace(parts[1])
	}

	switch command {
	case "help":
		fmt.Println("Commands: /remember /recall /overview /forget /consolidate /log /stats /quit")
	case "remember":
		if rest == "" {
			fmt.Println("Usage: /remember <text>")
			return
		}
		entry, err := svc.CreateMemoryManual(ctx, userID, rest, memory.CategoryPersonalContext, 0.5)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		fmt.Printf("Stored %s [%s]\n", entry.ID, entry.Category)
	case "recall":
		if rest == "" {
			fmt.Println("Usage: /recall <query>")
			return
		}
		convCtx := memory.ConversationContext{CoachingMode: mode, RecentTopics: topics}
		results, err := svc.GetContextualMemories(ctx, userID, rest, convCtx, 0)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		if len(results) == 0 {
			fmt.Println("No relevant memories.")
			return
		}
		for i, r := range results {
			fmt.Printf("%d. [%.2f] (%s) %s\n", i+1, r.Score, r.Entry.Category, r.Entry.Content)
		}
	case "overview":
		counts, err := svc.GetOverview(ctx, userID)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		if len(counts) == 0 {
			fmt.Println("No memories stored.")
			return
		}
		for _, c := range counts {
			fmt.Printf("  %-18s %d\n", c.Category, c.Count)
		}
	case "forget":
		if rest == "" {
			fmt.Println("Usage: /forget <memory-id>")
			return
		}
		if err := svc.DeleteMemory(ctx, userID, rest); err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		fmt.Println("Forgotten.")
	case "consolidate":
		applied, err := svc.Consolidate(ctx, userID)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		fmt.Printf("Applied %d action(s).\n", applied)
	case "log":
		entries, err := svc.ConsolidationLog(ctx, userID, 10)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		if len(entries) == 0 {
			fmt.Println("No consolidation activity.")
			return
		}
		for _, e := range entries {
			fmt.Printf("  %-14s sources=%v result=%s\n", e.Type, e.SourceIDs, e.ResultID)
		}
	case "stats":
		metrics, err := svc.GraphMetricsFor(ctx, userID)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		fmt.Printf("memories=%d relationships=%d contradictions=%d density=%.4f\n",
			metrics.TotalMemories, metrics.TotalRelationships, metrics.ContradictionCount, metrics.GraphDensity)
	default:
		fmt.Printf("Unknown command: /%s\n", command)
	}
}

// appendTopic keeps a short rolling window of conversation topics for
// retrieval context.
func appendTopic(topics []string, message string) []string {
	words := memory.Tokenize(message)
	if len(words) == 0 {
		return topics
	}
	longest := ""
	for _, w := range words {
		if len(w) > len(longest) {
			longest = w
		}
	}
	topics = append(topics, longest)
	if len(topics) > 5 {
		topics = topics[len(topics)-5:]
	}
	return topics
}

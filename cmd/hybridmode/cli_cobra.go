package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/dotsetgreg/hybridmode/pkg/config"
	"github.com/dotsetgreg/hybridmode/pkg/hybrid"
	"github.com/dotsetgreg/hybridmode/pkg/logger"
	"github.com/dotsetgreg/hybridmode/pkg/memory"
	"github.com/spf13/cobra"
)

const (
	defaultConversation = "cli:default"
	defaultUser         = "cli"
)

func executeCLI() error {
	root := buildRootCommand(true)
	if err := root.Execute(); err != nil {
		return err
	}
	return nil
}

// cliOptions carries the persistent root flags and the config they resolve to.
type cliOptions struct {
	configPath string
	debug      bool
	cfg        *config.Config
}

func (o *cliOptions) path() string {
	if strings.TrimSpace(o.configPath) != "" {
		return o.configPath
	}
	return getConfigPath()
}

func (o *cliOptions) load() (*config.Config, error) {
	if o.cfg != nil {
		return o.cfg, nil
	}
	cfg, err := config.LoadConfig(o.path())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	level := cfg.Log.Level
	if o.debug {
		level = "debug"
	}
	logger.Init(logger.Options{Level: level, Format: cfg.Log.Format})
	o.cfg = cfg
	return cfg, nil
}

// withEngine opens the engine, runs fn and persists state afterwards.
func (o *cliOptions) withEngine(ctx context.Context, fn func(*engine) error) error {
	cfg, err := o.load()
	if err != nil {
		return err
	}
	eng, err := openEngine(ctx, cfg)
	if err != nil {
		return err
	}
	runErr := fn(eng)
	closeErr := eng.Close(context.WithoutCancel(ctx))
	return errors.Join(runErr, closeErr)
}

func buildRootCommand(includeDocsCommand bool) *cobra.Command {
	var showVersion bool
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:   appName,
		Short: "Route conversation turns between chat and agent mode",
		Long: strings.TrimSpace(`hybridmode decides, turn by turn, whether a conversation should be answered
in plain chat mode or escalated to tool-using agent mode.

Use CLI commands to score single messages, run an interactive session, inspect
mode history and stats, serve metrics, and manage state backups.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Config file (JSON, or YAML by extension; default ~/.hybridmode/config.json)")
	root.PersistentFlags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")

	root.AddCommand(newInitCommand(opts))
	root.AddCommand(newDecideCommand(opts))
	root.AddCommand(newModeCommand(opts))
	root.AddCommand(newReplCommand(opts))
	root.AddCommand(newStatsCommand(opts))
	root.AddCommand(newHistoryCommand(opts))
	root.AddCommand(newResetCommand(opts))
	root.AddCommand(newServeCommand(opts))
	root.AddCommand(newBackupCommand(opts))
	root.AddCommand(newVersionCommand())

	if includeDocsCommand {
		docsCmd := newDocsCommand(func() *cobra.Command { return buildRootCommand(false) })
		root.AddCommand(docsCmd)
	}

	return root
}

func newInitCommand(opts *cliOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.path()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
			}
			if err := config.SaveConfig(path, config.DefaultConfig()); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config")
	return cmd
}

func newDecideCommand(opts *cliOptions) *cobra.Command {
	var (
		conversation string
		user         string
		force        string
		contextFile  string
		apply        bool
		asJSON       bool
	)

	cmd := &cobra.Command{
		Use:   "decide <message>",
		Short: "Recommend a mode for one message",
		Long:  "Score a message against the conversation state and print the recommended mode with its reasoning.",
		Example: strings.Join([]string{
			"  hybridmode decide \"what time is it\"",
			"  hybridmode decide -c support:42 --apply \"analyze the logs and then build a report\"",
			"  hybridmode decide --context history.json --json \"continue\"",
		}, "\n"),
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			message := strings.Join(args, " ")
			var forced hybrid.Mode
			if strings.TrimSpace(force) != "" {
				mode, err := hybrid.ParseMode(force)
				if err != nil {
					return err
				}
				forced = mode
			}
			convCtx, err := readConversationContext(contextFile)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			return opts.withEngine(ctx, func(eng *engine) error {
				if _, err := eng.ensureConversation(ctx, conversation, user); err != nil {
					return err
				}
				decision, err := eng.modes.DecideMode(ctx, hybrid.DecideRequest{
					ConversationID: conversation,
					UserMessage:    message,
					Context:        convCtx,
					ForceMode:      forced,
				})
				if err != nil {
					return err
				}
				if _, err := eng.modes.RecordMemory(ctx, conversation, memory.TypeUserInteraction, map[string]any{"message": message}, memory.DefaultImportance); err != nil {
					logger.WarnCF("cli", "Failed to record interaction", map[string]interface{}{"error": err.Error()})
				}
				if apply {
					if err := applyDecision(ctx, eng, decision); err != nil {
						return err
					}
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), decision)
				}
				printDecision(cmd.OutOrStdout(), decision)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&conversation, "conversation", "c", defaultConversation, "Conversation id")
	cmd.Flags().StringVarP(&user, "user", "u", defaultUser, "User id used when the conversation is created")
	cmd.Flags().StringVar(&force, "force", "", "Force a mode (chat, agent, auto) without scoring")
	cmd.Flags().StringVar(&contextFile, "context", "", "JSON file with prior conversation messages")
	cmd.Flags().BoolVar(&apply, "apply", false, "Switch the conversation to the recommended mode")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the decision as JSON")

	return cmd
}

// applyDecision switches the conversation when the recommendation differs
// from its current mode.
func applyDecision(ctx context.Context, eng *engine, d *hybrid.ModeDecision) error {
	if d.RecommendedMode == d.CurrentMode {
		return nil
	}
	_, err := eng.modes.ChangeMode(ctx, hybrid.ModeChangeRequest{
		ConversationID: d.ConversationID,
		NewMode:        d.RecommendedMode,
		Reason:         string(d.Reason),
		RequestedBy:    "engine",
	})
	return err
}

func readConversationContext(path string) (*hybrid.ConversationContext, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read context: %w", err)
	}
	var convCtx hybrid.ConversationContext
	if err := json.Unmarshal(data, &convCtx); err != nil {
		return nil, fmt.Errorf("parse context %s: %w", path, err)
	}
	return &convCtx, nil
}

func newModeCommand(opts *cliOptions) *cobra.Command {
	var (
		conversation string
		user         string
		reason       string
	)

	cmd := &cobra.Command{
		Use:   "mode [chat|agent|auto]",
		Short: "Show or change the mode of a conversation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return opts.withEngine(ctx, func(eng *engine) error {
				state, err := eng.ensureConversation(ctx, conversation, user)
				if err != nil {
					return err
				}
				if len(args) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "%s is in %s mode\n", conversation, state.CurrentMode)
					return nil
				}
				mode, err := hybrid.ParseMode(args[0])
				if err != nil {
					return err
				}
				resp, err := eng.modes.ChangeMode(ctx, hybrid.ModeChangeRequest{
					ConversationID: conversation,
					NewMode:        mode,
					Reason:         reason,
					RequestedBy:    user,
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&conversation, "conversation", "c", defaultConversation, "Conversation id")
	cmd.Flags().StringVarP(&user, "user", "u", defaultUser, "Requesting user")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded in the mode history (default user_request)")

	return cmd
}

func newReplCommand(opts *cliOptions) *cobra.Command {
	var (
		conversation string
		user         string
	)

	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Run an interactive mode routing session",
		Long:  "Type messages to see how each turn is routed. Slash commands: /mode, /stats, /memories, /history, /reset, /help.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return opts.withEngine(ctx, func(eng *engine) error {
				if _, err := eng.ensureConversation(ctx, conversation, user); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s interactive mode (Ctrl+C to exit)\n\n", appName)
				session := newReplSession(eng, cmd.OutOrStdout(), conversation, user)
				return interactiveMode(ctx, session)
			})
		},
	}

	cmd.Flags().StringVarP(&conversation, "conversation", "c", defaultConversation, "Conversation id")
	cmd.Flags().StringVarP(&user, "user", "u", defaultUser, "User id")

	return cmd
}

func newStatsCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show conversation, memory and event statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return opts.withEngine(ctx, func(eng *engine) error {
				return printJSON(cmd.OutOrStdout(), engineStats(eng))
			})
		},
	}
}

func engineStats(eng *engine) map[string]any {
	return map[string]any{
		"modes":    eng.modes.GetStats(),
		"memories": eng.memories.Stats(),
		"tools":    eng.tools.Count(),
		"events": map[string]any{
			"published": eng.events.Published(),
			"dropped":   eng.events.Dropped(),
		},
	}
}

func newHistoryCommand(opts *cliOptions) *cobra.Command {
	var (
		conversation string
		limit        int
		all          bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List journaled mode changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return opts.withEngine(ctx, func(eng *engine) error {
				if eng.journal == nil {
					return fmt.Errorf("audit journal is disabled")
				}
				id := conversation
				if all {
					id = ""
				}
				changes, err := eng.journal.ListModeChanges(ctx, id, limit)
				if err != nil {
					return err
				}
				printJournal(cmd.OutOrStdout(), changes)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&conversation, "conversation", "c", defaultConversation, "Conversation id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum entries")
	cmd.Flags().BoolVar(&all, "all", false, "Include every conversation")

	return cmd
}

func newResetCommand(opts *cliOptions) *cobra.Command {
	var (
		conversation string
		user         string
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Discard a conversation's mode state and memories",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return opts.withEngine(ctx, func(eng *engine) error {
				state, err := eng.modes.ResetConversation(ctx, conversation, user, eng.cfg.DefaultMode(), nil)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s reset to %s mode\n", state.ConversationID, state.CurrentMode)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&conversation, "conversation", "c", defaultConversation, "Conversation id")
	cmd.Flags().StringVarP(&user, "user", "u", defaultUser, "User id")

	return cmd
}

func newServeCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the memory sweeper, journal retention and metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return opts.withEngine(ctx, func(eng *engine) error {
				return serve(ctx, eng, cmd)
			})
		},
	}
}

func serve(ctx context.Context, eng *engine, cmd *cobra.Command) error {
	out := cmd.OutOrStdout()

	sweepDone := make(chan error, 1)
	go func() { sweepDone <- eng.sweeper.Run(ctx) }()
	fmt.Fprintf(out, "✓ Memory sweeper scheduled (%s)\n", eng.sweeper.Schedule())

	var srv *http.Server
	if eng.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", eng.metrics.Handler())
		srv = &http.Server{Addr: eng.cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.ErrorCF("metrics", "Metrics server error", map[string]interface{}{"error": err.Error()})
			}
		}()
		fmt.Fprintf(out, "✓ Metrics available at http://%s/metrics\n", eng.cfg.Metrics.Listen)
	}
	fmt.Fprintln(out, "Press Ctrl+C to stop")

	retention := time.NewTicker(time.Hour)
	defer retention.Stop()
	sweepJournal(ctx, eng)

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "\nShutting down...")
			if srv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = srv.Shutdown(shutdownCtx)
				cancel()
			}
			return <-sweepDone
		case <-retention.C:
			sweepJournal(ctx, eng)
		case err := <-sweepDone:
			return err
		}
	}
}

func sweepJournal(ctx context.Context, eng *engine) {
	removed, err := eng.sweepJournal(ctx)
	if err != nil {
		logger.WarnCF("audit", "Journal retention sweep failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if removed > 0 {
		logger.InfoCF("audit", "Journal retention sweep", map[string]interface{}{"removed": removed})
	}
}

func newBackupCommand(opts *cliOptions) *cobra.Command {
	backupRoot := &cobra.Command{
		Use:   "backup",
		Short: "Manage engine state backups",
	}

	backupRoot.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Back up every conversation, its memories and the sweep history",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return opts.withEngine(ctx, func(eng *engine) error {
				meta, err := eng.backups.Create(ctx, eng.state)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Backup %s completed (%d documents, %d bytes)\n", meta.BackupID, meta.DocumentCount, meta.SizeBytes)
				return nil
			})
		},
	})

	backupRoot.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return opts.withEngine(ctx, func(eng *engine) error {
				printBackups(cmd.OutOrStdout(), eng.backups.List())
				return nil
			})
		},
	})

	backupRoot.AddCommand(&cobra.Command{
		Use:   "restore <backup-id>",
		Short: "Replace engine state with a completed backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return opts.withEngine(ctx, func(eng *engine) error {
				if err := eng.backups.Restore(ctx, args[0], eng.state, eng.state); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Restored %s\n", args[0])
				return nil
			})
		},
	})

	backupRoot.AddCommand(&cobra.Command{
		Use:     "delete <backup-id>",
		Aliases: []string{"rm"},
		Short:   "Delete a backup and its metadata",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return opts.withEngine(ctx, func(eng *engine) error {
				if err := eng.backups.Delete(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Deleted %s\n", args[0])
				return nil
			})
		},
	})

	backupRoot.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "Delete backups past their retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return opts.withEngine(ctx, func(eng *engine) error {
				removed, err := eng.backups.CleanupExpired()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired backups\n", len(removed))
				return nil
			})
		},
	})

	return backupRoot
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mpataki/journey/internal/config"
	"github.com/mpataki/journey/internal/events"
	"github.com/mpataki/journey/internal/journey"
	"github.com/mpataki/journey/internal/logger"
	"github.com/mpataki/journey/internal/metrics"
	"github.com/mpataki/journey/internal/models"
	"github.com/mpataki/journey/internal/orchestrator"
	"github.com/mpataki/journey/internal/realtime"
	"github.com/mpataki/journey/internal/server"
	"github.com/mpataki/journey/internal/storage"
	"github.com/mpataki/journey/internal/tui"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type cli struct {
	v   *viper.Viper
	cfg *config.Config
}

func main() {
	c := &cli{v: config.NewViper()}

	rootCmd := &cobra.Command{
		Use:               "journey",
		Short:             "Guided voice and screen journeys",
		Long:              "Journey runs multi-agent voice conversations that drive an on-screen flow.",
		PersistentPreRunE: c.setupConfig,
		RunE:              c.runTUI,
		SilenceUsage:      true,
	}

	if err := config.SetupFlags(rootCmd, c.v); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	rootCmd.AddCommand(c.newServeCommand())
	rootCmd.AddCommand(c.newRunCommand())
	rootCmd.AddCommand(c.newValidateCommand())
	rootCmd.AddCommand(c.newJourneysCommand())
	rootCmd.AddCommand(c.newListCommand())
	rootCmd.AddCommand(c.newStatusCommand())
	rootCmd.AddCommand(c.newTranscriptCommand())
	rootCmd.AddCommand(c.newDeleteCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(c.v)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	c.cfg = cfg
	return nil
}

// runtimeEnv holds what every session-running command opens.
type runtimeEnv struct {
	logger *zap.Logger
	store  *storage.Storage
	redis  *redis.Client
	orch   *orchestrator.Orchestrator
}

func (e *runtimeEnv) Close() {
	e.orch.Close()
	if e.redis != nil {
		_ = e.redis.Close()
	}
	_ = e.store.Close()
	_ = e.logger.Sync()
}

func (c *cli) openEnv(log *zap.Logger, m *metrics.Metrics) (*runtimeEnv, error) {
	store, err := storage.New(c.cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	journeys, err := journey.LoadAll(c.cfg.SearchDirs())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to load journeys: %w", err)
	}
	for id, j := range journeys {
		for _, w := range journey.Warnings(j) {
			log.Warn("journey warning", zap.String("journey", id), zap.String("warning", w))
		}
	}

	var rdb *redis.Client
	if c.cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: c.cfg.RedisAddr})
	}

	var dialer realtime.Dialer
	if c.cfg.OpenAIAPIKey != "" {
		dialer = &realtime.WebSocketDialer{
			URL:    c.cfg.RealtimeURL,
			Model:  c.cfg.RealtimeModel,
			APIKey: c.cfg.OpenAIAPIKey,
		}
	}

	orch := orchestrator.New(orchestrator.Options{
		Logger:        log,
		Journeys:      journeys,
		Storage:       store,
		TranscriptDir: c.cfg.TranscriptsDir(),
		Dialer:        dialer,
		Voice:         c.cfg.Voice,
		Redis:         rdb,
		RedisChannel:  c.cfg.RedisChannel,
		Metrics:       m,
		Timings: orchestrator.Timings{
			GreetingDelay:           c.cfg.GreetingDelay,
			DisconnectBuffer:        c.cfg.DisconnectBuffer,
			SummaryHold:             c.cfg.SummaryHold,
			DedupTTL:                c.cfg.DedupTTL,
			NavigationDelay:         c.cfg.NavigationDelay,
			FeedbackDisconnectDelay: c.cfg.FeedbackDisconnectDelay,
		},
	})

	return &runtimeEnv{logger: log, store: store, redis: rdb, orch: orch}, nil
}

func (c *cli) runTUI(cmd *cobra.Command, args []string) error {
	logFile := c.cfg.LogFile
	if logFile == "" {
		logFile = filepath.Join(c.cfg.DataDir, "journey.log")
	}
	log, err := logger.NewFile(logFile, c.cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	env, err := c.openEnv(log, nil)
	if err != nil {
		return err
	}
	defer env.Close()

	app := tui.NewApp(env.orch)
	p := tea.NewProgram(app, tea.WithAltScreen())

	_, err = p.Run()
	return err
}

func (c *cli) newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP and event stream API",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logger.New(c.cfg.LogLevel, c.cfg.LogDev)
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}

			m := metrics.New("journey")
			env, err := c.openEnv(log, m)
			if err != nil {
				return err
			}
			defer env.Close()

			srv := server.NewServer(c.cfg.HTTPAddr, env.orch, m, log)
			errc := make(chan error, 1)
			go func() {
				errc <- srv.Start()
			}()

			sigc := make(chan os.Signal, 1)
			signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-sigc:
			case err := <-errc:
				if err != nil {
					return err
				}
			}

			log.Info("shutting down")
			return srv.Stop()
		},
	}
}

func (c *cli) newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <journey>",
		Short: "Run a session and print its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			withVoice, _ := cmd.Flags().GetBool("voice")

			log, err := logger.New(c.cfg.LogLevel, c.cfg.LogDev)
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			env, err := c.openEnv(log, nil)
			if err != nil {
				return err
			}
			defer env.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sess, err := env.orch.StartSession(ctx, args[0], withVoice)
			if sess == nil {
				return fmt.Errorf("failed to start session: %w", err)
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			}
			fmt.Printf("Session %s (%s)\n", sess.ID, args[0])

			done := make(chan struct{})
			enc := json.NewEncoder(os.Stdout)
			unsubscribe := sess.Subscribe(func(e events.Event) {
				_ = enc.Encode(e)
				if e.Type == events.ConnectionState && e.String("state") == "disconnected" && sess.Record().Status == models.SessionStatusComplete {
					select {
					case <-done:
					default:
						close(done)
					}
				}
			})
			defer unsubscribe()

			_ = enc.Encode(sess.Snapshot())

			select {
			case <-ctx.Done():
			case <-done:
			}
			sess.Close()
			fmt.Printf("Session ended with status: %s\n", sess.Record().Status)
			return nil
		},
	}

	cmd.Flags().Bool("voice", false, "connect the voice backend")
	return cmd
}

func (c *cli) newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file...]",
		Short: "Validate journey files",
		RunE: func(cmd *cobra.Command, args []string) error {
			journeys := make(map[string]*models.Journey)
			if len(args) == 0 {
				loaded, err := journey.LoadAll(c.cfg.SearchDirs())
				if err != nil {
					return err
				}
				journeys = loaded
			}
			for _, path := range args {
				j, err := journey.Parse(path)
				if err != nil {
					return err
				}
				journeys[path] = j
			}

			names := make([]string, 0, len(journeys))
			for name := range journeys {
				names = append(names, name)
			}
			sort.Strings(names)

			failed := 0
			for _, name := range names {
				j := journeys[name]
				if err := journey.Validate(j); err != nil {
					fmt.Printf("✗ %s: %v\n", name, err)
					failed++
					continue
				}
				fmt.Printf("✓ %s (%d agents)\n", name, len(j.Agents))
				for _, w := range journey.Warnings(j) {
					fmt.Printf("    warning: %s\n", w)
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d journey(s) invalid", failed)
			}
			return nil
		},
	}
}

func (c *cli) newJourneysCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "journeys",
		Short: "List available journeys",
		RunE: func(cmd *cobra.Command, args []string) error {
			journeys, err := journey.LoadAll(c.cfg.SearchDirs())
			if err != nil {
				return err
			}
			if len(journeys) == 0 {
				fmt.Printf("No journeys found in %s\n", strings.Join(c.cfg.SearchDirs(), ", "))
				return nil
			}

			ids := make([]string, 0, len(journeys))
			for id := range journeys {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				j := journeys[id]
				fmt.Printf("%-20s start=%-14s agents=%d  %s\n",
					id, j.StartingAgentID, len(j.Agents), truncate(j.Description, 50))
			}
			return nil
		},
	}
}

func (c *cli) newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recent sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := storage.New(c.cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			sessions, err := store.ListSessions(20)
			if err != nil {
				return err
			}

			if len(sessions) == 0 {
				fmt.Println("No sessions found.")
				return nil
			}

			for _, s := range sessions {
				fmt.Printf("%s %s [%s] %s %s\n",
					s.ID, s.JourneyID, s.Status, s.CurrentAgent,
					storage.FormatTimeAgo(s.CreatedAt))
			}

			return nil
		},
	}
}

func (c *cli) newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show session status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := storage.New(c.cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			s, err := store.GetSession(args[0])
			if err != nil {
				return fmt.Errorf("failed to get session: %w", err)
			}

			fmt.Printf("Session %s: %s\n", s.ID, s.JourneyID)
			fmt.Printf("Status: %s\n", s.Status)
			fmt.Printf("Started: %s\n", s.CreatedAt.Format("2006-01-02 15:04:05"))
			if s.EndedAt != nil {
				fmt.Printf("Ended: %s (%s)\n", s.EndedAt.Format("2006-01-02 15:04:05"), s.EndedAt.Sub(s.CreatedAt).Round(time.Second))
			}
			if s.CurrentAgent != "" {
				fmt.Printf("Current Agent: %s\n", s.CurrentAgent)
			}
			if s.CurrentScreen != "" {
				fmt.Printf("Current Screen: %s\n", s.CurrentScreen)
			}
			if s.Transport != "" {
				fmt.Printf("Transport: %s\n", s.Transport)
			}

			evs, err := store.Events(s.ID,
				string(events.AgentHandoff), string(events.ScreenChanged), string(events.ConversationComplete))
			if err != nil {
				return err
			}
			if len(evs) > 0 {
				fmt.Println("\nTimeline:")
				for _, ev := range evs {
					fmt.Printf("  [%d] %s %s\n", ev.Seq, ev.CreatedAt.Format("15:04:05"), describe(ev))
				}
			}
			return nil
		},
	}
}

func describe(ev *models.SessionEvent) string {
	str := func(key string) string {
		s, _ := ev.Payload[key].(string)
		return s
	}
	switch events.Type(ev.Type) {
	case events.AgentHandoff:
		return fmt.Sprintf("handoff %s → %s", str("from"), str("to"))
	case events.ScreenChanged:
		return fmt.Sprintf("screen %s (%s)", str("screen"), str("reason"))
	}
	return ev.Type
}

func (c *cli) newTranscriptCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "transcript <session-id>",
		Short: "Print a session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch := orchestrator.New(orchestrator.Options{TranscriptDir: c.cfg.TranscriptsDir()})
			content, err := orch.Transcript(args[0])
			if err != nil {
				return err
			}
			fmt.Print(content)
			return nil
		},
	}
}

func (c *cli) newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and its transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := storage.New(c.cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			orch := orchestrator.New(orchestrator.Options{Storage: store, TranscriptDir: c.cfg.TranscriptsDir()})
			if err := orch.DeleteSession(args[0]); err != nil {
				return err
			}

			fmt.Printf("Deleted session %s\n", args[0])
			return nil
		},
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

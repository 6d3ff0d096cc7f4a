// vigil is the terminal conversation client of the market-surveillance
// dashboard: it attaches an analyst to the review agent for one ticker and
// streams the agent's reasoning, tool activity and findings live.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"vigil/internal/api"
	"vigil/internal/conversation"
	"vigil/internal/logging"
	"vigil/internal/observability"
	"vigil/internal/session"
)

var version = "0.3.0"

func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// app bundles everything a command needs after initialization.
type app struct {
	client  *api.Client
	store   session.Store
	manager *session.Manager
	conv    *conversation.Conversation
	logger  logging.Logger
	metrics *observability.MetricsCollector
	tracer  *observability.TracerProvider
	obsCfg  observability.Config
	logSink io.Closer
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "vigil",
		Short: "Terminal client for the surveillance review agent",
		Long: `vigil attaches to the dashboard's review agent and streams one
conversation per ticker: agent reasoning, tool calls and the final answer,
live as they happen.

Examples:
  vigil chat --ticker ACME --alert a-19                # interactive panel
  vigil ask --ticker ACME "why did volume spike?"      # one-shot answer
  vigil sessions                                       # known bindings`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("api-url", "http://localhost:8600", "dashboard backend base URL")
	rootCmd.PersistentFlags().String("state-dir", "~/.vigil", "directory for local state")
	rootCmd.PersistentFlags().Int("page-size", session.DefaultPageSize, "history page size")
	rootCmd.PersistentFlags().Bool("debug", false, "debug logging and validator output")
	for _, key := range []string{"api-url", "state-dir", "page-size", "debug"} {
		_ = viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(key))
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.vigil")
	viper.SetEnvPrefix("VIGIL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	rootCmd.AddCommand(newChatCommand(a))
	rootCmd.AddCommand(newAskCommand(a))
	rootCmd.AddCommand(newSessionsCommand(a))
	rootCmd.AddCommand(newVersionCommand())
	return rootCmd
}

// initialize builds the client stack from the resolved configuration. The
// interactive flag routes logs to a file instead of stderr so slog lines do
// not tear the alternate screen.
func (a *app) initialize(interactive bool) error {
	obsCfg, err := observability.LoadConfig("")
	if err != nil {
		return err
	}
	a.obsCfg = obsCfg

	level := obsCfg.Logging.Level
	if viper.GetBool("debug") {
		level = "debug"
	}

	stateDir := expandHome(viper.GetString("state-dir"))
	if interactive {
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
		logFile, err := os.OpenFile(filepath.Join(stateDir, "vigil.log"),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		a.logSink = logFile
		logging.Configure(logFile, level, obsCfg.Logging.Format)
	} else {
		logging.Configure(os.Stderr, level, obsCfg.Logging.Format)
	}
	a.logger = logging.NewComponentLogger("vigil")

	a.metrics, err = observability.NewMetricsCollector(obsCfg.Metrics)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	a.tracer, err = observability.NewTracerProvider(obsCfg.Tracing)
	if err != nil {
		a.logger.Warn("tracing disabled: %v", err)
	}

	a.client = api.New(viper.GetString("api-url"), logging.NewComponentLogger("api"))
	a.store = session.NewFileStore(filepath.Join(stateDir, "sessions.json"),
		logging.NewComponentLogger("session"))
	a.manager = session.NewManager(a.store, a.client, viper.GetInt("page-size"),
		logging.NewComponentLogger("session"))
	return nil
}

func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if a.metrics != nil {
		_ = a.metrics.Shutdown(ctx)
	}
	if a.tracer != nil {
		_ = a.tracer.Shutdown(ctx)
	}
	if a.logSink != nil {
		_ = a.logSink.Close()
	}
}

// subjectFromFlags resolves the subject under discussion, enriching the alert
// label from the dashboard when it knows the ticker.
func (a *app) subjectFromFlags(ctx context.Context, cmd *cobra.Command) (session.Subject, error) {
	ticker, _ := cmd.Flags().GetString("ticker")
	if ticker == "" {
		return session.Subject{}, fmt.Errorf("--ticker is required")
	}
	alertID, _ := cmd.Flags().GetString("alert")
	alertLabel, _ := cmd.Flags().GetString("alert-label")

	subject := session.Subject{
		Key:        strings.ToUpper(ticker),
		AlertID:    alertID,
		AlertLabel: alertLabel,
	}
	if detail, err := a.client.SubjectDetail(ctx, subject.Key); err == nil && subject.AlertLabel == "" {
		subject.AlertLabel = detail.Name
	}
	return subject, nil
}

func addSubjectFlags(cmd *cobra.Command) {
	cmd.Flags().String("ticker", "", "ticker symbol under review")
	cmd.Flags().String("alert", "", "alert id narrowing the case")
	cmd.Flags().String("alert-label", "", "human label for the alert")
}

func newChatCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive conversation panel",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !isTTY() {
				return fmt.Errorf("chat needs a terminal; use `vigil ask` in scripts")
			}
			if err := a.initialize(true); err != nil {
				return err
			}
			defer a.shutdown()

			subject, err := a.subjectFromFlags(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			return runChatTUI(a, subject)
		},
	}
	addSubjectFlags(cmd)
	return cmd
}

func newAskCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "One-shot question, streamed to stdout",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.initialize(false); err != nil {
				return err
			}
			defer a.shutdown()

			subject, err := a.subjectFromFlags(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			return runAsk(cmd.Context(), a, subject, strings.Join(args, " "))
		},
	}
	addSubjectFlags(cmd)
	cmd.Flags().Bool("no-color", false, "disable colored output")
	return cmd
}

func newSessionsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List locally known ticker-to-session bindings",
		RunE: func(*cobra.Command, []string) error {
			if err := a.initialize(false); err != nil {
				return err
			}
			defer a.shutdown()

			bindings, err := a.store.All()
			if err != nil {
				return err
			}
			if len(bindings) == 0 {
				fmt.Println("no sessions yet")
				return nil
			}
			for ticker, sessionID := range bindings {
				fmt.Printf("%-10s %s\n", ticker, sessionID)
			}
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(*cobra.Command, []string) {
			fmt.Printf("vigil %s\n", version)
		},
	}
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

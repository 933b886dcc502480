package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"datanerd/internal/analyst"
	"datanerd/internal/catalog"
	"datanerd/internal/config"
	"datanerd/internal/etl"
	"datanerd/internal/executor"
	"datanerd/internal/logging"
	"datanerd/internal/orchestrator"
	"datanerd/internal/perception"
	"datanerd/internal/trace"
)

var (
	// Global flags
	configPath string
	dbPath     string
	debug      bool
	showTrace  bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "datanerd",
	Short: "dataNERD - conversational SQL analytics over SQLite",
	Long: `dataNERD answers natural-language questions about a SQLite database.

Each question runs through a fixed pipeline: a router decides whether the
question needs data, a planner generates SQL against the introspected schema,
a guarded executor runs it read-only with bounded self-correction, and a
synthesizer turns the result rows into a narrative answer.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if debug {
			cfg.Logging.Level = "debug"
		}
		logger, err = logging.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// askCmd runs one full question-answering turn
var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a question about the data",
	Long: `Runs one turn of the analytics pipeline and prints the answer.

Example:
  datanerd ask "What are the top 2 categories by total sales?"
  datanerd ask --trace "How many orders shipped late?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

// schemaCmd prints the introspected catalog
var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the database schema as seen by the SQL planner",
	RunE:  runSchema,
}

// loadCmd loads CSV files into the database
var loadCmd = &cobra.Command{
	Use:   "load [dir]",
	Short: "Load every CSV file in a directory into the database",
	Args:  cobra.ExactArgs(1),
	RunE:  runLoad,
}

// initCmd writes a default config file
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.DefaultConfig()
		if err := cfg.Save(configPath); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", configPath)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "datanerd.yaml", "Config file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	askCmd.Flags().BoolVar(&showTrace, "trace", false, "Print the per-step execution trace")

	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(initCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	return cfg, nil
}

func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("sqlite", cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Database.Path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database %s: %w", cfg.Database.Path, err)
	}
	return db, nil
}

func stageClient(cfg *config.Config, model string) *perception.GeminiClient {
	gc := perception.GeminiConfig{
		APIKey:           cfg.LLM.APIKey,
		BaseURL:          cfg.LLM.BaseURL,
		Model:            model,
		Timeout:          cfg.GetLLMTimeout(),
		MaxOutputTokens:  cfg.LLM.MaxOutputTokens,
		MaxRetries:       cfg.LLM.MaxRetries,
		RetryBackoffBase: cfg.GetBackoffBase(),
		RetryBackoffMax:  cfg.GetBackoffMax(),
	}
	return perception.NewGeminiClientWithConfig(gc, logger)
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	cat, err := catalog.Introspect(ctx, db)
	if err != nil {
		return fmt.Errorf("schema introspection failed: %w", err)
	}

	router := analyst.NewRouter(stageClient(cfg, cfg.Stages.RouterModel), logger)
	planner := analyst.NewPlanner(stageClient(cfg, cfg.Stages.PlannerModel), cat, logger)
	nonData := analyst.NewNonData(stageClient(cfg, cfg.Stages.NonDataModel), logger)
	synthesizer := analyst.NewSynthesizer(stageClient(cfg, cfg.Stages.SynthesizerModel), logger)
	runner := executor.New(db, cfg.GetQueryTimeout(), cfg.Database.MaxPreviewRows, logger)

	o := orchestrator.New(router, planner, nonData, synthesizer, runner,
		cfg.Pipeline.MaxSQLAttempts, logger)

	question := strings.Join(args, " ")
	out, runErr := o.Run(ctx, question)

	if showTrace && out != nil && out.Trace != nil {
		printTrace(out.Trace)
	}

	if runErr != nil {
		var terr *orchestrator.TurnError
		if errors.As(runErr, &terr) && terr.Kind == orchestrator.FailureSQLUnresolved && len(terr.Plans) > 0 {
			fmt.Println("I could not produce working SQL for that question. Last attempt:")
			fmt.Printf("  %s\n", terr.Plans[len(terr.Plans)-1].SQL)
		}
		return runErr
	}

	printOutcome(out)
	return nil
}

func runSchema(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	cat, err := catalog.Introspect(context.Background(), db)
	if err != nil {
		return fmt.Errorf("schema introspection failed: %w", err)
	}
	fmt.Println(cat.PromptText())
	return nil
}

func runLoad(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := sql.Open("sqlite", cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database %s: %w", cfg.Database.Path, err)
	}
	defer db.Close()

	counts, err := etl.LoadDir(context.Background(), db, args[0], logger)
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Table", "Rows"})
	for name, n := range counts {
		t.AppendRow(table.Row{name, n})
	}
	t.SetStyle(table.StyleLight)
	t.Render()
	return nil
}

func printOutcome(out *orchestrator.Outcome) {
	if out.Direct {
		fmt.Println(out.Answer)
		return
	}

	if out.Result != nil && len(out.Result.Columns) > 0 {
		printResult(out.Result)
	}

	if out.Synthesis == nil {
		fmt.Println(out.Answer)
		return
	}

	fmt.Printf("\n%s\n", out.Synthesis.Summary)
	if len(out.Synthesis.KeyFindings) > 0 {
		fmt.Println("\nKey findings:")
		for _, f := range out.Synthesis.KeyFindings {
			fmt.Printf("  - %s\n", f)
		}
	}
	if out.Synthesis.DetailedAnalysis != "" {
		fmt.Printf("\n%s\n", out.Synthesis.DetailedAnalysis)
	}
	if len(out.Synthesis.Recommendations) > 0 {
		fmt.Println("\nRecommendations:")
		for _, r := range out.Synthesis.Recommendations {
			fmt.Printf("  - %s\n", r)
		}
	}
}

func printResult(res *executor.Result) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)

	header := make(table.Row, len(res.Columns))
	for i, c := range res.Columns {
		header[i] = c
	}
	t.AppendHeader(header)

	for _, row := range res.Rows {
		r := make(table.Row, len(row))
		copy(r, row)
		t.AppendRow(r)
	}
	t.SetStyle(table.StyleLight)
	t.Render()

	if res.RowCount > len(res.Rows) {
		fmt.Printf("(showing %d of %d rows)\n", len(res.Rows), res.RowCount)
	}
}

func printTrace(turn *trace.Turn) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("Turn %s", turn.ID)
	t.AppendHeader(table.Row{"#", "Stage", "Status", "Duration", "Detail"})

	for i, s := range turn.Steps {
		detail := s.Output
		if s.Status == trace.StatusError {
			detail = s.Error
		}
		t.AppendRow(table.Row{
			i + 1, s.Stage, s.Status, s.Duration().Round(time.Millisecond), clip(detail, 70),
		})
	}
	t.SetStyle(table.StyleLight)
	t.Render()
	fmt.Println()
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

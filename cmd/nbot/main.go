// Command nbot drives notebooks through the agent flows. The batch
// subcommand executes a notebook headlessly: plain code cells run on the
// kernel gateway, %%bot cells run the flow engine in-process, and the
// evaluation records they emit go to the configured store. The report
// subcommand aggregates a sqlite or postgres store into per-notebook
// summaries.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	nbot "github.com/davin/nbot"
	"github.com/davin/nbot/batch"
	"github.com/davin/nbot/chat"
	"github.com/davin/nbot/eval"
	"github.com/davin/nbot/internal/config"
	"github.com/davin/nbot/observer"
	"github.com/davin/nbot/store/postgres"
	"github.com/davin/nbot/store/sqlite"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: nbot <command> [flags]

commands:
  batch    execute a notebook end to end
  report   summarize stored evaluation records

run 'nbot <command> -h' for the command's flags.
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "batch":
		err = runBatch(ctx, os.Args[2:])
	case "report":
		err = runReport(ctx, os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "nbot: unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		os.Exit(1)
	}
}

func runBatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("nbot batch", flag.ExitOnError)
	var (
		configPath     = fs.String("config", "", "path to the TOML config file (default: $NBOT_CONFIG or nbot.toml)")
		outputPath     = fs.String("o", "", "path to save the executed notebook (default: <input>_executed.ipynb)")
		evalPath       = fs.String("e", "", "path to append evaluation records (default: none)")
		timeout        = fs.Duration("timeout", 0, "execution timeout (default: from config)")
		startupTimeout = fs.Duration("startup_timeout", 0, "kernel startup timeout (default: from config)")
		allowErrors    = fs.Bool("allow_errors", false, "continue past failing cells")
		kernelName     = fs.String("kernel_name", "", "kernel to execute with (default: from config)")
		skipTag        = fs.String("skip_cells_with_tag", "", "skip cells carrying this tag (default: from config)")
		maxCells       = fs.Int("max_cells", 0, "stop after this many executed cells (0 = no limit)")
	)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: nbot batch [flags] input.ipynb\n\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}
	inputPath := fs.Arg(0)

	cfg := config.Load(*configPath)
	applyFlags(&cfg, *outputPath, *evalPath, *timeout, *startupTimeout, *allowErrors, *kernelName, *skipTag, *maxCells)

	logger := newLogger(cfg.Logging.Level)
	slog.SetDefault(logger)

	opts := []batch.Option{batch.WithLogger(logger)}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("store init failed", "error", err)
		return err
	}
	if store != nil {
		defer closeStore()
		opts = append(opts, batch.WithStore(store))
	}

	if cfg.Observer.Enabled {
		sessionOpts, shutdown, err := setupObserver(ctx, cfg)
		if err != nil {
			logger.Error("observer init failed", "error", err)
			return err
		}
		defer shutdown(context.Background())
		opts = append(opts, batch.WithSessionOptions(sessionOpts...))
	}

	runner := batch.New(cfg, inputPath, opts...)
	if err := runner.Run(ctx); err != nil {
		logger.Error("notebook run failed", "error", err)
		return err
	}
	logger.Info("notebook run finished", "output", runner.OutputPath())
	return nil
}

func runReport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("nbot report", flag.ExitOnError)
	var (
		configPath = fs.String("config", "", "path to the TOML config file (default: $NBOT_CONFIG or nbot.toml)")
		notebook   = fs.String("notebook", "", "limit the report to one notebook")
	)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: nbot report [flags]\n\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	cfg := config.Load(*configPath)
	logger := newLogger(cfg.Logging.Level)
	slog.SetDefault(logger)

	switch cfg.Store.Backend {
	case "sqlite":
		store := sqlite.New(cfg.Store.Path, sqlite.WithLogger(logger))
		defer store.Close()
		if err := store.Init(ctx); err != nil {
			logger.Error("opening sqlite store failed", "error", err)
			return err
		}
		reporter := sqlite.NewReporter(store.DB(), sqlite.WithReporterLogger(logger))
		if *notebook != "" {
			s, ok, err := reporter.SummarizeNotebook(ctx, *notebook)
			if err != nil {
				logger.Error("report failed", "error", err)
				return err
			}
			if !ok {
				fmt.Printf("no records for %s\n", *notebook)
				return nil
			}
			printSummary(s.Notebook, s.Records, s.Stages, s.Flows, s.SuccessRate, s.MeanCorrect, s.MeanDuration)
			return nil
		}
		summaries, err := reporter.Summarize(ctx)
		if err != nil {
			logger.Error("report failed", "error", err)
			return err
		}
		for _, s := range summaries {
			printSummary(s.Notebook, s.Records, s.Stages, s.Flows, s.SuccessRate, s.MeanCorrect, s.MeanDuration)
		}
		return nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.DSN)
		if err != nil {
			logger.Error("connecting to postgres failed", "error", err)
			return err
		}
		defer pool.Close()
		reporter := postgres.NewReporter(pool)
		if *notebook != "" {
			s, ok, err := reporter.SummarizeNotebook(ctx, *notebook)
			if err != nil {
				logger.Error("report failed", "error", err)
				return err
			}
			if !ok {
				fmt.Printf("no records for %s\n", *notebook)
				return nil
			}
			printSummary(s.Notebook, s.Records, s.Stages, s.Flows, s.SuccessRate, s.MeanCorrect, s.MeanDuration)
			return nil
		}
		summaries, err := reporter.Summarize(ctx)
		if err != nil {
			logger.Error("report failed", "error", err)
			return err
		}
		for _, s := range summaries {
			printSummary(s.Notebook, s.Records, s.Stages, s.Flows, s.SuccessRate, s.MeanCorrect, s.MeanDuration)
		}
		return nil
	default:
		err := fmt.Errorf("report needs a sqlite or postgres store backend, have %q", cfg.Store.Backend)
		logger.Error("report failed", "error", err)
		return err
	}
}

func printSummary(notebook string, records, stages, flows int, success, correct, duration float64) {
	fmt.Printf("%s\n  records %d (stages %d, flows %d)  success %.0f%%  correct %.2f  mean duration %.2fs\n",
		notebook, records, stages, flows, success*100, correct, duration)
}

// openStore builds the configured evaluation record store for a batch run.
// The jsonl backend returns nil, the runner opens its own JSONL file from
// the batch evaluation path.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (eval.Store, func(), error) {
	switch cfg.Store.Backend {
	case "", "jsonl":
		return nil, nil, nil
	case "sqlite":
		store := sqlite.New(cfg.Store.Path, sqlite.WithLogger(logger))
		if err := store.Init(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		store := postgres.New(pool)
		if err := store.Init(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, func() { pool.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

// applyFlags folds the set command line flags over the loaded config.
func applyFlags(cfg *config.Config, output, eval string, timeout, startup time.Duration,
	allowErrors bool, kernelName, skipTag string, maxCells int) {
	if output != "" {
		cfg.Batch.OutputPath = output
	}
	if eval != "" {
		cfg.Batch.EvaluationPath = eval
	}
	if timeout > 0 {
		cfg.Batch.Timeout = timeout
	}
	if startup > 0 {
		cfg.Batch.StartupTimeout = startup
	}
	if allowErrors {
		cfg.Batch.AllowErrors = true
	}
	if kernelName != "" {
		cfg.Batch.KernelName = kernelName
	}
	if skipTag != "" {
		cfg.Batch.SkipCellsTag = skipTag
	}
	if maxCells > 0 {
		cfg.Batch.MaxCells = maxCells
	}
}

// setupObserver initializes the OTEL providers and returns session options
// that route chat calls and agent spans through them.
func setupObserver(ctx context.Context, cfg config.Config) ([]nbot.SessionOption, func(context.Context) error, error) {
	if cfg.Observer.Endpoint != "" && os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Observer.Endpoint)
	}

	pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
	for model, p := range cfg.Observer.Pricing {
		pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
	}

	inst, shutdown, err := observer.Init(ctx, cfg.Observer.Service, pricing)
	if err != nil {
		return nil, nil, err
	}

	opts := []nbot.SessionOption{
		nbot.WithSessionTracer(observer.NewAgentTracer(inst)),
		nbot.WithCompleterFactory(func(ep nbot.Endpoint) chat.Completer {
			return observer.NewCompleter(ep.APIKey, ep.Model, ep.BaseURL, inst)
		}),
	}
	return opts, shutdown, nil
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

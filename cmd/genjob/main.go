package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cuongbtq/genjob/internal/config"
	"github.com/cuongbtq/genjob/internal/metrics"
	"github.com/cuongbtq/genjob/internal/tracker"
	"github.com/cuongbtq/genjob/internal/tracker/backend"
	"github.com/cuongbtq/genjob/internal/tracker/events"
	"github.com/cuongbtq/genjob/internal/tracker/submit"
	"github.com/cuongbtq/genjob/shared/logger"
	"github.com/joho/godotenv"
)

const usage = `usage: genjob [-config path] <command> [flags]

commands:
  submit   submit one generation and wait for its results
  run      recover interrupted jobs and keep the retention sweeper running
  status   print the in-flight and finished jobs held by the store
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(args []string, stdout io.Writer) error {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("GENJOB_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/genjob/config.yaml"
	}

	fs := flag.NewFlagSet("genjob", flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprint(fs.Output(), usage) }
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing command")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateTrackerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := logger.New(&logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.EnableCaller,
		TimeFormat: time.RFC3339,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.MustRegister()

	enc := json.NewEncoder(stdout)
	sink := events.Multi{
		events.NewLogSink(appLogger.Logger),
		events.SinkFunc(func(_ context.Context, e events.Event) error {
			return enc.Encode(printableEvent(e))
		}),
	}

	t, err := tracker.New(ctx, cfg.Tracker, tracker.Deps{
		Logger:   appLogger.Logger,
		Sink:     sink,
		Database: cfg.Database,
	})
	if err != nil {
		return fmt.Errorf("failed to start tracker: %w", err)
	}
	defer t.Close()

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "submit":
		return runSubmit(ctx, t, rest, enc, appLogger.Logger)
	case "run":
		appLogger.Info("Tracker running; press Ctrl+C to stop")
		return t.Run(ctx)
	case "status":
		return enc.Encode(map[string]any{
			"in_flight":    t.Store().GetAllInFlight(),
			"finished":     t.Store().GetAllFinished(),
			"last_cleanup": t.Store().LastCleanup(),
		})
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func runSubmit(ctx context.Context, t *tracker.Tracker, args []string, enc *json.Encoder, logger *slog.Logger) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	modelID := fs.String("model", "", "Model id (required)")
	prompt := fs.String("prompt", "", "Prompt text")
	numOutputs := fs.Int("n", 0, "Number of outputs for image models")
	imagePath := fs.String("image", "", "Input image file")
	fields := map[string]string{}
	fs.Func("field", "Extra form field key=value (repeatable)", func(v string) error {
		k, val, ok := strings.Cut(v, "=")
		if !ok || k == "" {
			return fmt.Errorf("field %q is not key=value", v)
		}
		fields[k] = val
		return nil
	})
	if err := fs.Parse(args); err != nil {
		return err
	}

	req := submit.Request{
		ModelID:    *modelID,
		Prompt:     *prompt,
		NumOutputs: *numOutputs,
		Fields:     fields,
	}
	if *imagePath != "" {
		file, err := readFile(*imagePath)
		if err != nil {
			return err
		}
		req.Files = []backend.File{file}
	}

	progress := func(p int, message string) {
		logger.Info("Generation progress", slog.Int("progress", p), slog.String("message", message))
	}

	results, err := t.Submit(ctx, req, progress)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("Submission interrupted; run `genjob run` to resume tracking")
		}
		return err
	}
	return enc.Encode(map[string]any{"results": results})
}

func readFile(path string) (backend.File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return backend.File{}, fmt.Errorf("failed to read image: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return backend.File{}, fmt.Errorf("failed to stat image: %w", err)
	}
	return backend.File{
		Name:        filepath.Base(path),
		ContentType: mime.TypeByExtension(filepath.Ext(path)),
		Data:        data,
		ModifiedAt:  info.ModTime(),
	}, nil
}

// printableEvent is the JSON line written for each lifecycle event
func printableEvent(e events.Event) map[string]any {
	out := map[string]any{
		"event":  e.Kind,
		"job_id": e.JobID,
	}
	if e.ModelID != "" {
		out["model_id"] = e.ModelID
	}
	if len(e.Results) > 0 {
		out["results"] = e.Results
	}
	if e.Message != "" {
		out["message"] = e.Message
	}
	if e.Placeholders > 0 {
		out["placeholders"] = e.Placeholders
	}
	if e.Progress > 0 {
		out["progress"] = e.Progress
	}
	if e.Elapsed > 0 {
		out["elapsed"] = e.Elapsed.Round(time.Second).String()
	}
	return out
}

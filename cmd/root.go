package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/andresmejia3/facetag/internal/config"
	"github.com/andresmejia3/facetag/internal/detector"
	"github.com/andresmejia3/facetag/internal/detector/dlib"
	"github.com/andresmejia3/facetag/internal/detector/httpapi"
	"github.com/andresmejia3/facetag/internal/gallery"
	"github.com/andresmejia3/facetag/internal/logger"
	"github.com/andresmejia3/facetag/internal/recognizer"
	"github.com/andresmejia3/facetag/internal/render"
	"github.com/andresmejia3/facetag/internal/store"
	"github.com/andresmejia3/facetag/internal/worker"
)

// Options holds the persistent flags shared by all subcommands.
type Options struct {
	ConfigPath string
	DBURL      string
	LogLevel   string
	Backend    string
}

var (
	rootOpts Options

	// Cfg is the loaded configuration, with flag overrides applied.
	Cfg config.Config
	// Logger is the process logger.
	Logger *zap.Logger
	// DB is the optional database shared by subcommands. Nil when no database is configured.
	DB *store.Store
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "facetag",
	Short:   "Recognize and label faces against a gallery of reference photos",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Load .env if present; real environment variables take precedence.
		_ = godotenv.Load()

		var err error
		Cfg, err = config.Load(rootOpts.ConfigPath)
		if err != nil {
			return err
		}
		if rootOpts.LogLevel != "" {
			Cfg.Logging.Level = rootOpts.LogLevel
		}
		if rootOpts.Backend != "" {
			Cfg.Backend.Kind = rootOpts.Backend
			if err := Cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
		}

		Logger, err = logger.NewLogger(Cfg.Logging.Env, Cfg.Logging.Level)
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}

		if url := databaseURL(rootOpts.DBURL, Cfg.Database.URL); url != "" {
			// Use the command's context (which will be cancellable) for the connection
			DB, err = store.New(cmd.Context(), url)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
		}
		if Logger != nil {
			_ = Logger.Sync()
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootOpts.ConfigPath, "config", "c", "", "Path to the YAML config (default: $FACETAG_CONFIG or ./facetag.yaml)")
	rootCmd.PersistentFlags().StringVar(&rootOpts.DBURL, "db", "", "PostgreSQL connection string for the descriptor cache and history")
	rootCmd.PersistentFlags().StringVar(&rootOpts.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&rootOpts.Backend, "backend", "", "Detection backend: worker, http, dlib")
}

// databaseURL picks the flag, then the config file, then DATABASE_URL, then
// the POSTGRES_* variables. Empty means run without a database.
func databaseURL(flag, configured string) string {
	if flag != "" {
		return flag
	}
	if configured != "" {
		return configured
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	return ""
}

// closer is implemented by backends that own processes or native handles.
type closer interface{ Close() }

// newBackend builds the configured detection backend.
func newBackend(ctx context.Context, cfg config.Config, log *zap.Logger) (detector.Backend, error) {
	switch cfg.Backend.Kind {
	case "http":
		return httpapi.New(cfg.Backend.HTTP.URL, time.Duration(cfg.Backend.HTTP.TimeoutSec)*time.Second), nil
	case "dlib":
		return dlib.New(cfg.Backend.ModelDir), nil
	default:
		fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Worker Engines...\n", cfg.Backend.Worker.Count)
		pool, err := worker.NewPool(ctx, worker.Config{
			Command:     cfg.Backend.Worker.Command,
			Args:        cfg.Backend.Worker.Args,
			ModelDir:    cfg.Backend.ModelDir,
			ReadTimeout: time.Duration(cfg.Backend.Worker.ReadTimeoutSec) * time.Second,
		}, cfg.Backend.Worker.Count, log)
		if err != nil {
			return nil, fmt.Errorf("failed to start workers: %w", err)
		}
		return pool, nil
	}
}

// newService wires the backend, gallery builder, renderer and optional
// store into a recognizer. progress may be nil.
func newService(backend detector.Backend, cfg config.Config, log *zap.Logger, progress func(gallery.Outcome)) *recognizer.Service {
	builder := &gallery.Builder{
		BaseDir:     cfg.Gallery.BaseDir,
		MaxEdge:     cfg.Gallery.MaxEdge,
		Concurrency: cfg.Gallery.Concurrency,
		Logger:      log,
		Progress:    progress,
	}
	opts := recognizer.Options{
		Backend:    backend,
		Builder:    builder,
		References: cfg.Gallery.References,
		Threshold:  cfg.Matching.Threshold,
		Index:      cfg.Matching.Index,
		Candidates: cfg.Matching.Candidates,
		MaxEdge:    cfg.Detection.MaxEdge,
		Renderer:   render.New(render.DefaultStyle(), cfg.Render.JPEGQuality),
		Logger:     log,
	}
	// A nil *store.Store must not become a non-nil interface.
	if DB != nil {
		builder.Cache = DB
		opts.Recorder = DB
	}
	return recognizer.New(opts)
}

// releaseBackend frees processes or native handles held by b.
func releaseBackend(b detector.Backend) {
	if c, ok := b.(closer); ok {
		c.Close()
	}
}

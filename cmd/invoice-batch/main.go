package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"golang.org/x/sync/errgroup"

	"github.com/zombor/invoice-batch/internal/extraction"
	"github.com/zombor/invoice-batch/internal/invoice"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("invoice-batch")
	var (
		port          = fs.IntLong("port", 8080, "HTTP server port")
		dbPath        = fs.StringLong("db", "invoice-batch.db", "Run archive file path (empty disables the archive)")
		exportDir     = fs.StringLong("export-dir", "", "Directory for per-run CSV exports (optional)")
		extractorType = fs.StringLong("scanner", "gemini", "Extraction service: 'gemini' or 'ollama'")
		geminiKey     = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel   = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL     = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel   = fs.StringLong("ollama-model", "llava", "Ollama vision model name (e.g., llava, qwen2-vl, llama3.2-vision)")
		delay         = fs.DurationLong("delay", invoice.DefaultDelay, "Pause between two extraction calls")
		authUser      = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass      = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		showVersion   = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("INVOICE_BATCH"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	extractor, err := newExtractor(*extractorType, *geminiKey, *geminiModel, *ollamaURL, *ollamaModel)
	if err != nil {
		slog.Error("Failed to initialize extractor", "scanner", *extractorType, "error", err)
		os.Exit(1)
	}
	defer extractor.Close()

	runner, err := invoice.NewRunner(extractor, *delay, invoice.WithLogger(slog.With("component", "runner")))
	if err != nil {
		slog.Error("Failed to initialize runner", "error", err)
		os.Exit(1)
	}

	var db invoice.DB
	if *dbPath != "" {
		slog.Info("Initializing run archive...", "path", *dbPath)
		boltDB, err := invoice.NewBoltDB(*dbPath)
		if err != nil {
			slog.Error("Failed to initialize database", "error", err)
			os.Exit(1)
		}
		defer boltDB.Close()
		db = boltDB
	}

	var store invoice.Storage
	if *exportDir != "" {
		slog.Info("Initializing export storage...", "path", *exportDir)
		localStorage, err := invoice.NewLocalStorage(*exportDir)
		if err != nil {
			slog.Error("Failed to initialize storage", "error", err)
			os.Exit(1)
		}
		store = localStorage
	}

	service := invoice.NewService(runner, db, store)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if files := fs.GetArgs(); len(files) > 0 {
		err = runBatch(ctx, service, files)
	} else {
		err = serve(ctx, service, *port, invoice.BasicAuth{Username: *authUser, Password: *authPass})
	}
	if err != nil {
		slog.Error("Exiting", "error", err)
		stop()
		os.Exit(1)
	}
}

func newExtractor(kind, geminiKey, geminiModel, ollamaURL, ollamaModel string) (extraction.Extractor, error) {
	switch kind {
	case "gemini":
		apiKey := geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
		}
		slog.Info("Initializing Gemini extractor...", "model", geminiModel)
		return extraction.NewGemini(apiKey, geminiModel)
	case "ollama":
		slog.Info("Initializing Ollama extractor...", "url", ollamaURL, "model", ollamaModel)
		return extraction.NewOllama(ollamaURL, ollamaModel)
	default:
		return nil, fmt.Errorf("invalid scanner type %q, valid: gemini or ollama", kind)
	}
}

// runBatch processes the given files once and prints the vendor summary as CSV
func runBatch(ctx context.Context, service *invoice.Service, files []string) error {
	docs := make([]invoice.Document, 0, len(files))
	for _, path := range files {
		doc, err := invoice.LoadDocument(path)
		if err != nil {
			return err
		}
		docs = append(docs, doc)
	}
	if _, added := service.Enqueue(docs...); len(added) < len(docs) {
		slog.Warn("Skipped documents with duplicate names", "skipped", len(docs)-len(added))
	}

	run, err := service.Process(ctx, func(index, total int, name string) {
		fmt.Fprintf(os.Stderr, "[%d/%d] %s\n", index+1, total, name)
	})
	if err != nil {
		return err
	}

	for _, f := range run.Result.Failures {
		fmt.Fprintf(os.Stderr, "failed: %s: %s\n", f.Document, f.Error)
	}
	if err := invoice.WriteSummaryCSV(os.Stdout, run.Summary); err != nil {
		return fmt.Errorf("writing summary: %w", err)
	}

	if !run.Result.Completed {
		return fmt.Errorf("run cancelled after %d of %d documents", run.Result.Attempted, len(run.Documents))
	}
	if len(run.Result.Failures) > 0 {
		return fmt.Errorf("%d of %d documents failed", len(run.Result.Failures), len(run.Documents))
	}
	return nil
}

// serve runs the HTTP server until ctx is cancelled
func serve(ctx context.Context, service *invoice.Service, port int, auth invoice.BasicAuth) error {
	server := invoice.NewServer(service, auth)
	addr := fmt.Sprintf(":%d", port)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr))
	if auth.Username != "" || auth.Password != "" {
		slog.Info("Basic auth enabled", "user", auth.Username)
	}

	return g.Wait()
}

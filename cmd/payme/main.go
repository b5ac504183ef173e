package main

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"go.etcd.io/bbolt"

	"github.com/zombor/payme/internal/api"
	"github.com/zombor/payme/internal/bill"
	"github.com/zombor/payme/internal/dedup"
	"github.com/zombor/payme/internal/iban"
	"github.com/zombor/payme/internal/notify"
	"github.com/zombor/payme/internal/photos"
	"github.com/zombor/payme/internal/poller"
	"github.com/zombor/payme/internal/scanning"
	"github.com/zombor/payme/internal/wise"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

const usageCommands = `Commands:
  poll                       Check the photo source for new bills
  list                       List active bills (--history adds terminal ones)
  status                     Show pending bills, balance and transfers waiting for 2FA
  approve <bill-id>          Execute the payment for a pending bill
  reject <bill-id>           Decline a pending bill
  reconcile                  Refresh in-flight transfers from the provider
  override-duplicate <id>    Clear the duplicate warning on a bill
  set-status <id> <status>   Force a bill into a status (operator escape hatch)
  import-bank-db <file>      Import the Bundesbank BLZ file into the local bank directory
  serve                      Run the HTTP API with periodic poll and reconcile cycles`

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("payme")
	var (
		port                = fs.IntLong("port", 8080, "HTTP server port (serve command)")
		dbPath              = fs.StringLong("db", "payme.db", "Database file path")
		photosDir           = fs.StringLong("photos-dir", "./photos", "Directory watched for bill photos")
		scannerType         = fs.StringLong("scanner", "gemini", "Scanner type: 'gemini' or 'ollama'")
		geminiKey           = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel         = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		ollamaURL           = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel         = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, llava-phi3, bakllava, qwen2-vl)")
		wiseToken           = fs.StringLong("wise-token", "", "Wise API token (or set PAYME_WISE_TOKEN env var)")
		wiseProfile         = fs.IntLong("wise-profile", 0, "Wise profile ID")
		wiseAPI             = fs.StringLong("wise-api", "", "Wise API base URL (default production)")
		wiseDelay           = fs.DurationLong("wise-delay", wise.DefaultAPIDelay, "Minimum spacing between Wise API calls")
		currency            = fs.StringLong("currency", "EUR", "Settlement currency")
		confidenceThreshold = fs.Float64Long("confidence-threshold", 0.9, "Extraction confidence below which bills are flagged")
		dedupWindow         = fs.DurationLong("dedup-window", dedup.DefaultWindow, "Duplicate detection window")
		groupingWindow      = fs.DurationLong("grouping-window", photos.DefaultGroupingWindow, "Capture-time window for multi-page grouping")
		pollInterval        = fs.DurationLong("poll-interval", 30*time.Minute, "Poll cycle interval (serve command)")
		reconcileInterval   = fs.DurationLong("reconcile-interval", 10*time.Minute, "Reconcile cycle interval (serve command)")
		lockDir             = fs.StringLong("lock-dir", os.TempDir(), "Directory for cycle lock files; empty disables locking")
		lockTimeout         = fs.DurationLong("lock-timeout", 5*time.Second, "How long to wait for a cycle lock")
		notifyURL           = fs.StringLong("notify-url", "", "Webhook URL for lifecycle notifications (optional)")
		authUser            = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass            = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		includeHistory      = fs.BoolLong("history", "Include terminal bills in list output")
		showVersion         = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("PAYME"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "%s\n\n", usageCommands)
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	args := fs.GetArgs()
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "%s\n", usageCommands)
		os.Exit(1)
	}
	cmd := args[0]

	db, err := bbolt.Open(*dbPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		slog.Error("Failed to open database", "path", *dbPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	bills, err := bill.NewBoltDB(db)
	if err != nil {
		slog.Error("Failed to initialize bill database", "error", err)
		os.Exit(1)
	}
	banks, err := iban.NewDirectory(db, "")
	if err != nil {
		slog.Error("Failed to initialize bank directory", "error", err)
		os.Exit(1)
	}

	// import-bank-db needs nothing beyond the directory
	if cmd == "import-bank-db" {
		runImportBankDB(banks, args[1:])
		return
	}

	source, err := photos.NewFolderSource(*photosDir, db)
	if err != nil {
		slog.Error("Failed to initialize photo source", "dir", *photosDir, "error", err)
		os.Exit(1)
	}
	guard, err := dedup.NewGuard(db, *dedupWindow)
	if err != nil {
		slog.Error("Failed to initialize dedup guard", "error", err)
		os.Exit(1)
	}

	var notifier notify.Notifier = notify.Noop{}
	if *notifyURL != "" {
		notifier = notify.NewWebhook(*notifyURL)
	}

	var gateway poller.Gateway
	if needsGateway(cmd) {
		token := *wiseToken
		if token == "" {
			token = os.Getenv("PAYME_WISE_TOKEN")
		}
		client, err := wise.NewClient(*wiseAPI, token, int64(*wiseProfile), *wiseDelay)
		if err != nil {
			slog.Error("Failed to initialize payment gateway", "error", err)
			os.Exit(1)
		}
		gateway = client
	}

	var extractor poller.Extractor
	if cmd == "poll" || cmd == "serve" {
		scanner, err := newScanner(*scannerType, *geminiKey, *geminiModel, *ollamaURL, *ollamaModel)
		if err != nil {
			slog.Error("Failed to initialize scanner", "error", err)
			os.Exit(1)
		}
		defer scanner.Close()
		extractor = scanning.NewPipeline(scanner, *currency)
	}

	service := poller.NewService(bills, source, extractor, banks, guard, gateway, notifier, poller.Config{
		Currency:            *currency,
		ConfidenceThreshold: *confidenceThreshold,
		GroupingWindow:      *groupingWindow,
		LockDir:             *lockDir,
		LockTimeout:         *lockTimeout,
	})

	ctx := context.Background()
	switch cmd {
	case "poll":
		result, err := service.Poll(ctx)
		exitOn(err)
		printJSON(result)
	case "list":
		bills, err := service.ListBills(*includeHistory)
		exitOn(err)
		printJSON(bills)
	case "status":
		overview, err := service.Status(ctx)
		exitOn(err)
		printJSON(overview)
	case "approve":
		result, err := service.Approve(ctx, requireArg(args, 1, "bill id"))
		exitOn(err)
		printJSON(result)
	case "reject":
		b, err := service.Reject(ctx, requireArg(args, 1, "bill id"))
		exitOn(err)
		printJSON(b)
	case "reconcile":
		result, err := service.Reconcile(ctx)
		exitOn(err)
		printJSON(result)
	case "override-duplicate":
		b, err := service.OverrideDuplicate(requireArg(args, 1, "bill id"))
		exitOn(err)
		printJSON(b)
	case "set-status":
		status := bill.Status(requireArg(args, 2, "status"))
		if !status.Valid() {
			slog.Error("Unknown status", "status", status)
			os.Exit(1)
		}
		b, err := service.SetStatus(requireArg(args, 1, "bill id"), status)
		exitOn(err)
		printJSON(b)
	case "serve":
		serve(ctx, service, api.BasicAuth{Username: *authUser, Password: *authPass},
			*port, *pollInterval, *reconcileInterval)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n%s\n", cmd, usageCommands)
		os.Exit(1)
	}
}

func needsGateway(cmd string) bool {
	switch cmd {
	case "poll", "approve", "status", "reconcile", "serve":
		return true
	}
	return false
}

func newScanner(scannerType, geminiKey, geminiModel, ollamaURL, ollamaModel string) (scanning.Extractor, error) {
	switch scannerType {
	case "gemini":
		apiKey := geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("gemini API key is required: set --gemini-key or GEMINI_API_KEY")
		}
		slog.Info("Initializing Gemini scanner...", "model", geminiModel)
		return scanning.NewGemini(apiKey, geminiModel)
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", ollamaURL, "model", ollamaModel)
		return scanning.NewOllama(ollamaURL, ollamaModel)
	default:
		return nil, fmt.Errorf("invalid scanner type %q: use gemini or ollama", scannerType)
	}
}

func runImportBankDB(banks *iban.Directory, args []string) {
	if len(args) == 0 {
		slog.Error("import-bank-db requires the path to a Bundesbank BLZ file")
		os.Exit(1)
	}
	f, err := os.Open(args[0])
	if err != nil {
		slog.Error("Failed to open bank file", "path", args[0], "error", err)
		os.Exit(1)
	}
	defer f.Close()

	count, err := banks.ImportBankDB(f)
	if err != nil {
		slog.Error("Bank import failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Bank directory imported", "banks", count)
}

// serve runs the HTTP API plus periodic poll and reconcile cycles until
// interrupted. One poll and one reconcile run at startup so a restart never
// waits a full interval.
func serve(ctx context.Context, service *poller.Service, auth api.BasicAuth,
	port int, pollInterval, reconcileInterval time.Duration) {

	server := api.NewServer(service, auth)
	addr := fmt.Sprintf(":%d", port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()
	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr))
	if auth.Username != "" || auth.Password != "" {
		slog.Info("Basic auth enabled", "user", auth.Username)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go runCycles(ctx, service, pollInterval, reconcileInterval)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
}

func runCycles(ctx context.Context, service *poller.Service, pollInterval, reconcileInterval time.Duration) {
	runPoll(ctx, service)
	runReconcile(ctx, service)

	pollTicker := time.NewTicker(pollInterval)
	defer pollTicker.Stop()
	reconcileTicker := time.NewTicker(reconcileInterval)
	defer reconcileTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pollTicker.C:
			runPoll(ctx, service)
		case <-reconcileTicker.C:
			runReconcile(ctx, service)
		}
	}
}

func runPoll(ctx context.Context, service *poller.Service) {
	result, err := service.Poll(ctx)
	if err != nil {
		if errors.Is(err, poller.ErrLockHeld) {
			slog.Info("Poll skipped, cycle already running")
			return
		}
		slog.Error("Poll failed", "error", err)
		return
	}
	slog.Info("Poll complete", "new_bills", result.BillsCreated, "errors", len(result.Errors))
}

func runReconcile(ctx context.Context, service *poller.Service) {
	result, err := service.Reconcile(ctx)
	if err != nil {
		if errors.Is(err, poller.ErrLockHeld) {
			slog.Info("Reconcile skipped, cycle already running")
			return
		}
		slog.Error("Reconcile failed", "error", err)
		return
	}
	if result.Checked > 0 {
		slog.Info("Reconcile complete", "checked", result.Checked, "updated", result.Updated)
	}
}

func requireArg(args []string, i int, name string) string {
	if len(args) <= i {
		slog.Error("Missing argument", "argument", name, "command", args[0])
		os.Exit(1)
	}
	return args[i]
}

func exitOn(err error) {
	if err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		slog.Error("Failed to encode output", "error", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}

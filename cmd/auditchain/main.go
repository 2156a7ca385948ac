// Package main is the CLI entry point for auditchain — the
// tamper-evident, hash-chained audit logging service.
//
// The core records regulatory-sensitive events (data processing,
// consent changes, user-rights actions, privileged system access) in
// per-organisation hash chains: each entry's hash depends on the
// previous entry's hash, so altering, reordering, or deleting any past
// entry is detectable by recomputation.
//
// CLI commands (cobra):
//
//	auditchain serve        - Run the feed server + scheduled verification
//	auditchain append       - Append an entry from a JSON request
//	auditchain verify       - Verify an organisation's chain
//	auditchain head         - Show an organisation's chain head
//	auditchain query        - Query entries with filters
//	auditchain export       - Export an organisation's entries
//	auditchain config       - View/generate configuration
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/brightbeamsuk/inteLMS-sub002/internal/audit"
	"github.com/brightbeamsuk/inteLMS-sub002/internal/config"
	"github.com/brightbeamsuk/inteLMS-sub002/internal/feed"
	"github.com/brightbeamsuk/inteLMS-sub002/internal/store"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
)

// defaultStateDir returns the path to ~/.auditchain/ where runtime
// state lives: config.yaml and the audit database.
func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fall back to the current directory if home can't be determined.
		return ".auditchain"
	}
	return filepath.Join(home, ".auditchain")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// stateDir is the global flag for the service state directory.
var stateDir string

var rootCmd = &cobra.Command{
	Use:   "auditchain",
	Short: "auditchain — Tamper-evident hash-chained audit logging",
	Long: `auditchain records regulatory-sensitive events in per-organisation
hash chains. Each entry's hash is computed over its canonical payload and
the previous entry's hash, so any alteration of past entries breaks the
chain from that point forward and is detectable by verification.

Run 'auditchain serve' to start the feed server, or use the append/verify/
query subcommands against the audit database directly.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&stateDir,
		"state-dir",
		defaultStateDir(),
		"Path to the auditchain config and state directory",
	)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(headCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig loads config.yaml from the state directory.
func loadConfig() (*config.Config, error) {
	return config.Load(filepath.Join(stateDir, "config.yaml"))
}

// openStore opens the audit database configured in cfg, resolving a
// relative path against the state directory.
func openStore(cfg *config.Config) (*store.SQLite, error) {
	path := cfg.Storage.Path
	if !filepath.IsAbs(path) {
		if err := os.MkdirAll(stateDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating state directory %s: %w", stateDir, err)
		}
		path = filepath.Join(stateDir, path)
	}
	return store.Open(path)
}

// ============================================================================
// auditchain serve — Feed server + scheduled verification
// ============================================================================

// serveCmd runs the long-lived service: the HTTP/WebSocket feed and a
// periodic verification sweep over every organisation's chain.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the audit feed server and scheduled chain verification",
	Long: `Run the long-lived audit service. Serves the HTTP API and WebSocket
live feed (if enabled in config) and periodically verifies every
organisation's chain, broadcasting verification reports to feed clients.

The config file is watched for changes: edits to the verification
interval take effect without a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	db, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open audit store: %w", err)
	}
	defer db.Close()

	verifier := audit.NewVerifier(db)

	// The feed server is wired before the appender so the appender's
	// OnAppend callback can broadcast entries to live clients.
	var feedServer *feed.Server
	appenderOpts := audit.AppenderOptions{
		Store:        db,
		MaxAttempts:  cfg.Append.MaxAttempts,
		RetryBackoff: cfg.Append.RetryBackoff(),
	}
	if cfg.Feed.Enabled {
		feedServer = feed.New(feed.Options{
			Verifier: verifier,
			Store:    db,
		})
		appenderOpts.OnAppend = feedServer.BroadcastEntry
	}
	appender := audit.NewAppender(appenderOpts)
	if feedServer != nil {
		feedServer.SetAppender(appender)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Scheduled verification sweep ---
	// The interval is hot-reloadable: the config watcher pokes reloadCh
	// and the sweep loop re-reads config.yaml.
	reloadCh := make(chan struct{}, 1)
	go verificationSweep(ctx, db, verifier, feedServer, cfg.Verification.Interval(), reloadCh)

	watcher, err := config.NewWatcher(stateDir, config.WatchTargets{
		OnConfigChange: func() {
			select {
			case reloadCh <- struct{}{}:
			default:
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer watcher.Close()

	// --- Feed HTTP server ---
	errCh := make(chan error, 1)
	var server *http.Server
	if cfg.Feed.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.Feed.Host, cfg.Feed.Port)
		server = &http.Server{
			Addr:              addr,
			Handler:           feedServer.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			fmt.Printf("[auditchain] Feed listening on http://%s\n", addr)
			errCh <- server.ListenAndServe()
		}()
	} else {
		fmt.Println("[auditchain] Feed disabled; running verification sweep only")
	}
	fmt.Println("[auditchain] Press Ctrl+C to stop")

	select {
	case <-ctx.Done():
		fmt.Println("\n[auditchain] Shutting down (signal received)...")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("feed server error: %w", err)
		}
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			fmt.Fprintf(os.Stderr, "[auditchain] Shutdown error: %v\n", shutdownErr)
		}
	}

	fmt.Println("[auditchain] Stopped")
	return nil
}

// verificationSweep periodically verifies every organisation's chain.
// Reports are broadcast to feed clients when the feed is enabled.
// A zero interval disables the sweep until a config reload sets one.
func verificationSweep(ctx context.Context, db *store.SQLite, verifier *audit.Verifier, feedServer *feed.Server, interval time.Duration, reloadCh <-chan struct{}) {
	var tickCh <-chan time.Time
	var ticker *time.Ticker
	if interval > 0 {
		ticker = time.NewTicker(interval)
		tickCh = ticker.C
		defer ticker.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-reloadCh:
			cfg, err := loadConfig()
			if err != nil {
				fmt.Fprintf(os.Stderr, "[auditchain] Warning: config reload failed: %v\n", err)
				continue
			}
			if ticker != nil {
				ticker.Stop()
				ticker = nil
				tickCh = nil
			}
			if next := cfg.Verification.Interval(); next > 0 {
				ticker = time.NewTicker(next)
				tickCh = ticker.C
			}
			fmt.Printf("[auditchain] Verification interval reloaded: %s\n", cfg.Verification.Interval())

		case <-tickCh:
			orgs, err := db.Organisations(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[auditchain] Warning: listing organisations failed: %v\n", err)
				continue
			}
			for _, org := range orgs {
				report, err := verifier.VerifyChain(ctx, org, audit.ListOptions{})
				if err != nil {
					fmt.Fprintf(os.Stderr, "[auditchain] Warning: verifying %s failed: %v\n", org, err)
					continue
				}
				if feedServer != nil {
					feedServer.BroadcastReport(report)
				}
				if !report.Valid {
					fmt.Fprintf(os.Stderr, "[auditchain] ALERT: chain for %s is broken at entry %s\n",
						org, report.BrokenAt)
				}
			}
		}
	}
}

// ============================================================================
// auditchain append — Append an entry
// ============================================================================

// appendFile is the path to a JSON request file ("-" reads stdin).
var appendFile string

// appendCmd appends a single entry from a JSON request document.
// Example:
//
//	auditchain append '{"organisationId":"org-1","action":"data.export",
//	  "resource":"user_data","category":"data_processing"}'
var appendCmd = &cobra.Command{
	Use:   "append [json]",
	Short: "Append an audit entry from a JSON request",
	Long: `Append a single audit entry. The request is a JSON document matching
the append request schema (organisationId, action, resource, category are
required). Provide it as an argument, or use --file to read it from a file
("-" for stdin).

Prints the receipt: entry id, hash, chain length, and retry attempts.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var raw []byte
		switch {
		case len(args) == 1:
			raw = []byte(args[0])
		case appendFile == "-":
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("reading request from stdin: %w", err)
			}
			raw = data
		case appendFile != "":
			data, err := os.ReadFile(appendFile)
			if err != nil {
				return fmt.Errorf("reading request file: %w", err)
			}
			raw = data
		default:
			return fmt.Errorf("provide a JSON request argument or --file")
		}

		var req audit.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			return fmt.Errorf("invalid append request: %w", err)
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		db, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("failed to open audit store: %w", err)
		}
		defer db.Close()

		appender := audit.NewAppender(audit.AppenderOptions{
			Store:        db,
			MaxAttempts:  cfg.Append.MaxAttempts,
			RetryBackoff: cfg.Append.RetryBackoff(),
		})

		receipt, err := appender.Append(cmd.Context(), req)
		if err != nil {
			return fmt.Errorf("append failed: %w", err)
		}

		fmt.Printf("[auditchain] Appended entry %s\n", receipt.EntryID)
		fmt.Printf("  Hash:         %s\n", receipt.Hash)
		fmt.Printf("  Chain length: %d\n", receipt.ChainLength)
		fmt.Printf("  Correlation:  %s\n", receipt.CorrelationID)
		fmt.Printf("  Attempts:     %d\n", receipt.Attempts)
		return nil
	},
}

func init() {
	appendCmd.Flags().StringVar(&appendFile, "file", "", `Read the JSON request from a file ("-" for stdin)`)
}

// ============================================================================
// auditchain verify — Verify a chain
// ============================================================================

// verifyReverify forces broken -> valid promotion on a clean walk.
var verifyReverify bool

// verifyCmd verifies the integrity of an organisation's hash chain and
// prints the full report. Exits non-zero when tamper evidence is found.
var verifyCmd = &cobra.Command{
	Use:   "verify <organisation-id>",
	Short: "Verify chain integrity for an organisation",
	Long: `Walk an organisation's audit entries in creation order, recompute every
hash from its stored canonical payload, and validate the linkage between
consecutive entries and the chain head.

Hash mismatches and broken linkage are tamper evidence. Head
inconsistencies and orphaned entries are reported separately — they
usually indicate a crash-interrupted append rather than tampering.

Use --reverify after remediation to promote a broken chain back to valid
when the walk comes back clean (this never happens automatically).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		org := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		db, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("failed to open audit store: %w", err)
		}
		defer db.Close()

		verifier := audit.NewVerifier(db)

		var report *audit.ChainReport
		if verifyReverify {
			report, err = verifier.Reverify(cmd.Context(), org)
		} else {
			report, err = verifier.VerifyChain(cmd.Context(), org, audit.ListOptions{})
		}
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}

		printReport(report)
		if !report.Valid {
			return fmt.Errorf("audit chain integrity violation detected")
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyReverify, "reverify", false, "Promote a broken chain back to valid if the walk is clean")
}

// printReport formats a chain report for the terminal.
func printReport(r *audit.ChainReport) {
	if r.Valid {
		fmt.Printf("[auditchain] Chain VALID for %s (%d entries verified)\n",
			r.OrganisationID, r.EntriesChecked)
	} else {
		fmt.Printf("[auditchain] Chain BROKEN for %s at entry %s\n",
			r.OrganisationID, r.BrokenAt)
	}
	if !r.HeadConsistent {
		fmt.Println("[auditchain] Head INCONSISTENT with the latest entry")
	}
	for _, f := range r.Findings {
		fmt.Printf("  [%s] %s", f.Kind, f.Detail)
		if f.EntryID != "" {
			fmt.Printf(" (entry %s)", f.EntryID)
		}
		fmt.Println()
		if f.Expected != "" || f.Actual != "" {
			fmt.Printf("    expected: %s\n    actual:   %s\n", f.Expected, f.Actual)
		}
	}
}

// ============================================================================
// auditchain head — Show a chain head
// ============================================================================

var headCmd = &cobra.Command{
	Use:   "head <organisation-id>",
	Short: "Show an organisation's chain head",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		db, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("failed to open audit store: %w", err)
		}
		defer db.Close()

		head, err := db.GetChainHead(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to load chain head: %w", err)
		}

		fmt.Printf("Organisation: %s\n", head.OrganisationID)
		fmt.Printf("  Last entry:   %s\n", head.LastEntryID)
		fmt.Printf("  Last hash:    %s\n", head.LastHash)
		fmt.Printf("  Chain length: %d\n", head.ChainLength)
		fmt.Printf("  Version:      %d\n", head.Version)
		fmt.Printf("  Status:       %s\n", head.VerificationStatus)
		if head.LastVerified != nil {
			fmt.Printf("  Verified at:  %s\n", head.LastVerified.Format(time.RFC3339))
		}
		if head.BrokenAtEntryID != "" {
			fmt.Printf("  Broken at:    %s\n", head.BrokenAtEntryID)
		}
		return nil
	},
}

// ============================================================================
// auditchain query — Query entries with filters
// ============================================================================

// Query filter flags.
var (
	queryOrg         string
	queryCategory    string
	queryOutcome     string
	queryResource    string
	queryCorrelation string
	queryLimit       int
)

// queryCmd queries audit entries with filters. The resource filter is a
// glob pattern, e.g. "document/*".
var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit entries with filters",
	Long: `Query an organisation's audit entries, most recent first. Supports
filtering by category, outcome, correlation id, and a resource glob
pattern.

Examples:
  auditchain query --org org-1 --category consent --limit 100
  auditchain query --org org-1 --resource "document/*" --outcome denied`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if queryOrg == "" {
			return fmt.Errorf("--org is required")
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		db, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("failed to open audit store: %w", err)
		}
		defer db.Close()

		entries, err := db.Query(cmd.Context(), queryOrg, store.QueryParams{
			Category:      queryCategory,
			Outcome:       queryOutcome,
			Resource:      queryResource,
			CorrelationID: queryCorrelation,
			Limit:         queryLimit,
		})
		if err != nil {
			return fmt.Errorf("query failed: %w", err)
		}

		if len(entries) == 0 {
			fmt.Println("No matching audit entries found.")
			return nil
		}

		for _, e := range entries {
			printEntry(e)
		}
		fmt.Printf("\n%d entries found.\n", len(entries))
		return nil
	},
}

func init() {
	queryCmd.Flags().StringVar(&queryOrg, "org", "", "Organisation id (required)")
	queryCmd.Flags().StringVar(&queryCategory, "category", "", "Filter by category (data_processing, consent, rights_request, system_access)")
	queryCmd.Flags().StringVar(&queryOutcome, "outcome", "", "Filter by outcome (success, failure, denied)")
	queryCmd.Flags().StringVar(&queryResource, "resource", "", `Filter by resource glob pattern (e.g. "document/*")`)
	queryCmd.Flags().StringVar(&queryCorrelation, "correlation", "", "Filter by correlation id")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 50, "Maximum number of entries to return")
}

// printEntry formats a single audit entry to stdout.
func printEntry(e audit.Entry) {
	outcome := string(e.Outcome)
	if e.Outcome == audit.OutcomeDenied {
		outcome = strings.ToUpper(outcome)
	}
	fmt.Printf("[%s] org=%-10s action=%-24s resource=%-16s category=%-16s outcome=%s\n",
		e.Timestamp.Format(time.RFC3339), e.OrganisationID, e.Action, e.Resource,
		e.Category, outcome)
}

// ============================================================================
// auditchain export — Export entries
// ============================================================================

var (
	exportOrg    string
	exportFormat string
)

// exportCmd exports an organisation's full entry log to stdout.
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export an organisation's audit entries",
	Long: `Export an organisation's complete audit log to stdout in the specified
format. Supported formats: csv, json, jsonl.

Example:
  auditchain export --org org-1 --format csv > audit_export.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportOrg == "" {
			return fmt.Errorf("--org is required")
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		db, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("failed to open audit store: %w", err)
		}
		defer db.Close()

		entries, err := db.ListEntries(cmd.Context(), exportOrg, audit.ListOptions{})
		if err != nil {
			return fmt.Errorf("failed to list entries: %w", err)
		}

		return audit.Export(os.Stdout, entries, exportFormat)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportOrg, "org", "", "Organisation id (required)")
	exportCmd.Flags().StringVar(&exportFormat, "format", "jsonl", "Export format: csv, json, jsonl")
}

// ============================================================================
// auditchain config — Configuration management
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and generate service configuration",
	Long: `Manage the auditchain configuration. The config file lives at
<state-dir>/config.yaml and defines the storage path, append retry
budget, feed server address, and verification schedule.`,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGenerateCmd)
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := filepath.Join(stateDir, "config.yaml")
		data, err := os.ReadFile(configPath)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Printf("No config file found at %s\n", configPath)
				fmt.Println("Run 'auditchain config generate' to create one with defaults.")
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}

var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write a default config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(stateDir, 0o755); err != nil {
			return fmt.Errorf("failed to create state directory: %w", err)
		}
		configPath := filepath.Join(stateDir, "config.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("config already exists at %s", configPath)
		}
		if err := config.WriteDefault(configPath); err != nil {
			return fmt.Errorf("failed to write default config: %w", err)
		}
		fmt.Printf("[auditchain] Wrote default config to %s\n", configPath)
		return nil
	},
}

package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hpungsan/tidings/internal/changes"
	"github.com/hpungsan/tidings/internal/config"
	"github.com/hpungsan/tidings/internal/db"
	"github.com/hpungsan/tidings/internal/logger"
	"github.com/hpungsan/tidings/internal/mcp"
	"github.com/hpungsan/tidings/internal/ops"
	"github.com/hpungsan/tidings/internal/policy"
	"github.com/hpungsan/tidings/internal/redisstore"
)

// Version is set via -ldflags at build time.
var Version = "dev"

// cliCommands contains known CLI subcommands.
var cliCommands = map[string]bool{
	"reconcile": true, "notified": true, "records": true,
	"categories": true, "watch": true,
	"help": true,
}

// isCLIMode determines if we should run CLI vs MCP server.
func isCLIMode() bool {
	if len(os.Args) < 2 {
		return false // No args → MCP server
	}
	arg := os.Args[1]
	// Known subcommand → CLI
	if cliCommands[arg] {
		return true
	}
	// --help or --version → CLI
	if arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v" {
		return true
	}
	return false // Default → MCP server
}

// isHelpOrVersion returns true if the user is requesting help or version info.
func isHelpOrVersion() bool {
	if len(os.Args) < 2 {
		return false
	}
	arg := os.Args[1]
	return arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v" || arg == "help"
}

// isTerminal returns true if stdin is a terminal (not piped).
func isTerminal() bool {
	stat, _ := os.Stdin.Stat()
	return (stat.Mode() & os.ModeCharDevice) != 0
}

// printBanner displays a friendly banner when run interactively without args.
func printBanner() {
	fmt.Println(`
   _   _     _ _
  | |_(_) __| (_)_ __   __ _ ___
  | __| |/ _' | | '_ \ / _' / __|
  | |_| | (_| | | | | | (_| \__ \
   \__|_|\__,_|_|_| |_|\__, |___/
                       |___/

  Feed change reconciliation

  Usage: tidings <command> [options]
         tidings --help

  MCP server mode requires piped input.`)
}

func main() {
	// No args + interactive terminal → show banner and exit
	if len(os.Args) < 2 && isTerminal() {
		printBanner()
		return
	}

	// Handle --help/--version before store init (no store needed)
	if isHelpOrVersion() {
		app := newCLIApp(nil)
		if err := app.Run(os.Args); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("could not determine home directory: %w", err)
	}
	baseDir := filepath.Join(homeDir, ".tidings")

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("could not determine working directory: %w", err)
	}
	cfg, err := config.LoadWithRepo(baseDir, cwd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	if unknown := mcp.ValidateDisabledTools(cfg.DisabledTools); len(unknown) > 0 {
		log.Warn("ignoring unknown disabled_tools", "tools", unknown)
	}

	store, closeStore, err := openStore(baseDir, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	registry, err := loadRegistry(baseDir, log)
	if err != nil {
		return err
	}

	env := ops.NewEnv(store, registry,
		changes.WithLogger(log),
		changes.WithWriteConcurrency(cfg.WriteConcurrency),
	)
	a := &appEnv{env: env, cfg: cfg, log: log, baseDir: baseDir}

	// CLI mode: known subcommand
	if isCLIMode() {
		return newCLIApp(a).Run(os.Args)
	}

	// Unknown argument + terminal → show error (don't start MCP server)
	if len(os.Args) >= 2 && isTerminal() {
		return fmt.Errorf("unknown command %q\nRun 'tidings --help' for usage", os.Args[1])
	}

	// MCP server mode (default)
	return mcp.Run(env, cfg, Version)
}

// openStore opens the configured record store and returns a close func.
func openStore(baseDir string, cfg *config.Config) (ops.Store, func(), error) {
	switch cfg.Store {
	case config.StoreRedis:
		rdb := redisstore.NewClient(cfg)
		store := redisstore.New(rdb)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		return store, func() { _ = rdb.Close() }, nil
	default:
		database, err := db.Init(baseDir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		db.ConfigurePool(database, cfg)
		return db.NewRecordStore(database), func() { _ = database.Close() }, nil
	}
}

// loadRegistry reads baseDir/categories.yml, falling back to the built-in
// categories when the file does not exist yet.
func loadRegistry(baseDir string, log *logger.Logger) (*policy.Registry, error) {
	path := filepath.Join(baseDir, policy.FileName)
	registry, err := policy.Load(path)
	if err == nil {
		return registry, nil
	}
	if !stderrors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	log.Info("no category registry found, using defaults", "path", path)
	return policy.New(policy.Defaults())
}

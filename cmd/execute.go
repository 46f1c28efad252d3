// Package cmd contains the modelrelay entry points: the gateway server,
// migrations and the one-off sweep. All application logic lives here,
// leaving main.go as a minimal entry point.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/modelrelay/modelrelay/internal/log"
)

// Execute is the main entry point for the modelrelay gateway.
func Execute() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	switch command {
	case "version", "--version", "-v":
		return printVersionInfo()
	case "help", "--help", "-h":
		printHelp()
		return nil
	}

	logger := initLogger()
	slog.SetDefault(logger)

	switch command {
	case "serve":
		return runServe(logger)
	case "migrate":
		return runMigrate(logger)
	case "sweep":
		return runSweep(logger)
	default:
		printHelp()
		return fmt.Errorf("unknown command %q", command)
	}
}

// initLogger initializes the structured logger.
//
// DEBUG (any value) enables debug level. MODELRELAY_LOG_JSON (any value)
// switches to JSON output for log aggregation.
func initLogger() *slog.Logger {
	cfg := log.Config{Level: slog.LevelInfo}
	if os.Getenv("DEBUG") != "" {
		cfg.Level = slog.LevelDebug
	}
	if os.Getenv("MODELRELAY_LOG_JSON") != "" {
		cfg.JSON = true
	}
	return log.New(cfg)
}

// printHelp displays the help message.
func printHelp() {
	fmt.Println("modelrelay - API-key-scoped LLM session gateway")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  modelrelay [serve]     Start the gateway server (default)")
	fmt.Println("  modelrelay migrate     Apply database migrations and exit")
	fmt.Println("  modelrelay sweep       Run one expiry sweep cycle and exit")
	fmt.Println("  modelrelay version     Show version information")
	fmt.Println("  modelrelay help        Show this help")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Environment variables (MODELRELAY_*) override")
	fmt.Println("  ~/.modelrelay/config.yaml, which overrides built-in defaults.")
	fmt.Println("  DATABASE_URL, when set, overrides the postgres_* settings.")
	fmt.Println()
	fmt.Println("  DEBUG                  Enable debug logging")
	fmt.Println("  MODELRELAY_LOG_JSON    JSON log output")
}

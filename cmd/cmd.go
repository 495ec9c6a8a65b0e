// Package cmd contains the relay entry point and command routing. main.go
// stays a minimal shim; all initialization and dispatch lives here.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/koopa0/relay/internal/log"
)

// Version information (injected at build time via ldflags).
var (
	Version   = "development"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Execute is the main entry point for the relay binary. It handles flag
// parsing and command routing, and is called from main().
func Execute() error {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "version", "--version", "-v":
		printVersion()
		return nil
	case "help", "--help", "-h":
		printHelp()
		return nil
	}

	logger := initLogger()
	slog.SetDefault(logger)

	switch cmd {
	case "serve":
		return runServe(logger)
	case "migrate":
		return runMigrate(logger)
	default:
		printHelp()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// initLogger builds the process logger. DEBUG in the environment enables
// debug level; RELAY_LOG_JSON switches to JSON output for production.
func initLogger() *slog.Logger {
	return log.New(log.Config{
		Level: logLevel(),
		JSON:  os.Getenv("RELAY_LOG_JSON") != "",
	})
}

func logLevel() slog.Level {
	if os.Getenv("DEBUG") != "" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func printVersion() {
	fmt.Printf("relay %s\n", Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}

func printHelp() {
	fmt.Println("relay - streaming LLM inference gateway")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  relay serve        Start the HTTP API server (default)")
	fmt.Println("  relay migrate      Run database migrations and exit")
	fmt.Println("  relay version      Show version information")
	fmt.Println("  relay help         Show this help")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  OPENAI_API_KEY     API key for the openai provider")
	fmt.Println("  GEMINI_API_KEY     API key for the googleai provider")
	fmt.Println("  RELAY_*            Configuration overrides (see docs)")
	fmt.Println("  DEBUG              Enable debug logging")
	fmt.Println("  RELAY_LOG_JSON     Log in JSON format")
}

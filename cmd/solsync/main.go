package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "solsync",
		Usage: "Solana wallet sync engine",
		Description: `Keeps a local, crash-durable copy of one wallet's balance, token accounts
and transaction history in sync with a Solana node.

"solsync run" hosts the engine and its HTTP API. The remaining commands talk to
a running instance, or read the local cache directly ("db").`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			runCommand(),
			statusCommand(),
			balanceCommand(),
			transactionsCommand(),
			tokensCommand(),
			tokenCommand(),
			refreshCommand(),
			pendingCommand(),
			streamCommand(),
			natsCommand(),
			{
				Name:  "db",
				Usage: "Local cache commands (no server needed)",
				Subcommands: []*cli.Command{
					dbClearCommand(),
					dbTransactionsCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Usage:   "solsync HTTP API URL",
				EnvVars: []string{"SOLSYNC_SERVER_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"LOG_LEVEL"},
				Value:   "info",
			},
		},
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(levelStr),
	}))
}

func parseLevel(levelStr string) slog.Level {
	switch levelStr {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

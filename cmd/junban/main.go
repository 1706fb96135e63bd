package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/junban"
	"github.com/ashita-ai/junban/internal/cli"
	"github.com/ashita-ai/junban/internal/config"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0(os.Args[1:]))
}

func run0(args []string) int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	level, levelErr := config.LogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	if levelErr != nil {
		logger.Warn("invalid log level, using info", "error", levelErr)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, args); err != nil {
		fmt.Fprintln(os.Stderr, "junban:", err)
		return cli.GetExitCode(err)
	}
	return cli.ExitSuccess
}

func run(ctx context.Context, logger *slog.Logger, args []string) error {
	root := cli.NewRootCommand(&cli.RootOptions{
		Logger:  logger,
		Version: version,
		Serve: func(ctx context.Context) error {
			app, err := junban.New(
				junban.WithVersion(version),
				junban.WithLogger(logger),
			)
			if err != nil {
				return err
			}
			return app.Run(ctx)
		},
	})
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

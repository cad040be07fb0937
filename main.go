package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/cmd/cleanup"
	"github.com/chirino/chat-service/internal/cmd/migrate"
	"github.com/chirino/chat-service/internal/cmd/serve"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
)

func main() {
	// A missing .env file is fine; variables may come from the environment.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "chat-service",
		Usage: "Real-time multi-tenant chat backend",
		Commands: []*cli.Command{
			serve.Command(),
			migrate.Command(),
			cleanup.Command(),
		},
	}
	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"parley/internal/commands"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	commands.Execute(ctx)
}

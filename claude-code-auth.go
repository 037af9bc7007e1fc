package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/DevLabFoundry/claude-code-auth/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), []os.Signal{os.Interrupt, syscall.SIGTERM, os.Kill}...)
	defer stop()
	c := cmd.New()
	if err := c.Execute(ctx); err != nil {
		// a user interrupt is a clean cancellation, not an alarming failure
		if errors.Is(err, context.Canceled) {
			os.Exit(1)
		}
		log.Fatalf("\x1b[31mclaude-code-auth err:\n%s\x1b[0m", err)
	}
}

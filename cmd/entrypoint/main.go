package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"vertex_launcher/launcher/entrypoint"
	"vertex_launcher/utils/logging"
)

// The reason we have a separate runApp function is because the defer calls
// don't run if we exit with log.Fatalf, so instead we return an err here and
// fail outside.
func runApp() error {
	logFile, err := os.OpenFile(filepath.Join(os.TempDir(), "entrypoint.log"), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
	if err != nil {
		return fmt.Errorf("error opening log file: %w", err)
	}
	defer logFile.Close()

	logging.Setup(logFile)

	env, err := entrypoint.LoadEnv()
	if err != nil {
		return fmt.Errorf("error loading environment: %w", err)
	}

	// Cancellation is external: the managed platform stops the container by
	// signalling it, which cancels the training subprocess.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workflow := entrypoint.NewWorkflow(env)

	slog.Info("container entry workflow starting", "code", logging.SYSTEM)

	return workflow.Execute(ctx, os.Args[1:])
}

func main() {
	if err := runApp(); err != nil {
		log.Fatalf("entrypoint failed: %v", err)
	}
}

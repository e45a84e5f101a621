package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nicelgueta/cdktr/internal/config"
	"github.com/nicelgueta/cdktr/internal/principal"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	log.Println("[INIT] Loading configuration...")
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Println("[INIT] Assembling principal...")
	p, err := principal.New(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to assemble principal: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Start(ctx); err != nil {
		log.Fatalf("Failed to start principal: %v", err)
	}
	log.Println("[INIT] ✓ Principal running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("[SHUTDOWN] Stopping principal...")
	cancel()
	p.Shutdown()
	log.Println("[SHUTDOWN] ✓ Done")
}

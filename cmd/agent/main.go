package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nicelgueta/cdktr/internal/agent"
	"github.com/nicelgueta/cdktr/internal/config"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	log.Println("[INIT] Loading configuration...")
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("[INIT] Connecting to principal at %s...", cfg.PrincipalURL())
	nc, err := nats.Connect(cfg.PrincipalURL(),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		log.Fatalf("Failed to connect to principal: %v", err)
	}
	defer nc.Close()
	log.Println("[INIT] ✓ Connected")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Println("[SHUTDOWN] Draining in-flight workflow instances...")
		cancel()
	}()

	sup := agent.NewSupervisor(cfg, nc, logger)
	if err := sup.Run(ctx); err != nil {
		log.Fatalf("Agent exited with error: %v", err)
	}
	log.Println("[SHUTDOWN] ✓ Done")
}

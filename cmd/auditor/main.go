package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tiktalk/chat-app/internal/config"
	"github.com/tiktalk/chat-app/internal/messaging"
	"github.com/tiktalk/chat-app/internal/report"
)

func main() {
	log.Println("Starting TikTalk moderation auditor...")

	cfg, err := config.LoadAuditor()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Postgres setup.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	archive, err := report.Open(ctx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	if err := archive.Migrate(); err != nil {
		log.Fatalf("failed to migrate report archive: %v", err)
	}

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = cfg.ClientName

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	a := newAuditor(archive)
	if err := natsClient.SubscribeModeration(a.handle); err != nil {
		log.Fatalf("failed to subscribe to moderation events: %v", err)
	}

	log.Printf("TikTalk moderation auditor running")
	log.Printf("  nats_url: %s", natsConfig.URL)
	log.Printf("  subject:  %s", messaging.SubjectModerationAll)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	if err := natsClient.UnsubscribeModeration(); err != nil {
		log.Printf("unsubscribe: %v", err)
	}
	natsClient.Close()
	if err := archive.Close(); err != nil {
		log.Printf("archive close: %v", err)
	}
}

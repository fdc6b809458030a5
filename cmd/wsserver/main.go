package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tiktalk/chat-app/internal/config"
	"github.com/tiktalk/chat-app/internal/hub"
	"github.com/tiktalk/chat-app/internal/messaging"
	"github.com/tiktalk/chat-app/internal/ratelimit"
	"github.com/tiktalk/chat-app/internal/ws"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	serverName := cfg.ServerName
	if serverName == "" {
		serverName, _ = os.Hostname()
	}

	wsConfig := ws.DefaultServerConfig()
	wsConfig.ListenAddr = cfg.Addr()
	wsConfig.WorkerPoolSize = cfg.WorkerPoolSize
	wsConfig.MaxConnections = cfg.MaxConnections
	wsConfig.ReadTimeout = cfg.ReadTimeout
	wsConfig.WriteTimeout = cfg.WriteTimeout
	wsConfig.SendQueueSize = cfg.SendQueueSize
	wsConfig.TrustForwardedFor = cfg.TrustForwardedFor
	wsConfig.StaticDir = staticDir(cfg.StaticDir)
	wsConfig.Heartbeat = ws.HeartbeatConfig{
		Interval: cfg.HeartbeatInterval,
		Timeout:  cfg.HeartbeatTimeout,
	}

	// --- NATS (optional moderation feed) ---
	var (
		natsClient *messaging.NATSClient
		publisher  *messaging.Publisher
		hubConfig  = hub.Config{AdminSecret: cfg.AdminSecret}
	)
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = serverName
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		publisher = messaging.NewPublisher(natsClient, serverName, messaging.DefaultPublisherBuffer)
		hubConfig.Events = publisher
	}

	// --- Redis (optional connect rate limiting) ---
	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := ratelimit.NewRedisClient(ctx, cfg.RedisAddr)
		cancel()
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		limiter = ratelimit.NewLimiter(client, ratelimit.RuleConnect)
	}

	log.Printf("TikTalk chat server starting")
	log.Printf("  listen_addr:     %s", wsConfig.ListenAddr)
	log.Printf("  worker_pool:     %d", wsConfig.WorkerPoolSize)
	log.Printf("  max_connections: %d", wsConfig.MaxConnections)
	log.Printf("  heartbeat:       %s (+%s)", wsConfig.Heartbeat.Interval, wsConfig.Heartbeat.Timeout)
	log.Printf("  static_dir:      %q", wsConfig.StaticDir)
	log.Printf("  nats_url:        %q", cfg.NATSURL)
	log.Printf("  redis_addr:      %q", cfg.RedisAddr)
	log.Printf("  server_name:     %s", serverName)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	h := hub.New(hub.NewDispatcher(hubConfig), 1024)
	go h.Run(ctx)

	server := ws.NewServer(wsConfig, h)
	if limiter != nil {
		server.SetLimiter(limiter)
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		h.Do(func(d *hub.Dispatcher) {
			log.Printf("final state: sessions=%d stranger_chats=%d queued=%d bans=%d",
				d.Registry().Len(), d.Matchmaker().SessionCount(), d.Matchmaker().QueueLen(), d.Bans().Len())
		})
		stop()
		<-h.Done()

		if publisher != nil {
			publisher.Close()
		}
		if natsClient != nil {
			natsClient.Close()
		}
		if limiter != nil {
			if err := limiter.Close(); err != nil {
				log.Printf("redis close error: %v", err)
			}
		}
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
	<-shutdownDone
	log.Printf("server exited")
}

// staticDir returns dir if it exists, so a missing public/ directory turns
// static serving off instead of answering every request with 404.
func staticDir(dir string) string {
	if dir == "" {
		return ""
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		log.Printf("static dir %q not found, static serving disabled", dir)
		return ""
	}
	return dir
}

// Package config loads process configuration from the environment. A .env
// file in the working directory is read first when present; variables already
// set in the environment win.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Server configures the chat server process.
type Server struct {
	Port        int    `env:"PORT" envDefault:"3000"`
	ListenAddr  string `env:"LISTEN_ADDR"`
	AdminSecret string `env:"ADMIN_SECRET"`
	ServerName  string `env:"SERVER_NAME" envDefault:"tiktalk-ws"`
	StaticDir   string `env:"STATIC_DIR" envDefault:"public"`

	WorkerPoolSize    int           `env:"WORKER_POOL_SIZE" envDefault:"256"`
	MaxConnections    int           `env:"MAX_CONNECTIONS" envDefault:"10000"`
	ReadTimeout       time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"10s"`
	SendQueueSize     int           `env:"SEND_QUEUE_SIZE" envDefault:"64"`
	TrustForwardedFor bool          `env:"TRUST_FORWARDED_FOR" envDefault:"true"`

	// RedisAddr enables per-address connect rate limiting.
	RedisAddr string `env:"REDIS_ADDR"`
	// NATSURL enables the moderation event feed.
	NATSURL string `env:"NATS_URL"`
}

// Addr returns the listen address: LISTEN_ADDR when set, otherwise :PORT.
func (s Server) Addr() string {
	if s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":" + strconv.Itoa(s.Port)
}

// Auditor configures the moderation auditor process.
type Auditor struct {
	NATSURL     string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	ClientName  string `env:"AUDITOR_NAME" envDefault:"tiktalk-auditor"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadDotEnv reads .env (or the given files) into the environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if err := godotenv.Load(files...); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load dotenv: %w", err)
	}
	log.Printf("[config] loaded .env")
	return nil
}

// LoadServer reads .env and parses the server configuration.
func LoadServer() (Server, error) {
	var cfg Server
	if err := LoadDotEnv(); err != nil {
		return cfg, err
	}
	if err := ParseEnv(&cfg); err != nil {
		return cfg, err
	}
	if cfg.AdminSecret == "" {
		log.Printf("[config] ADMIN_SECRET is empty; admin access is disabled")
	}
	return cfg, nil
}

// LoadAuditor reads .env and parses the auditor configuration.
func LoadAuditor() (Auditor, error) {
	var cfg Auditor
	if err := LoadDotEnv(); err != nil {
		return cfg, err
	}
	if err := ParseEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

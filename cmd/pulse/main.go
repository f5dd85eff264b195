// Command pulse runs the chat gateway: the WebSocket server that carries
// channel messages, direct messages, presence, typing, friend requests, and
// call signaling. Call signals are relayed across gateway instances over
// Redis pub/sub or Kafka, selected in the config file.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pulsechat/pulse/pkg/database"
	"github.com/pulsechat/pulse/pkg/relay"
	"github.com/pulsechat/pulse/pkg/server"
)

func main() {
	configPath := flag.String("config", "~/.pulse/config.toml", "Path to config file (created with defaults if missing)")
	debug := flag.Bool("debug", false, "Enable debug logging (overrides config)")
	flag.Parse()

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *debug {
		cfg.Server.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	if cfg.Server.Debug {
		server.EnableDebugLogging(os.Stderr)
	}

	dbPath, err := cfg.GetDatabasePath()
	if err != nil {
		log.Fatalf("Failed to resolve database path: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}
	db, err := database.Open(dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	channel, closeChannel, err := buildChannel(cfg)
	if err != nil {
		log.Fatalf("Failed to set up %s relay: %v", cfg.Relay.Driver, err)
	}
	defer closeChannel()

	srv := server.NewServer(db, server.NewJWTVerifier(cfg.Auth.JWTSecret), channel, cfg.ToServerConfig(), server.NewMetrics())
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("Gateway listening on %s (database: %s, relay: %s)", srv.Addr(), dbPath, cfg.Relay.Driver)
	if cfg.Server.MetricsPort > 0 {
		log.Printf("Metrics on :%d/metrics", cfg.Server.MetricsPort)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %v, shutting down", sig)

	if err := srv.Stop(); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}

// buildChannel creates the cross-process signal channel named by the config.
// The returned func releases whatever the driver holds open.
func buildChannel(cfg server.TOMLConfig) (relay.Channel, func(), error) {
	switch cfg.Relay.Driver {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return relay.NewRedisChannel(client), func() { client.Close() }, nil
	case "kafka":
		// Unique group per process so every gateway instance sees every
		// signal envelope.
		ch, err := relay.NewKafkaChannel(cfg.Kafka.Brokers, "pulse-gateway-"+uuid.NewString())
		if err != nil {
			return nil, nil, err
		}
		return ch, func() { ch.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown relay driver %q", cfg.Relay.Driver)
	}
}

// Command server runs the stranger-chat coordination server: WebSocket
// transport, matchmaking, pairing, moderation and message relay in one
// process. PostgreSQL, Redis and NATS are optional collaborators; the chat
// core runs without any of them.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parley/stranger-chat/internal/config"
	"github.com/parley/stranger-chat/internal/core"
	"github.com/parley/stranger-chat/internal/messaging"
	"github.com/parley/stranger-chat/internal/metrics"
	"github.com/parley/stranger-chat/internal/moderation"
	"github.com/parley/stranger-chat/internal/store"
	"github.com/parley/stranger-chat/internal/ws"
)

func main() {
	cfg := config.Load()

	log.Printf("stranger-chat server starting")
	log.Printf("  listen_addr:      %s", cfg.ListenAddr)
	log.Printf("  max_connections:  %d", cfg.MaxConnections)
	log.Printf("  grace_period:     %s", cfg.GracePeriod)
	log.Printf("  ping_interval:    %s", cfg.PingInterval)
	log.Printf("  max_missed_pings: %d", cfg.MaxMissedPings)
	log.Printf("  moderation_url:   %s", orNone(cfg.ModerationURL))
	log.Printf("  redis_addr:       %s", orNone(cfg.RedisAddr))
	log.Printf("  postgres:         %s", enabled(cfg.PostgresDSN != ""))
	log.Printf("  nats:             %s", enabled(cfg.NATSURL != ""))

	// --- Moderation ---
	var remote *moderation.RemoteClassifier
	if cfg.ModerationURL != "" {
		remote = moderation.NewRemoteClassifier(cfg.ModerationURL, cfg.ModerationTimeout)
	}
	mod := moderation.New(moderation.NewFilter(), remote, moderation.Config{
		Threshold:   cfg.ModerationThreshold,
		BlockOnFail: cfg.BlockOnFail,
		WarnAfter:   cfg.MaxFlagsBeforeWarn,
		KickAfter:   cfg.MaxFlagsBeforeKick,
	})

	// --- Redis hot store ---
	var hot core.HotStore
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		defer rdb.Close()
		hot = store.NewHotStore(rdb, cfg.TypingTTL, 20, 2*time.Hour)
	}

	// --- PostgreSQL ---
	var messages core.MessageStore
	var reports core.ReportStore
	if cfg.PostgresDSN != "" {
		db, err := store.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("failed to open postgres: %v", err)
		}
		defer db.Close()
		messages = store.NewMessageStore(db)
		reports = store.NewReportStore(db)
	}

	// --- NATS audit bus ---
	var audit *messaging.AuditPublisher
	if cfg.NATSURL != "" {
		var err error
		audit, err = messaging.Connect(messaging.DefaultConfig(cfg.NATSURL))
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		defer audit.Close()
	}

	// The core and the transport reference each other: the core enqueues
	// through the server, the server feeds frames and disconnects back.
	var app *core.Core
	server := ws.NewServer(ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		MaxConnections: cfg.MaxConnections,
		SendBuffer:     cfg.SendBuffer,
		WriteTimeout:   cfg.WriteTimeout,
	},
		func(connID string, data []byte) { app.HandleMessage(connID, data) },
		func(connID string) { app.OnDisconnect(connID) },
	)

	app = core.New(core.Options{
		Config:    cfg,
		Sender:    server,
		Moderator: mod,
		Messages:  messages,
		Hot:       hot,
		Reports:   reports,
		Audit:     audit,
	})
	server.SetOnConnect(app.OnConnect)
	server.SetStatsFunc(app.Stats)
	server.Handle("/metrics", metrics.Handler())

	ctx, stop := context.WithCancel(context.Background())
	go app.StartHeartbeat(ctx)
	go app.StartSweeper(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func orNone(v string) string {
	if v == "" {
		return "(none)"
	}
	return v
}

func enabled(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}

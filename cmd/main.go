package main

import (
	"context"
	"log"
	"os/signal"
	"sync"
	"syscall"

	"github.com/amirphl/signal-relay/internal/bus"
	"github.com/amirphl/signal-relay/internal/config"
	"github.com/amirphl/signal-relay/internal/db"
	"github.com/amirphl/signal-relay/internal/db/conf"
	"github.com/amirphl/signal-relay/internal/engine"
	"github.com/amirphl/signal-relay/internal/exchange"
	"github.com/amirphl/signal-relay/internal/feed"
	"github.com/amirphl/signal-relay/internal/guardian"
	"github.com/amirphl/signal-relay/internal/notifier"
)

func main() {
	cfg := config.MustLoadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbConf, err := conf.NewConfig(cfg.DBConnStr, cfg.DBMaxOpen, cfg.DBMaxIdle)
	if err != nil {
		log.Fatalf("Main | failed to connect to postgres: %v", err)
	}
	storage, err := db.New(*dbConf)
	if err != nil {
		log.Fatalf("Main | failed to initialize storage: %v", err)
	}
	defer storage.GetDB().Close()
	if err := storage.EnsureSchema(ctx); err != nil {
		log.Fatalf("Main | failed to apply schema: %v", err)
	}

	var notify notifier.Notifier = notifier.Noop{}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		notify = notifier.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID)
	} else {
		log.Printf("Main | telegram not configured, notifications disabled")
	}

	signalBus, err := bus.Connect(bus.Config{
		RedisURL:       cfg.RedisURL,
		WorkerID:       cfg.WorkerID,
		SignalChannel:  cfg.SignalChannel,
		AckChannel:     cfg.AckChannel,
		CommandChannel: cfg.CommandChannel,
		LockTTL:        cfg.SignalLockTTL,
	})
	if err != nil {
		log.Fatalf("Main | failed to connect to redis: %v", err)
	}
	defer signalBus.Close()

	okx := exchange.NewOKX(cfg.OKXAPIKey, cfg.OKXSecretKey, cfg.OKXPassphrase)
	tickerFeed := feed.New()

	guard := guardian.New(guardian.Config{
		TrailingEnabled:    cfg.TrailingEnabled,
		TrailingActivation: cfg.TrailingActivation,
		TrailingCallback:   cfg.TrailingCallback,
	}, storage, okx, tickerFeed, notify, storage)

	if err := guard.SyncSubscriptions(ctx); err != nil {
		log.Fatalf("Main | failed to sync feed subscriptions: %v", err)
	}

	eng := engine.New(engine.Config{
		TradeSize:         cfg.TradeSize,
		RiskReward:        cfg.RiskReward,
		QuantityPrecision: cfg.QuantityPrecision,
		ReconcileInterval: cfg.ReconcileInterval,
		PendingTTL:        cfg.PendingTTL,
	}, signalBus, storage, okx, tickerFeed, notify, storage)

	done := make(chan struct{})
	signals := signalBus.Signals(done)
	commands := signalBus.Commands(done)

	log.Printf("Main | worker %s starting", cfg.WorkerID)

	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		tickerFeed.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		guard.Run(ctx, tickerFeed.Ticks(), commands)
	}()
	go func() {
		defer wg.Done()
		eng.Run(ctx, signals)
	}()
	go func() {
		defer wg.Done()
		eng.RunReconciler(ctx)
	}()

	<-ctx.Done()
	log.Printf("Main | shutting down")
	close(done)
	wg.Wait()
	log.Printf("Main | goodbye")
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"bifrost/params"
	"bifrost/pkg/api"
	"bifrost/pkg/core/ledger"
	"bifrost/pkg/crypto"
	"bifrost/pkg/exchange"
	"bifrost/pkg/journal"
	"bifrost/pkg/util"
)

func main() {
	cfg := params.LoadFromEnv("") // .env in the working directory, then ENV

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	logger.Info("starting exchanged",
		zap.String("domain", cfg.Domain.Name),
		zap.String("chain_id", cfg.Domain.ChainID.String()),
		zap.String("data_dir", cfg.Node.DataDir))

	// ---- Persistence ----
	led, err := ledger.NewWithStore(filepath.Join(cfg.Node.DataDir, "ledger"))
	if err != nil {
		logger.Fatal("open ledger", zap.Error(err))
	}
	defer led.Close()

	jnl, err := journal.Open(filepath.Join(cfg.Node.DataDir, "journal"))
	if err != nil {
		logger.Fatal("open journal", zap.Error(err))
	}
	defer jnl.Close()

	if len(cfg.Node.EventBrokers) > 0 {
		publisher, err := journal.NewKafkaPublisher(cfg.Node.EventBrokers, cfg.Node.EventTopic, logger)
		if err != nil {
			logger.Fatal("connect kafka", zap.Error(err))
		}
		defer publisher.Close()
		jnl.SetPublisher(publisher)
		logger.Info("event publishing enabled",
			zap.Strings("brokers", cfg.Node.EventBrokers),
			zap.String("topic", cfg.Node.EventTopic))
	}

	// ---- Matcher ----
	var matcher *crypto.Signer
	if cfg.Node.MatcherKey != "" {
		matcher, err = crypto.FromPrivateKeyHex(cfg.Node.MatcherKey)
		if err != nil {
			logger.Fatal("parse matcher key", zap.Error(err))
		}
	}

	// ---- Engine ----
	engine, err := exchange.New(exchange.Options{
		Config:  cfg,
		Ledger:  led,
		Journal: jnl,
		Logger:  logger,
		Clock:   util.RealClock{},
		Matcher: matcher,
	})
	if err != nil {
		logger.Fatal("build engine", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Block ticker ----
	// Each tick opens a new settlement window: height advances and the
	// per-block trade ceiling resets.
	go func() {
		ticker := time.NewTicker(time.Duration(cfg.Node.BlockTimeMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				engine.BeginBlock()
			}
		}
	}()

	// ---- API ----
	server := api.NewServer(engine, logger)
	go func() {
		if err := server.Start(cfg.Node.APIAddr); err != nil {
			logger.Fatal("api server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown", zap.Error(err))
	}
}

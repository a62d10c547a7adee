package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"riskpulse/internal/alerts"
	"riskpulse/internal/api"
	"riskpulse/internal/config"
	"riskpulse/internal/db"
	"riskpulse/internal/market"
	"riskpulse/internal/notify"
	"riskpulse/internal/pipeline"
	"riskpulse/internal/positions"
	"riskpulse/internal/realtime"
	"riskpulse/internal/risk"
	"riskpulse/internal/store"
	"riskpulse/internal/telemetry"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("RISKPULSE_CONFIG"), "optional YAML config file")
		addr       = flag.String("addr", "", "server listen address (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
}

func setupLogger(level, format string) *zap.Logger {
	var zcfg zap.Config
	switch level {
	case "debug":
		zcfg = zap.NewDevelopmentConfig()
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		zcfg = zap.NewProductionConfig()
		zcfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zcfg = zap.NewProductionConfig()
		zcfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zcfg = zap.NewProductionConfig()
	}
	if format == "console" {
		zcfg.Encoding = "console"
	}

	logger, err := zcfg.Build()
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}
	return logger
}

func buildSenders(cfg config.NotifyConfig, contacts notify.Contacts, logger *zap.Logger) notify.Senders {
	var s notify.Senders
	if cfg.SMTP.Host != "" {
		s.Email = notify.NewSMTPSender(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}, contacts)
	} else {
		s.Email = notify.NewLogSender(string(notify.ChannelEmail), logger)
	}
	if cfg.SMSWebhook != "" {
		s.SMS = notify.NewWebhookSender(cfg.SMSWebhook, string(notify.ChannelSMS), contacts)
	} else {
		s.SMS = notify.NewLogSender(string(notify.ChannelSMS), logger)
	}
	if cfg.PushWebhook != "" {
		s.Push = notify.NewWebhookSender(cfg.PushWebhook, string(notify.ChannelPush), contacts)
	} else {
		s.Push = notify.NewLogSender(string(notify.ChannelPush), logger)
	}
	return s
}

func run(cfg *config.Config, logger *zap.Logger) error {
	sqlDB, err := db.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("database init failed: %w", err)
	}
	defer sqlDB.Close()

	st := store.NewSQLiteStore(sqlDB)
	metrics := telemetry.New()

	hub := realtime.NewHub(realtime.Options{
		SendBuffer:     cfg.WS.SendBuffer,
		WriteTimeout:   cfg.WS.WriteTimeout,
		PongTimeout:    cfg.WS.PongTimeout,
		PingInterval:   cfg.WS.PingInterval,
		MaxMessageSize: cfg.WS.MaxMessageSize,
		AllowedOrigins: cfg.WS.AllowedOrigins,
	}, metrics, logger)
	hub.SetVisibility(notify.ShouldDisplay)

	dispatcher := notify.NewDispatcher(buildSenders(cfg.Notify, st, logger), hub, metrics, notify.Options{
		RateLimit:      cfg.Notify.RateLimit,
		RatePer:        cfg.Notify.RatePer,
		TTL:            cfg.Notify.TTL,
		SendTimeout:    cfg.Notify.SendTimeout,
		ReportDegraded: cfg.Notify.ReportDegraded,
	}, logger.Named("notify"))

	var redisSource *positions.RedisSource
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		redisSource = positions.NewRedisSource(client, cfg.Redis.Channel, logger)
	}

	deps := pipeline.Deps{
		Calculator: risk.NewCalculator(risk.Config{
			ConfidenceLevel: cfg.Risk.ConfidenceLevel,
			HorizonDays:     cfg.Risk.HorizonDays,
			RiskFreeRate:    cfg.Risk.RiskFreeRate,
			TradingDays:     cfg.Risk.TradingDays,
		}),
		History:    risk.NewHistory(cfg.Risk.HistoryWindow),
		Evaluator:  alerts.NewEvaluator(logger.Named("alerts")),
		Thresholds: st,
		Notifier:   dispatcher,
		Feed:       hub,
		Source:     st,
		Metrics:    metrics,
		Logger:     logger,
	}
	if redisSource != nil && cfg.Redis.PullSource {
		deps.Source = redisSource
	}
	if cfg.Market.Enabled {
		deps.Prices = market.NewProvider(market.Config{
			YahooURL:     cfg.Market.YahooURL,
			CoinGeckoURL: cfg.Market.CoinGeckoURL,
		}, logger)
	}
	opts := pipeline.DefaultOptions()
	opts.Benchmark = cfg.Risk.Benchmark
	p := pipeline.New(deps, opts)
	hub.SetMetricsLookup(p)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.Market.Enabled {
		go p.StartPolling(ctx, cfg.Market.PollInterval)
	}
	go p.StartReleasing(ctx, cfg.Notify.ReleaseInterval)

	if redisSource != nil {
		go func() {
			if err := redisSource.Subscribe(ctx, p); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Redis position feed stopped", zap.Error(err))
			}
		}()
	}

	if cfg.Kafka.Enabled {
		consumer := positions.NewKafkaConsumer(positions.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		}, logger)
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ctx, p); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Kafka position feed stopped", zap.Error(err))
			}
		}()
	}

	apiServer := api.NewServer(st, p, dispatcher, hub, metrics.Handler(), logger)
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		hub.Close()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Shutdown error", zap.Error(err))
		}
	}()

	logger.Info("RiskPulse listening", zap.String("addr", cfg.Server.Addr))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	_ = p.Close()
	_ = dispatcher.Close()
	return nil
}

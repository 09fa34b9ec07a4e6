package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/onboarding92/bitchange/params"
	"github.com/onboarding92/bitchange/pkg/api"
	"github.com/onboarding92/bitchange/pkg/app/core/ledger"
	"github.com/onboarding92/bitchange/pkg/app/exchange"
	"github.com/onboarding92/bitchange/pkg/metrics"
	"github.com/onboarding92/bitchange/pkg/notify"
	"github.com/onboarding92/bitchange/pkg/storage"
	"github.com/onboarding92/bitchange/pkg/storage/sqlstore"
	"github.com/onboarding92/bitchange/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv("") // "" means load from .env in current directory
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile, "level", cfg.Node.LogLevel)

	if err := run(cfg, sugar); err != nil {
		sugar.Fatalw("node_failed", "err", err)
	}
}

func run(cfg params.Config, sugar *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Storage ----
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	sugar.Infow("storage_opened", "driver", cfg.Storage.Driver)

	// ---- Metrics ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	// ---- Exchange ----
	markets, err := cfg.Registry()
	if err != nil {
		return err
	}
	l := ledger.New(cfg.Ledger.HouseAccount, store)

	sinks := []notify.Sink{notify.NewLogSink(sugar)}
	if len(cfg.Notify.KafkaBrokers) > 0 {
		kafka := notify.NewKafkaSink(cfg.Notify.KafkaBrokers, cfg.Notify.KafkaTopic)
		defer kafka.Close()
		sinks = append(sinks, kafka)
		sugar.Infow("kafka_sink_enabled", "brokers", cfg.Notify.KafkaBrokers, "topic", cfg.Notify.KafkaTopic)
	}

	x := exchange.New(markets, l, store, util.RealClock{}, sugar, m, cfg.ExchangeConfig(), sinks...)

	// ---- API Server ----
	apiServer := api.NewServer(x, sugar, m, api.Config{
		AllowedOrigins: cfg.Node.CORSOrigins,
		EnableFunding:  cfg.Node.EnableFunding,
	})
	x.AddSink(apiServer.Hub())

	if err := x.Recover(ctx); err != nil {
		return err
	}
	x.Start(ctx)
	defer x.Stop()

	sugar.Infow("node_starting",
		"markets", markets.Symbols(),
		"house", cfg.Ledger.HouseAccount.Hex(),
		"maker_fee_bps", cfg.Markets.MakerFeeBps,
		"taker_fee_bps", cfg.Markets.TakerFeeBps,
		"funding_enabled", cfg.Node.EnableFunding)

	// ---- Order Feeder (optional) ----
	// Enable with: FEEDER_ENABLED=true FEEDER_MODE=default|high
	if cfg.Feeder.Enabled {
		cancelFeeder, err := exchange.StartFeeder(ctx, x, cfg.FeederConfig())
		if err != nil {
			return err
		}
		defer cancelFeeder()
		sugar.Infow("feeder_enabled", "mode", cfg.Feeder.Mode, "accounts", cfg.Feeder.Accounts)
	} else {
		sugar.Info("feeder_disabled")
	}

	// Blocks until ctx is done
	return apiServer.Start(ctx, cfg.Node.APIAddr)
}

func openStore(cfg params.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		return sqlstore.New(cfg.PostgresOption())
	default:
		return storage.NewPebbleStore(filepath.Join(cfg.Node.DataDir, "exchange"))
	}
}

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"remitrails/internal/config"
	"remitrails/internal/custody"
	"remitrails/internal/eventlog"
	"remitrails/internal/idempotency"
	"remitrails/internal/identity"
	"remitrails/internal/logging"
	"remitrails/internal/remit"
	"remitrails/internal/server"
	"remitrails/internal/storage"
)

func main() {
	// A missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, flush, err := logging.New(logging.Options{
		Service: "remitrails",
		Env:     cfg.Logging.Env,
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
	})
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer flush()

	if err := run(cfg, logger); err != nil {
		logger.Error("service stopped", zap.Error(err))
		flush()
		os.Exit(1)
	}
}

func run(cfg *config.AppConfig, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	threshold, err := cfg.KycThreshold()
	if err != nil {
		return err
	}

	deps := server.Deps{Logger: logger}
	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	var (
		store    remit.Store
		bridge   remit.IdentityBridge
		idemPath = cfg.Service.IdempotencyStorePath
	)
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		pgStore, err := storage.NewPostgresStore(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return err
		}
		closers = append(closers, pgStore.Close)
		store = pgStore
		deps.StoreHealth = pgStore.Ping

		pgBridge, err := identity.NewPostgresBridge(ctx, cfg.Storage.PostgresDSN, threshold)
		if err != nil {
			return err
		}
		closers = append(closers, pgBridge.Close)
		for _, e := range directoryEntries(cfg) {
			if err := pgBridge.Upsert(ctx, e); err != nil {
				return err
			}
		}
		bridge = pgBridge

		pgIdem, err := idempotency.NewPostgresStore(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return err
		}
		closers = append(closers, pgIdem.Close)
		deps.Idempotency = pgIdem
	case config.DriverBolt:
		boltStore, err := storage.OpenBolt(cfg.Storage.BoltPath, &bolt.Options{Timeout: 5 * time.Second})
		if err != nil {
			return err
		}
		closers = append(closers, func() {
			if err := boltStore.Close(); err != nil {
				logger.Warn("close bolt store", zap.Error(err))
			}
		})
		store = boltStore
	default:
		store = remit.NewMemoryStore()
	}

	if bridge == nil {
		dir, err := identity.NewDirectory(threshold, directoryEntries(cfg)...)
		if err != nil {
			return err
		}
		bridge = dir
	}
	if deps.Idempotency == nil {
		fileIdem, err := idempotency.NewFileStore(idemPath)
		if err != nil {
			return err
		}
		deps.Idempotency = fileIdem
	}

	var vault remit.Custody
	if cfg.OnChainCustody() {
		dialCtx, cancel := context.WithTimeout(ctx, cfg.Chain.RPCTimeout)
		ethCustody, err := custody.NewEthCustody(dialCtx, custody.EthCustodyConfig{
			RPCURL:         cfg.Chain.RPCURL,
			PrivateKeyHex:  cfg.Chain.PrivateKey,
			ReceiptTimeout: cfg.Chain.ReceiptTimeout,
		}, logger.Named("custody"))
		cancel()
		if err != nil {
			return err
		}
		closers = append(closers, ethCustody.Close)
		deps.RPCHealth = ethCustody.Ping
		vault = ethCustody
		logger.Info("on-chain custody enabled", zap.String("vault", ethCustody.Vault().Hex()))
	} else {
		vault = custody.NewVault()
		logger.Warn("no chain key configured, using in-process custody")
	}

	emitters := eventlog.Fanout{eventlog.NewLogSink(logger.Named("events"))}
	if cfg.Service.EventJournalPath != "" {
		journal := eventlog.NewJournal(cfg.Service.EventJournalPath, logger)
		closers = append(closers, func() { _ = journal.Close() })
		emitters = append(emitters, journal)
	}

	engine, err := remit.New(remit.Config{
		Admin:           cfg.AdminAddress(),
		FeeSink:         cfg.FeeSinkAddress(),
		FeeRateBps:      cfg.Seed.Fees.RateBps,
		SupportedTokens: cfg.SupportedTokens(),
		NativeSupported: cfg.Seed.Tokens.Native,
		EnforceKyc:      cfg.Seed.Compliance.EnforceKyc,
		Store:           store,
		Custody:         vault,
		Identity:        bridge,
		Emitter:         emitters,
		Logger:          logger.Named("remit"),
	})
	if err != nil {
		return err
	}
	deps.Ledger = engine

	apiServer := server.NewServer(cfg, deps)
	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	logger.Info("remitrails started",
		zap.String("driver", cfg.Storage.Driver),
		zap.Int("port", cfg.Service.HTTPPort))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return apiServer.Shutdown(shutdownCtx)
}

func directoryEntries(cfg *config.AppConfig) []identity.Entry {
	out := make([]identity.Entry, 0, len(cfg.Seed.Directory))
	for _, e := range cfg.Seed.Directory {
		out = append(out, identity.Entry{
			Account:     common.HexToAddress(e.Account),
			PhoneNumber: e.PhoneNumber,
			KycVerified: e.KycVerified,
		})
	}
	return out
}

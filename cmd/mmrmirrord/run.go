package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"mmrmirror/internal/blockstore"
	"mmrmirror/internal/config"
	"mmrmirror/internal/health"
	"mmrmirror/internal/kv"
	"mmrmirror/internal/ledger"
	"mmrmirror/internal/logging"
	"mmrmirror/internal/metrics"
	"mmrmirror/internal/syncer"
)

const shutdownTimeout = 10 * time.Second

func cmdRun() {
	path := configFlag("run")

	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		fatalf("%v", err)
	}
	defer loader.Close()

	logger, err := newLogger(cfg)
	if err != nil {
		fatalf("%v", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, loader, cfg, logger); err != nil {
		logger.Error("mmrmirrord stopped", "err", err)
		stop()
		logger.Close()
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = format
	lc.Output = cfg.Logging.Output
	lc.FilePath = cfg.Logging.FilePath
	lc.MaxSize = cfg.Logging.MaxSizeMB
	lc.MaxBackups = cfg.Logging.MaxBackups
	lc.MaxAge = cfg.Logging.MaxAgeDays
	lc.Compress = cfg.Logging.Compress
	return logging.New(lc)
}

func openStore(cfg *config.Config) (kv.Store, error) {
	if cfg.MemoryStorage() {
		return kv.NewMemory(), nil
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	return kv.OpenSQLite(cfg.Storage.Path)
}

func run(ctx context.Context, loader *config.Loader, cfg *config.Config, logger *logging.Logger) error {
	log := logger.Logger

	// Only the log level is applied without a restart.
	loader.OnChange(func(old, new *config.Config) {
		if old.Logging.Level == new.Logging.Level {
			log.Info("config changed; restart to apply")
			return
		}
		level, err := logging.ParseLevel(new.Logging.Level)
		if err != nil {
			return
		}
		logger.SetLevel(level)
		log.Info("log level changed", "level", new.Logging.Level)
	})
	if err := loader.Watch(); err != nil {
		log.Warn("config watch disabled", "err", err)
	} else {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case err := <-loader.Errors():
					log.Warn("config reload rejected", "err", err)
				}
			}
		}()
	}

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	rpc, err := ethclient.DialContext(ctx, cfg.Ledger.RPCURL)
	if err != nil {
		store.Close()
		return fmt.Errorf("dial %s: %w", cfg.Ledger.RPCURL, err)
	}
	defer rpc.Close()

	var push ledger.PushBackend
	if cfg.Ledger.WSURL != "" {
		ws, err := ethclient.DialContext(ctx, cfg.Ledger.WSURL)
		if err != nil {
			log.Warn("push endpoint unavailable, polling only", "url", cfg.Ledger.WSURL, "err", err)
		} else {
			defer ws.Close()
			push = ws
		}
	}

	contract, err := ledger.NewContract(rpc, ledger.ContractConfig{
		Address:           common.HexToAddress(cfg.Ledger.ContractAddress),
		Retry:             cfg.RetryPolicy(),
		RequestsPerSecond: cfg.Ledger.RequestsPerSecond,
		Logger:            log,
	})
	if err != nil {
		store.Close()
		return err
	}

	m := metrics.New()
	engine, err := syncer.New(syncer.Config{
		Contract:         contract,
		Push:             push,
		Store:            store,
		Blocks:           blockstore.NewKVStore(store),
		MaxBlockRange:    cfg.Ledger.MaxBlockRange,
		PollInterval:     cfg.PollInterval(),
		PushProbeTimeout: cfg.PushProbeTimeout(),
		ProbeConcurrency: cfg.Blocks.ProbeConcurrency,
		PublishHistory:   cfg.Blocks.PublishHistory,
		Retry:            cfg.RetryPolicy(),
		Metrics:          m,
		Logger:           log,
	})
	if err != nil {
		store.Close()
		return err
	}
	defer engine.Close()

	checker := health.NewChecker(
		health.Component{Name: "store", Critical: true, Check: health.StoreCheck(store)},
		health.Component{Name: "sync", Critical: true, Check: health.SyncCheck(engine.Status)},
		health.Component{Name: "ledger", Check: health.LedgerCheck(contract.HeadBlock, func() uint64 {
			return engine.Status().LastPolledBlock
		}, cfg.Ledger.MaxBlockRange)},
	)

	var srv *http.Server
	if cfg.Metrics.Enabled {
		mux := checker.Handler()
		mux.Handle("/metrics", m.Handler())
		srv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info("serving metrics and health", "addr", cfg.Metrics.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server failed", "err", err)
			}
		}()
	}

	res, err := engine.SyncBackward(ctx)
	if err != nil {
		shutdown(srv, log)
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("backward sync: %w", err)
	}
	log.Info("backward sync complete",
		"leaf_count", res.LeafCount,
		"reconstructed", res.Reconstructed,
		"resumed_at", res.ResumedAt,
	)
	checker.SetReady(true)

	if cfg.Sync.Live {
		if err := engine.StartLive(ctx); err != nil {
			shutdown(srv, log)
			return fmt.Errorf("start live sync: %w", err)
		}
	}

	<-ctx.Done()
	log.Info("shutting down")
	checker.SetReady(false)
	engine.StopLive()
	shutdown(srv, log)
	return nil
}

func shutdown(srv *http.Server, log *slog.Logger) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("http shutdown", "err", err)
	}
}

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jobescrow/internal/config"
	"jobescrow/internal/escrow"
	"jobescrow/internal/exchange"
	"jobescrow/internal/idempotency"
	"jobescrow/internal/ledger"
	"jobescrow/internal/marketplace"
	"jobescrow/internal/metrics"
	"jobescrow/internal/server"
	"jobescrow/internal/store"
	"jobescrow/internal/wallet"
	"jobescrow/internal/xrpl"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Service.LogLevel)); err != nil {
		log.Fatalf("log level %q: %v", cfg.Service.LogLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).
		With("service", "jobescrow", "network", cfg.Ledger.Network)
	slog.SetDefault(logger)

	ctx := context.Background()
	reg := metrics.New()

	var (
		jobs      store.Store
		idemStore idempotency.Store
		rateStore exchange.RateStore
	)
	if cfg.Service.PostgresDSN != "" {
		pool, err := store.OpenPool(ctx, cfg.Service.PostgresDSN)
		if err != nil {
			log.Fatalf("postgres error: %v", err)
		}
		defer pool.Close()

		if jobs, err = store.NewPostgresStore(ctx, pool); err != nil {
			log.Fatalf("store error: %v", err)
		}
		if idemStore, err = idempotency.NewPostgresStore(ctx, pool); err != nil {
			log.Fatalf("idempotency store error: %v", err)
		}
		if rateStore, err = exchange.NewPostgresRateStore(ctx, pool); err != nil {
			log.Fatalf("rate store error: %v", err)
		}
	} else {
		logger.Warn("POSTGRES_DSN not set, marketplace data is kept in memory")
		jobs = store.NewMemoryStore()
		rateStore = exchange.NewMemoryRateStore()
		idemStore = idempotency.NewMemoryStore()
		if path := cfg.Service.IdempotencyStorePath; path != "" {
			if idemStore, err = idempotency.NewFileStore(path); err != nil {
				log.Fatalf("idempotency store error: %v", err)
			}
		}
	}

	var ledgerClient ledger.Client
	if cfg.Ledger.RPCURL != "" {
		rippled, err := ledger.DialRippled(ctx, ledger.RippledConfig{
			URL:          cfg.Ledger.RPCURL,
			PollInterval: cfg.Ledger.PollInterval,
			Metrics:      reg,
			Logger:       logger,
		})
		if err != nil {
			log.Fatalf("ledger client error: %v", err)
		}
		defer rippled.Close()
		ledgerClient = rippled
	} else {
		logger.Warn("LEDGER_RPC_URL not set, using the in-memory ledger")
		fake := ledger.NewFakeLedger()
		if cfg.Ledger.TreasurySecret != "" {
			addr, err := xrpl.AddressFromSeed(cfg.Ledger.TreasurySecret)
			if err != nil {
				log.Fatalf("treasury secret: %v", err)
			}
			fake.Fund(addr, 1_000_000_000_000)
		}
		ledgerClient = fake
	}

	oxr, err := exchange.NewOpenExchangeRates(exchange.OXRConfig{
		AppID:             cfg.Exchange.AppID,
		BaseURL:           cfg.Exchange.APIURL,
		Base:              cfg.Exchange.BaseCurrency,
		RequestsPerMinute: cfg.Exchange.RequestsPerMinute,
		MaxAge:            cfg.Exchange.MaxAge,
		HTTPClient:        &http.Client{Timeout: 10 * time.Second},
		Store:             rateStore,
	})
	if err != nil {
		log.Fatalf("exchange backend error: %v", err)
	}
	rates, err := exchange.NewProvider(oxr, cfg.Exchange.BaseCurrency, cfg.Exchange.Symbols,
		exchange.WithMetrics(reg), exchange.WithLogger(logger))
	if err != nil {
		log.Fatalf("exchange provider error: %v", err)
	}

	dlq := server.NewDLQ(cfg.Service.DLQPath, reg, logger)

	orch, err := escrow.New(escrow.Config{
		Store:         jobs,
		Ledger:        ledgerClient,
		Rates:         rates,
		Reserve:       &cfg.Escrow.Reserve,
		HoldWindow:    cfg.Escrow.HoldWindow,
		SourceTag:     cfg.Ledger.SourceTag,
		SubmitTimeout: cfg.Ledger.SubmitTimeout,
		Pending:       dlq,
		Metrics:       reg,
		Logger:        logger,
	})
	if err != nil {
		log.Fatalf("escrow orchestrator error: %v", err)
	}

	var faucet wallet.Faucet
	if cfg.Ledger.FaucetURL != "" && cfg.Ledger.RPCURL != "" {
		faucet = wallet.NewHTTPFaucet(cfg.Ledger.FaucetURL, nil)
	}
	wallets := wallet.NewProvisioner(wallet.Config{
		Network:        cfg.Ledger.Network,
		TreasurySecret: cfg.Ledger.TreasurySecret,
		Ledger:         ledgerClient,
		Faucet:         faucet,
		Metrics:        reg,
		Logger:         logger,
	})

	market := marketplace.NewService(marketplace.Config{
		Store:            jobs,
		Escrow:           orch,
		Wallets:          wallets,
		Notifier:         marketplace.LogNotifier{Logger: logger},
		BootstrapFunding: cfg.Ledger.BootstrapFunding,
		Retry: marketplace.RetryPolicy{
			MaxAttempts:       cfg.Retry.MaxAttempts,
			InitialBackoff:    cfg.Retry.InitialBackoff,
			MaxBackoff:        cfg.Retry.MaxBackoff,
			BackoffMultiplier: cfg.Retry.BackoffMultiplier,
		},
		Metrics: reg,
		Logger:  logger,
	})

	apiServer := server.NewServer(server.Deps{
		Config:      cfg,
		Marketplace: market,
		Escrow:      orch,
		Jobs:        jobs,
		Idempotency: idemStore,
		DLQ:         dlq,
		Ledger:      ledgerClient,
		Database:    jobs,
		Metrics:     reg,
		Logger:      logger,
	})

	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server stopped: %v", err)
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	// In-flight ledger submissions run up to SubmitTimeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Ledger.SubmitTimeout)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
}

// Package main runs the root key holder governance daemon.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/JAG-UK/rkh-frontend/internal/chain"
	"github.com/JAG-UK/rkh-frontend/internal/config"
	"github.com/JAG-UK/rkh-frontend/internal/connector"
	"github.com/JAG-UK/rkh-frontend/internal/connector/filsnap"
	"github.com/JAG-UK/rkh-frontend/internal/connector/injected"
	"github.com/JAG-UK/rkh-frontend/internal/connector/ledger"
	"github.com/JAG-UK/rkh-frontend/internal/governance"
	"github.com/JAG-UK/rkh-frontend/internal/httpapi"
	"github.com/JAG-UK/rkh-frontend/internal/logging"
	"github.com/JAG-UK/rkh-frontend/internal/metrics"
	"github.com/JAG-UK/rkh-frontend/internal/middleware"
	"github.com/JAG-UK/rkh-frontend/internal/registry"
	"github.com/JAG-UK/rkh-frontend/internal/roles"
	"github.com/JAG-UK/rkh-frontend/internal/session"
	"github.com/JAG-UK/rkh-frontend/internal/storage"
	"github.com/JAG-UK/rkh-frontend/internal/storage/memory"
	"github.com/JAG-UK/rkh-frontend/internal/storage/postgres"
	"github.com/JAG-UK/rkh-frontend/internal/verifier"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		logging.NewDefault("rkhd").WithError(err).Fatal("failed to load configuration")
	}

	logger := logging.New("rkhd", cfg.LogLevel, cfg.LogFormat)
	log := logger.WithContext(ctx)
	log.WithField("env", cfg.Env).Info("starting rkhd")
	if cfg.EphemeralSecret {
		log.Warn("RKH_JWT_SECRET not set; session tokens will not survive a restart")
	}

	m := metrics.New(true)

	// Application registry
	registryClient, err := registry.NewClient(registry.Config{
		BaseURL: cfg.APIBaseURL,
		Token:   cfg.APIToken,
		Timeout: cfg.RequestTimeout,
		Logger:  logger,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to create registry client")
	}

	// Roles
	var directory *roles.Directory
	if cfg.RoleDirectory != "" {
		if directory, err = roles.LoadDirectory(cfg.RoleDirectory); err != nil {
			log.WithError(err).Fatal("failed to load role directory")
		}
	} else {
		log.Warn("RKH_ROLE_DIRECTORY not set; roles come from the registry only")
	}
	resolver := roles.NewChain(directory, registryClient, logger)

	// Signing backends
	factories := make(map[connector.Kind]connector.Factory)
	if cfg.LedgerBridgeURL != "" {
		factories[connector.KindLedger] = ledger.NewFactory(ledger.Config{
			BridgeURL: cfg.LedgerBridgeURL,
			Testnet:   cfg.Testnet,
			Logger:    logger,
		})
	}
	if cfg.FilsnapBridgeURL != "" {
		factories[connector.KindFilsnap] = filsnap.NewFactory(filsnap.Config{
			BridgeURL: cfg.FilsnapBridgeURL,
			Testnet:   cfg.Testnet,
		})
	}
	if cfg.InjectedProviderURL != "" {
		factories[connector.KindMetaMask] = injected.NewFactory(injected.Config{
			ProviderURL: cfg.InjectedProviderURL,
		})
	}
	if len(factories) == 0 {
		log.Warn("no signing backend configured; the daemon is read-only")
	}

	// Chain
	chainClient, err := chain.NewClient(chain.Config{
		RPCURL:    cfg.RPCURL,
		Token:     cfg.RPCToken,
		Testnet:   cfg.Testnet,
		RateLimit: cfg.RPCRateLimit,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to create chain client")
	}

	sessions := session.NewManager(session.Config{
		Factories: factories,
		Roles:     resolver,
		IDs:       chainClient,
		Logger:    logger,
		Metrics:   m,
	})

	// Intent storage
	var intents storage.IntentStore
	if cfg.DatabaseURL != "" {
		pg, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to database")
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			log.WithError(err).Fatal("failed to migrate database")
		}
		intents = pg
	} else {
		log.Info("DATABASE_URL not set; intents are kept in memory")
		intents = memory.New()
	}

	workflow := verifier.New(verifier.Config{
		Chain:   chain.NewVerifierAPI(chainClient, logger),
		Wallets: sessions,
		Intents: intents,
		Metrics: m,
		Logger:  logger,
	})

	refresher, err := registry.NewRefresher(registry.RefresherConfig{
		Source:   registryClient,
		Cache:    registry.NewCache(),
		Schedule: cfg.RefreshSchedule,
		Metrics:  m,
		Logger:   logger,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to create registry refresher")
	}
	if err := refresher.Start(ctx); err != nil {
		log.WithError(err).Fatal("failed to start registry refresher")
	}

	executor := governance.New(governance.Config{
		Registry:              registryClient,
		Verifiers:             workflow,
		Wallets:               sessions,
		Intents:               intents,
		Refresher:             refresher,
		MetaAllocatorContract: cfg.MetaAllocatorContract,
		Metrics:               m,
		Logger:                logger,
	})

	tokens, err := middleware.NewTokenIssuer([]byte(cfg.JWTSecret), "rkhd", cfg.TokenTTL)
	if err != nil {
		log.WithError(err).Fatal("failed to create token issuer")
	}

	api := httpapi.New(httpapi.Config{
		Sessions:       sessions,
		Applications:   registryClient,
		Cache:          refresher.Cache(),
		Verifiers:      workflow,
		Executor:       executor,
		Intents:        intents,
		Tokens:         tokens,
		CORSOrigins:    cfg.Origins(),
		RateLimit:      cfg.HTTPRateLimit,
		RateBurst:      cfg.HTTPRateBurst,
		RequestTimeout: cfg.RequestTimeout,
		Metrics:        m,
		Logger:         logger,
	})
	api.Limiter().StartCleanup(ctx, time.Minute)

	// WriteTimeout stays zero: signing requests wait on the operator and the
	// event stream is long-lived.
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("rkhd listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown error")
	}
	refresher.Stop()
	if err := sessions.Close(shutdownCtx); err != nil {
		log.WithError(err).Warn("session teardown error")
	}
	cancel()

	log.Info("rkhd stopped")
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth/internal/account"
	"github.com/ovaphlow/pitchfork/service-auth/internal/account/memstore"
	"github.com/ovaphlow/pitchfork/service-auth/internal/account/repo"
	"github.com/ovaphlow/pitchfork/service-auth/internal/auth"
	"github.com/ovaphlow/pitchfork/service-auth/internal/mailer"
	"github.com/ovaphlow/pitchfork/service-auth/internal/metrics"
	"github.com/ovaphlow/pitchfork/service-auth/internal/oauth"
	"github.com/ovaphlow/pitchfork/service-auth/internal/router"
	"github.com/ovaphlow/pitchfork/service-auth/internal/sweeper"
	"github.com/ovaphlow/pitchfork/service-auth/internal/token"
	"github.com/ovaphlow/pitchfork/service-auth/pkg/config"
	"github.com/ovaphlow/pitchfork/service-auth/pkg/database"
	"github.com/ovaphlow/pitchfork/service-auth/pkg/utilities"
)

func main() {
	// best-effort: without a .env the real environment and defaults apply
	_ = godotenv.Load()

	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()
	sugar := lg.Sugar()

	cfg, err := config.Load()
	if err != nil {
		sugar.Fatalf("config: %v", err)
	}
	sugar.Infow("starting service-auth", "addr", cfg.HTTPAddr, "store", cfg.Store, "production", cfg.Production)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, sugar)
	if err != nil {
		sugar.Fatalf("store: %v", err)
	}
	defer closeStore()

	if cfg.SweepSchedule != "" {
		sched, err := sweeper.New(store, sugar.Named("sweeper")).Schedule(cfg.SweepSchedule)
		if err != nil {
			sugar.Fatalf("sweeper: %v", err)
		}
		sched.Start()
		defer sched.Stop()
	}

	handler, err := buildHandler(cfg, store, sugar)
	if err != nil {
		sugar.Fatalf("wiring: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Fatalf("http server failed: %v", err)
		}
	}()
	sugar.Info("service is running; press Ctrl+C to stop")

	<-ctx.Done()
	sugar.Info("shutting down")

	doneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnf("http server shutdown failed: %v", err)
	}
	sugar.Info("goodbye")
}

// openStore returns the configured credential store and its cleanup.
func openStore(ctx context.Context, cfg config.Config, sugar *zap.SugaredLogger) (account.Store, func(), error) {
	if cfg.Store == "memory" {
		sugar.Warn("using in-memory store; accounts are lost on restart")
		return memstore.New(), func() {}, nil
	}

	sqlDB, err := database.Connect(database.ConfigFromEnv())
	if err != nil {
		return nil, nil, fmt.Errorf("db connect: %w", err)
	}
	if err := database.Migrate(ctx, sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, nil, err
	}
	sqlxDB := sqlx.NewDb(sqlDB, "postgres")
	return repo.NewAccountRepo(sqlxDB), func() {
		if err := sqlxDB.Close(); err != nil {
			sugar.Warnf("db close: %v", err)
		}
	}, nil
}

func buildHandler(cfg config.Config, store account.Store, sugar *zap.SugaredLogger) (http.Handler, error) {
	issuer, err := token.NewIssuer(token.Config{
		AccessSecret:  []byte(cfg.AccessSecret),
		RefreshSecret: []byte(cfg.RefreshSecret),
		AccessTTL:     cfg.AccessTTL,
		RefreshTTL:    cfg.RefreshTTL,
		Issuer:        cfg.Issuer,
		Audience:      cfg.Audience,
	})
	if err != nil {
		return nil, err
	}

	var providers []*oauth.Provider
	if cfg.Google.Enabled() {
		providers = append(providers, oauth.Google(providerConfig(cfg.Google)))
	}
	if cfg.GitHub.Enabled() {
		providers = append(providers, oauth.GitHub(providerConfig(cfg.GitHub)))
	}
	for _, p := range providers {
		sugar.Infow("oauth provider enabled", "provider", p.Name())
	}

	m := metrics.New()
	svc, err := auth.NewService(auth.Deps{
		Store:       store,
		Hasher:      auth.BcryptHasher{Cost: cfg.BcryptCost},
		Issuer:      issuer,
		Secrets:     auth.NewSecretManager(store, cfg.VerificationTTL, cfg.ResetTTL),
		Linker:      oauth.NewLinker(store, utilities.NewSnowflakeID, providers...),
		Mailer:      mailer.NewLogMailer(sugar.Named("mailer")),
		Metrics:     m,
		Logger:      sugar.Named("auth"),
		NewID:       utilities.NewSnowflakeID,
		Lockout:     account.LockoutPolicy{Threshold: cfg.LockThreshold, Duration: cfg.LockDuration},
		PublicURL:   cfg.PublicURL,
		FrontendURL: cfg.FrontendURL,
	})
	if err != nil {
		return nil, err
	}

	h := auth.NewHandler(svc,
		oauth.NewStateSigner([]byte(cfg.StateSecret), oauth.DefaultStateTTL),
		auth.CookieConfig{Secure: cfg.Production, CrossSite: cfg.CrossSite, RefreshMaxAge: cfg.RefreshTTL},
		cfg.FrontendURL,
		sugar.Named("http"),
	)
	return router.RegisterRoutes(sugar, h, router.Options{
		Metrics:        m,
		AllowedOrigins: []string{cfg.FrontendURL},
	}), nil
}

func providerConfig(p config.Provider) oauth.ProviderConfig {
	return oauth.ProviderConfig{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		CallbackURL:  p.CallbackURL,
	}
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pysugar/gmb-autopost/internal/api"
	"github.com/pysugar/gmb-autopost/internal/api/middleware"
	"github.com/pysugar/gmb-autopost/internal/auth/token"
	"github.com/pysugar/gmb-autopost/internal/composer"
	"github.com/pysugar/gmb-autopost/internal/config"
	"github.com/pysugar/gmb-autopost/internal/content"
	"github.com/pysugar/gmb-autopost/internal/db"
	"github.com/pysugar/gmb-autopost/internal/directory"
	"github.com/pysugar/gmb-autopost/internal/gmb"
	"github.com/pysugar/gmb-autopost/internal/logging"
	"github.com/pysugar/gmb-autopost/internal/monitor"
	"github.com/pysugar/gmb-autopost/internal/publisher"
	"github.com/pysugar/gmb-autopost/internal/scheduler"
	"github.com/pysugar/gmb-autopost/internal/settings"
	"github.com/pysugar/gmb-autopost/internal/util"
	"github.com/pysugar/gmb-autopost/internal/version"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	log := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

	// Initialize database
	database, err := db.InitDB(cfg.DBPath, log)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	clock := util.SystemClock{}
	store := settings.NewStore(db.NewOptionStore(database))
	cache := db.NewTransientStore(database, clock)
	listings := content.NewRepository(database, clock)
	metrics := monitor.NewMetrics()
	history := monitor.NewHistory(database, clock, log)

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	var refresher token.Refresher
	if cfg.UseDirectOAuth() {
		refresher = token.NewOAuthRefresher(cfg.GoogleClientID, cfg.GoogleClientSecret, httpClient)
		log.Info("refreshing access tokens directly with Google")
	} else {
		refresher = token.NewRelayRefresher(cfg.TokenRefreshURL, cfg.FetchRetries, httpClient)
	}
	tokens := token.NewManager(store, cache, refresher, metrics, log)

	client := gmb.NewClient(cfg.APIBaseURL, cfg.HTTPTimeout, cfg.FetchRetries, log)
	dir := directory.New(client, tokens, store, cache, log)
	comp := composer.New(store, listings, composer.NewHTTPProber(cfg.HTTPTimeout, httpClient), cfg.PostType, log)
	pub := publisher.New(client, tokens, dir, store, cfg.Locale, publisher.Options{
		Clock:   clock,
		History: history,
		Metrics: metrics,
		Log:     log,
	})
	sched := scheduler.New(scheduler.Config{
		Events:       db.NewEventStore(database),
		Settings:     store,
		Composer:     comp,
		Publisher:    pub,
		Listings:     listings,
		Clock:        clock,
		Metrics:      metrics,
		Log:          log,
		PollInterval: cfg.PollInterval,
	})
	pub.SetRetryHook(sched.Retry)

	nonces, err := middleware.NewNonces(cfg.NonceSecret, cfg.NonceTTL, clock)
	if err != nil {
		log.Fatalf("Failed to initialize nonces: %v", err)
	}
	if cfg.NonceSecret == "" {
		log.Warn("GMB_NONCE_SECRET not set, nonces will not survive a restart")
	}
	if cfg.AdminPassword == "" {
		log.Warn("GMB_ADMIN_PASSWORD not set, the admin API is open")
	}

	router := api.NewRouter(api.Deps{
		Settings:           store,
		Tokens:             tokens,
		Directory:          dir,
		Scheduler:          sched,
		Listings:           listings,
		History:            history,
		Metrics:            metrics,
		Nonces:             nonces,
		Log:                log,
		AdminPassword:      cfg.AdminPassword,
		PostType:           cfg.PostType,
		GoogleClientID:     cfg.GoogleClientID,
		GoogleClientSecret: cfg.GoogleClientSecret,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sched.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.WithFields(logrus.Fields{
			"addr":    cfg.Addr(),
			"version": version.Version,
			"state":   sched.State(),
		}).Info("gmb autoposter starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
}

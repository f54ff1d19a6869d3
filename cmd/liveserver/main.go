package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/10thony/Campaignion-sub010/broadcast"
	"github.com/10thony/Campaignion-sub010/clientapi/auth"
	"github.com/10thony/Campaignion-sub010/clientapi/routing"
	"github.com/10thony/Campaignion-sub010/internal"
	"github.com/10thony/Campaignion-sub010/internal/httputil"
	"github.com/10thony/Campaignion-sub010/roomserver"
	"github.com/10thony/Campaignion-sub010/setup/config"
	"github.com/10thony/Campaignion-sub010/storage"
)

var configPath = flag.String("config", "", "Path to liveserver.yaml (optional, env vars override)")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}

	internal.SetupStdLogging(cfg.Server.LogLevel)
	internal.SetupHookLogging(cfg.Logging)
	if cfg.Sentry.Enabled {
		if err = internal.SetupSentry(cfg.Sentry.DSN); err != nil {
			logrus.WithError(err).Fatal("Failed to initialise sentry")
		}
		defer sentry.Flush(2 * time.Second)
	}

	db, err := storage.Open(cfg.Database.ConnectionString)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open database")
	}
	defer db.Close() // nolint: errcheck

	verifier, err := auth.NewVerifier(&cfg.Auth)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to build token verifier")
	}

	broadcaster := broadcast.NewBroadcaster(broadcast.Config{
		SubscriptionTTL:         time.Duration(cfg.Subscriptions.TTLMS) * time.Millisecond,
		MaxSubscriptionsPerUser: cfg.Subscriptions.MaxPerUser,
		Batch: broadcast.BatchConfig{
			BatchDelay:        time.Duration(cfg.Batch.MessageBatchTimeoutMS) * time.Millisecond,
			MaxBatchSize:      cfg.Batch.MessageBatchSize,
			MaxQueueSize:      cfg.Batch.MaxQueueSize,
			PriorityThreshold: cfg.Batch.PriorityThreshold,
		},
	})

	rooms := roomserver.NewManager(cfg, db, broadcaster)
	rooms.Start()

	limits := httputil.NewRateLimits(&cfg.RateLimiting)
	defer limits.Stop()

	router := mux.NewRouter()
	routing.Setup(router, cfg, rooms, broadcaster, verifier, limits, db)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logrus.WithField("addr", srv.Addr).Info("Live interaction server listening")
		if serr := srv.ListenAndServe(); serr != nil && serr != http.ErrServerClosed {
			logrus.WithError(serr).Fatal("HTTP server failed")
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logrus.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if serr := srv.Shutdown(ctx); serr != nil {
		logrus.WithError(serr).Warn("HTTP shutdown did not complete cleanly")
	}
	broadcaster.Shutdown(ctx)
	rooms.Shutdown(ctx)
	logrus.Info("Shutdown complete")
}

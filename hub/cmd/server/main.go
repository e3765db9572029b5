// Package server is the full hub process: the notification callback and
// management API, the admin server, and the cron-driven reconciler, wired
// from environment configuration.
package server

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/robobridge/robobridge/hub/api"
	"github.com/robobridge/robobridge/hub/ingress"
	"github.com/robobridge/robobridge/hub/lifecycle"
	"github.com/robobridge/robobridge/pkg/admin"
	"github.com/robobridge/robobridge/pkg/changes"
	"github.com/robobridge/robobridge/pkg/config"
	"github.com/robobridge/robobridge/pkg/flags"
	"github.com/robobridge/robobridge/pkg/forward"
	"github.com/robobridge/robobridge/pkg/healthcheck"
	"github.com/robobridge/robobridge/pkg/platform"
	"github.com/robobridge/robobridge/pkg/processors"
	"github.com/robobridge/robobridge/pkg/rpa"
	"github.com/robobridge/robobridge/pkg/statestore"
	"github.com/robobridge/robobridge/pkg/tokencache"
	"github.com/robobridge/robobridge/pkg/tracking"
)

const (
	shutdownTimeout  = 30 * time.Second
	reconcileTimeout = 5 * time.Minute
)

// Main runs the hub server.
func Main(args []string) {
	cmd := flag.NewFlagSet("server", flag.ExitOnError)
	addr := cmd.String("addr", ":8089", "address to serve the hub API on")
	adminAddr := cmd.String("admin-addr", ":9989", "address to serve scrapable metrics on")
	flags.ConfigureAndParse(cmd, args)

	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %s", err)
	}
	if cfg.Features.DetailedLogging && log.GetLevel() < log.DebugLevel {
		log.SetLevel(log.DebugLevel)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	tokens := tokencache.New(cfg.Features.TokenCache)

	var store statestore.Store
	var sink statestore.FailureSink = statestore.NopFailureSink{}
	if cfg.StateStoreURL != "" {
		redisStore, err := statestore.NewRedisStore(cfg.StateStoreURL)
		if err != nil {
			log.Fatalf("connecting to state store: %s", err)
		}
		defer redisStore.Close()
		store = redisStore
		if cfg.Features.FailedItemsSink {
			sink = statestore.NewRedisFailureSink(redisStore.Client())
		}
	} else {
		log.Warn("no STATE_STORE_URL configured; snapshots are in-memory and lost on restart")
		store = statestore.NewMemoryStore()
	}

	var platformClient *platform.Client
	if cfg.Platform.ClientID != "" {
		platformClient = platform.NewClient(cfg.Platform, tokens)
	} else {
		log.Warn("no platform credentials configured; enrichment and lifecycle are disabled")
	}

	var rpaClient *rpa.Client
	if cfg.Features.RPA {
		rpaClient = rpa.NewClient(cfg.RPA, tokens, cfg.RetryMaxAttempts, cfg.RetryBaseDelay)
	}

	var trackerStore *tracking.Store
	if cfg.TrackingListResource != "" && platformClient != nil {
		trackerStore = tracking.NewStore(platformClient, cfg.TrackingListResource)
	}

	detector := changes.NewDetector(store)
	registry := processors.DefaultRegistry()
	forwarder := forward.New(cfg.CallbackHost(), cfg.RetryMaxAttempts, cfg.RetryBaseDelay)

	ingressOpts := ingress.Options{
		Detector:    detector,
		Registry:    registry,
		Forwarder:   forwarder,
		Sink:        sink,
		DedupTTL:    cfg.DedupTTL,
		FanoutLimit: cfg.FanoutLimit,
	}
	// Nil concrete pointers must not become non-nil interfaces.
	if platformClient != nil {
		ingressOpts.Items = platformClient
	}
	if rpaClient != nil {
		ingressOpts.Submitter = rpaClient
	}
	if trackerStore != nil {
		ingressOpts.Tracker = trackerStore
	}
	pipeline := ingress.New(ingressOpts)

	var manager *lifecycle.Manager
	if platformClient != nil {
		var lifecycleTracker lifecycle.TrackingStore
		if trackerStore != nil {
			lifecycleTracker = trackerStore
		}
		callback := strings.TrimRight(cfg.CallbackBaseURL, "/") + "/ingress"
		manager = lifecycle.NewManager(platformClient, lifecycleTracker, callback, cfg.RenewalWindow)
	}

	apiCfg := api.Config{
		Pipeline:      pipeline,
		Manager:       manager,
		Store:         store,
		Health:        buildHealthChecker(cfg, store, platformClient, rpaClient, trackerStore),
		FunctionKey:   cfg.FunctionKey,
		DefaultTenant: config.TenantDev,
	}
	if rpaClient != nil {
		apiCfg.RPA = rpaClient
	}
	server := api.NewServer(*addr, apiCfg)

	scheduler := cron.New()
	if manager != nil {
		_, err := scheduler.AddFunc(cfg.ReconcileSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
			defer cancel()
			if _, err := manager.Reconcile(ctx); err != nil {
				log.Errorf("scheduled reconcile failed: %s", err)
			}
		})
		if err != nil {
			log.Fatalf("invalid reconcile schedule %q: %s", cfg.ReconcileSchedule, err)
		}
		scheduler.Start()
		log.Infof("reconciler scheduled: %s", cfg.ReconcileSchedule)
	}

	ready := func() bool { return true }
	go admin.StartServer(*adminAddr, ready)

	go func() {
		log.Infof("starting hub server on %s", *addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("hub server failed: %s", err)
		}
	}()

	<-stop
	log.Info("shutting down hub server")
	scheduler.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Errorf("shutdown: %s", err)
	}
}

// buildHealthChecker registers a probe per wired dependency.
func buildHealthChecker(cfg *config.Config, store statestore.Store, platformClient *platform.Client, rpaClient *rpa.Client, trackerStore *tracking.Store) *healthcheck.HealthChecker {
	hc := healthcheck.NewHealthChecker(nil)

	hc.Add(healthcheck.Checker{
		Category:    healthcheck.StateStoreCategory,
		Description: "state store is reachable",
		Check: func(ctx context.Context) error {
			return store.Ping(ctx)
		},
	})

	if platformClient != nil {
		hc.Add(healthcheck.Checker{
			Category:    healthcheck.PlatformAPICategory,
			Description: "platform API answers authenticated reads",
			Check: func(ctx context.Context) error {
				_, err := platformClient.ListSubscriptions(ctx)
				return err
			},
		})
	}

	if rpaClient != nil {
		hc.Add(healthcheck.Checker{
			Category:    healthcheck.RPACategory,
			Description: "RPA provider accepts our credentials",
			Check: func(ctx context.Context) error {
				return rpaClient.TestAuth(ctx, "")
			},
		})
	}

	if trackerStore != nil {
		hc.Add(healthcheck.Checker{
			Category:    healthcheck.TrackingCategory,
			Description: "tracking list is readable",
			Warning:     true,
			Check: func(ctx context.Context) error {
				_, err := trackerStore.List(ctx)
				return err
			},
		})
	}
	return hc
}

// Package reconcile is the one-shot reconciler: a single renew-and-converge
// sweep for operators and external schedulers.
package reconcile

import (
	"context"
	"flag"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/robobridge/robobridge/hub/lifecycle"
	"github.com/robobridge/robobridge/pkg/config"
	"github.com/robobridge/robobridge/pkg/flags"
	"github.com/robobridge/robobridge/pkg/platform"
	"github.com/robobridge/robobridge/pkg/tokencache"
	"github.com/robobridge/robobridge/pkg/tracking"
)

// Main runs one reconciler sweep and exits.
func Main(args []string) {
	cmd := flag.NewFlagSet("reconcile", flag.ExitOnError)
	timeout := cmd.Duration("timeout", 5*time.Minute, "deadline for the sweep")
	flags.ConfigureAndParse(cmd, args)

	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %s", err)
	}
	if cfg.Platform.ClientID == "" {
		log.Fatal("reconcile requires platform credentials")
	}

	tokens := tokencache.New(cfg.Features.TokenCache)
	platformClient := platform.NewClient(cfg.Platform, tokens)

	var tracker lifecycle.TrackingStore
	if cfg.TrackingListResource != "" {
		tracker = tracking.NewStore(platformClient, cfg.TrackingListResource)
	}

	callback := strings.TrimRight(cfg.CallbackBaseURL, "/") + "/ingress"
	manager := lifecycle.NewManager(platformClient, tracker, callback, cfg.RenewalWindow)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	summary, err := manager.Reconcile(ctx)
	if err != nil {
		log.Fatalf("reconcile failed: %s", err)
	}
	log.Infof("reconcile complete: %d live, %d renewed, %d recreated, %d orphaned, %d failures",
		summary.Live, summary.Renewed, summary.Recreated, summary.Orphaned, summary.Failures)
}

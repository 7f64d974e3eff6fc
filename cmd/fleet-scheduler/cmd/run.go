package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/armada-fleet/corectl/internal/agentmonitor"
	"github.com/armada-fleet/corectl/internal/armadacontext"
	"github.com/armada-fleet/corectl/internal/clock"
	"github.com/armada-fleet/corectl/internal/fleet/constraints"
	"github.com/armada-fleet/corectl/internal/fleet/offerpool"
	"github.com/armada-fleet/corectl/internal/fleet/placement"
	"github.com/armada-fleet/corectl/internal/fleet/queue"
	"github.com/armada-fleet/corectl/internal/jobsubsystem"
	"github.com/armada-fleet/corectl/internal/logging"
	"github.com/armada-fleet/corectl/internal/metrics"
	"github.com/armada-fleet/corectl/internal/offersource"
	"github.com/armada-fleet/corectl/internal/reconciler"
	"github.com/armada-fleet/corectl/internal/storedriver"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Runs the placement engine and reconciliation framework",
		RunE:  runFleetScheduler,
	}
}

// runFleetScheduler wires the domain-stack collaborators (Postgres/Redis store, Pulsar offer
// source, NATS agent monitor) to the placement and reconciliation core, connects the two through
// the job subsystem adapter (spec.md §2's launch-callback), and runs every loop until an
// interrupt or terminate signal arrives.
//
// No cloud SDK ships in the dependency set this binary was built against, so the ClusterManager
// collaborator (spec.md §6) is left unwired here: Engine.Autoscaler and Engine.GroupOf stay nil,
// which RunOnce already treats as "autoscaling disabled" rather than a fatal condition. A real
// deployment supplies a clustermgr.GroupClient and constructs an autoscaler.Controller from it.
func runFleetScheduler(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logging.Configure(cfg.LogFormatJSON)

	rootCtx, cancel := armadacontext.WithCancel(armadacontext.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		rootCtx.Log.Info("shutdown signal received")
		cancel()
	}()

	reg := metrics.New(prometheus.NewRegistry())

	store, err := storedriver.New(rootCtx, cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	// src.RejectOffer is only available once src exists, but offerpool.New needs a RejectFunc
	// up front; forward through a closure whose target is filled in below.
	var rejectFn offerpool.RejectFunc
	pool, err := offerpool.New(func(offerId, reason string) {
		if rejectFn != nil {
			rejectFn(offerId, reason)
		}
	}, cfg.Placement.LeaseOfferExpiry())
	if err != nil {
		return err
	}

	src, err := offersource.New(cfg.OfferSource, pool, rootCtx.Log)
	if err != nil {
		return err
	}
	defer src.Close()
	rejectFn = src.RejectOffer

	mon, err := agentmonitor.New(cfg.AgentMonitor, pool, rootCtx.Log)
	if err != nil {
		return err
	}
	defer mon.Close()

	q, err := queue.New()
	if err != nil {
		return err
	}

	evaluator := &constraints.Evaluator{
		HardRegistry:      map[string]constraints.HardConstraint{},
		SoftRegistry:      map[string]constraints.WeightedSoftConstraint{},
		FitnessGoodEnough: cfg.Placement.FitnessGoodEnough,
	}

	// A Controller and GroupResolver are only meaningful alongside a ScaleExecutor; since none
	// is wired here (see the ClusterManager note above), autoscaling stays disabled end to end.
	engine := placement.New(q, pool, evaluator, nil, src, nil, nil, clock.Real, cfg.Placement, reg)
	framework := reconciler.NewFramework(cfg.Reconciler, clock.Real, reg)

	// jobs is the job subsystem of spec.md §2: it wires accepted assignments from the Placement
	// Engine (C4) into the Reconciliation Framework (C7) via a per-job Reconciliation Engine
	// (C6), and releases capacity-group consumption back to Queue once a task finishes. No
	// DiffFunc runs here yet, so a job's Reference model advances only via ChangeReferenceModel
	// calls the adapter itself issues; a real ReconcilerAction diff belongs to whichever
	// collaborator observes container state (spec.md §4.6 step 2), out of scope until an agent
	// runtime driver is wired in.
	jobs := jobsubsystem.New(q, framework, nil, store, cfg.Reconciler)
	engine.OnAccepted = jobs.OnAccepted

	var group multierror.Group
	group.Go(func() error { return engine.Run(rootCtx) })
	group.Go(func() error { return src.Run(rootCtx) })
	group.Go(func() error { return framework.Run(rootCtx) })
	group.Go(func() error { return jobs.Run(rootCtx) })

	return group.Wait().ErrorOrNil()
}

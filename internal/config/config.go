// Package config loads and validates the core's runtime configuration, following the
// viper-backed loader in the teacher's internal/common/startup.go.
package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/armada-fleet/corectl/internal/errkind"
)

// Configuration collects every knob named in spec.md §6 plus the connection strings for the
// domain-stack collaborators wired in SPEC_FULL.md §2.
type Configuration struct {
	Placement     PlacementConfig
	Reconciler    ReconcilerConfig
	Autoscaler    AutoscalerConfig
	Store         StoreConfig
	OfferSource   OfferSourceConfig
	AgentMonitor  AgentMonitorConfig
	LogFormatJSON bool
}

type PlacementConfig struct {
	// SchedulerIterationIntervalMs is the minimum delay between placement iterations.
	SchedulerIterationIntervalMs int64
	// MaxDelayMsBetweenIterations rate-limits the loop when no assignments are possible.
	MaxDelayMsBetweenIterations int64
	// LeaseOfferExpirySecs: offers older than this are rejected pre-iteration.
	LeaseOfferExpirySecs int64
	// TaskFailuresQueueCapacity bounds pending placement-failure callback registrations.
	TaskFailuresQueueCapacity int
	// FitnessGoodEnough short-circuits soft-constraint evaluation once a candidate clears it.
	FitnessGoodEnough float64
	// MultiTaskPerOfferEnabled allows a single offer to be split across several assignments
	// in one iteration; otherwise an offer used by any task is considered fully consumed.
	MultiTaskPerOfferEnabled bool
	// ExitOnSchedulingErrorEnabled triggers process termination on FatalSchedulerError.
	ExitOnSchedulingErrorEnabled bool
	// AutoscaleByAttributeName names the agent attribute identifying its instance group.
	AutoscaleByAttributeName string
	// ActiveSlaveAttributeName distinguishes active agents from drain-only agents.
	ActiveSlaveAttributeName string
}

type ReconcilerConfig struct {
	// ActiveTimeoutMs / IdleTimeoutMs pace the reconciliation loop; 0 < Active <= Idle.
	ActiveTimeoutMs int64
	IdleTimeoutMs   int64
	// StoreUpdateTimeoutMs bounds how long a Store ModelUpdateAction waits for an ack.
	StoreUpdateTimeoutMs int64
	// ShutdownDrainTimeoutMs bounds how long shutdown() waits for in-flight actions to drain.
	ShutdownDrainTimeoutMs int64
}

type AutoscalerConfig struct {
	DelayAutoscaleUpBySecs   int64
	DelayAutoscaleDownBySecs int64
	OptimizingShortfallEvaluatorEnabled bool
}

type StoreConfig struct {
	PostgresDSN string
	RedisAddr   string
}

type OfferSourceConfig struct {
	PulsarURL          string
	OfferTopic         string
	RescindTopic       string
	AssignmentTopic    string
}

type AgentMonitorConfig struct {
	NatsURL     string
	StatusSubject string
}

// Load reads "config.yaml" from path via viper, the same two-step ReadInConfig+Unmarshal the
// teacher's LoadConfig performs, then validates cross-field invariants.
func Load(path string) (Configuration, error) {
	viper.SetConfigName("config")
	viper.AddConfigPath(path)
	if err := viper.ReadInConfig(); err != nil {
		return Configuration{}, errors.Wrap(err, "reading config")
	}
	var cfg Configuration
	if err := viper.Unmarshal(&cfg); err != nil {
		return Configuration{}, errors.Wrap(err, "unmarshalling config")
	}
	if err := Validate(cfg); err != nil {
		return Configuration{}, err
	}
	return cfg, nil
}

// Validate enforces the boundary conditions named in spec.md §8: the reconciliation loop
// requires 0 < activeTimeoutMs <= idleTimeoutMs.
func Validate(cfg Configuration) error {
	if cfg.Reconciler.ActiveTimeoutMs <= 0 {
		return &errkind.InvalidInput{Field: "Reconciler.ActiveTimeoutMs", Message: "must be > 0"}
	}
	if cfg.Reconciler.ActiveTimeoutMs > cfg.Reconciler.IdleTimeoutMs {
		return &errkind.InvalidInput{
			Field:   "Reconciler.ActiveTimeoutMs",
			Message: "must be <= IdleTimeoutMs",
		}
	}
	if cfg.Reconciler.StoreUpdateTimeoutMs <= 0 {
		return &errkind.InvalidInput{Field: "Reconciler.StoreUpdateTimeoutMs", Message: "must be > 0"}
	}
	if cfg.Placement.SchedulerIterationIntervalMs <= 0 {
		return &errkind.InvalidInput{Field: "Placement.SchedulerIterationIntervalMs", Message: "must be > 0"}
	}
	if cfg.Placement.FitnessGoodEnough < 0 || cfg.Placement.FitnessGoodEnough > 1 {
		return &errkind.InvalidInput{Field: "Placement.FitnessGoodEnough", Message: "must be in [0,1]"}
	}
	return nil
}

func (c ReconcilerConfig) ActiveTimeout() time.Duration {
	return time.Duration(c.ActiveTimeoutMs) * time.Millisecond
}

func (c ReconcilerConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMs) * time.Millisecond
}

func (c ReconcilerConfig) StoreUpdateTimeout() time.Duration {
	return time.Duration(c.StoreUpdateTimeoutMs) * time.Millisecond
}

func (c PlacementConfig) IterationInterval() time.Duration {
	return time.Duration(c.SchedulerIterationIntervalMs) * time.Millisecond
}

func (c PlacementConfig) MaxDelayBetweenIterations() time.Duration {
	return time.Duration(c.MaxDelayMsBetweenIterations) * time.Millisecond
}

func (c PlacementConfig) LeaseOfferExpiry() time.Duration {
	return time.Duration(c.LeaseOfferExpirySecs) * time.Second
}

func (c AutoscalerConfig) DelayUp() time.Duration {
	return time.Duration(c.DelayAutoscaleUpBySecs) * time.Second
}

func (c AutoscalerConfig) DelayDown() time.Duration {
	return time.Duration(c.DelayAutoscaleDownBySecs) * time.Second
}

// Default returns sane defaults matching the ones spec.md §6 calls out explicitly.
func Default() Configuration {
	return Configuration{
		Placement: PlacementConfig{
			SchedulerIterationIntervalMs: 1000,
			MaxDelayMsBetweenIterations:  5000,
			LeaseOfferExpirySecs:         300,
			TaskFailuresQueueCapacity:    5,
			FitnessGoodEnough:            0.8,
		},
		Reconciler: ReconcilerConfig{
			ActiveTimeoutMs:        50,
			IdleTimeoutMs:          2000,
			StoreUpdateTimeoutMs:   5000,
			ShutdownDrainTimeoutMs: 10000,
		},
		Autoscaler: AutoscalerConfig{
			DelayAutoscaleUpBySecs:   60,
			DelayAutoscaleDownBySecs: 300,
		},
	}
}

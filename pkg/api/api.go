// Package api defines the wire-agnostic public types callers construct against when driving the
// placement and reconciliation core. It deliberately carries no protobuf or JSON schema
// annotations: wire format is a caller concern (spec.md §1 Non-goals).
package api

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid"

	"github.com/armada-fleet/corectl/internal/fleet"
)

// idEntropy is shared across NewTask calls; ulid.Monotonic is safe for concurrent use once
// wrapped in a mutex, guaranteeing lexical ordering for ids minted within the same millisecond.
var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

func newTaskId() string {
	idMu.Lock()
	defer idMu.Unlock()
	t := time.Now()
	return ulid.MustNew(ulid.Timestamp(t), idEntropy).String()
}

// TaskSpec is what a caller submits to request a task be scheduled. NewTask converts it into the
// internal fleet.Task the core operates on, assigning a ULID so tasks from the same submission
// batch sort in submission order the way Armada job ids do.
type TaskSpec struct {
	JobId              string
	Request            fleet.ResourceRequest
	Tier               fleet.Tier
	CapacityGroup      string
	HardConstraintName []string
	SoftConstraintName []string
}

// NewTask materializes a TaskSpec into a queued fleet.Task with a fresh id.
func NewTask(spec TaskSpec) *fleet.Task {
	return &fleet.Task{
		Id:                 newTaskId(),
		JobId:              spec.JobId,
		Request:            spec.Request,
		Tier:               spec.Tier,
		CapacityGroup:      spec.CapacityGroup,
		HardConstraintName: spec.HardConstraintName,
		SoftConstraintName: spec.SoftConstraintName,
		State:              fleet.Queued,
	}
}

// OfferSpec is what an OfferSource collaborator reports for one lease. NewOffer assigns a UUID,
// matching the teacher's use of google/uuid for ephemeral, non-orderable identifiers.
type OfferSpec struct {
	AgentId    string
	Available  fleet.ResourceRequest
	Attributes map[string]string
	Ttl        time.Duration
}

// NewOffer materializes an OfferSpec into a fleet.Offer with a fresh id and expiry computed from
// now.
func NewOffer(spec OfferSpec, now time.Time) fleet.Offer {
	return fleet.Offer{
		Id:         uuid.NewString(),
		AgentId:    spec.AgentId,
		Available:  spec.Available,
		Attributes: spec.Attributes,
		IssuedAt:   now,
		ExpiresAt:  now.Add(spec.Ttl),
	}
}

// AgentStatus is what an AgentStatusMonitor collaborator reports for one instance (spec.md §6).
type AgentStatus struct {
	InstanceId string
	Healthy    bool
	DisableFor time.Duration
}

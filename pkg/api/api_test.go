package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armada-fleet/corectl/internal/fleet"
)

func TestNewTaskCopiesSpecFieldsAndAssignsId(t *testing.T) {
	spec := TaskSpec{
		JobId:              "job-1",
		Request:            fleet.ResourceRequest{CPU: 2},
		Tier:               fleet.Critical,
		CapacityGroup:      "team-a",
		HardConstraintName: []string{"zone"},
		SoftConstraintName: []string{"spread"},
	}
	task := NewTask(spec)

	assert.NotEmpty(t, task.Id)
	assert.Equal(t, "job-1", task.JobId)
	assert.Equal(t, fleet.Critical, task.Tier)
	assert.Equal(t, "team-a", task.CapacityGroup)
	assert.Equal(t, []string{"zone"}, task.HardConstraintName)
	assert.Equal(t, fleet.Queued, task.State)
}

func TestNewTaskIdsAreLexicallyMonotonic(t *testing.T) {
	first := NewTask(TaskSpec{})
	second := NewTask(TaskSpec{})
	assert.Less(t, first.Id, second.Id, "ulids minted in submission order must sort in submission order")
}

func TestNewTaskIdsAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewTask(TaskSpec{}).Id
		require.False(t, seen[id])
		seen[id] = true
	}
}

func TestNewOfferAssignsIdAndComputesExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	offer := NewOffer(OfferSpec{
		AgentId:   "agent-1",
		Available: fleet.ResourceRequest{CPU: 4},
		Ttl:       time.Minute,
	}, now)

	assert.NotEmpty(t, offer.Id)
	assert.Equal(t, "agent-1", offer.AgentId)
	assert.Equal(t, now, offer.IssuedAt)
	assert.Equal(t, now.Add(time.Minute), offer.ExpiresAt)
}

func TestNewOfferIdsAreUnique(t *testing.T) {
	now := time.Now()
	a := NewOffer(OfferSpec{}, now)
	b := NewOffer(OfferSpec{}, now)
	assert.NotEqual(t, a.Id, b.Id)
}

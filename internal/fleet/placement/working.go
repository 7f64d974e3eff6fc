package placement

import (
	"github.com/armada-fleet/corectl/internal/fleet"
	"github.com/armada-fleet/corectl/internal/fleet/offerpool"
)

// workingOffers tracks each offer's remaining capacity across a single Match phase. When
// multi-task-per-offer is disabled, an offer is removed once any task has been assigned against
// it, implementing the keep-together default of spec.md §9; when it is enabled, the offer stays
// and its remaining capacity is decremented (clamped at zero) by each assignment.
type workingOffers struct {
	remainingByOffer map[string]fleet.ResourceRequest
}

func newWorkingOffers(agentStates []offerpool.AgentState) *workingOffers {
	w := &workingOffers{remainingByOffer: map[string]fleet.ResourceRequest{}}
	for _, as := range agentStates {
		for _, offer := range as.Offers {
			w.remainingByOffer[offer.Id] = offer.Available
		}
	}
	return w
}

func (w *workingOffers) remaining(offerId string) (fleet.ResourceRequest, bool) {
	r, ok := w.remainingByOffer[offerId]
	return r, ok
}

func (w *workingOffers) consume(offerId string, req fleet.ResourceRequest, multiTaskPerOffer bool) {
	remaining, ok := w.remainingByOffer[offerId]
	if !ok {
		return
	}
	if !multiTaskPerOffer {
		delete(w.remainingByOffer, offerId)
		return
	}
	w.remainingByOffer[offerId] = remaining.Sub(req)
}

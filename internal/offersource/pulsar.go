// Package offersource implements the OfferSource external interface (spec.md §6) against a
// Pulsar consumer/producer pair, mirroring the teacher's Pulsar ingestion pipeline.
package offersource

import (
	"context"
	"encoding/json"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/armada-fleet/corectl/internal/config"
	"github.com/armada-fleet/corectl/internal/fleet"
	"github.com/armada-fleet/corectl/internal/fleet/offerpool"
	"github.com/armada-fleet/corectl/internal/fleet/placement"
)

// Source consumes offer/rescind events from Pulsar and publishes accepted/rejected assignments
// back, implementing placement.Launcher for the Assign step of spec.md §4.4.
type Source struct {
	client       pulsar.Client
	offers       pulsar.Consumer
	rescinds     pulsar.Consumer
	assignments  pulsar.Producer
	pool         *offerpool.Pool
	log          *logrus.Entry
}

// New connects to Pulsar and starts consuming offers and rescinds into pool. Callers run Run in
// a goroutine to keep pulling messages.
func New(cfg config.OfferSourceConfig, pool *offerpool.Pool, log *logrus.Entry) (*Source, error) {
	client, err := pulsar.NewClient(pulsar.ClientOptions{URL: cfg.PulsarURL})
	if err != nil {
		return nil, errors.Wrap(err, "creating pulsar client")
	}
	offers, err := client.Subscribe(pulsar.ConsumerOptions{
		Topic:            cfg.OfferTopic,
		SubscriptionName: "corectl-offer-pool",
		Type:             pulsar.Shared,
	})
	if err != nil {
		client.Close()
		return nil, errors.Wrap(err, "subscribing to offer topic")
	}
	rescinds, err := client.Subscribe(pulsar.ConsumerOptions{
		Topic:            cfg.RescindTopic,
		SubscriptionName: "corectl-offer-pool-rescind",
		Type:             pulsar.Shared,
	})
	if err != nil {
		offers.Close()
		client.Close()
		return nil, errors.Wrap(err, "subscribing to rescind topic")
	}
	producer, err := client.CreateProducer(pulsar.ProducerOptions{Topic: cfg.AssignmentTopic})
	if err != nil {
		offers.Close()
		rescinds.Close()
		client.Close()
		return nil, errors.Wrap(err, "creating assignment producer")
	}
	return &Source{client: client, offers: offers, rescinds: rescinds, assignments: producer, pool: pool, log: log}, nil
}

type offerMessage struct {
	Offer fleet.Offer `json:"offer"`
}

type rescindMessage struct {
	OfferId string `json:"offerId"` // "ALL" rescinds every offer for the named agent
	AgentId string `json:"agentId"`
}

// Run pulls offer and rescind messages until ctx is cancelled.
func (s *Source) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		msg, err := s.offers.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.WithError(err).Warn("offer receive failed")
			continue
		}
		var om offerMessage
		if err := json.Unmarshal(msg.Payload(), &om); err != nil {
			s.log.WithError(err).Warn("malformed offer message")
			s.offers.Ack(msg)
			continue
		}
		s.pool.AddOffer(om.Offer)
		s.offers.Ack(msg)

		s.drainRescinds()
	}
}

func (s *Source) drainRescinds() {
	for {
		select {
		case cm := <-s.rescinds.Chan():
			var rm rescindMessage
			if err := json.Unmarshal(cm.Payload(), &rm); err == nil {
				if rm.OfferId == "ALL" {
					s.pool.ExpireAllFor(rm.AgentId)
				} else {
					s.pool.RejectOffer(rm.OfferId, "rescinded")
				}
			}
			s.rescinds.Ack(cm.Message)
		default:
			return
		}
	}
}

// RejectOffer publishes a rejection so the upstream OfferSource can recycle the lease. It
// satisfies offerpool.RejectFunc.
func (s *Source) RejectOffer(offerId string, reason string) {
	_, err := s.assignments.Send(context.Background(), &pulsar.ProducerMessage{
		Key:     offerId,
		Payload: []byte(`{"type":"reject","offerId":"` + offerId + `","reason":"` + reason + `"}`),
	})
	if err != nil {
		s.log.WithError(err).WithField("offer", offerId).Warn("failed to publish offer rejection")
	}
}

// Launch publishes each assignment as a launch request and reports every one accepted; Pulsar
// delivery failure is the only rejection reason this collaborator can observe synchronously.
func (s *Source) Launch(assignments []placement.Assignment) []placement.LaunchResult {
	results := make([]placement.LaunchResult, 0, len(assignments))
	for _, a := range assignments {
		payload, _ := json.Marshal(struct {
			TaskId  string `json:"taskId"`
			OfferId string `json:"offerId"`
			AgentId string `json:"agentId"`
		}{a.Task.Id, a.OfferId, a.AgentId})
		_, err := s.assignments.Send(context.Background(), &pulsar.ProducerMessage{Key: a.Task.Id, Payload: payload})
		if err != nil {
			results = append(results, placement.LaunchResult{TaskId: a.Task.Id, Accepted: false, Reason: err.Error()})
			continue
		}
		results = append(results, placement.LaunchResult{TaskId: a.Task.Id, Accepted: true})
	}
	return results
}

// Close releases the underlying Pulsar client and its consumers/producer.
func (s *Source) Close() {
	s.offers.Close()
	s.rescinds.Close()
	s.assignments.Close()
	s.client.Close()
}

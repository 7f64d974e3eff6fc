// Package agentmonitor implements the AgentStatusMonitor external interface (spec.md §6):
// per-instance health notifications arriving on a NATS subject, driving Offer Pool enable/disable.
package agentmonitor

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/armada-fleet/corectl/internal/config"
	"github.com/armada-fleet/corectl/internal/fleet/offerpool"
)

type statusMessage struct {
	Instance   string `json:"instance"`
	Status     string `json:"status"` // "Healthy" or "Unhealthy"
	DisableMs  int64  `json:"disableMs,omitempty"`
}

// Monitor subscribes to instance status notifications and drives pool.Enable/Disable.
type Monitor struct {
	conn *nats.Conn
	sub  *nats.Subscription
	pool *offerpool.Pool
	log  *logrus.Entry
	now  func() time.Time
}

// New connects to NATS and subscribes to cfg.StatusSubject.
func New(cfg config.AgentMonitorConfig, pool *offerpool.Pool, log *logrus.Entry) (*Monitor, error) {
	conn, err := nats.Connect(cfg.NatsURL)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to nats")
	}
	m := &Monitor{conn: conn, pool: pool, log: log, now: time.Now}
	sub, err := conn.Subscribe(cfg.StatusSubject, m.handle)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "subscribing to agent status subject")
	}
	m.sub = sub
	return m, nil
}

func (m *Monitor) handle(msg *nats.Msg) {
	var sm statusMessage
	if err := json.Unmarshal(msg.Data, &sm); err != nil {
		m.log.WithError(err).Warn("malformed agent status message")
		return
	}
	switch sm.Status {
	case "Healthy":
		m.pool.Enable(sm.Instance)
	case "Unhealthy":
		duration := time.Duration(sm.DisableMs) * time.Millisecond
		m.pool.Disable(sm.Instance, duration, m.now())
	default:
		m.log.WithField("status", sm.Status).Warn("unknown agent status")
	}
}

// Close unsubscribes and closes the NATS connection.
func (m *Monitor) Close() {
	if m.sub != nil {
		_ = m.sub.Unsubscribe()
	}
	m.conn.Close()
}

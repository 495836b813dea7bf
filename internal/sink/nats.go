package sink

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"sentinelmon/internal/model"
)

// NATS subjects for the live fan-out.
const (
	SubjectEvents = "events.accepted"
	SubjectAlerts = "alerts.triggered"
)

// NATSPublisher fans (event, alerts) pairs out to live viewers over NATS.
// Publishing is best-effort: failures are logged and dropped, never
// propagated back into the session.
type NATSPublisher struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// NewNATSPublisher connects to NATS.
func NewNATSPublisher(url string, logger *slog.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Timeout(10*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, err
	}
	logger.Info("nats publisher connected", "url", url)
	return &NATSPublisher{nc: nc, logger: logger}, nil
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(event model.Event, alerts []model.Alert) {
	batch := Batch{Event: event, Alerts: alerts}
	data, err := json.Marshal(batch)
	if err != nil {
		p.logger.Error("marshal batch for publish", "error", err)
		return
	}
	if err := p.nc.Publish(SubjectEvents, data); err != nil {
		p.logger.Debug("event publish dropped", "error", err)
	}
	if len(alerts) == 0 {
		return
	}
	if err := p.nc.Publish(SubjectAlerts, data); err != nil {
		p.logger.Debug("alert publish dropped", "error", err)
	}
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() {
	p.nc.Drain()
}

package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"

	"verdict-relay/relay/internal/connections"
	"verdict-relay/relay/internal/events"
	"verdict-relay/relay/internal/metrics"
)

// DropRecord describes an event that reached no subscriber.
type DropRecord struct {
	ClientID string       `json:"client_id"`
	Event    events.Event `json:"event"`
	Reason   string       `json:"reason"`
	At       time.Time    `json:"at"`
}

// DropRecorder receives drop records. Implementations must not block.
type DropRecorder interface {
	RecordDrop(rec DropRecord)
}

// Relay forwards ingested events to whichever subscription currently holds
// the event's client id. It never buffers for absent subscribers.
type Relay struct {
	table   *connections.Table
	metrics *metrics.Collector
	drops   DropRecorder
	log     *zap.Logger
	now     func() time.Time
}

func NewRelay(table *connections.Table, m *metrics.Collector, drops DropRecorder, log *zap.Logger) *Relay {
	if m == nil {
		m = metrics.Nop()
	}
	return &Relay{
		table:   table,
		metrics: m,
		drops:   drops,
		log:     log,
		now:     time.Now,
	}
}

func (r *Relay) Forward(ctx context.Context, clientID string, ev events.Event) connections.Result {
	res := r.table.Deliver(clientID, ev)
	if res == connections.Delivered {
		r.metrics.EventForwarded(ctx, string(ev.Status))
		return res
	}

	r.metrics.EventDropped(ctx, res.String())
	switch res {
	case connections.NoConnection:
		r.log.Debug("dropping event for unknown client",
			zap.String("client_id", clientID), zap.String("status", string(ev.Status)))
	case connections.SinkFull:
		r.log.Warn("dropping event for slow subscriber",
			zap.String("client_id", clientID), zap.String("status", string(ev.Status)))
	}
	if r.drops != nil {
		r.drops.RecordDrop(DropRecord{ClientID: clientID, Event: ev, Reason: res.String(), At: r.now()})
	}
	return res
}

package wal

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"github.com/levigo/neverpile-eureka-sub002/internal/loggingutil"
)

// Event types published by the Housekeeper.
const (
	EventTypeRolledBack     = "recovery.rolled_back"
	EventTypeRecoveryFailed = "recovery.failed"
	EventTypeAbandoned      = "recovery.abandoned"
	EventTypeEscalated      = "recovery.escalated"
)

// Event describes a housekeeping outcome for one transaction.
type Event struct {
	Type     string    `json:"type"`
	TxID     string    `json:"tx_id"`
	Attempts int       `json:"attempts,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher receives housekeeping events. Publish errors are logged and do
// not affect the housekeeping pass.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// LogPublisher writes events to a logger. Abandoned and escalated
// transactions are logged at error level.
type LogPublisher struct {
	logger pslog.Logger
}

// NewLogPublisher returns a publisher logging under the wal.events subsystem.
func NewLogPublisher(logger pslog.Logger) *LogPublisher {
	return &LogPublisher{logger: loggingutil.WithSubsystem(logger, "wal.events")}
}

func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	fields := []any{"tx_id", ev.TxID, "attempts", ev.Attempts}
	if ev.Error != "" {
		fields = append(fields, "error", ev.Error)
	}
	switch ev.Type {
	case EventTypeAbandoned, EventTypeEscalated:
		p.logger.Error("wal."+ev.Type, fields...)
	case EventTypeRecoveryFailed:
		p.logger.Warn("wal."+ev.Type, fields...)
	default:
		p.logger.Info("wal."+ev.Type, fields...)
	}
	return nil
}

// MultiPublisher fans events out to every publisher, returning the first
// error after all have been called.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, ev Event) error {
	var first error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

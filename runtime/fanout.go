// Package runtime hosts the background workers that run beside the
// dispatch engine. It orchestrates delivery to sinks without containing
// business logic or domain rules.
package runtime

import (
	"context"
	"log/slog"

	"roomchat/domain"
)

// EventSink consumes appended room events off the dispatch path.
//
// Delivery is best-effort with no guarantees regarding ordering across
// restarts, durability, or retries; sinks are for secondary concerns
// (indexes, metrics), never for core state.
type EventSink interface {
	Consume(event domain.LoggedEvent)
}

// Fanout drains the engine's event feed into every registered sink, one
// goroutine for all sinks so a sink never observes events out of order.
type Fanout struct {
	log    *slog.Logger
	events <-chan domain.LoggedEvent
	sinks  []EventSink
}

func NewFanout(log *slog.Logger, events <-chan domain.LoggedEvent, sinks ...EventSink) *Fanout {
	return &Fanout{log: log, events: events, sinks: sinks}
}

func (f *Fanout) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			f.log.Debug("Context done, stopping sink fan-out")
			return nil
		case event, ok := <-f.events:
			if !ok {
				return nil
			}
			for _, sink := range f.sinks {
				sink.Consume(event)
			}
		}
	}
}

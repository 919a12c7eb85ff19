package streaming

import (
	"context"
	"log/slog"

	"github.com/rendis/chainflow/internal/store"
)

// Appender persists execution events.
type Appender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// Tee writes events to the event log and then publishes them to a hub.
// Events that fail to persist are not published.
type Tee struct {
	next   Appender
	hub    EventHub
	logger *slog.Logger
}

// NewTee wraps next so every appended event also reaches hub.
func NewTee(next Appender, hub EventHub, logger *slog.Logger) *Tee {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tee{next: next, hub: hub, logger: logger}
}

// AppendEvent persists event, then publishes it.
func (t *Tee) AppendEvent(ctx context.Context, event *store.Event) error {
	if err := t.next.AppendEvent(ctx, event); err != nil {
		return err
	}
	if err := t.hub.Publish(context.WithoutCancel(ctx), FromStoreEvent(event)); err != nil {
		t.logger.Debug("publish event", slog.String("event", event.Type), slog.String("error", err.Error()))
	}
	return nil
}

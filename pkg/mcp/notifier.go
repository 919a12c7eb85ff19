package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/chainflow/internal/streaming"
	"github.com/rendis/chainflow/pkg/schema"
)

// notificationSender is the part of server.MCPServer the notifier uses.
type notificationSender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

var terminalEvents = []string{
	schema.EventExecutionCompleted,
	schema.EventExecutionFailed,
	schema.EventExecutionCancelled,
}

// Notifier pushes execution completion messages to the MCP session that
// started the execution.
type Notifier struct {
	sender   notificationSender
	sessions *SessionRegistry
	logger   *slog.Logger
}

// NewNotifier creates a notifier that sends through sender.
func NewNotifier(sender notificationSender, sessions *SessionRegistry, logger *slog.Logger) *Notifier {
	return &Notifier{sender: sender, sessions: sessions, logger: logger}
}

// Notify sends payload to the session watching executionID.
// Best-effort: returns nil if no session is watching.
func (n *Notifier) Notify(_ context.Context, executionID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(executionID)
	if !ok {
		return nil
	}
	err := n.sender.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// Watch subscribes to terminal execution events on hub and notifies the
// watching session of each. The subscription is live when Watch returns;
// delivery stops when ctx is cancelled.
func (n *Notifier) Watch(ctx context.Context, hub streaming.EventHub) error {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{EventTypes: terminalEvents})
	if err != nil {
		return err
	}
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-ch:
				if !ok {
					return
				}
				n.deliver(ctx, event)
			}
		}
	}()
	return nil
}

func (n *Notifier) deliver(ctx context.Context, event streaming.StreamEvent) {
	defer n.sessions.Forget(event.ExecutionID)

	payload := map[string]any{
		"level":        "info",
		"logger":       "chainflow",
		"execution_id": event.ExecutionID,
		"event_type":   event.EventType,
	}
	if len(event.Payload) > 0 {
		var data any
		if err := json.Unmarshal(event.Payload, &data); err == nil {
			payload["data"] = data
		}
	}
	if err := n.Notify(ctx, event.ExecutionID, payload); err != nil {
		n.logger.Warn("execution notification failed",
			slog.String("execution_id", event.ExecutionID),
			slog.String("error", err.Error()))
	}
}

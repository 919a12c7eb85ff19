package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/chainflow/internal/streaming"
)

// handleStream streams live events of one execution via Server-Sent Events.
// Events already in the log are served by handleEvents.
func (s *Server) handleStream(c echo.Context) error {
	filter := streaming.EventFilter{
		ExecutionID: c.Param("id"),
		EventTypes:  c.QueryParams()["type"],
	}

	ctx := c.Request().Context()
	ch, cancel, err := s.svc.Hub().Subscribe(ctx, filter)
	if err != nil {
		return err
	}
	defer cancel()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// The comment line tells clients the subscription is live.
	if _, err := fmt.Fprint(w, ": subscribed\n\n"); err != nil {
		return nil
	}
	w.Flush()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Sequence, event.EventType, data); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}

package server

import (
	"net/http"
	"time"

	"github.com/djgnfj-svg/resee/backend/internal/realtime"
	"github.com/gin-gonic/gin"
)

type streamEventPayload struct {
	ContentIDs []string `json:"content_ids,omitempty"`
	DueCount   int      `json:"due_count,omitempty"`
	Timestamp  string   `json:"timestamp"`
}

// handleScheduleStream keeps a server-sent event stream open for the owner and forwards
// realtime messages until the client disconnects.
func (h *httpHandler) handleScheduleStream(c *gin.Context) {
	ownerID, ok := h.ownerFrom(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, ownerID.String())
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case message, open := <-stream:
			if !open {
				return
			}
			c.SSEvent(message.EventType, newStreamEventPayload(message))
			c.Writer.Flush()
		case <-ticker.C:
			c.SSEvent(realtime.EventHeartbeat, streamEventPayload{Timestamp: h.now().UTC().Format(time.RFC3339)})
			c.Writer.Flush()
		}
	}
}

func newStreamEventPayload(message realtime.Message) streamEventPayload {
	timestamp := message.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	return streamEventPayload{
		ContentIDs: message.ContentIDs,
		DueCount:   message.DueCount,
		Timestamp:  timestamp.UTC().Format(time.RFC3339),
	}
}

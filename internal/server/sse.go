package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// handleEvents streams a job's status updates as server-sent events: a
// connected event, the current snapshot, every later update, and periodic
// heartbeats. The stream ends after the terminal update.
func (s *Server) handleEvents(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	// Subscribe before reading the snapshot so no update falls in between.
	updates, cancel := s.status.Subscribe(ctx, id)
	defer cancel()

	snapshot, ok := s.status.Current(ctx, id)
	if !ok {
		errorJSON(c, http.StatusNotFound, "job not found")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	writeSSE(c.Writer, "connected", map[string]string{"job_id": id})
	writeSSE(c.Writer, "status", snapshot)
	c.Writer.Flush()
	if snapshot.Terminal() {
		return
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()
	last := snapshot.Progress

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, "heartbeat", map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		case u, ok := <-updates:
			if !ok {
				return
			}
			// The snapshot may already cover updates queued before it was read.
			if u.Progress < last && !u.Terminal() {
				continue
			}
			last = u.Progress
			writeSSE(c.Writer, "status", u)
			c.Writer.Flush()
			if u.Terminal() {
				return
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
}

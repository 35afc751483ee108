package web

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vadiminshakov/spendflow/internal/events"
)

const heartbeatInterval = 20 * time.Second

type eventSource interface {
	Subscribe() chan events.Event
	Unsubscribe(ch chan events.Event)
}

// WithEvents enables the /api/events stream.
func (s *Server) WithEvents(src eventSource) *Server {
	s.events = src
	return s
}

func (s *Server) streamEvents(c *gin.Context) {
	if s.events == nil {
		Error(c, http.StatusServiceUnavailable, "event stream not available", nil)
		return
	}

	ch := s.events.Subscribe()
	defer s.events.Unsubscribe(ch)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	// comment heartbeat so proxies keep the connection
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Kind), ev)
			return true
		case <-heartbeat.C:
			_, _ = io.WriteString(w, ": ping\n\n")
			return true
		}
	})
}

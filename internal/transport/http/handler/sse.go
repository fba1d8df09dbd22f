package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type sseWriter struct {
	w       gin.ResponseWriter
	flusher http.Flusher
}

func startSSE(c *gin.Context) (*sseWriter, bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return nil, false
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	return &sseWriter{w: c.Writer, flusher: flusher}, true
}

// send writes one event. Multi-line payloads become several data lines so
// the client joins them back with newlines.
func (s *sseWriter) send(event, payload string) error {
	var b strings.Builder
	if event != "" {
		b.WriteString("event: ")
		b.WriteString(event)
		b.WriteString("\n")
	}
	payload = strings.ReplaceAll(payload, "\r\n", "\n")
	for _, line := range strings.Split(payload, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	if _, err := s.w.Write([]byte(b.String())); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) ping() error {
	if _, err := s.w.Write([]byte(": ping\n\n")); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

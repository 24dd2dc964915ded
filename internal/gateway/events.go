// ABOUTME: Server-sent events stream of tenant notifications for dashboards
// ABOUTME: Each request is an observer session on the agent manager with an SSE sink

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/2389/fleet-gateway/internal/agent"
	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/store"
)

// sseKeepAlive is how often an idle stream gets a comment line.
const sseKeepAlive = 15 * time.Second

var errStreamClosed = errors.New("event stream closed")

// sseWriter serialises frame writes from the session pump with keepalives
// from the handler, and stops writing once the handler has returned.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
}

func (s *sseWriter) send(f agent.Frame) error {
	data, err := json.Marshal(f.Payload)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", f.Type, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStreamClosed
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", f.Type, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) ping() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	_, _ = fmt.Fprint(s.w, ": keepalive\n\n")
	s.flusher.Flush()
}

func (s *sseWriter) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request, t *store.Tenant) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	out := &sseWriter{w: w, flusher: flusher}
	defer out.close()

	creds := auth.Credentials{
		BearerToken: auth.BearerToken(r.Header.Get("Authorization")),
		TenantSlug:  t.Slug,
	}
	sess, err := g.sessions.Connect(r.Context(), creds, agent.SinkFunc(out.send))
	if err != nil {
		g.logger.Warn("event stream rejected", "tenant_id", t.ID, "error", err)
		return
	}
	defer g.sessions.Disconnect(r.Context(), sess)

	g.logger.Debug("event stream opened", "tenant_id", t.ID, "session_id", sess.ID)

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-sess.Done():
			g.logger.Debug("event stream ended", "session_id", sess.ID, "reason", sess.Reason())
			return
		case <-ticker.C:
			out.ping()
		}
	}
}

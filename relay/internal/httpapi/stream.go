package httpapi

import (
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"verdict-relay/relay/internal/events"
	"verdict-relay/relay/internal/session"
)

var keepaliveFrame = []byte(": ping\n\n")

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request, clientID string) {
	ctx := r.Context()

	caller, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	switch err := s.registry.Authorize(ctx, clientID, caller); {
	case err == nil:
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized", "session not found or not owned by caller")
		return
	default:
		s.log.Error("failed to resolve session owner", zap.String("client_id", clientID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "session store unavailable")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	// SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Attach before the headers reach the client, so anything ingested
	// after the subscriber sees 200 is routed to this connection.
	conn := s.table.Attach(clientID)
	s.streams.Add(1)
	s.metrics.ConnectionOpened(ctx)
	counted := true
	log := s.log.With(zap.String("client_id", clientID), zap.Uint64("generation", conn.Generation))
	defer func() {
		removed := s.table.Detach(conn)
		if counted {
			s.metrics.ConnectionClosed(ctx)
		}
		s.streams.Add(-1)
		log.Debug("subscription closed", zap.Bool("detached", removed))
	}()

	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	log.Debug("subscription opened")

	// a zero interval leaves the channel nil, which never fires
	var keepalive <-chan time.Time
	if s.opts.KeepaliveInterval > 0 {
		ticker := time.NewTicker(s.opts.KeepaliveInterval)
		defer ticker.Stop()
		keepalive = ticker.C
	}
	var idle <-chan time.Time
	var idleTimer *time.Timer
	if s.opts.IdleTimeout > 0 {
		idleTimer = time.NewTimer(s.opts.IdleTimeout)
		defer idleTimer.Stop()
		idle = idleTimer.C
	}

	superseded := conn.Superseded()
	for {
		select {
		case <-ctx.Done():
			return
		case <-superseded:
			// stays open until the peer leaves or goes idle, but no longer
			// counts as the session's active connection
			log.Info("subscription superseded by a newer one")
			s.metrics.ConnectionClosed(ctx)
			counted = false
			superseded = nil
		case <-idle:
			log.Info("closing idle subscription", zap.Duration("idle_timeout", s.opts.IdleTimeout))
			return
		case <-keepalive:
			if _, err := w.Write(keepaliveFrame); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-conn.Events():
			if err := writeEvent(w, ev); err != nil {
				log.Debug("failed to write event", zap.Error(err))
				return
			}
			flusher.Flush()
			if idleTimer != nil {
				idleTimer.Reset(s.opts.IdleTimeout)
			}
		}
	}
}

func writeEvent(w io.Writer, ev events.Event) error {
	frame, err := ev.Frame()
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

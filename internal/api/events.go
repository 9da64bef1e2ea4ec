package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/starfariii/coinflip1/internal/view"
)

const (
	eventBuffer    = 64
	heartbeatEvery = 15 * time.Second
)

// handleEvents streams match events as server-sent events. The first frame
// is a "snapshot" with the active list; each later frame is one event
// personalised for the caller. A client that misses frames should reconnect
// and reload from the snapshot.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream disabled")
		return
	}
	rc := http.NewResponseController(w)

	events, cancel := s.hub.Subscribe(eventBuffer)
	defer cancel()

	active, err := s.games.ListActiveMatches(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, "snapshot", "", map[string]any{"matches": active}); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		s.log.Warn("event stream flush unsupported", "err", err)
		return
	}

	heartbeat := time.NewTicker(heartbeatEvery)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSE(w, string(ev.Kind), ev.ID, view.Personalize(user.UserID, ev)); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, event, id string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

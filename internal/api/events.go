package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/satindergrewal/bandstage/internal/stage"
)

// keepAlive is how often an idle event stream sends a comment line.
const keepAlive = 15 * time.Second

type event struct {
	name string
	data any
}

// handleEvents streams state snapshots and swap signals as server-sent
// events. The first event is the current state.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Only the latest state matters; signals queue up to a limit.
	states := make(chan stage.State, 1)
	signals := make(chan event, 64)

	unsubscribe := s.opts.Store.Subscribe(func(st stage.State) {
		select {
		case states <- st:
		default:
			select {
			case <-states:
			default:
			}
			select {
			case states <- st:
			default:
			}
		}
	})
	defer unsubscribe()
	offSignal := s.opts.Store.OnSignal(func(sig stage.Signal) {
		select {
		case signals <- event{name: string(sig.Kind), data: sig}:
		default:
			s.log.WithField("signal", sig.Kind).Warn("event stream behind, signal dropped")
		}
	})
	defer offSignal()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := s.log.WithField("remote", r.RemoteAddr)
	log.Debug("event stream opened")
	defer log.Debug("event stream closed")

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		var ev event
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
			continue
		case st := <-states:
			ev = event{name: "state", data: st}
		case ev = <-signals:
		}
		if err := writeEvent(w, ev); err != nil {
			return
		}
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, ev event) error {
	data, err := json.Marshal(ev.data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, data)
	return err
}

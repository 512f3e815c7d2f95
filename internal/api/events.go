package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/conductor/internal/model"
	"github.com/seantiz/conductor/internal/orchestrator"
)

// sseStream writes server-sent events and flushes after each one.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// startSSE sets the stream headers, lifts the write deadline and sends the
// response header.
func (s *Server) startSSE(w http.ResponseWriter) *sseStream {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	w.WriteHeader(http.StatusOK)
	stream := &sseStream{w: w}
	if f, ok := w.(http.Flusher); ok {
		stream.flusher = f
		f.Flush()
	}
	return stream
}

func (st *sseStream) flush() {
	if st.flusher != nil {
		st.flusher.Flush()
	}
}

// send writes ev as a JSON data frame.
func (st *sseStream) send(ev model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := writeSSEData(st.w, string(payload)); err != nil {
		return err
	}
	st.flush()
	return nil
}

// keepalive writes an SSE comment line, which clients ignore.
func (st *sseStream) keepalive() error {
	if _, err := fmt.Fprint(st.w, ": keepalive\n\n"); err != nil {
		return err
	}
	st.flush()
	return nil
}

// done writes the terminating done event.
func (st *sseStream) done() {
	_ = writeSSEEvent(st.w, "done", "stream complete")
	st.flush()
}

// handleStreamRunEvents streams one run's state changes. The first frame is
// the stored state; the stream ends with a done event after a terminal state.
func (s *Server) handleStreamRunEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Subscribe before reading the snapshot so no transition falls between them.
	ch, unsub := s.hub.SubscribeRun(id)
	defer unsub()

	run, err := s.orch.Query(r.Context(), id)
	if errors.Is(err, orchestrator.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run for events", "run_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	done := trackStream(scopeRun)
	defer done()

	stream := s.startSSE(w)
	last := model.EventFor(run)
	if err := stream.send(last); err != nil {
		return
	}
	if model.IsTerminal(last.Status) {
		stream.done()
		return
	}

	// The hub drops events for slow subscribers, so the stored state is read
	// again on every tick in case a transition never arrived.
	recheck := time.NewTicker(s.recheckEvery)
	defer recheck.Stop()

	for {
		var ev model.Event
		select {
		case e, ok := <-ch:
			if !ok {
				stream.done()
				return
			}
			if supersededBy(e, last) {
				continue
			}
			ev = e
		case <-recheck.C:
			e, changed := s.recheckRun(r.Context(), id, last)
			if !changed {
				if err := stream.keepalive(); err != nil {
					return
				}
				continue
			}
			ev = e
		case <-r.Context().Done():
			return // Client disconnected.
		case <-s.streams.Done():
			stream.done()
			return
		}

		if err := stream.send(ev); err != nil {
			return // Write failed (e.g. client gone).
		}
		last = ev
		if model.IsTerminal(ev.Status) {
			stream.done()
			return
		}
	}
}

// recheckRun reads the stored state of run id and reports whether it is ahead
// of last.
func (s *Server) recheckRun(ctx context.Context, id string, last model.Event) (model.Event, bool) {
	run, err := s.orch.Query(ctx, id)
	if err != nil {
		if ctx.Err() == nil {
			streamRechecks.WithLabelValues(recheckFailed).Inc()
			s.logger.Warn("recheck run for events", "run_id", id, "error", err)
		}
		return model.Event{}, false
	}
	ev := model.EventFor(run)
	if supersededBy(ev, last) {
		streamRechecks.WithLabelValues(recheckUnchanged).Inc()
		return model.Event{}, false
	}
	streamRechecks.WithLabelValues(recheckRecovered).Inc()
	s.logger.Info("event stream caught up from store", "run_id", id, "status", ev.Status)
	return ev, true
}

// supersededBy reports whether ev describes a state at or before last, which
// happens for events published between subscribing and reading the snapshot.
func supersededBy(ev, last model.Event) bool {
	if ev.Timestamp.Before(last.Timestamp) {
		return true
	}
	return ev.Status == last.Status && ev.AttemptCount == last.AttemptCount
}

// handleStreamAllEvents streams every run event until the client disconnects.
func (s *Server) handleStreamAllEvents(w http.ResponseWriter, r *http.Request) {
	ch, unsub := s.hub.Subscribe()
	defer unsub()

	done := trackStream(scopeAll)
	defer done()

	stream := s.startSSE(w)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				stream.done()
				return
			}
			if err := stream.send(ev); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		case <-s.streams.Done():
			stream.done()
			return
		}
	}
}

// writeSSEData writes a data event. Multi-line strings are split so that each
// segment gets its own "data:" prefix, per the SSE spec.
func writeSSEData(w http.ResponseWriter, data string) error {
	for seg := range strings.SplitSeq(data, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}

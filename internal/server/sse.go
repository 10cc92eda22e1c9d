package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/weftlabs/weft/internal/core"
	"github.com/weftlabs/weft/internal/logger"
	"github.com/weftlabs/weft/internal/logger/tag"
)

// sseKeepalive paces comment frames that hold idle connections open through
// proxies.
const sseKeepalive = 15 * time.Second

// handleRunEvents streams a run's events over SSE. The durable log replays
// first, resuming after Last-Event-ID (or ?since), then the live bus takes
// over. Every frame carries the event seq as its SSE id, so a client that
// reconnects with the standard header never sees a gap or a duplicate.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := chi.URLParam(r, "id")

	since, err := resumePoint(r)
	if err != nil {
		renderError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	clientID := r.Header.Get("x-sse-client-id")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	// Subscribe before reading the log so nothing published in between is
	// lost; anything double-delivered drops on the seq check below.
	sub := s.bus.Subscribe(ctx, runID, clientID, since)
	defer sub.Close()

	replay, err := s.engine.Replay(ctx, runID, since)
	if err != nil {
		renderError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.metrics.ClientConnected()
	defer s.metrics.ClientDisconnected()
	logger.Debug(ctx, "SSE client attached", tag.Run(runID), tag.Client(clientID), tag.Seq(since))

	lastSeq := since
	settled := false
	for _, ev := range replay {
		if writeSSEFrame(w, ev) != nil {
			return
		}
		lastSeq = ev.Seq
		settled = terminalEvent(ev.Type)
	}
	flusher.Flush()
	if !settled && len(replay) == 0 {
		// An empty replay can mean the resume point is past the end of a run
		// that already settled. No event will ever arrive for those, so check
		// the durable status instead of holding the connection open forever.
		if status, serr := s.engine.RunStatus(ctx, runID); serr == nil && status.Terminal() {
			settled = true
		}
	}
	if settled {
		closeStream(w, flusher)
		return
	}

	type nextResult struct {
		ev core.Event
		ok bool
	}
	feed := make(chan nextResult)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			ev, ok := sub.Next()
			select {
			case feed <- nextResult{ev, ok}:
			case <-done:
				return
			}
			if !ok {
				return
			}
		}
	}()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case res := <-feed:
			if !res.ok {
				closeStream(w, flusher)
				return
			}
			if res.ev.Seq <= lastSeq {
				continue
			}
			if writeSSEFrame(w, res.ev) != nil {
				return
			}
			lastSeq = res.ev.Seq
			flusher.Flush()
			if terminalEvent(res.ev.Type) {
				closeStream(w, flusher)
				return
			}
		case <-keepalive.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// resumePoint reads the client's last seen sequence from the standard SSE
// reconnect header, falling back to the since query parameter.
func resumePoint(r *http.Request) (int64, error) {
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, core.Coded(core.CodeInvalidInput, "Last-Event-ID must be an integer, got %q", v)
		}
		return n, nil
	}
	return queryInt64(r.URL.Query(), "since", 0)
}

func writeSSEFrame(w io.Writer, ev core.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		// Skip the frame; the durable log still has it for replay.
		return nil
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
	return err
}

// closeStream sends the final comment so clients know the run settled and
// reconnecting is pointless.
func closeStream(w io.Writer, flusher http.Flusher) {
	_, _ = io.WriteString(w, ": stream closed\n\n")
	flusher.Flush()
}

func terminalEvent(t core.EventType) bool {
	switch t {
	case core.EventRunComplete, core.EventRunFail, core.EventRunIterated:
		return true
	}
	return false
}

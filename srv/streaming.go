package srv

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/flagstream/edge/pkg/broadcast"
	"github.com/flagstream/edge/pkg/tokens"
)

const keepAliveInterval = 30 * time.Second

// handleClientStreaming upgrades the request to an SSE stream: one initial
// frame covering the client's scope, then incremental update frames until
// the client goes away.
func (h *handler) handleClientStreaming(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	token := h.authorize(w, req, tokens.TypeClient)
	if token == nil {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		renderJsonError(w, errors.New("streaming unsupported by connection"), http.StatusInternalServerError)
		return
	}

	lastEventID := parseRevision(req.Header.Get("Last-Event-ID"))
	sub, initial, err := h.broadcaster.Connect(*token, req.FormValue("namePrefix"), lastEventID)
	if err != nil {
		renderJsonError(w, err, http.StatusForbidden)
		return
	}
	defer h.broadcaster.Disconnect(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeFrame(w, initial); err != nil {
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-req.Context().Done():
			return
		case <-keepAlive.C:
			// comment frame, ignored by SDKs but defeats idle reapers
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case frame, open := <-sub.Frames():
			if !open {
				return
			}
			if err := writeFrame(w, frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeFrame(w http.ResponseWriter, frame broadcast.Frame) error {
	data, err := json.Marshal(frame.Delta)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", frame.Event, frame.ID, data)
	return err
}

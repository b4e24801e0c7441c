package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"finisher/internal/queue"
)

type eventView struct {
	Type      string     `json:"type"`
	Job       *jobView   `json:"job,omitempty"`
	Batch     *batchView `json:"batch,omitempty"`
	Message   string     `json:"message,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

func viewEvent(e queue.Event) eventView {
	v := eventView{Type: string(e.Type), Message: e.Message, Timestamp: e.Timestamp}
	if e.Job != nil {
		jv := viewJob(e.Job)
		v.Job = &jv
	}
	if e.Batch != nil {
		bv := viewBatch(e.Batch)
		v.Batch = &bv
	}
	return v
}

// Events streams queue lifecycle events as server-sent events until the
// client disconnects.
func (a *App) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.error(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}

	ch, cancel := a.Queue.SubscribeChan(64)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(viewEvent(e))
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("event: " + string(e.Type) + "\ndata: " + string(payload) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

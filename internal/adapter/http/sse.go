package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bnema/reencode/internal/domain"
)

const keepAliveInterval = 15 * time.Second

// EventSource is the subscription side of the event bus.
type EventSource interface {
	Subscribe() chan domain.Event
	Unsubscribe(ch chan domain.Event)
}

type SSEHandler struct {
	events    EventSource
	jobSvc    JobService
	keepAlive time.Duration
}

func NewSSEHandler(events EventSource, jobSvc JobService) *SSEHandler {
	return &SSEHandler{
		events:    events,
		jobSvc:    jobSvc,
		keepAlive: keepAliveInterval,
	}
}

// sseWrite writes an SSE event, handling multi-line data correctly.
func sseWrite(w http.ResponseWriter, eventName string, data string) {
	_, _ = fmt.Fprintf(w, "event: %s\n", eventName)
	for _, line := range strings.Split(data, "\n") {
		_, _ = fmt.Fprintf(w, "data: %s\n", line)
	}
	_, _ = fmt.Fprint(w, "\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func sendEvent(w http.ResponseWriter, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	sseWrite(w, string(event.Type), string(data))
	return nil
}

// sendKeepAlive writes an SSE comment to keep the connection active.
func sendKeepAlive(w http.ResponseWriter) {
	_, _ = fmt.Fprint(w, ": keep-alive\n\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// wants reports whether a stream filtered on jobID forwards event.
func wants(jobID int64, event domain.Event) bool {
	if jobID == 0 {
		return true
	}
	return event.Type != domain.EventQueueUpdate && event.JobID == jobID
}

// initialEvent describes the state a new subscriber starts from: the queue
// for an unfiltered stream, the job's current status otherwise.
func (h *SSEHandler) initialEvent(jobID int64) (domain.Event, error) {
	now := time.Now().UTC()
	if jobID == 0 {
		health := h.jobSvc.Health()
		e := domain.QueueUpdateEvent(health.QueueSize, health.ActiveJob)
		e.Timestamp = now
		return e, nil
	}

	job, err := h.jobSvc.Get(jobID)
	if err != nil {
		return domain.Event{}, err
	}
	e := domain.JobStatusEvent(job.ID, job.Status, job.ErrorMessage)
	e.Timestamp = now
	return e, nil
}

func (h *SSEHandler) Events() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var jobID int64
		if raw := r.URL.Query().Get("job_id"); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id <= 0 {
				writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "job_id: must be a positive integer"})
				return
			}
			jobID = id
		}

		initial, err := h.initialEvent(jobID)
		if err != nil {
			writeJSON(w, http.StatusNotFound, errorResponse{Detail: "Job not found"})
			return
		}

		// Subscribe before the first write so nothing published in between is lost
		ch := h.events.Subscribe()
		defer h.events.Unsubscribe(ch)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		_ = sendEvent(w, initial)

		ctx := r.Context()
		keepAlive := time.NewTicker(h.keepAlive)
		defer keepAlive.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-keepAlive.C:
				sendKeepAlive(w)
			case event, ok := <-ch:
				if !ok {
					return
				}
				if !wants(jobID, event) {
					continue
				}
				if err := sendEvent(w, event); err != nil {
					return
				}
			}
		}
	}
}

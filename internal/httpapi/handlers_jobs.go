package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/halyard-io/halyard/internal/apperr"
	"github.com/halyard-io/halyard/internal/queue"
)

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) error {
	job, err := s.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, job)
	return nil
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) error {
	job, err := s.queue.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, job)
	return nil
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	filter := queue.ListFilter{
		Status: queue.Status(q.Get("status")),
		Queue:  q.Get("queue"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return apperr.E(apperr.Validation, "limit must be a positive integer")
		}
		filter.Limit = limit
	}
	jobs, err := s.queue.List(r.Context(), filter)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
	return nil
}

// handleJobProgress streams progress updates over server-sent events. Each
// principal holds a stream lease for the life of the subscription, so the
// per-principal concurrent stream cap applies.
func (s *Server) handleJobProgress(w http.ResponseWriter, r *http.Request) error {
	p := PrincipalFrom(r.Context())
	jobID := chi.URLParam(r, "id")
	if _, err := s.queue.Get(r.Context(), jobID); err != nil {
		return err
	}

	leaseID, err := s.leases.Acquire(r.Context(), p.UserID)
	if err != nil {
		return err
	}
	// r.Context() is already cancelled when the client disconnects, so the
	// release has to run on a detached context or the lease would linger
	// until its TTL.
	defer func() { _ = s.leases.Release(context.WithoutCancel(r.Context()), p.UserID, leaseID) }()

	flusher, ok := w.(http.Flusher)
	if !ok {
		return apperr.E(apperr.Internal, "streaming is not supported")
	}

	sub := s.queue.SubscribeProgress(r.Context(), jobID)
	defer func() { _ = sub.Close() }()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := sub.Channel()
	for {
		select {
		case <-r.Context().Done():
			return nil
		case msg, open := <-ch:
			if !open {
				return nil
			}
			if _, err := w.Write([]byte("data: " + msg.Payload + "\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}

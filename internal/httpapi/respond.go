package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"runtime/debug"

	"github.com/halyard-io/halyard/internal/apperr"
	"github.com/halyard-io/halyard/internal/logging"
)

// errorBody is the canonical error envelope. Every failed request renders
// this shape, whatever layer produced the error.
type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
	Stack     string `json:"stack,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError normalizes any error into the canonical envelope. The wrapped
// cause is logged but only the safe message crosses the boundary; stacks
// are attached in debug mode only.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	reqID := RequestIDFrom(r.Context())

	log := logging.FromContext(r.Context())
	evt := log.Warn()
	if status >= 500 {
		evt = log.Error()
	}
	evt.Err(err).Str("kind", string(kind)).Int("status", status).Msg("request failed")

	body := errorBody{
		Error:     string(kind),
		Message:   apperr.SafeMessage(err),
		RequestID: reqID,
	}
	if s.cfg.Server.Debug && status >= 500 {
		body.Stack = string(debug.Stack())
	}
	writeJSON(w, status, body)
}

// handle adapts an error-returning handler to http.HandlerFunc.
func (s *Server) handle(fn func(w http.ResponseWriter, r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			s.writeError(w, r, err)
		}
	}
}

// decodeBody parses a JSON request body into dst.
func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.E(apperr.Validation, "invalid request body")
	}
	return nil
}

// recorder buffers a response so middleware can inspect the status and
// body after the handler ran.
type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func newRecorder(w http.ResponseWriter) *recorder {
	return &recorder{ResponseWriter: w, status: http.StatusOK}
}

func (r *recorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(p []byte) (int, error) {
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}

// statusWriter tracks only the status code, for logging and metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

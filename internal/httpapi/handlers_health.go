package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"
)

type checkResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// handleHealthz answers as long as the process is alive.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz runs every registered health check concurrently and reports
// 503 when any fails.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := s.health.snapshot()
	results := make(map[string]checkResult, len(checks))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, check := range checks {
		wg.Add(1)
		go func(name string, check HealthCheck) {
			defer wg.Done()
			ok, msg := check(ctx)
			mu.Lock()
			results[name] = checkResult{OK: ok, Message: msg}
			mu.Unlock()
		}(name, check)
	}
	wg.Wait()

	healthy := true
	for _, res := range results {
		if !res.OK {
			healthy = false
			break
		}
	}

	status, label := http.StatusOK, "healthy"
	if !healthy {
		status, label = http.StatusServiceUnavailable, "unhealthy"
	}
	writeJSON(w, status, map[string]interface{}{
		"status": label,
		"checks": results,
	})
}

package core

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// healthCheckTimeout is the maximum time allowed for all health probes to
// complete. A probe exceeding this deadline marks the service unhealthy.
const healthCheckTimeout = 2 * time.Second

// HealthProbe is a subsystem health check. Each probe represents a critical
// dependency (database, payment processor) that must be reachable for the
// service to function.
type HealthProbe interface {
	// Name returns a human-readable identifier for the probe (e.g., "database").
	Name() string

	// Check performs the health check. It should respect the context deadline
	// and return an error if the subsystem is unhealthy or unreachable.
	Check(ctx context.Context) error
}

// componentStatus is the health state of a single subsystem.
type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// healthResponse is the JSON response body for the health check endpoint.
type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth executes all registered health probes concurrently with a
// short timeout. Returns 200 OK if every probe reports healthy, 503 Service
// Unavailable otherwise. The endpoint is public and mounted at GET /health.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if len(s.HealthProbes) == 0 {
		JSON(w, r, http.StatusOK, healthResponse{Status: "healthy"})
		return
	}

	var (
		mu         sync.Mutex
		components = make(map[string]componentStatus, len(s.HealthProbes))
		unhealthy  bool
		wg         sync.WaitGroup
	)

	for _, probe := range s.HealthProbes {
		wg.Add(1)
		go func(p HealthProbe) {
			defer wg.Done()

			err := p.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				unhealthy = true
				components[p.Name()] = componentStatus{Status: "unhealthy", Message: err.Error()}
			} else {
				components[p.Name()] = componentStatus{Status: "healthy"}
			}
		}(probe)
	}

	wg.Wait()

	if unhealthy {
		JSON(w, r, http.StatusServiceUnavailable, healthResponse{
			Status:     "unhealthy",
			Components: components,
		})
		return
	}

	JSON(w, r, http.StatusOK, healthResponse{
		Status:     "healthy",
		Components: components,
	})
}

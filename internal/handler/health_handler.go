package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/boddenberg/giftvault-bfa-go/internal/domain"
	"github.com/boddenberg/giftvault-bfa-go/internal/port"

	"golang.org/x/sync/errgroup"
)

// ============================================================
// Health & readiness
// ============================================================

const probeTimeout = 2 * time.Second

// Probe is a named dependency checked by /healthz and /readyz.
type Probe struct {
	Name    string
	Checker port.HealthChecker
}

// runProbes pings every dependency concurrently.
func runProbes(ctx context.Context, probes []Probe) []domain.ServiceHealth {
	results := make([]domain.ServiceHealth, len(probes))

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var g errgroup.Group
	for i, p := range probes {
		i, p := i, p
		g.Go(func() error {
			start := time.Now()
			err := p.Checker.Ping(ctx)
			res := domain.ServiceHealth{
				Name:      p.Name,
				Status:    "healthy",
				LatencyMs: time.Since(start).Milliseconds(),
			}
			if err != nil {
				res.Status = "unhealthy"
				res.Error = err.Error()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// healthzHandler reports liveness. A failing dependency degrades the
// status but never fails the probe.
func healthzHandler(probes []Probe) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		services := append([]domain.ServiceHealth{{Name: "bfa-api", Status: "healthy"}}, runProbes(r.Context(), probes)...)

		overall := "healthy"
		for _, s := range services {
			if s.Status != "healthy" {
				overall = "degraded"
				break
			}
		}
		writeJSON(w, http.StatusOK, domain.HealthStatus{Status: overall, Services: services})
	}
}

// readyzHandler fails when any dependency is unreachable.
func readyzHandler(probes []Probe) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		services := runProbes(r.Context(), probes)
		status, code := "healthy", http.StatusOK
		for _, s := range services {
			if s.Status != "healthy" {
				status, code = "unhealthy", http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, code, domain.HealthStatus{Status: status, Services: services})
	}
}

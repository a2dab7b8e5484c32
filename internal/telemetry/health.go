package telemetry

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthStatus is the payload served at /healthz.
type HealthStatus struct {
	Status        string `json:"status"`
	Mode          string `json:"mode"`
	LeasesHeld    int    `json:"leases_held"`
	IsCoordinator bool   `json:"is_coordinator"`
}

// HealthReporter supplies the live values rendered into HealthStatus.
type HealthReporter interface {
	LeasesHeld() int
	IsCoordinator() bool
}

// Mux builds the process's telemetry HTTP handler: /healthz for liveness
// checks and /metrics for prometheus scraping.
func Mux(mode string, reporter HealthReporter) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		status := HealthStatus{
			Status:        "ok",
			Mode:          mode,
			LeasesHeld:    reporter.LeasesHeld(),
			IsCoordinator: reporter.IsCoordinator(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	})

	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

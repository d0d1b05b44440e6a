package healthmonitor

import (
	"net/http"

	log "github.com/sirupsen/logrus"
)

const (
	// Health check failure reason indicating the application has not yet completed a collection cycle.
	StartingUpReason string = "startingUp"
	// Health check failure reason for monitors that have been switched off manually.
	ManuallyDisabledReason string = "manuallyDisabled"
)

// HealthMonitor represents a health checker.
type HealthMonitor interface {
	// IsHealthy performs a health check,
	// returning the result, a reason (should be empty if successful), and possibly an error.
	IsHealthy() (ok bool, reason string, err error)
}

// Handler returns an HTTP handler serving the result of the given monitor,
// responding 200 when healthy and 503 otherwise.
func Handler(monitor HealthMonitor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, reason, err := monitor.IsHealthy()
		if err != nil {
			log.WithError(err).Error("health check failed")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if ok {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(reason))
		}
	})
}

package observability

import (
	"context"
	"encoding/json"
	"net/http"
)

// ReadyCheck probes one coordinator subsystem, such as store
// connectivity. Nil means the subsystem can serve.
type ReadyCheck func(ctx context.Context) error

// healthDoc is the body both probe endpoints serve. Reason is set only
// on failed readiness, naming the broken subsystem's error.
type healthDoc struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// HealthHandler serves liveness at /healthz. The process answering at
// all is the signal, so the response is always 200.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeHealth(w, http.StatusOK, healthDoc{Status: "ok"})
	})
}

// ReadyHandler serves readiness at /readyz. Checks run in order; the
// first failure flips the response to 503 and carries the check's
// error, so an operator can tell a dead store from a dead bus without
// digging through logs. No checks means always ready.
func ReadyHandler(checks ...ReadyCheck) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, check := range checks {
			checkErr := check(r.Context())
			if checkErr != nil {
				writeHealth(w, http.StatusServiceUnavailable, healthDoc{
					Status: "unavailable",
					Reason: checkErr.Error(),
				})

				return
			}
		}

		writeHealth(w, http.StatusOK, healthDoc{Status: "ok"})
	})
}

func writeHealth(w http.ResponseWriter, code int, doc healthDoc) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	_ = json.NewEncoder(w).Encode(doc)
}

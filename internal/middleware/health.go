package middleware

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	domain "github.com/bryanwahyu/codeprobe/internal/domain/scans"
)

const (
	checkTimeout  = 2 * time.Second
	healthTimeout = 5 * time.Second
)

// HealthChecker is one dependency probed by /health and /ready.
type HealthChecker interface {
	Check(ctx context.Context) error
}

// CheckFunc adapts a plain function, e.g. a docker ping.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// DBChecker pings the step-error database.
func DBChecker(db *sql.DB) HealthChecker {
	return CheckFunc(func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()
		return db.PingContext(ctx)
	})
}

// SessionCounter reports the scan sessions that have not completed yet.
type SessionCounter interface {
	Active() []domain.SessionID
}

type HealthStatus struct {
	Status         string        `json:"status"`
	Timestamp      time.Time     `json:"timestamp"`
	ActiveSessions int           `json:"active_sessions"`
	Checks         []CheckStatus `json:"checks"`
}

type CheckStatus struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthHandler runs every checker and reports the in-flight scan count.
// Any failing checker turns the response into a 503.
func HealthHandler(checkers map[string]HealthChecker, sessions SessionCounter) http.HandlerFunc {
	names := make([]string, 0, len(checkers))
	for name := range checkers {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		health := HealthStatus{Status: "healthy", Timestamp: time.Now(), Checks: []CheckStatus{}}
		if sessions != nil {
			health.ActiveSessions = len(sessions.Active())
		}
		for _, name := range names {
			st := CheckStatus{Name: name, Status: "healthy"}
			if err := checkers[name].Check(ctx); err != nil {
				health.Status = "unhealthy"
				st.Status = "unhealthy"
				st.Message = err.Error()
			}
			health.Checks = append(health.Checks, st)
		}

		code := http.StatusOK
		if health.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		writeHealth(w, code, health)
	}
}

// ReadinessHandler answers 200 only while the container engine responds,
// since no scan can run its tool steps without it. A nil engine is ready.
func ReadinessHandler(engine HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"status": "ready", "timestamp": time.Now()}
		code := http.StatusOK
		if engine != nil {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			if err := engine.Check(ctx); err != nil {
				code = http.StatusServiceUnavailable
				body["status"] = "not ready"
				body["error"] = err.Error()
			}
		}
		writeHealth(w, code, body)
	}
}

func writeHealth(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

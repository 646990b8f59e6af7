// Package health provides HTTP handlers for health checks.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/terrpan/arena/internal/buildinfo"
)

const checkTimeout = 2 * time.Second

// Check is a dependency probed on every request, such as the job store.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// Response represents the health check response body.
type Response struct {
	Status       string            `json:"status"`
	ServiceName  string            `json:"service_name"`
	Version      string            `json:"version"`
	Commit       string            `json:"commit"`
	BuildTime    string            `json:"build_time"`
	GoVersion    string            `json:"go_version"`
	OS           string            `json:"os"`
	Architecture string            `json:"architecture"`
	Provider     string            `json:"provider"`
	Checks       map[string]string `json:"checks,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// Handler responds to health check requests with build info and the
// configured compute provider.  With no checks it is a pure liveness probe
// and always reports "healthy".  A failing check reports "unhealthy" with
// 503 Service Unavailable.
func Handler(provider string, checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := Response{
			Status:       "healthy",
			ServiceName:  "arena",
			Version:      buildinfo.Version,
			Commit:       buildinfo.Commit,
			BuildTime:    buildinfo.BuildTime,
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			Provider:     provider,
			Timestamp:    time.Now().UTC(),
		}

		code := http.StatusOK
		if len(checks) > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()

			response.Checks = make(map[string]string, len(checks))
			for _, c := range checks {
				if err := c.Ping(ctx); err != nil {
					response.Checks[c.Name] = err.Error()
					response.Status = "unhealthy"
					code = http.StatusServiceUnavailable
					continue
				}
				response.Checks[c.Name] = "ok"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(response)
	}
}

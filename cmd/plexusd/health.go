package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"
	goredis "github.com/redis/go-redis/v9"
)

var (
	healthJSONMediaType = contenttype.NewMediaType("application/json")
	healthTextMediaType = contenttype.NewMediaType("text/plain")
	healthMediaTypes    = []contenttype.MediaType{healthJSONMediaType, healthTextMediaType}
)

// healthStatus reports process liveness and, when Redis-backed
// implementations are configured, a round-trip ping to Redis.
type healthStatus struct {
	Status string `json:"status"`
	Redis  string `json:"redis,omitempty"`
}

// healthHandler negotiates between JSON and plain-text responses from the
// request's Accept header.
func healthHandler(pinger *goredis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := healthStatus{Status: "ok"}

		if pinger != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := pinger.Ping(ctx).Err(); err != nil {
				status.Status = "degraded"
				status.Redis = err.Error()
			} else {
				status.Redis = "ok"
			}
		}

		accepted, _, err := contenttype.GetAcceptableMediaType(r, healthMediaTypes)
		if err != nil || accepted.Matches(healthJSONMediaType) {
			w.Header().Set("Content-Type", "application/json")
			if status.Status != "ok" {
				w.WriteHeader(http.StatusServiceUnavailable)
			}
			json.NewEncoder(w).Encode(status)
			return
		}

		w.Header().Set("Content-Type", "text/plain")
		if status.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		w.Write([]byte(status.Status + "\n"))
	}
}

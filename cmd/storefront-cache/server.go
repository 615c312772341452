package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/storefront-cache/pkg/connectivity"
	"github.com/Sternrassler/storefront-cache/pkg/metrics"
)

// readyCheck is one dependency probed by /readyz.
type readyCheck struct {
	name string
	ping func(ctx context.Context) error
}

// statusSource reports connectivity.
type statusSource interface {
	Status() connectivity.Status
}

func newMux(a *app) *http.ServeMux {
	checks := []readyCheck{{name: "records", ping: a.records.Ping}}
	if a.redis != nil {
		checks = append(checks, readyCheck{name: "redis", ping: func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler)
	mux.HandleFunc("/readyz", readyHandler(checks...))
	mux.HandleFunc("/status", statusHandler(a.detector))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func readyHandler(checks ...readyCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		for _, c := range checks {
			if err := c.ping(ctx); err != nil {
				http.Error(w, fmt.Sprintf("%s not ready: %v", c.name, err), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	}
}

type statusResponse struct {
	Status      string     `json:"status"`
	Online      bool       `json:"online"`
	Initialized bool       `json:"initialized"`
	ChangedAt   *time.Time `json:"changedAt,omitempty"`
}

func statusHandler(src statusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := src.Status()
		resp := statusResponse{
			Status:      st.String(),
			Online:      st.IsOnline,
			Initialized: st.IsInitialized,
		}
		if !st.ChangedAt.IsZero() {
			resp.ChangedAt = &st.ChangedAt
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

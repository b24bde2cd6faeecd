// Package handler serves the readiness probe.
package handler

import (
	"context"
	"log"
	"net/http"
	"time"

	"civic-platform/backend/internal/platform/httpjson"
)

// Path is the readiness route. It is served without authentication.
const Path = "/healthz"

const pingTimeout = 2 * time.Second

// Pinger checks a backing store, e.g. *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Status is the readiness response body.
type Status struct {
	Status string `json:"status"`
}

// Handler answers readiness probes for load balancers and orchestrators.
type Handler struct {
	pinger Pinger
}

// NewHandler returns a readiness handler. If pinger is nil, readiness skips the database check.
func NewHandler(pinger Pinger) *Handler {
	return &Handler{pinger: pinger}
}

// ServeHTTP reports 200 "serving" when the database answers a ping, otherwise 503 "not_serving".
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		defer cancel()
		if err := h.pinger.PingContext(ctx); err != nil {
			log.Printf("health: database ping failed: %v", err)
			httpjson.Write(w, http.StatusServiceUnavailable, Status{Status: "not_serving"})
			return
		}
	}
	httpjson.Write(w, http.StatusOK, Status{Status: "serving"})
}

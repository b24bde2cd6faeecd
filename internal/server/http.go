// Package server assembles the HTTP router and gRPC server from the application's handlers.
package server

import (
	"io"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"civic-platform/backend/internal/audit"
	audithandler "civic-platform/backend/internal/audit/handler"
	auditrepo "civic-platform/backend/internal/audit/repository"
	healthhandler "civic-platform/backend/internal/health/handler"
	membershiphandler "civic-platform/backend/internal/membership/handler"
	membershiprepo "civic-platform/backend/internal/membership/repository"
	organizationhandler "civic-platform/backend/internal/organization/handler"
	orgrepo "civic-platform/backend/internal/organization/repository"
	"civic-platform/backend/internal/platform/rbac"
	"civic-platform/backend/internal/server/interceptors"
)

// Deps holds the dependencies of the HTTP and gRPC handlers.
type Deps struct {
	// Authorizer evaluates every gated route and the gRPC AuthorizationService.
	Authorizer rbac.Authorizer
	// Tokens validates bearer tokens. If nil, every protected route and RPC answers Unauthenticated.
	Tokens interceptors.AccessValidator
	// Organizations and Memberships back the organization management API.
	Organizations orgrepo.Repository
	Memberships   membershiprepo.Repository
	// AuditLogger records membership and organization changes. May be nil.
	AuditLogger audit.AuditLogger
	// AuditRepo backs the audit log read API. If nil, the audit routes are not mounted.
	AuditRepo auditrepo.Repository
	// HealthPinger is used by /healthz (e.g. *sql.DB). If nil, readiness skips the DB ping.
	HealthPinger healthhandler.Pinger
	// MaxBodyBytes bounds the JSON body the gate inspects for an organization ID.
	MaxBodyBytes int64
	// AccessLog receives Apache combined-format request logs. If nil, requests are not logged.
	AccessLog io.Writer
}

// NewRouter returns the HTTP API handler. /healthz is public; every other route needs a bearer token
// and passes an authorization gate before reaching its handler.
func NewRouter(deps Deps) http.Handler {
	r := mux.NewRouter()
	r.Use(interceptors.AuthHTTP(deps.Tokens, map[string]bool{healthhandler.Path: true}))

	r.Handle(healthhandler.Path, healthhandler.NewHandler(deps.HealthPinger)).Methods(http.MethodGet)

	gate := rbac.NewGate(deps.Authorizer, deps.MaxBodyBytes)
	organizationhandler.NewHandler(deps.Organizations, deps.Memberships, gate, deps.AuditLogger).AddHandlers(r)
	membershiphandler.NewHandler(deps.Memberships, deps.Organizations, gate, deps.AuditLogger).AddHandlers(r)
	if deps.AuditRepo != nil {
		audithandler.NewHandler(deps.AuditRepo, gate).AddHandlers(r)
	}

	var h http.Handler = handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(r)
	if deps.AccessLog != nil {
		h = handlers.CombinedLoggingHandler(deps.AccessLog, h)
	}
	return h
}

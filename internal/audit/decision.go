package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"civic-platform/backend/internal/audit/domain"
	"civic-platform/backend/internal/platform/rbac"
)

// DecisionMetadata is the JSON stored in audit_logs.metadata for an authorization decision.
type DecisionMetadata struct {
	Outcome              string   `json:"outcome"`
	RequiredCapabilities []string `json:"requiredCapabilities,omitempty"`
	UserCapabilities     []string `json:"userCapabilities,omitempty"`
	IsHead               bool     `json:"isHead,omitempty"`
	Detail               string   `json:"detail,omitempty"`
}

// DecisionRecorder persists authorization decisions to the audit trail. By default only refusals and
// evaluation failures are kept; allowed decisions are high-volume and live in the OTel log stream.
type DecisionRecorder struct {
	logger  AuditLogger
	allowed bool
}

// NewDecisionRecorder returns a recorder writing through logger. includeAllowed also records grants.
func NewDecisionRecorder(logger AuditLogger, includeAllowed bool) *DecisionRecorder {
	return &DecisionRecorder{logger: logger, allowed: includeAllowed}
}

var _ rbac.DecisionLogger = (*DecisionRecorder)(nil)

// LogDecision implements rbac.DecisionLogger.
func (r *DecisionRecorder) LogDecision(ctx context.Context, d rbac.Decision) {
	if r == nil || r.logger == nil {
		return
	}
	if d.Outcome == rbac.OutcomeAllowed && !r.allowed {
		return
	}
	meta := DecisionMetadata{Outcome: d.Outcome, IsHead: d.IsHead}
	if d.Required != nil {
		meta.RequiredCapabilities = d.Required.Strings()
	}
	if d.Actual != nil {
		meta.UserCapabilities = d.Actual.Strings()
	}
	var ae *rbac.Error
	if errors.As(d.Err, &ae) {
		meta.Detail = ae.Detail()
	} else if d.Err != nil {
		meta.Detail = d.Err.Error()
	}
	b, err := json.Marshal(meta)
	if err != nil {
		log.Printf("audit: encode decision metadata: %v", err)
		return
	}
	r.logger.LogEvent(ctx, d.OrganizationID, d.UserID, d.Event, domain.ResourceOrganization, string(b))
}

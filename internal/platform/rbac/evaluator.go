package rbac

import (
	"context"
	"fmt"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"civic-platform/backend/internal/capability"
	"civic-platform/backend/internal/membership/domain"
	orgdomain "civic-platform/backend/internal/organization/domain"
)

const instrumentationName = "civic-platform/backend/internal/platform/rbac"

// OrganizationGetter returns an organization by ID, or (nil, nil) when it does not exist.
type OrganizationGetter interface {
	GetOrganizationByID(ctx context.Context, id string) (*orgdomain.Org, error)
}

// OrgMembershipGetter returns a user's membership in an org with its role, or (nil, nil) when there is none.
type OrgMembershipGetter interface {
	GetMembershipByUserAndOrg(ctx context.Context, userID, orgID string) (*domain.Membership, error)
}

// Evaluator decides whether a user may act on an organization. It keeps no state between calls and
// is safe for concurrent use; every call reads fresh organization and membership rows, so a role
// change is observed by the next request that evaluates after the change commits.
type Evaluator struct {
	orgs      OrganizationGetter
	members   OrgMembershipGetter
	logger    DecisionLogger
	tracer    trace.Tracer
	decisions metric.Int64Counter
}

// Option configures an Evaluator.
type Option func(*evaluatorOptions)

type evaluatorOptions struct {
	logger         DecisionLogger
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// WithDecisionLogger sets where decision records go. Defaults to discarding them.
func WithDecisionLogger(l DecisionLogger) Option {
	return func(o *evaluatorOptions) { o.logger = l }
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *evaluatorOptions) { o.tracerProvider = tp }
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *evaluatorOptions) { o.meterProvider = mp }
}

// NewEvaluator returns an Evaluator reading organizations from orgs and memberships from members.
func NewEvaluator(orgs OrganizationGetter, members OrgMembershipGetter, opts ...Option) *Evaluator {
	o := evaluatorOptions{
		logger:         nopDecisionLogger{},
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = nopDecisionLogger{}
	}
	counter, err := o.meterProvider.Meter(instrumentationName).Int64Counter(
		"orgauthz.decisions",
		metric.WithDescription("Organization authorization decisions by event and outcome."),
	)
	if err != nil {
		log.Printf("rbac: create decisions counter: %v", err)
		counter = metricnoop.Int64Counter{}
	}
	return &Evaluator{
		orgs:      orgs,
		members:   members,
		logger:    o.logger,
		tracer:    o.tracerProvider.Tracer(instrumentationName),
		decisions: counter,
	}
}

// Evaluate authorizes userID on orgID. The head is granted every capability without a membership
// lookup. Other users need an active membership and, when required is non-empty, at least one of
// the required capabilities.
func (e *Evaluator) Evaluate(ctx context.Context, userID, orgID string, required ...capability.Capability) (*Verdict, error) {
	d := Decision{Event: EventEvaluate, OrganizationID: orgID, UserID: userID}
	if len(required) > 0 {
		d.Required = capability.NewSet(required...)
	}
	ctx, span := e.start(ctx, d)
	defer span.End()

	org, err := e.loadOrganization(ctx, userID, orgID)
	if err != nil {
		return e.deny(ctx, span, d, err)
	}
	if org.IsHead(userID) {
		return e.allow(ctx, span, d, headVerdict(orgID, userID))
	}
	m, err := e.loadMembership(ctx, userID, orgID, true)
	if err != nil {
		return e.deny(ctx, span, d, err)
	}
	actual := m.Capabilities()
	d.Actual = actual.Clone()
	if !d.Required.IsEmpty() && d.Required.Intersect(actual).IsEmpty() {
		return e.deny(ctx, span, d, &Error{
			Kind:     KindInsufficientCapability,
			Required: d.Required.Clone(),
			Actual:   actual.Clone(),
		})
	}
	return e.allow(ctx, span, d, memberVerdict(orgID, userID, m, actual))
}

// EvaluateMembership authorizes presence in the organization without asking for capabilities.
// With requireActive false any membership status is accepted; the verdict still carries only the
// member's own role capabilities. Callers passing false should say why at the call site.
func (e *Evaluator) EvaluateMembership(ctx context.Context, userID, orgID string, requireActive bool) (*Verdict, error) {
	d := Decision{Event: EventMembership, OrganizationID: orgID, UserID: userID}
	ctx, span := e.start(ctx, d)
	defer span.End()
	span.SetAttributes(attribute.Bool("orgauthz.require_active", requireActive))

	org, err := e.loadOrganization(ctx, userID, orgID)
	if err != nil {
		return e.deny(ctx, span, d, err)
	}
	if org.IsHead(userID) {
		return e.allow(ctx, span, d, headVerdict(orgID, userID))
	}
	m, err := e.loadMembership(ctx, userID, orgID, requireActive)
	if err != nil {
		return e.deny(ctx, span, d, err)
	}
	actual := m.Capabilities()
	d.Actual = actual.Clone()
	return e.allow(ctx, span, d, memberVerdict(orgID, userID, m, actual))
}

// EvaluateHead authorizes only the organization's head. Members are refused whatever their role.
func (e *Evaluator) EvaluateHead(ctx context.Context, userID, orgID string) (*Verdict, error) {
	d := Decision{Event: EventHead, OrganizationID: orgID, UserID: userID}
	ctx, span := e.start(ctx, d)
	defer span.End()

	org, err := e.loadOrganization(ctx, userID, orgID)
	if err != nil {
		return e.deny(ctx, span, d, err)
	}
	if !org.IsHead(userID) {
		return e.deny(ctx, span, d, &Error{Kind: KindNotHead})
	}
	return e.allow(ctx, span, d, headVerdict(orgID, userID))
}

// loadOrganization runs the checks shared by every entry point: caller identity, organization ID,
// existence and activity. An inactive organization is refused before any authority check.
func (e *Evaluator) loadOrganization(ctx context.Context, userID, orgID string) (*orgdomain.Org, *Error) {
	if userID == "" {
		return nil, &Error{Kind: KindUnauthenticated}
	}
	if orgID == "" {
		return nil, &Error{Kind: KindMissingResource}
	}
	org, err := e.getOrganization(ctx, orgID)
	if err != nil {
		return nil, &Error{Kind: KindEvaluationFailed, Err: fmt.Errorf("load organization: %w", err)}
	}
	if org == nil {
		return nil, &Error{Kind: KindNotFound}
	}
	if !org.IsActive() {
		return nil, &Error{Kind: KindResourceInactive}
	}
	return org, nil
}

func (e *Evaluator) loadMembership(ctx context.Context, userID, orgID string, requireActive bool) (*domain.Membership, *Error) {
	m, err := e.getMembership(ctx, userID, orgID)
	if err != nil {
		return nil, &Error{Kind: KindEvaluationFailed, Err: fmt.Errorf("load membership: %w", err)}
	}
	if m == nil {
		return nil, &Error{Kind: KindNotMember}
	}
	if requireActive && !m.IsActive() {
		return nil, &Error{Kind: KindMembershipNotActive}
	}
	return m, nil
}

// getOrganization converts a panicking store into an error so it surfaces as an evaluation failure.
func (e *Evaluator) getOrganization(ctx context.Context, orgID string) (org *orgdomain.Org, err error) {
	defer func() {
		if r := recover(); r != nil {
			org, err = nil, fmt.Errorf("organization store panic: %v", r)
		}
	}()
	return e.orgs.GetOrganizationByID(ctx, orgID)
}

func (e *Evaluator) getMembership(ctx context.Context, userID, orgID string) (m *domain.Membership, err error) {
	defer func() {
		if r := recover(); r != nil {
			m, err = nil, fmt.Errorf("membership store panic: %v", r)
		}
	}()
	return e.members.GetMembershipByUserAndOrg(ctx, userID, orgID)
}

func (e *Evaluator) start(ctx context.Context, d Decision) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, d.Event, trace.WithAttributes(
		attribute.String("orgauthz.org_id", d.OrganizationID),
		attribute.String("orgauthz.user_id", d.UserID),
	))
}

func (e *Evaluator) allow(ctx context.Context, span trace.Span, d Decision, v *Verdict) (*Verdict, error) {
	d.Outcome = OutcomeAllowed
	d.Level = LevelInfo
	d.IsHead = v.IsHead
	if v.IsHead {
		d.Actual = v.Capabilities.Clone()
	}
	e.record(ctx, span, d)
	return v, nil
}

func (e *Evaluator) deny(ctx context.Context, span trace.Span, d Decision, err *Error) (*Verdict, error) {
	err.OrganizationID = d.OrganizationID
	err.UserID = d.UserID
	d.Outcome = err.Kind.String()
	d.Level = levelFor(err.Kind)
	d.Err = err
	if err.Kind == KindEvaluationFailed {
		span.RecordError(err.Err)
		span.SetStatus(otelcodes.Error, err.Kind.String())
	}
	e.record(ctx, span, d)
	return nil, err
}

func (e *Evaluator) record(ctx context.Context, span trace.Span, d Decision) {
	span.SetAttributes(attribute.String("orgauthz.outcome", d.Outcome))
	e.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", d.Event),
		attribute.String("outcome", d.Outcome),
	))
	e.logger.LogDecision(ctx, d)
}

func headVerdict(orgID, userID string) *Verdict {
	return &Verdict{
		OrganizationID: orgID,
		UserID:         userID,
		IsHead:         true,
		Capabilities:   capability.All(),
	}
}

func memberVerdict(orgID, userID string, m *domain.Membership, caps capability.Set) *Verdict {
	return &Verdict{
		OrganizationID: orgID,
		UserID:         userID,
		Membership:     &MembershipSummary{ID: m.ID, RoleID: m.RoleID, Status: m.Status},
		Capabilities:   caps,
	}
}

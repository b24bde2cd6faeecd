package otel

import (
	"context"
	"errors"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/noop"

	"civic-platform/backend/internal/capability"
	"civic-platform/backend/internal/platform/rbac"
)

const decisionScope = "civic.orgauthz"

// Emitter is the subset of otellog.Logger the decision sink needs.
type Emitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// NewDecisionLogger returns an rbac.DecisionLogger that writes each decision as an OTel log record.
// A nil provider yields a logger that drops records.
func NewDecisionLogger(provider otellog.LoggerProvider) rbac.DecisionLogger {
	if provider == nil {
		provider = noop.NewLoggerProvider()
	}
	return NewDecisionLoggerWithEmitter(provider.Logger(decisionScope))
}

// NewDecisionLoggerWithEmitter is NewDecisionLogger over a caller-supplied emitter.
func NewDecisionLoggerWithEmitter(e Emitter) rbac.DecisionLogger {
	return &decisionLogger{emitter: e, now: func() time.Time { return time.Now().UTC() }}
}

type decisionLogger struct {
	emitter Emitter
	now     func() time.Time
}

// LogDecision maps d onto a record: body is the event name, severity follows d.Level, and the
// capability sets are string slices so the collector can index them.
func (l *decisionLogger) LogDecision(ctx context.Context, d rbac.Decision) {
	rec := otellog.Record{}
	rec.SetTimestamp(l.now())
	rec.SetEventName(d.Event)
	rec.SetBody(otellog.StringValue(d.Event))
	sev, text := severity(d.Level)
	rec.SetSeverity(sev)
	rec.SetSeverityText(text)

	rec.AddAttributes(
		otellog.String("event", d.Event),
		otellog.String("org_id", d.OrganizationID),
		otellog.String("user_id", d.UserID),
		otellog.String("outcome", d.Outcome),
		otellog.Bool("is_head", d.IsHead),
	)
	if d.Required != nil {
		rec.AddAttributes(capabilitiesAttr("required_capabilities", d.Required))
	}
	if d.Actual != nil {
		rec.AddAttributes(capabilitiesAttr("user_capabilities", d.Actual))
	}
	if d.Err != nil {
		var e *rbac.Error
		if errors.As(d.Err, &e) {
			rec.AddAttributes(otellog.String("detail", e.Detail()))
		} else {
			rec.AddAttributes(otellog.String("detail", d.Err.Error()))
		}
	}
	l.emitter.Emit(ctx, rec)
}

func severity(l rbac.Level) (otellog.Severity, string) {
	switch l {
	case rbac.LevelWarn:
		return otellog.SeverityWarn, "WARN"
	case rbac.LevelError:
		return otellog.SeverityError, "ERROR"
	default:
		return otellog.SeverityInfo, "INFO"
	}
}

func capabilitiesAttr(key string, s capability.Set) otellog.KeyValue {
	names := s.Strings()
	vals := make([]otellog.Value, len(names))
	for i, n := range names {
		vals[i] = otellog.StringValue(n)
	}
	return otellog.Slice(key, vals...)
}

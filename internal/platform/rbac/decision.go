package rbac

import (
	"context"

	"civic-platform/backend/internal/capability"
)

// Decision events, one per evaluation entry point.
const (
	EventEvaluate   = "org_authz.evaluate"
	EventMembership = "org_authz.membership"
	EventHead       = "org_authz.head"
)

// OutcomeAllowed is the outcome of a successful evaluation; failures use the Kind name.
const OutcomeAllowed = "allowed"

// Level is the severity of a decision log entry.
type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// Decision is the structured audit record emitted for every evaluation, allowed or not.
type Decision struct {
	Event          string
	OrganizationID string
	UserID         string
	// Required is nil when the evaluation did not ask for capabilities.
	Required capability.Set
	// Actual is nil when the evaluation stopped before capabilities were resolved.
	Actual  capability.Set
	Outcome string
	Level   Level
	IsHead  bool
	// Err is the failure, nil when allowed.
	Err error
}

// DecisionLogger receives decision records. Implementations are best-effort and must not block for long.
type DecisionLogger interface {
	LogDecision(ctx context.Context, d Decision)
}

// DecisionLoggerFunc adapts a function to DecisionLogger.
type DecisionLoggerFunc func(ctx context.Context, d Decision)

func (f DecisionLoggerFunc) LogDecision(ctx context.Context, d Decision) { f(ctx, d) }

// MultiDecisionLogger fans a decision out to every non-nil logger in order.
func MultiDecisionLogger(loggers ...DecisionLogger) DecisionLogger {
	var ls []DecisionLogger
	for _, l := range loggers {
		if l != nil {
			ls = append(ls, l)
		}
	}
	return DecisionLoggerFunc(func(ctx context.Context, d Decision) {
		for _, l := range ls {
			l.LogDecision(ctx, d)
		}
	})
}

type nopDecisionLogger struct{}

func (nopDecisionLogger) LogDecision(context.Context, Decision) {}

// levelFor returns the severity of a failure kind: missing caller input is a warning, store failures
// are errors, and expected denials are informational.
func levelFor(k Kind) Level {
	switch k {
	case KindUnauthenticated, KindMissingResource:
		return LevelWarn
	case KindEvaluationFailed:
		return LevelError
	default:
		return LevelInfo
	}
}

// Package telemetry holds best-effort delivery helpers shared by the decision sinks.
package telemetry

import (
	"context"
	"log"
	"sync"
	"time"

	"civic-platform/backend/internal/platform/rbac"
)

// emitTimeout is the max time allowed for a single async delivery. Used by AsyncDecisionLogger and by ShutdownDrainDuration.
const emitTimeout = 5 * time.Second

// ShutdownDrainDuration is how long shutdown waits for in-flight async deliveries before closing the
// database and OTel providers. Must be >= emitTimeout.
const ShutdownDrainDuration = emitTimeout

// AsyncDecisionLogger hands each decision to next on its own goroutine so the request path never waits
// on a slow sink (the audit table, for instance).
type AsyncDecisionLogger struct {
	next    rbac.DecisionLogger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewAsyncDecisionLogger wraps next. A nil next yields a logger that drops everything.
func NewAsyncDecisionLogger(next rbac.DecisionLogger) *AsyncDecisionLogger {
	return &AsyncDecisionLogger{next: next, timeout: emitTimeout}
}

// LogDecision delivers d in the background. The delivery context keeps the request's values (trace
// context, identity) but not its cancellation, and is bounded by emitTimeout.
func (a *AsyncDecisionLogger) LogDecision(ctx context.Context, d rbac.Decision) {
	if a == nil || a.next == nil {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("telemetry: async decision delivery panicked: %v", r)
			}
		}()
		emitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		a.next.LogDecision(emitCtx, d)
	}()
}

// Wait blocks until in-flight deliveries finish or ctx is done, whichever is first.
func (a *AsyncDecisionLogger) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

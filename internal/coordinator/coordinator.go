// Package coordinator is C6: it translates the call lifecycle event stream
// into C4/C5 calls and keeps the in-memory active-call projection fresh
// (spec §4.6).
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/apolotel/billingcore/internal/domain"
	"github.com/apolotel/billingcore/pkg/mlog"
)

var tracer = otel.Tracer("billingcore/coordinator")

// Authorizer is the narrow slice of C5 this package needs.
type Authorizer interface {
	Authorize(ctx context.Context, caller, callee, callID string) domain.AuthResult
}

// Reservations is the narrow slice of C4 the coordinator drives directly
// (create happens through Authorizer, not here).
type Reservations interface {
	Extend(ctx context.Context, callID string, additionalMinutes decimal.Decimal) (domain.ExtendResult, error)
	Consume(ctx context.Context, callID string, actualCost decimal.Decimal, billableSeconds int64) (domain.ConsumeResult, error)
	Release(ctx context.Context, callID string) (domain.ReleaseResult, error)
}

// Notifier publishes the fire-and-forget signals back to collaborators:
// Kill tears a call down at the switch, CDR finalizes billing records
// (spec §4.6, §6.2).
type Notifier interface {
	Kill(ctx context.Context, kill domain.Kill)
	CDR(ctx context.Context, cdr domain.CDR)
}

// ExtendThresholdSeconds is the default "remaining reserved time" trigger
// for a Tick-driven extension (spec §4.6: "e.g. 60s").
const ExtendThresholdSeconds = 60

// Coordinator is C6. It never touches the ledger; every reservation mutation
// goes through C4/C5.
type Coordinator struct {
	auth         Authorizer
	reservations Reservations
	notifier     Notifier
	logger       mlog.Logger

	extendMinutes   decimal.Decimal
	extendThreshold time.Duration

	mu       sync.Mutex
	sessions map[string]*trackedSession

	callLocksMu sync.Mutex
	callLocks   map[string]*sync.Mutex
}

func New(auth Authorizer, reservations Reservations, notifier Notifier, extendMinutes decimal.Decimal, logger mlog.Logger) *Coordinator {
	if logger == nil {
		logger = &mlog.NilLogger{}
	}

	return &Coordinator{
		auth:            auth,
		reservations:    reservations,
		notifier:        notifier,
		logger:          logger,
		extendMinutes:   extendMinutes,
		extendThreshold: ExtendThresholdSeconds * time.Second,
		sessions:        make(map[string]*trackedSession),
		callLocks:       make(map[string]*sync.Mutex),
	}
}

// trackedSession adds the local bookkeeping needed to decide when a Tick
// should trigger an extension — how much reserved call time remains as of
// the last authorize/extend response — without polluting domain.CallSession
// with coordinator-only state.
type trackedSession struct {
	*domain.CallSession
	maxDuration time.Duration
	basisAt     time.Time
}

func (t *trackedSession) remaining(now time.Time) time.Duration {
	elapsed := now.Sub(t.basisAt)
	return t.maxDuration - elapsed
}

// HandleEvent implements spec §4.6's ordering guarantee: events for a given
// call_id are serialized, while different call_ids may run concurrently.
func (c *Coordinator) HandleEvent(ctx context.Context, ev domain.Event) error {
	ctx, span := tracer.Start(ctx, "coordinator.handle_event",
		trace.WithAttributes(
			attribute.String("call_id", ev.CallID),
			attribute.String("event.kind", string(ev.Kind)),
		))
	defer span.End()

	unlock := c.lockCall(ev.CallID)
	defer unlock()

	switch ev.Kind {
	case domain.EventCreate:
		return c.handleCreate(ctx, ev)
	case domain.EventAnswer:
		return c.handleAnswer(ctx, ev)
	case domain.EventHangup:
		return c.handleHangup(ctx, ev)
	case domain.EventTick:
		return c.handleTick(ctx, ev)
	default:
		return fmt.Errorf("coordinator: unknown event kind %q", ev.Kind)
	}
}

// lockCall returns an unlock func guaranteeing exclusive processing for
// callID.
// TODO: evict entries from callLocks once a call's terminal event has been
// processed, so long-running deployments don't grow this map unbounded.
func (c *Coordinator) lockCall(callID string) func() {
	c.callLocksMu.Lock()
	l, ok := c.callLocks[callID]

	if !ok {
		l = &sync.Mutex{}
		c.callLocks[callID] = l
	}
	c.callLocksMu.Unlock()

	l.Lock()

	return l.Unlock
}

func (c *Coordinator) handleCreate(ctx context.Context, ev domain.Event) error {
	result := c.auth.Authorize(ctx, ev.Caller, ev.Callee, ev.CallID)

	if !result.Authorized {
		c.notifier.Kill(ctx, domain.Kill{CallID: ev.CallID, Reason: domain.KillReasonDenied, Detail: string(result.Reason)})
		return nil
	}

	session := &trackedSession{
		CallSession: &domain.CallSession{
			CallID:         ev.CallID,
			AccountID:      result.AccountID,
			Caller:         ev.Caller,
			Callee:         ev.Callee,
			Rate:           result.Rate,
			ReservationIDs: []string{result.ReservationID},
			StartedAt:      ev.StartTime,
		},
		maxDuration: time.Duration(result.MaxDurationSecond) * time.Second,
		basisAt:     time.Now().UTC(),
	}

	c.mu.Lock()
	c.sessions[ev.CallID] = session
	c.mu.Unlock()

	return nil
}

func (c *Coordinator) handleAnswer(_ context.Context, ev domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, ok := c.sessions[ev.CallID]
	if !ok {
		return nil
	}

	answeredAt := ev.AnsweredAt
	session.AnsweredAt = &answeredAt

	return nil
}

func (c *Coordinator) handleHangup(ctx context.Context, ev domain.Event) error {
	c.mu.Lock()
	session, ok := c.sessions[ev.CallID]
	delete(c.sessions, ev.CallID)
	c.mu.Unlock()

	// A Hangup before an Answer implies billable_seconds = 0; the
	// reservation must still be returned (spec §4.6). An unknown call
	// (e.g. a duplicate Hangup) takes the same path.
	if !ok || session.AnsweredAt == nil {
		result, err := c.reservations.Release(ctx, ev.CallID)
		if err != nil {
			return err
		}

		c.logger.Infof("coordinator: released unanswered/unknown call %s amount=%s", ev.CallID, result.Released)

		return nil
	}

	actualCost := session.Rate.Cost(ev.BillableSeconds)

	consumeResult, err := c.reservations.Consume(ctx, ev.CallID, actualCost, ev.BillableSeconds)
	if err != nil {
		return err
	}

	c.notifier.CDR(ctx, domain.CDR{
		CallID:          ev.CallID,
		AccountID:       session.AccountID,
		Caller:          session.Caller,
		Callee:          session.Callee,
		StartTime:       ev.StartTime,
		AnswerTime:      ev.AnswerTime,
		EndTime:         ev.EndTime,
		BillableSeconds: ev.BillableSeconds,
		Cost:            actualCost.String(),
		HangupCause:     ev.HangupCause,
	})

	c.logger.Infof("coordinator: call %s consumed=%s released=%s deficit=%s",
		ev.CallID, consumeResult.Consumed, consumeResult.Released, consumeResult.Deficit)

	return nil
}

func (c *Coordinator) handleTick(ctx context.Context, ev domain.Event) error {
	c.mu.Lock()
	session, ok := c.sessions[ev.CallID]
	c.mu.Unlock()

	if !ok {
		return nil
	}

	now := ev.Now
	session.LastTickAt = &now

	if session.remaining(now) >= c.extendThreshold {
		return nil
	}

	result, err := c.reservations.Extend(ctx, ev.CallID, c.extendMinutes)
	if err != nil {
		c.notifier.Kill(ctx, domain.Kill{CallID: ev.CallID, Reason: domain.KillReasonOutOfBalance, Detail: err.Error()})
		return nil
	}

	c.mu.Lock()
	session.maxDuration = time.Duration(result.NewMaxDuration) * time.Second
	session.basisAt = now
	c.mu.Unlock()

	c.logger.Debugf("coordinator: extended call %s added=%s new_max_duration=%d",
		ev.CallID, result.AddedReserved, result.NewMaxDuration)

	return nil
}

package trade

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/creatureworld/tradecore/internal/metrics"
)

// Decision is the fraud gate's verdict on a ready-to-commit trade.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Gate is the synchronous pre-commit fraud check. A block is authoritative:
// the session is failed, never retried.
type Gate interface {
	Evaluate(ctx context.Context, session *TradeSession) (Decision, error)
}

// Executor applies a completed trade atomically against persistent storage.
// Either every entry changes hands or none do.
type Executor interface {
	ExecuteTrade(ctx context.Context, session *TradeSession) error
}

// RelationshipRecorder aggregates completed trades into durable pairwise
// relationship summaries. Never invoked for cancelled or failed trades.
type RelationshipRecorder interface {
	RecordCompletedTrade(ctx context.Context, session *TradeSession) error
}

// EventType classifies trade lifecycle events.
type EventType string

const (
	EventTradeCompleted EventType = "trade.completed"
	EventTradeCancelled EventType = "trade.cancelled"
	EventTradeBlocked   EventType = "trade.blocked"
	EventTradeFailed    EventType = "trade.failed"
)

// TradeEvent is the typed lifecycle record published to the event channel.
// The engine never calls back into presentation code; consumers subscribe.
type TradeEvent struct {
	ID         string          `json:"id"`
	Type       EventType       `json:"type"`
	SessionID  string          `json:"session_id"`
	Player1ID  string          `json:"player1_id"`
	Player2ID  string          `json:"player2_id"`
	TotalValue decimal.Decimal `json:"total_value"`
	Reason     string          `json:"reason,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// EventSink receives trade lifecycle events. Publishing is best effort from
// the orchestrator's point of view; failures are logged, never surfaced.
type EventSink interface {
	Publish(ctx context.Context, event TradeEvent) error
}

// ConfirmOutcome describes what a confirmation call achieved.
type ConfirmOutcome string

const (
	// ConfirmWaiting means the confirmation was recorded and the trade is
	// waiting on the other participant.
	ConfirmWaiting ConfirmOutcome = "WAITING"
	// ConfirmCompleted means both sides confirmed and the trade committed.
	ConfirmCompleted ConfirmOutcome = "COMPLETED"
	// ConfirmBlocked means the fraud gate vetoed the trade.
	ConfirmBlocked ConfirmOutcome = "BLOCKED"
)

// ConfirmResult is returned by Confirm. Session is a snapshot of the state
// after the operation.
type ConfirmResult struct {
	Outcome ConfirmOutcome `json:"outcome"`
	Session *TradeSession  `json:"session"`
	Reason  string         `json:"reason,omitempty"`
}

// Orchestrator owns the trade session lifecycle. All session mutation goes
// through its operations; each one acquires the relevant participant locks,
// re-fetches the session, mutates it and stores it back as one critical
// section.
type Orchestrator struct {
	sessions *SessionStore
	locks    *LockManager
	executor Executor
	gate     Gate
	recorder RelationshipRecorder
	events   EventSink
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewOrchestrator wires the trade engine. recorder, events and m may be nil
// in tests that do not exercise them.
func NewOrchestrator(
	sessions *SessionStore,
	locks *LockManager,
	executor Executor,
	gate Gate,
	recorder RelationshipRecorder,
	events EventSink,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		sessions: sessions,
		locks:    locks,
		executor: executor,
		gate:     gate,
		recorder: recorder,
		events:   events,
		metrics:  m,
		logger:   logger,
	}
}

// CreateSession starts a new trade between two distinct players. Fails with
// a conflict when either participant already has an active session or lock.
func (o *Orchestrator) CreateSession(ctx context.Context, player1ID, player2ID string) (string, error) {
	if player1ID == "" || player2ID == "" {
		return "", validationErr("both participants are required")
	}
	if player1ID == player2ID {
		return "", validationErr("cannot trade with yourself")
	}

	sessionID := uuid.New().String()
	err := o.locks.WithLock(ctx, []string{player1ID, player2ID}, func(ctx context.Context) error {
		for _, userID := range []string{player1ID, player2ID} {
			active, err := o.sessions.ActiveSession(ctx, userID)
			if err != nil {
				return err
			}
			if active != "" {
				return NewError(ErrUserLocked, "a participant already has a trade in progress")
			}
		}

		session := NewTradeSession(sessionID, player1ID, player2ID)
		if err := o.sessions.Save(ctx, session); err != nil {
			return err
		}
		if err := o.sessions.MarkActive(ctx, player1ID, sessionID); err != nil {
			return err
		}
		return o.sessions.MarkActive(ctx, player2ID, sessionID)
	})
	if err != nil {
		return "", err
	}

	o.logger.Info("trade session created",
		zap.String("session_id", sessionID),
		zap.String("player1_id", player1ID),
		zap.String("player2_id", player2ID))
	return sessionID, nil
}

// AddEntry places an entry into the session on behalf of actingUserID. Only
// the owning participant may add their own entries.
func (o *Orchestrator) AddEntry(ctx context.Context, sessionID, actingUserID string, entry TradeEntry) (*TradeSession, error) {
	return o.mutateSession(ctx, sessionID, actingUserID, func(session *TradeSession) error {
		if entry.OwnerID != actingUserID {
			return validationErr("you can only offer your own items")
		}
		return session.AddEntry(entry)
	})
}

// RemoveEntry withdraws an entry from the session on behalf of actingUserID.
func (o *Orchestrator) RemoveEntry(ctx context.Context, sessionID, actingUserID string, entry TradeEntry) (*TradeSession, error) {
	return o.mutateSession(ctx, sessionID, actingUserID, func(session *TradeSession) error {
		if entry.OwnerID != actingUserID {
			return validationErr("you can only withdraw your own items")
		}
		return session.RemoveEntry(entry)
	})
}

// mutateSession runs fn against the freshly loaded session under the acting
// participant's lock and stores the result.
func (o *Orchestrator) mutateSession(ctx context.Context, sessionID, actingUserID string, fn func(*TradeSession) error) (*TradeSession, error) {
	var result *TradeSession
	err := o.locks.WithLock(ctx, []string{actingUserID}, func(ctx context.Context) error {
		session, err := o.sessions.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		if !session.HasParticipant(actingUserID) {
			return validationErr("you are not part of this trade")
		}
		if err := fn(session); err != nil {
			return err
		}
		if err := o.sessions.Save(ctx, session); err != nil {
			return err
		}
		result = session
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Confirm records a participant's confirmation and, once both sides agree,
// runs the fraud gate and commits the trade. The dual-confirm race is settled
// under both participants' locks: only the caller that observes both
// confirmations on a still-pending session advances it; a losing concurrent
// caller gets an "already processing" conflict.
func (o *Orchestrator) Confirm(ctx context.Context, sessionID, actingUserID string) (*ConfirmResult, error) {
	var result *ConfirmResult

	// Both locks up front: the commit path touches both participants'
	// balances and the counterpart's active-session marker.
	err := o.locks.WithLock(ctx, o.participantsOf(ctx, sessionID, actingUserID), func(ctx context.Context) error {
		session, err := o.sessions.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		if !session.HasParticipant(actingUserID) {
			return validationErr("you are not part of this trade")
		}

		if err := session.SetConfirmation(actingUserID, true); err != nil {
			return err
		}

		if !session.BothConfirmed() {
			if err := o.sessions.Save(ctx, session); err != nil {
				return err
			}
			result = &ConfirmResult{Outcome: ConfirmWaiting, Session: session}
			return nil
		}

		// Fraud gate runs before any mutation; a block fails the session
		// straight from PendingConfirmation.
		decision, err := o.gate.Evaluate(ctx, session)
		if err != nil {
			return err
		}
		if !decision.Allowed {
			session.finish(StatusFailed)
			if err := o.sessions.Save(ctx, session); err != nil {
				return err
			}
			o.clearActive(ctx, session)
			o.incr(func(m *metrics.Metrics) { m.TradesBlocked.Inc() })
			o.publish(ctx, session, EventTradeBlocked, decision.Reason)
			o.logger.Warn("trade blocked by fraud gate",
				zap.String("session_id", session.ID),
				zap.String("reason", decision.Reason))
			result = &ConfirmResult{Outcome: ConfirmBlocked, Session: session, Reason: decision.Reason}
			return nil
		}

		if err := session.beginProcessing(); err != nil {
			return err
		}
		if err := o.sessions.Save(ctx, session); err != nil {
			return err
		}

		if err := o.executor.ExecuteTrade(ctx, session); err != nil {
			session.finish(StatusFailed)
			if saveErr := o.sessions.Save(ctx, session); saveErr != nil {
				o.logger.Error("failed to persist failed trade",
					zap.String("session_id", session.ID),
					zap.Error(saveErr))
			}
			o.clearActive(ctx, session)
			o.incr(func(m *metrics.Metrics) { m.TradesFailed.Inc() })
			o.publish(ctx, session, EventTradeFailed, err.Error())
			return NewError(ErrExecutionFailed, "trade could not be completed, nothing was exchanged")
		}

		session.finish(StatusCompleted)
		if err := o.sessions.Save(ctx, session); err != nil {
			return err
		}
		o.clearActive(ctx, session)

		if o.recorder != nil {
			if err := o.recorder.RecordCompletedTrade(ctx, session); err != nil {
				o.logger.Error("failed to record trade relationship",
					zap.String("session_id", session.ID),
					zap.Error(err))
			}
		}

		o.incr(func(m *metrics.Metrics) { m.TradesCompleted.Inc() })
		o.publish(ctx, session, EventTradeCompleted, "")
		o.logger.Info("trade completed",
			zap.String("session_id", session.ID),
			zap.String("player1_id", session.Player1ID),
			zap.String("player2_id", session.Player2ID))
		result = &ConfirmResult{Outcome: ConfirmCompleted, Session: session}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Cancel aborts a trade in Active or PendingConfirmation. Once Processing
// begins the trade is commit-or-fail only.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID, actingUserID string) error {
	return o.locks.WithLock(ctx, o.participantsOf(ctx, sessionID, actingUserID), func(ctx context.Context) error {
		session, err := o.sessions.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		if !session.HasParticipant(actingUserID) {
			return validationErr("you are not part of this trade")
		}
		if session.Status.IsTerminal() {
			return NewError(ErrSessionTerminal, "trade already finished")
		}
		if session.Status == StatusProcessing {
			return NewError(ErrAlreadyProcessing, "trade is being executed and can no longer be cancelled")
		}

		session.finish(StatusCancelled)
		if err := o.sessions.Save(ctx, session); err != nil {
			return err
		}
		o.clearActive(ctx, session)
		o.incr(func(m *metrics.Metrics) { m.TradesCancelled.Inc() })
		o.publish(ctx, session, EventTradeCancelled, "cancelled by "+actingUserID)
		o.logger.Info("trade cancelled",
			zap.String("session_id", session.ID),
			zap.String("cancelled_by", actingUserID))
		return nil
	})
}

// RecoverOrphanedLocks clears the user's lock and stale active-session
// marker. Called speculatively when a session reference turns out to be
// stale; a dangling lock with no session must never persist. Idempotent.
func (o *Orchestrator) RecoverOrphanedLocks(ctx context.Context, userID string) error {
	active, err := o.sessions.ActiveSession(ctx, userID)
	if err != nil {
		return err
	}
	if active != "" {
		if _, err := o.sessions.Get(ctx, active); err == nil {
			// Session still resolvable; only the lock may be stale.
			return o.locks.ClearAllLocks(ctx, userID)
		}
		if err := o.sessions.ClearActive(ctx, userID); err != nil {
			return err
		}
	}
	return o.locks.ClearAllLocks(ctx, userID)
}

// GetSession returns a snapshot of the session for display.
func (o *Orchestrator) GetSession(ctx context.Context, sessionID string) (*TradeSession, error) {
	return o.sessions.Get(ctx, sessionID)
}

// participantsOf resolves the lock set for a session-scoped operation. When
// the session cannot be loaded the acting user alone is locked; the operation
// will then surface the not-found error consistently.
func (o *Orchestrator) participantsOf(ctx context.Context, sessionID, actingUserID string) []string {
	session, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return []string{actingUserID}
	}
	return session.Participants()
}

func (o *Orchestrator) clearActive(ctx context.Context, session *TradeSession) {
	for _, userID := range session.Participants() {
		if err := o.sessions.ClearActive(ctx, userID); err != nil {
			o.logger.Warn("failed to clear active session marker",
				zap.String("user_id", userID),
				zap.Error(err))
		}
	}
}

func (o *Orchestrator) publish(ctx context.Context, session *TradeSession, eventType EventType, reason string) {
	if o.events == nil {
		return
	}
	event := TradeEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		SessionID:  session.ID,
		Player1ID:  session.Player1ID,
		Player2ID:  session.Player2ID,
		TotalValue: session.GivenValue(session.Player1ID).Add(session.GivenValue(session.Player2ID)),
		Reason:     reason,
		OccurredAt: time.Now().UTC(),
	}
	if err := o.events.Publish(ctx, event); err != nil {
		o.logger.Warn("failed to publish trade event",
			zap.String("session_id", session.ID),
			zap.String("event_type", string(eventType)),
			zap.Error(err))
	}
}

func (o *Orchestrator) incr(fn func(*metrics.Metrics)) {
	if o.metrics != nil {
		fn(o.metrics)
	}
}

// IsRetryable reports whether the UI may offer a retry for err.
func IsRetryable(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Retryable
	}
	return false
}

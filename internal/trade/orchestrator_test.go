package trade

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"

	"github.com/creatureworld/tradecore/internal/kvstore"
)

type stubExecutor struct {
	calls atomic.Int32
	err   error
}

func (e *stubExecutor) ExecuteTrade(ctx context.Context, session *TradeSession) error {
	e.calls.Add(1)
	return e.err
}

type stubGate struct {
	decision Decision
	err      error
}

func (g *stubGate) Evaluate(ctx context.Context, session *TradeSession) (Decision, error) {
	return g.decision, g.err
}

type stubRecorder struct {
	mu       sync.Mutex
	sessions []*TradeSession
	err      error
}

func (r *stubRecorder) RecordCompletedTrade(ctx context.Context, session *TradeSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, session)
	return r.err
}

type stubSink struct {
	mu     sync.Mutex
	events []TradeEvent
}

func (s *stubSink) Publish(ctx context.Context, event TradeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *stubSink) types() []EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]EventType, len(s.events))
	for i, e := range s.events {
		types[i] = e.Type
	}
	return types
}

type OrchestratorSuite struct {
	suite.Suite

	store    *kvstore.MemoryStore
	sessions *SessionStore
	locks    *LockManager
	executor *stubExecutor
	gate     *stubGate
	recorder *stubRecorder
	sink     *stubSink
	orch     *Orchestrator
	ctx      context.Context
}

func TestOrchestratorSuite(t *testing.T) {
	suite.Run(t, new(OrchestratorSuite))
}

func (s *OrchestratorSuite) SetupTest() {
	logger := zaptest.NewLogger(s.T())
	s.store = kvstore.NewMemoryStore()
	s.sessions = NewSessionStore(s.store, logger, time.Minute)
	s.locks = NewLockManager(s.store, logger, time.Minute)
	s.executor = &stubExecutor{}
	s.gate = &stubGate{decision: Decision{Allowed: true}}
	s.recorder = &stubRecorder{}
	s.sink = &stubSink{}
	s.orch = NewOrchestrator(s.sessions, s.locks, s.executor, s.gate, s.recorder, s.sink, nil, logger)
	s.ctx = context.Background()
}

// openSession creates a session with one entry per side, ready to confirm.
func (s *OrchestratorSuite) openSession() string {
	sessionID, err := s.orch.CreateSession(s.ctx, "100", "200")
	s.Require().NoError(err)

	_, err = s.orch.AddEntry(s.ctx, sessionID, "100", NewAssetEntry("100", "creature-1", decimal.NewFromInt(500)))
	s.Require().NoError(err)
	_, err = s.orch.AddEntry(s.ctx, sessionID, "200", NewCurrencyEntry("200", decimal.NewFromInt(450)))
	s.Require().NoError(err)
	return sessionID
}

func (s *OrchestratorSuite) TestCreateSessionValidation() {
	_, err := s.orch.CreateSession(s.ctx, "100", "100")
	s.ErrorIs(err, ErrValidation)

	_, err = s.orch.CreateSession(s.ctx, "", "200")
	s.ErrorIs(err, ErrValidation)
}

func (s *OrchestratorSuite) TestCreateSessionRejectsBusyParticipant() {
	_, err := s.orch.CreateSession(s.ctx, "100", "200")
	s.Require().NoError(err)

	_, err = s.orch.CreateSession(s.ctx, "200", "300")
	s.ErrorIs(err, ErrUserLocked)
	s.True(IsRetryable(err))
}

func (s *OrchestratorSuite) TestHappyPathLifecycle() {
	sessionID := s.openSession()

	res, err := s.orch.Confirm(s.ctx, sessionID, "100")
	s.Require().NoError(err)
	s.Equal(ConfirmWaiting, res.Outcome)
	s.Equal(StatusPendingConfirmation, res.Session.Status)

	res, err = s.orch.Confirm(s.ctx, sessionID, "200")
	s.Require().NoError(err)
	s.Equal(ConfirmCompleted, res.Outcome)
	s.Equal(StatusCompleted, res.Session.Status)
	s.EqualValues(1, s.executor.calls.Load())

	// Relationship recorded and event published.
	s.Len(s.recorder.sessions, 1)
	s.Equal([]EventType{EventTradeCompleted}, s.sink.types())

	// Active markers released: the pair can trade again.
	_, err = s.orch.CreateSession(s.ctx, "100", "200")
	s.NoError(err)
}

func (s *OrchestratorSuite) TestAddEntryOwnershipEnforced() {
	sessionID, err := s.orch.CreateSession(s.ctx, "100", "200")
	s.Require().NoError(err)

	_, err = s.orch.AddEntry(s.ctx, sessionID, "100", NewCurrencyEntry("200", decimal.NewFromInt(10)))
	s.ErrorIs(err, ErrValidation)

	_, err = s.orch.AddEntry(s.ctx, sessionID, "300", NewCurrencyEntry("300", decimal.NewFromInt(10)))
	s.ErrorIs(err, ErrValidation)
}

func (s *OrchestratorSuite) TestConfirmUnknownSession() {
	_, err := s.orch.Confirm(s.ctx, "missing", "100")
	s.ErrorIs(err, ErrSessionNotFound)
}

func (s *OrchestratorSuite) TestFraudBlockFailsSession() {
	s.gate.decision = Decision{Allowed: false, Reason: "high risk pair"}
	sessionID := s.openSession()

	_, err := s.orch.Confirm(s.ctx, sessionID, "100")
	s.Require().NoError(err)

	res, err := s.orch.Confirm(s.ctx, sessionID, "200")
	s.Require().NoError(err)
	s.Equal(ConfirmBlocked, res.Outcome)
	s.Equal("high risk pair", res.Reason)
	s.Equal(StatusFailed, res.Session.Status)
	s.EqualValues(0, s.executor.calls.Load(), "blocked trade must never execute")
	s.Empty(s.recorder.sessions)
	s.Equal([]EventType{EventTradeBlocked}, s.sink.types())
}

func (s *OrchestratorSuite) TestExecutionFailureFailsSession() {
	s.executor.err = errors.New("insufficient funds")
	sessionID := s.openSession()

	_, err := s.orch.Confirm(s.ctx, sessionID, "100")
	s.Require().NoError(err)

	_, err = s.orch.Confirm(s.ctx, sessionID, "200")
	s.ErrorIs(err, ErrExecutionFailed)
	s.False(IsRetryable(err))

	session, err := s.orch.GetSession(s.ctx, sessionID)
	s.Require().NoError(err)
	s.Equal(StatusFailed, session.Status)
	s.Empty(s.recorder.sessions)
	s.Equal([]EventType{EventTradeFailed}, s.sink.types())
}

func (s *OrchestratorSuite) TestGateErrorSurfacesWithoutCommit() {
	s.gate.err = errors.New("graph store down")
	sessionID := s.openSession()

	_, err := s.orch.Confirm(s.ctx, sessionID, "100")
	s.Require().NoError(err)

	_, err = s.orch.Confirm(s.ctx, sessionID, "200")
	s.Error(err)
	s.EqualValues(0, s.executor.calls.Load())

	// Session is still pending; the participants can retry the confirm.
	session, getErr := s.orch.GetSession(s.ctx, sessionID)
	s.Require().NoError(getErr)
	s.Equal(StatusPendingConfirmation, session.Status)
}

func (s *OrchestratorSuite) TestRecorderFailureDoesNotFailTrade() {
	s.recorder.err = errors.New("db down")
	sessionID := s.openSession()

	_, err := s.orch.Confirm(s.ctx, sessionID, "100")
	s.Require().NoError(err)

	res, err := s.orch.Confirm(s.ctx, sessionID, "200")
	s.Require().NoError(err)
	s.Equal(ConfirmCompleted, res.Outcome)
}

func (s *OrchestratorSuite) TestCancel() {
	sessionID := s.openSession()

	s.Require().NoError(s.orch.Cancel(s.ctx, sessionID, "200"))

	session, err := s.orch.GetSession(s.ctx, sessionID)
	s.Require().NoError(err)
	s.Equal(StatusCancelled, session.Status)
	s.EqualValues(0, s.executor.calls.Load())
	s.Equal([]EventType{EventTradeCancelled}, s.sink.types())

	// Cancelling twice is a terminal-state error.
	s.ErrorIs(s.orch.Cancel(s.ctx, sessionID, "100"), ErrSessionTerminal)

	// Both players are free again.
	_, err = s.orch.CreateSession(s.ctx, "100", "300")
	s.NoError(err)
}

func (s *OrchestratorSuite) TestCancelRejectedForOutsider() {
	sessionID := s.openSession()
	s.ErrorIs(s.orch.Cancel(s.ctx, sessionID, "300"), ErrValidation)
}

func (s *OrchestratorSuite) TestMutateAfterConfirmReopens() {
	sessionID := s.openSession()

	_, err := s.orch.Confirm(s.ctx, sessionID, "100")
	s.Require().NoError(err)

	session, err := s.orch.AddEntry(s.ctx, sessionID, "200",
		NewTokenEntry("200", "rare_candy", 1, decimal.NewFromInt(1000)))
	s.Require().NoError(err)
	s.Equal(StatusActive, session.Status)
	s.False(session.Confirmations["100"])
}

// TestConcurrentDualConfirm races both participants' final confirmations.
// Exactly one execution must happen regardless of interleaving; the loser
// either recorded a waiting confirmation first or retried into a terminal
// conflict.
func (s *OrchestratorSuite) TestConcurrentDualConfirm() {
	for round := 0; round < 10; round++ {
		s.SetupTest()
		sessionID := s.openSession()

		var wg sync.WaitGroup
		confirm := func(userID string) {
			defer wg.Done()
			for {
				_, err := s.orch.Confirm(s.ctx, sessionID, userID)
				if err == nil {
					return
				}
				if IsRetryable(err) {
					continue
				}
				if errors.Is(err, ErrSessionTerminal) {
					return
				}
				s.T().Errorf("confirm %s: %v", userID, err)
				return
			}
		}

		wg.Add(2)
		go confirm("100")
		go confirm("200")
		wg.Wait()

		session, err := s.orch.GetSession(s.ctx, sessionID)
		s.Require().NoError(err)
		s.Equal(StatusCompleted, session.Status)
		s.EqualValues(1, s.executor.calls.Load(), "trade must execute exactly once")

		// Value is conserved across the commit: each side receives
		// exactly what the other gave.
		given100 := session.GivenValue("100")
		given200 := session.GivenValue("200")
		received100, received200 := decimal.Zero, decimal.Zero
		for _, entry := range session.Entries {
			switch session.Counterpart(entry.OwnerID) {
			case "100":
				received100 = received100.Add(entry.Value)
			case "200":
				received200 = received200.Add(entry.Value)
			}
		}
		s.True(given100.Equal(received200), "100's offer goes to 200 whole")
		s.True(given200.Equal(received100), "200's offer goes to 100 whole")
		s.True(given100.Add(given200).Equal(received100.Add(received200)))
	}
}

func (s *OrchestratorSuite) TestRecoverOrphanedLocks() {
	// Simulate a crash: lock and active marker point at a session that no
	// longer exists.
	_, ok, err := s.locks.TryAcquire(s.ctx, "100")
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Require().NoError(s.sessions.MarkActive(s.ctx, "100", "ghost"))

	s.Require().NoError(s.orch.RecoverOrphanedLocks(s.ctx, "100"))

	held, err := s.locks.IsLocked(s.ctx, "100")
	s.Require().NoError(err)
	s.False(held)

	active, err := s.sessions.ActiveSession(s.ctx, "100")
	s.Require().NoError(err)
	s.Empty(active)

	// The user can trade again.
	_, err = s.orch.CreateSession(s.ctx, "100", "200")
	s.NoError(err)
}

func (s *OrchestratorSuite) TestRecoverKeepsLiveSessionMarker() {
	sessionID := s.openSession()

	s.Require().NoError(s.orch.RecoverOrphanedLocks(s.ctx, "100"))

	// The session itself is untouched.
	session, err := s.orch.GetSession(s.ctx, sessionID)
	s.Require().NoError(err)
	s.Equal(StatusActive, session.Status)
	active, err := s.sessions.ActiveSession(s.ctx, "100")
	s.Require().NoError(err)
	s.Equal(sessionID, active)
}

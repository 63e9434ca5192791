package trade

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/creatureworld/tradecore/internal/kvstore"
)

const (
	sessionKeyPrefix = "trade:session:"
	activeKeyPrefix  = "trade:active:"
)

// SessionStore persists trade sessions in the shared TTL store so they
// survive process restarts and expire on their own after the retention
// window. It also tracks each participant's active session id, which guards
// one-session-per-user at creation time.
type SessionStore struct {
	store  kvstore.Store
	logger *zap.Logger
	ttl    time.Duration
}

// NewSessionStore creates a session store with the given retention TTL.
func NewSessionStore(store kvstore.Store, logger *zap.Logger, ttl time.Duration) *SessionStore {
	return &SessionStore{
		store:  store,
		logger: logger,
		ttl:    ttl,
	}
}

// Get fetches a session by id. Returns ErrSessionNotFound when the id no
// longer resolves (expiry or restart with a cold cache).
func (ss *SessionStore) Get(ctx context.Context, sessionID string) (*TradeSession, error) {
	data, err := ss.store.Get(ctx, sessionKey(sessionID))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return nil, NewError(ErrSessionNotFound, "this trade has expired, please start over")
		}
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	var session TradeSession
	if err := json.Unmarshal(data, &session); err != nil {
		// A corrupted payload is unrecoverable for this session; treat it
		// like expiry so the participants can start over.
		ss.logger.Warn("discarding undecodable trade session",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return nil, NewError(ErrSessionNotFound, "this trade has expired, please start over")
	}
	return &session, nil
}

// Save writes the session back under its retention TTL.
func (ss *SessionStore) Save(ctx context.Context, session *TradeSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", session.ID, err)
	}
	if err := ss.store.Set(ctx, sessionKey(session.ID), data, ss.ttl); err != nil {
		return fmt.Errorf("store session %s: %w", session.ID, err)
	}
	return nil
}

// Delete removes a session eagerly instead of waiting for TTL expiry.
func (ss *SessionStore) Delete(ctx context.Context, sessionID string) error {
	if err := ss.store.Delete(ctx, sessionKey(sessionID)); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

// ActiveSession returns the id of the user's in-flight session, or "" when
// the user has none.
func (ss *SessionStore) ActiveSession(ctx context.Context, userID string) (string, error) {
	data, err := ss.store.Get(ctx, activeKey(userID))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return "", nil
		}
		return "", fmt.Errorf("load active session for user %s: %w", userID, err)
	}
	return string(data), nil
}

// MarkActive records sessionID as the user's active session.
func (ss *SessionStore) MarkActive(ctx context.Context, userID, sessionID string) error {
	if err := ss.store.Set(ctx, activeKey(userID), []byte(sessionID), ss.ttl); err != nil {
		return fmt.Errorf("mark active session for user %s: %w", userID, err)
	}
	return nil
}

// ClearActive removes the user's active-session marker.
func (ss *SessionStore) ClearActive(ctx context.Context, userID string) error {
	if err := ss.store.Delete(ctx, activeKey(userID)); err != nil {
		return fmt.Errorf("clear active session for user %s: %w", userID, err)
	}
	return nil
}

func sessionKey(sessionID string) string {
	return sessionKeyPrefix + sessionID
}

func activeKey(userID string) string {
	return activeKeyPrefix + userID
}

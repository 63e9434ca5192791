package trade

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/creatureworld/tradecore/internal/kvstore"
)

const lockKeyPrefix = "trade:lock:"

// LockManager provides per-user mutual exclusion backed by the shared TTL
// store. Locks auto-expire so a crashed process never leaves a user locked
// forever; ClearAllLocks exists for explicit restart recovery.
type LockManager struct {
	store  kvstore.Store
	logger *zap.Logger
	ttl    time.Duration
}

// NewLockManager creates a lock manager with the given lock TTL.
func NewLockManager(store kvstore.Store, logger *zap.Logger, ttl time.Duration) *LockManager {
	return &LockManager{
		store:  store,
		logger: logger,
		ttl:    ttl,
	}
}

// TryAcquire attempts to take the user's lock. On success it returns the
// fencing token needed to release; returns ok=false without error when the
// lock is already held.
func (lm *LockManager) TryAcquire(ctx context.Context, userID string) (token string, ok bool, err error) {
	token = uuid.New().String()
	ok, err = lm.store.SetNX(ctx, lockKey(userID), []byte(token), lm.ttl)
	if err != nil {
		return "", false, fmt.Errorf("acquire lock for user %s: %w", userID, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release drops the user's lock only if it still carries the holder's token.
// A lock that expired and was re-acquired by another caller is left alone.
// Releasing an unheld or superseded lock is a no-op.
func (lm *LockManager) Release(ctx context.Context, userID, token string) error {
	released, err := lm.store.DeleteIfEquals(ctx, lockKey(userID), []byte(token))
	if err != nil {
		return fmt.Errorf("release lock for user %s: %w", userID, err)
	}
	if !released {
		lm.logger.Warn("trade lock expired before release",
			zap.String("user_id", userID))
	}
	return nil
}

// IsLocked reports whether the user currently holds a trade lock.
func (lm *LockManager) IsLocked(ctx context.Context, userID string) (bool, error) {
	held, err := lm.store.Exists(ctx, lockKey(userID))
	if err != nil {
		return false, fmt.Errorf("check lock for user %s: %w", userID, err)
	}
	return held, nil
}

// ClearAllLocks forcibly removes the user's lock. Used by restart recovery
// when a lock outlives its session.
func (lm *LockManager) ClearAllLocks(ctx context.Context, userID string) error {
	if err := lm.store.Delete(ctx, lockKey(userID)); err != nil {
		return fmt.Errorf("clear locks for user %s: %w", userID, err)
	}
	lm.logger.Info("cleared trade locks", zap.String("user_id", userID))
	return nil
}

// WithLock runs action while holding every listed user's lock. Locks are
// acquired in ascending id order regardless of argument order, so two callers
// locking the same pair from opposite directions cannot deadlock. If any user
// is already locked, nothing is acquired and ErrUserLocked is returned.
func (lm *LockManager) WithLock(ctx context.Context, userIDs []string, action func(ctx context.Context) error) error {
	ordered := orderUserIDs(userIDs)

	type heldLock struct {
		userID string
		token  string
	}

	var held []heldLock
	releaseHeld := func() {
		for i := len(held) - 1; i >= 0; i-- {
			if err := lm.Release(ctx, held[i].userID, held[i].token); err != nil {
				lm.logger.Warn("failed to release trade lock",
					zap.String("user_id", held[i].userID),
					zap.Error(err))
			}
		}
	}

	for _, userID := range ordered {
		token, ok, err := lm.TryAcquire(ctx, userID)
		if err != nil {
			releaseHeld()
			return err
		}
		if !ok {
			releaseHeld()
			return NewError(ErrUserLocked, fmt.Sprintf("user %s already has a trade in progress", userID))
		}
		held = append(held, heldLock{userID: userID, token: token})
	}

	defer releaseHeld()
	return action(ctx)
}

// orderUserIDs returns the ids deduplicated and in a fixed total order.
// Numeric platform ids compare numerically; anything else falls back to a
// lexicographic comparison.
func orderUserIDs(userIDs []string) []string {
	seen := make(map[string]struct{}, len(userIDs))
	ordered := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ordered = append(ordered, id)
	}

	sort.Slice(ordered, func(i, j int) bool {
		a, errA := strconv.ParseUint(ordered[i], 10, 64)
		b, errB := strconv.ParseUint(ordered[j], 10, 64)
		if errA == nil && errB == nil {
			return a < b
		}
		return ordered[i] < ordered[j]
	})
	return ordered
}

func lockKey(userID string) string {
	return lockKeyPrefix + userID
}

package network

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/creatureworld/tradecore/internal/trade"
)

func newTestAggregator(t *testing.T) *Aggregator {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	agg := NewAggregator(db, zaptest.NewLogger(t), DefaultRiskConfig())
	require.NoError(t, agg.Migrate())
	return agg
}

// completedSession builds a completed two-party session where each side gives
// the stated value as currency.
func completedSession(t *testing.T, p1, p2 string, given1, given2 int64) *trade.TradeSession {
	t.Helper()
	session := trade.NewTradeSession("s-"+p1+"-"+p2, p1, p2)
	if given1 > 0 {
		require.NoError(t, session.AddEntry(trade.NewCurrencyEntry(p1, decimal.NewFromInt(given1))))
	}
	if given2 > 0 {
		require.NoError(t, session.AddEntry(trade.NewCurrencyEntry(p2, decimal.NewFromInt(given2))))
	}
	require.NoError(t, session.SetConfirmation(p1, true))
	require.NoError(t, session.SetConfirmation(p2, true))
	session.Status = trade.StatusCompleted
	return session
}

func TestRecordCompletedTradeCreatesAndIncrements(t *testing.T) {
	agg := newTestAggregator(t)
	ctx := context.Background()

	old1 := snowflakeFor(time.Now().AddDate(-2, 0, 0))
	old2 := snowflakeFor(time.Now().AddDate(-3, 0, 0))
	// Canonical order is numeric: the older account has the smaller id.
	user1, user2 := CanonicalPair(old1, old2)

	require.NoError(t, agg.RecordCompletedTrade(ctx, completedSession(t, user1, user2, 100, 80)))

	rel, err := agg.GetRelationship(ctx, user2, user1) // either argument order
	require.NoError(t, err)
	assert.Equal(t, user1, rel.User1ID)
	assert.Equal(t, user2, rel.User2ID)
	assert.EqualValues(t, 1, rel.TotalTrades)
	assert.True(t, rel.User1GivenValue.Equal(decimal.NewFromInt(100)))
	assert.True(t, rel.User2GivenValue.Equal(decimal.NewFromInt(80)))
	assert.InDelta(t, 1.25, rel.ValueImbalanceRatio, 0.001)

	// Second trade folds into the same row.
	require.NoError(t, agg.RecordCompletedTrade(ctx, completedSession(t, user2, user1, 20, 100)))

	rel, err = agg.GetRelationship(ctx, user1, user2)
	require.NoError(t, err)
	assert.EqualValues(t, 2, rel.TotalTrades)
	assert.True(t, rel.User1GivenValue.Equal(decimal.NewFromInt(200)))
	assert.True(t, rel.User2GivenValue.Equal(decimal.NewFromInt(100)))
	assert.False(t, rel.FirstTradeAt.IsZero())
	assert.False(t, rel.LastTradeAt.Before(rel.FirstTradeAt))
}

func TestRecordRejectsNonCompletedSession(t *testing.T) {
	agg := newTestAggregator(t)

	session := trade.NewTradeSession("s1", "100", "200")
	err := agg.RecordCompletedTrade(context.Background(), session)
	assert.Error(t, err)
}

func TestGetRelationshipNotFound(t *testing.T) {
	agg := newTestAggregator(t)

	_, err := agg.GetRelationship(context.Background(), "100", "200")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestOneSidedFlowFlagsRMT(t *testing.T) {
	agg := newTestAggregator(t)
	ctx := context.Background()

	giver := snowflakeFor(time.Now().AddDate(-1, 0, 0))
	receiver := snowflakeFor(time.Now().AddDate(-1, -1, 0))

	// One side gives 50000, the other gives nothing at all.
	session := trade.NewTradeSession("s1", giver, receiver)
	require.NoError(t, session.AddEntry(trade.NewCurrencyEntry(giver, decimal.NewFromInt(50000))))
	session.Status = trade.StatusCompleted
	require.NoError(t, agg.RecordCompletedTrade(ctx, session))

	rel, err := agg.GetRelationship(ctx, giver, receiver)
	require.NoError(t, err)
	assert.True(t, rel.SuspectedRMT, "massive one-sided flow should flag RMT")
	assert.InDelta(t, 50000, rel.ValueImbalanceRatio, 0.001)
}

func TestYoungImbalancedPairFlagsAltAndNewbie(t *testing.T) {
	agg := newTestAggregator(t)
	ctx := context.Background()

	veteran := snowflakeFor(time.Now().AddDate(-2, 0, 0))
	fresh := snowflakeFor(time.Now().AddDate(0, 0, -2))

	require.NoError(t, agg.RecordCompletedTrade(ctx, completedSession(t, veteran, fresh, 6000, 1000)))

	rel, err := agg.GetRelationship(ctx, veteran, fresh)
	require.NoError(t, err)
	assert.True(t, rel.SuspectedAltPair)
	assert.True(t, rel.SuspectedNewbieExploit)
	assert.Greater(t, rel.RiskScore, 0.0)
	assert.LessOrEqual(t, rel.RiskScore, 1.0)
}

func TestListSinceWindow(t *testing.T) {
	agg := newTestAggregator(t)
	ctx := context.Background()

	a := snowflakeFor(time.Now().AddDate(-1, 0, 0))
	b := snowflakeFor(time.Now().AddDate(-1, -2, 0))
	c := snowflakeFor(time.Now().AddDate(-1, -4, 0))

	// One old relationship, one fresh.
	agg.now = func() time.Time { return time.Now().AddDate(0, 0, -60) }
	require.NoError(t, agg.RecordCompletedTrade(ctx, completedSession(t, a, b, 10, 10)))
	agg.now = time.Now
	require.NoError(t, agg.RecordCompletedTrade(ctx, completedSession(t, a, c, 10, 10)))

	rels, err := agg.ListSince(ctx, time.Now().AddDate(0, 0, -30))
	require.NoError(t, err)
	require.Len(t, rels, 1)
	u1, u2 := CanonicalPair(a, c)
	assert.Equal(t, u1, rels[0].User1ID)
	assert.Equal(t, u2, rels[0].User2ID)

	// A wide enough window sees both.
	rels, err = agg.ListSince(ctx, time.Now().AddDate(0, 0, -90))
	require.NoError(t, err)
	assert.Len(t, rels, 2)
}

func TestListForUsers(t *testing.T) {
	agg := newTestAggregator(t)
	ctx := context.Background()

	a := snowflakeFor(time.Now().AddDate(-1, 0, 0))
	b := snowflakeFor(time.Now().AddDate(-1, -2, 0))
	c := snowflakeFor(time.Now().AddDate(-1, -4, 0))
	d := snowflakeFor(time.Now().AddDate(-1, -6, 0))

	require.NoError(t, agg.RecordCompletedTrade(ctx, completedSession(t, a, b, 10, 10)))
	require.NoError(t, agg.RecordCompletedTrade(ctx, completedSession(t, c, d, 10, 10)))

	cutoff := time.Now().AddDate(0, 0, -30)
	rels, err := agg.ListForUsers(ctx, []string{a}, cutoff)
	require.NoError(t, err)
	require.Len(t, rels, 1)

	rels, err = agg.ListForUsers(ctx, []string{a, d}, cutoff)
	require.NoError(t, err)
	assert.Len(t, rels, 2)

	rels, err = agg.ListForUsers(ctx, nil, cutoff)
	require.NoError(t, err)
	assert.Empty(t, rels)
}

func TestCanonicalPairOrdersNumerically(t *testing.T) {
	// Numerically 9 < 10 even though "10" < "9" lexicographically.
	u1, u2 := CanonicalPair("10", "9")
	assert.Equal(t, "9", u1)
	assert.Equal(t, "10", u2)

	u1, u2 = CanonicalPair("9", "10")
	assert.Equal(t, "9", u1)
	assert.Equal(t, "10", u2)

	// Non-numeric ids fall back to lexicographic order.
	u1, u2 = CanonicalPair("bob", "alice")
	assert.Equal(t, "alice", u1)
	assert.Equal(t, "bob", u2)
}

func TestImbalanceRatio(t *testing.T) {
	assert.InDelta(t, 1.0, imbalanceRatio(decimal.Zero, decimal.Zero), 0.001)
	assert.InDelta(t, 2.0, imbalanceRatio(decimal.NewFromInt(100), decimal.NewFromInt(200)), 0.001)
	assert.InDelta(t, 300.0, imbalanceRatio(decimal.NewFromInt(300), decimal.Zero), 0.001)
}

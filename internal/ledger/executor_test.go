package ledger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/creatureworld/tradecore/internal/trade"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "ledger.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	repo := NewRepository(db, zaptest.NewLogger(t))
	require.NoError(t, repo.Migrate())
	return repo
}

func seed(t *testing.T, repo *Repository, rows ...interface{}) {
	t.Helper()
	for _, row := range rows {
		require.NoError(t, repo.db.Create(row).Error)
	}
}

func balance(t *testing.T, repo *Repository, userID string) decimal.Decimal {
	t.Helper()
	var b Balance
	require.NoError(t, repo.db.Where("user_id = ?", userID).First(&b).Error)
	return b.Coins
}

func tokenCount(t *testing.T, repo *Repository, userID, tokenType string) int64 {
	t.Helper()
	var tb TokenBalance
	err := repo.db.Where("user_id = ? AND token_type = ?", userID, tokenType).First(&tb).Error
	if err == gorm.ErrRecordNotFound {
		return 0
	}
	require.NoError(t, err)
	return tb.Count
}

func creatureOwner(t *testing.T, repo *Repository, assetRef string) string {
	t.Helper()
	var c Creature
	require.NoError(t, repo.db.Where("asset_ref = ?", assetRef).First(&c).Error)
	return c.OwnerID
}

// readySession builds a session holding the given entries, already in the
// state the executor sees it in.
func readySession(entries ...trade.TradeEntry) *trade.TradeSession {
	session := trade.NewTradeSession("s1", "100", "200")
	session.Entries = entries
	session.Status = trade.StatusProcessing
	return session
}

func TestExecuteTradeSwapsEverything(t *testing.T) {
	repo := newTestRepository(t)
	seed(t, repo,
		&Creature{AssetRef: "creature-1", OwnerID: "100", Species: "ember fox", Level: 12},
		&Balance{UserID: "200", Coins: decimal.NewFromInt(1000)},
		&TokenBalance{UserID: "200", TokenType: "rare_candy", Count: 5},
	)

	session := readySession(
		trade.NewAssetEntry("100", "creature-1", decimal.NewFromInt(500)),
		trade.NewCurrencyEntry("200", decimal.NewFromInt(400)),
		trade.NewTokenEntry("200", "rare_candy", 2, decimal.NewFromInt(1000)),
	)

	require.NoError(t, repo.ExecuteTrade(context.Background(), session))

	assert.Equal(t, "200", creatureOwner(t, repo, "creature-1"))
	assert.True(t, balance(t, repo, "200").Equal(decimal.NewFromInt(600)))
	assert.True(t, balance(t, repo, "100").Equal(decimal.NewFromInt(400)))
	assert.EqualValues(t, 3, tokenCount(t, repo, "200", "rare_candy"))
	assert.EqualValues(t, 2, tokenCount(t, repo, "100", "rare_candy"))
}

func TestExecuteTradeInsufficientFundsRollsBack(t *testing.T) {
	repo := newTestRepository(t)
	seed(t, repo,
		&Creature{AssetRef: "creature-1", OwnerID: "100", Species: "ember fox"},
		&Balance{UserID: "200", Coins: decimal.NewFromInt(100)},
	)

	// The creature transfer would succeed, but the coin debit cannot.
	session := readySession(
		trade.NewAssetEntry("100", "creature-1", decimal.NewFromInt(500)),
		trade.NewCurrencyEntry("200", decimal.NewFromInt(400)),
	)

	err := repo.ExecuteTrade(context.Background(), session)
	require.Error(t, err)

	// Nothing moved: the creature transfer rolled back with the rest.
	assert.Equal(t, "100", creatureOwner(t, repo, "creature-1"))
	assert.True(t, balance(t, repo, "200").Equal(decimal.NewFromInt(100)))
}

func TestExecuteTradeRejectsForeignCreature(t *testing.T) {
	repo := newTestRepository(t)
	seed(t, repo,
		&Creature{AssetRef: "creature-1", OwnerID: "999", Species: "ember fox"},
	)

	session := readySession(
		trade.NewAssetEntry("100", "creature-1", decimal.NewFromInt(500)),
	)

	err := repo.ExecuteTrade(context.Background(), session)
	require.Error(t, err)
	assert.Equal(t, "999", creatureOwner(t, repo, "creature-1"))
}

func TestExecuteTradeMissingCreature(t *testing.T) {
	repo := newTestRepository(t)

	session := readySession(
		trade.NewAssetEntry("100", "creature-ghost", decimal.NewFromInt(500)),
	)
	assert.Error(t, repo.ExecuteTrade(context.Background(), session))
}

func TestExecuteTradeInsufficientTokens(t *testing.T) {
	repo := newTestRepository(t)
	seed(t, repo,
		&TokenBalance{UserID: "100", TokenType: "rare_candy", Count: 1},
	)

	session := readySession(
		trade.NewTokenEntry("100", "rare_candy", 2, decimal.NewFromInt(1000)),
	)

	err := repo.ExecuteTrade(context.Background(), session)
	require.Error(t, err)
	assert.EqualValues(t, 1, tokenCount(t, repo, "100", "rare_candy"))
}

func TestExecuteTradeNoBalanceRow(t *testing.T) {
	repo := newTestRepository(t)

	session := readySession(
		trade.NewCurrencyEntry("100", decimal.NewFromInt(50)),
	)
	assert.Error(t, repo.ExecuteTrade(context.Background(), session))
}

func TestExecuteTradeCreatesRecipientRows(t *testing.T) {
	repo := newTestRepository(t)
	seed(t, repo,
		&Balance{UserID: "100", Coins: decimal.NewFromInt(500)},
		&TokenBalance{UserID: "100", TokenType: "rare_candy", Count: 4},
	)

	session := readySession(
		trade.NewCurrencyEntry("100", decimal.NewFromInt(200)),
		trade.NewTokenEntry("100", "rare_candy", 4, decimal.NewFromInt(1000)),
	)

	require.NoError(t, repo.ExecuteTrade(context.Background(), session))

	// The counterpart had no rows before; both were created with the
	// transferred amounts.
	assert.True(t, balance(t, repo, "200").Equal(decimal.NewFromInt(200)))
	assert.EqualValues(t, 4, tokenCount(t, repo, "200", "rare_candy"))
	assert.True(t, balance(t, repo, "100").Equal(decimal.NewFromInt(300)))
	assert.EqualValues(t, 0, tokenCount(t, repo, "100", "rare_candy"))
}

func TestExecuteTradeEmptySessionIsNoop(t *testing.T) {
	repo := newTestRepository(t)
	assert.NoError(t, repo.ExecuteTrade(context.Background(), readySession()))
}

func TestExecuteTradeWritesRecord(t *testing.T) {
	repo := newTestRepository(t)
	seed(t, repo,
		&Creature{AssetRef: "creature-1", OwnerID: "100", Species: "ember fox", Level: 12},
		&Balance{UserID: "200", Coins: decimal.NewFromInt(1000)},
	)

	session := readySession(
		trade.NewAssetEntry("100", "creature-1", decimal.NewFromInt(500)),
		trade.NewCurrencyEntry("200", decimal.NewFromInt(400)),
	)

	require.NoError(t, repo.ExecuteTrade(context.Background(), session))

	var record TradeRecord
	require.NoError(t, repo.db.Where("session_id = ?", "s1").First(&record).Error)
	assert.Equal(t, "100", record.User1ID)
	assert.Equal(t, "200", record.User2ID)
	assert.True(t, record.User1GivenValue.Equal(decimal.NewFromInt(500)))
	assert.True(t, record.User2GivenValue.Equal(decimal.NewFromInt(400)))
	assert.Equal(t, 2, record.EntryCount)
	assert.False(t, record.ExecutedAt.IsZero())
}

func TestExecuteTradeRollbackWritesNoRecord(t *testing.T) {
	repo := newTestRepository(t)
	seed(t, repo, &Balance{UserID: "100", Coins: decimal.NewFromInt(50)})

	session := readySession(trade.NewCurrencyEntry("100", decimal.NewFromInt(400)))
	require.Error(t, repo.ExecuteTrade(context.Background(), session))

	var count int64
	require.NoError(t, repo.db.Model(&TradeRecord{}).Count(&count).Error)
	assert.Zero(t, count)
}

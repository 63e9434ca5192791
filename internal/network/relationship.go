package network

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/creatureworld/tradecore/internal/trade"
)

// UserTradeRelationship is the durable aggregate of all completed trades
// between two users. Identity is the canonically ordered (user1, user2) pair;
// counters and cumulative values only ever grow.
type UserTradeRelationship struct {
	User1ID string `gorm:"primaryKey;column:user1_id" json:"user1_id"`
	User2ID string `gorm:"primaryKey;column:user2_id" json:"user2_id"`

	TotalTrades     int64           `gorm:"column:total_trades" json:"total_trades"`
	User1GivenValue decimal.Decimal `gorm:"type:numeric;column:user1_given_value" json:"user1_given_value"`
	User2GivenValue decimal.Decimal `gorm:"type:numeric;column:user2_given_value" json:"user2_given_value"`

	FirstTradeAt time.Time `gorm:"column:first_trade_at" json:"first_trade_at"`
	LastTradeAt  time.Time `gorm:"index;column:last_trade_at" json:"last_trade_at"`

	ValueImbalanceRatio float64 `gorm:"column:value_imbalance_ratio" json:"value_imbalance_ratio"`

	SuspectedAltPair       bool    `gorm:"column:suspected_alt_pair" json:"suspected_alt_pair"`
	SuspectedRMT           bool    `gorm:"column:suspected_rmt" json:"suspected_rmt"`
	SuspectedNewbieExploit bool    `gorm:"column:suspected_newbie_exploit" json:"suspected_newbie_exploit"`
	RiskScore              float64 `gorm:"column:risk_score" json:"risk_score"`
}

// TableName keeps the table name stable across gorm naming strategies.
func (UserTradeRelationship) TableName() string { return "user_trade_relationships" }

// RiskConfig tunes the relationship risk heuristic. The thresholds are
// empirically chosen starting points, not fixed truths.
type RiskConfig struct {
	ImbalanceWeight     float64 `yaml:"imbalance_weight" mapstructure:"imbalance_weight"`
	FrequencyWeight     float64 `yaml:"frequency_weight" mapstructure:"frequency_weight"`
	YouthWeight         float64 `yaml:"youth_weight" mapstructure:"youth_weight"`
	AltPairImbalance    float64 `yaml:"alt_pair_imbalance" mapstructure:"alt_pair_imbalance"`
	RMTImbalance        float64 `yaml:"rmt_imbalance" mapstructure:"rmt_imbalance"`
	NewbieAgeDays       int     `yaml:"newbie_age_days" mapstructure:"newbie_age_days"`
	YoungAccountDays    int     `yaml:"young_account_days" mapstructure:"young_account_days"`
	HighFrequencyTrades int64   `yaml:"high_frequency_trades" mapstructure:"high_frequency_trades"`
}

// DefaultRiskConfig returns the tuned defaults.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		ImbalanceWeight:     0.4,
		FrequencyWeight:     0.3,
		YouthWeight:         0.3,
		AltPairImbalance:    5.0,
		RMTImbalance:        10.0,
		NewbieAgeDays:       7,
		YoungAccountDays:    30,
		HighFrequencyTrades: 20,
	}
}

// Aggregator is the single writer of relationship rows. It upserts the
// canonical pair row once per completed trade and recomputes the derived
// risk fields.
type Aggregator struct {
	db     *gorm.DB
	logger *zap.Logger
	cfg    RiskConfig
	now    func() time.Time
}

// NewAggregator creates a relationship aggregator.
func NewAggregator(db *gorm.DB, logger *zap.Logger, cfg RiskConfig) *Aggregator {
	return &Aggregator{
		db:     db,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Migrate creates the relationship table.
func (a *Aggregator) Migrate() error {
	return a.db.AutoMigrate(&UserTradeRelationship{})
}

// RecordCompletedTrade folds a completed session into the pair's aggregate
// row. Callers must only invoke this for sessions that actually committed.
func (a *Aggregator) RecordCompletedTrade(ctx context.Context, session *trade.TradeSession) error {
	if session.Status != trade.StatusCompleted {
		return fmt.Errorf("session %s is %s, only completed trades are aggregated", session.ID, session.Status)
	}

	user1, user2 := CanonicalPair(session.Player1ID, session.Player2ID)
	given1 := session.GivenValue(user1)
	given2 := session.GivenValue(user2)
	now := a.now().UTC()

	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx
		// sqlite has no row locks; its writes serialize on the database anyway.
		if tx.Dialector.Name() != "sqlite" {
			query = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		var rel UserTradeRelationship
		err := query.
			Where("user1_id = ? AND user2_id = ?", user1, user2).
			First(&rel).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			rel = UserTradeRelationship{
				User1ID:         user1,
				User2ID:         user2,
				User1GivenValue: decimal.Zero,
				User2GivenValue: decimal.Zero,
				FirstTradeAt:    now,
			}
		case err != nil:
			return fmt.Errorf("load relationship %s/%s: %w", user1, user2, err)
		}

		rel.TotalTrades++
		rel.User1GivenValue = rel.User1GivenValue.Add(given1)
		rel.User2GivenValue = rel.User2GivenValue.Add(given2)
		rel.LastTradeAt = now
		if rel.FirstTradeAt.IsZero() {
			rel.FirstTradeAt = now
		}

		rel.ValueImbalanceRatio = imbalanceRatio(rel.User1GivenValue, rel.User2GivenValue)
		a.scoreRelationship(&rel, now)

		if err := tx.Save(&rel).Error; err != nil {
			return fmt.Errorf("upsert relationship %s/%s: %w", user1, user2, err)
		}
		return nil
	})
}

// GetRelationship loads the aggregate row for a pair in either argument
// order. Returns gorm.ErrRecordNotFound when the users never traded.
func (a *Aggregator) GetRelationship(ctx context.Context, userA, userB string) (*UserTradeRelationship, error) {
	user1, user2 := CanonicalPair(userA, userB)
	var rel UserTradeRelationship
	err := a.db.WithContext(ctx).
		Where("user1_id = ? AND user2_id = ?", user1, user2).
		First(&rel).Error
	if err != nil {
		return nil, err
	}
	return &rel, nil
}

// ListSince returns every relationship whose last trade falls inside the
// window starting at cutoff.
func (a *Aggregator) ListSince(ctx context.Context, cutoff time.Time) ([]UserTradeRelationship, error) {
	var rels []UserTradeRelationship
	err := a.db.WithContext(ctx).
		Where("last_trade_at >= ?", cutoff).
		Order("user1_id, user2_id").
		Find(&rels).Error
	if err != nil {
		return nil, fmt.Errorf("list relationships since %s: %w", cutoff, err)
	}
	return rels, nil
}

// ListForUsers returns windowed relationships touching any of the given
// users. Used by the breadth-first user-centered graph expansion.
func (a *Aggregator) ListForUsers(ctx context.Context, userIDs []string, cutoff time.Time) ([]UserTradeRelationship, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	var rels []UserTradeRelationship
	err := a.db.WithContext(ctx).
		Where("last_trade_at >= ? AND (user1_id IN ? OR user2_id IN ?)", cutoff, userIDs, userIDs).
		Order("user1_id, user2_id").
		Find(&rels).Error
	if err != nil {
		return nil, fmt.Errorf("list relationships for users: %w", err)
	}
	return rels, nil
}

// scoreRelationship recomputes the risk flags and blended score from the
// current cumulative state. Weighted combination of value imbalance, trade
// frequency and counterpart account age.
func (a *Aggregator) scoreRelationship(rel *UserTradeRelationship, now time.Time) {
	age1 := AccountAgeDays(rel.User1ID, now)
	age2 := AccountAgeDays(rel.User2ID, now)
	youngest := age1
	if age2 < youngest {
		youngest = age2
	}

	// Each component normalized into [0,1] before weighting.
	imbalanceComponent := math.Min(rel.ValueImbalanceRatio/a.cfg.RMTImbalance, 1.0)
	frequencyComponent := math.Min(float64(rel.TotalTrades)/float64(a.cfg.HighFrequencyTrades), 1.0)
	youthComponent := 0.0
	if youngest < a.cfg.YoungAccountDays {
		youthComponent = 1.0 - float64(youngest)/float64(a.cfg.YoungAccountDays)
	}

	rel.RiskScore = a.cfg.ImbalanceWeight*imbalanceComponent +
		a.cfg.FrequencyWeight*frequencyComponent +
		a.cfg.YouthWeight*youthComponent
	if rel.RiskScore > 1.0 {
		rel.RiskScore = 1.0
	}

	oneSided := rel.User1GivenValue.IsZero() || rel.User2GivenValue.IsZero()
	rel.SuspectedAltPair = rel.ValueImbalanceRatio > a.cfg.AltPairImbalance && youngest < a.cfg.YoungAccountDays
	rel.SuspectedRMT = rel.ValueImbalanceRatio > a.cfg.RMTImbalance && oneSided
	rel.SuspectedNewbieExploit = youngest < a.cfg.NewbieAgeDays && rel.ValueImbalanceRatio > 3.0
}

// imbalanceRatio computes max(given)/min(given). A zero side substitutes the
// nonzero side's magnitude, so a fully one-sided flow reads as its own value.
func imbalanceRatio(given1, given2 decimal.Decimal) float64 {
	hi := decimal.Max(given1, given2)
	lo := decimal.Min(given1, given2)
	if hi.IsZero() {
		return 1.0
	}
	if lo.IsZero() {
		f, _ := hi.Float64()
		return f
	}
	ratio, _ := hi.Div(lo).Float64()
	return ratio
}

// CanonicalPair orders two user ids into the relationship's canonical
// (user1, user2) identity. Numeric ids order numerically.
func CanonicalPair(a, b string) (string, string) {
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	if errA == nil && errB == nil {
		if na <= nb {
			return a, b
		}
		return b, a
	}
	if a <= b {
		return a, b
	}
	return b, a
}

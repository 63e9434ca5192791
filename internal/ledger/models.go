// Package ledger persists asset ownership and balances, and applies
// completed trades atomically.
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Creature is a tradeable owned asset. AssetRef is the opaque reference
// trade entries carry.
type Creature struct {
	AssetRef  string    `gorm:"primaryKey;column:asset_ref" json:"asset_ref"`
	OwnerID   string    `gorm:"index;column:owner_id" json:"owner_id"`
	Species   string    `gorm:"column:species" json:"species"`
	Level     int       `gorm:"column:level" json:"level"`
	Shiny     bool      `gorm:"column:shiny" json:"shiny"`
	CaughtAt  time.Time `gorm:"column:caught_at" json:"caught_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// Balance is a user's currency balance.
type Balance struct {
	UserID    string          `gorm:"primaryKey;column:user_id" json:"user_id"`
	Coins     decimal.Decimal `gorm:"type:numeric;column:coins" json:"coins"`
	UpdatedAt time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

// TradeRecord is the audit row written when a trade commits, one per
// executed session.
type TradeRecord struct {
	SessionID       string          `gorm:"primaryKey;column:session_id" json:"session_id"`
	User1ID         string          `gorm:"index;column:user1_id" json:"user1_id"`
	User2ID         string          `gorm:"index;column:user2_id" json:"user2_id"`
	User1GivenValue decimal.Decimal `gorm:"type:numeric;column:user1_given_value" json:"user1_given_value"`
	User2GivenValue decimal.Decimal `gorm:"type:numeric;column:user2_given_value" json:"user2_given_value"`
	EntryCount      int             `gorm:"column:entry_count" json:"entry_count"`
	ExecutedAt      time.Time       `gorm:"index;column:executed_at" json:"executed_at"`
}

// TokenBalance is a user's holding of one token type.
type TokenBalance struct {
	UserID    string    `gorm:"primaryKey;column:user_id" json:"user_id"`
	TokenType string    `gorm:"primaryKey;column:token_type" json:"token_type"`
	Count     int64     `gorm:"column:count" json:"count"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/creatureworld/tradecore/internal/trade"
)

// Repository applies trades against the relational store.
type Repository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewRepository creates a ledger repository.
func NewRepository(db *gorm.DB, logger *zap.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// Migrate creates the ledger tables.
func (r *Repository) Migrate() error {
	return r.db.AutoMigrate(&Creature{}, &Balance{}, &TokenBalance{}, &TradeRecord{})
}

// lockForUpdate row-locks subsequent reads so concurrent transactions on the
// same balance cannot lose an update.
// sqlite has no row locks; its writes serialize on the database anyway.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// ExecuteTrade moves every entry of the session to its counterpart inside a
// single database transaction. Any ownership or balance violation aborts the
// whole transaction; partial application is impossible.
func (r *Repository) ExecuteTrade(ctx context.Context, session *trade.TradeSession) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, entry := range session.Entries {
			recipient := session.Counterpart(entry.OwnerID)
			switch entry.Type {
			case trade.EntryTypeAsset:
				if err := transferCreature(tx, entry.AssetRef, entry.OwnerID, recipient); err != nil {
					return err
				}
			case trade.EntryTypeCurrency:
				if err := transferCoins(tx, entry.OwnerID, recipient, entry.CurrencyAmount); err != nil {
					return err
				}
			case trade.EntryTypeToken:
				if err := transferTokens(tx, entry.OwnerID, recipient, entry.TokenType, entry.TokenCount); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown entry type %q", entry.Type)
			}
		}
		return writeTradeRecord(tx, session)
	})
	if err != nil {
		r.logger.Error("trade execution rolled back",
			zap.String("session_id", session.ID),
			zap.Error(err))
		return err
	}
	return nil
}

func writeTradeRecord(tx *gorm.DB, session *trade.TradeSession) error {
	user1, user2 := session.Player1ID, session.Player2ID
	record := TradeRecord{
		SessionID:       session.ID,
		User1ID:         user1,
		User2ID:         user2,
		User1GivenValue: session.GivenValue(user1),
		User2GivenValue: session.GivenValue(user2),
		EntryCount:      len(session.Entries),
		ExecutedAt:      time.Now().UTC(),
	}
	if err := tx.Create(&record).Error; err != nil {
		return fmt.Errorf("record trade %s: %w", session.ID, err)
	}
	return nil
}

func transferCreature(tx *gorm.DB, assetRef, fromUserID, toUserID string) error {
	var creature Creature
	if err := lockForUpdate(tx).Where("asset_ref = ?", assetRef).First(&creature).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("creature %s no longer exists", assetRef)
		}
		return fmt.Errorf("load creature %s: %w", assetRef, err)
	}
	if creature.OwnerID != fromUserID {
		return fmt.Errorf("creature %s is not owned by %s", assetRef, fromUserID)
	}

	result := tx.Model(&Creature{}).
		Where("asset_ref = ? AND owner_id = ?", assetRef, fromUserID).
		Updates(map[string]interface{}{
			"owner_id":   toUserID,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("transfer creature %s: %w", assetRef, result.Error)
	}
	if result.RowsAffected != 1 {
		return fmt.Errorf("creature %s changed hands concurrently", assetRef)
	}
	return nil
}

func transferCoins(tx *gorm.DB, fromUserID, toUserID string, amount decimal.Decimal) error {
	var from Balance
	if err := lockForUpdate(tx).Where("user_id = ?", fromUserID).First(&from).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("user %s has no balance", fromUserID)
		}
		return fmt.Errorf("load balance for %s: %w", fromUserID, err)
	}
	if from.Coins.LessThan(amount) {
		return fmt.Errorf("user %s has insufficient coins", fromUserID)
	}

	from.Coins = from.Coins.Sub(amount)
	from.UpdatedAt = time.Now().UTC()
	if err := tx.Save(&from).Error; err != nil {
		return fmt.Errorf("debit %s: %w", fromUserID, err)
	}

	var to Balance
	err := lockForUpdate(tx).Where("user_id = ?", toUserID).First(&to).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		to = Balance{UserID: toUserID, Coins: amount, UpdatedAt: time.Now().UTC()}
		if err := tx.Create(&to).Error; err != nil {
			return fmt.Errorf("credit %s: %w", toUserID, err)
		}
	case err != nil:
		return fmt.Errorf("load balance for %s: %w", toUserID, err)
	default:
		to.Coins = to.Coins.Add(amount)
		to.UpdatedAt = time.Now().UTC()
		if err := tx.Save(&to).Error; err != nil {
			return fmt.Errorf("credit %s: %w", toUserID, err)
		}
	}
	return nil
}

func transferTokens(tx *gorm.DB, fromUserID, toUserID, tokenType string, count int64) error {
	var from TokenBalance
	if err := lockForUpdate(tx).Where("user_id = ? AND token_type = ?", fromUserID, tokenType).First(&from).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("user %s has no %s tokens", fromUserID, tokenType)
		}
		return fmt.Errorf("load tokens for %s: %w", fromUserID, err)
	}
	if from.Count < count {
		return fmt.Errorf("user %s has insufficient %s tokens", fromUserID, tokenType)
	}

	from.Count -= count
	from.UpdatedAt = time.Now().UTC()
	if err := tx.Save(&from).Error; err != nil {
		return fmt.Errorf("debit tokens from %s: %w", fromUserID, err)
	}

	var to TokenBalance
	err := lockForUpdate(tx).Where("user_id = ? AND token_type = ?", toUserID, tokenType).First(&to).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		to = TokenBalance{UserID: toUserID, TokenType: tokenType, Count: count, UpdatedAt: time.Now().UTC()}
		if err := tx.Create(&to).Error; err != nil {
			return fmt.Errorf("credit tokens to %s: %w", toUserID, err)
		}
	case err != nil:
		return fmt.Errorf("load tokens for %s: %w", toUserID, err)
	default:
		to.Count += count
		to.UpdatedAt = time.Now().UTC()
		if err := tx.Save(&to).Error; err != nil {
			return fmt.Errorf("credit tokens to %s: %w", toUserID, err)
		}
	}
	return nil
}

// Package trade implements the two-party trade engine: session state machine,
// per-user locking, TTL-backed session storage and the orchestrator that owns
// the session lifecycle.
package trade

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryType discriminates the kind of value placed into a trade.
type EntryType string

const (
	EntryTypeAsset    EntryType = "ASSET"
	EntryTypeCurrency EntryType = "CURRENCY"
	EntryTypeToken    EntryType = "TOKEN"
)

// SessionStatus is the trade session state machine state.
type SessionStatus string

const (
	StatusActive              SessionStatus = "ACTIVE"
	StatusPendingConfirmation SessionStatus = "PENDING_CONFIRMATION"
	StatusProcessing          SessionStatus = "PROCESSING"
	StatusCompleted           SessionStatus = "COMPLETED"
	StatusCancelled           SessionStatus = "CANCELLED"
	StatusFailed              SessionStatus = "FAILED"
)

// IsTerminal reports whether no further transition may leave the state.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// TradeEntry is one unit of value offered by a participant. The type field
// selects which of the kind-specific fields are meaningful; constructors keep
// the variants well-formed.
type TradeEntry struct {
	OwnerID string    `json:"owner_id"`
	Type    EntryType `json:"type"`

	// Asset variant: a unique reference to a creature or collectible.
	AssetRef string `json:"asset_ref,omitempty"`

	// Currency variant.
	CurrencyAmount decimal.Decimal `json:"currency_amount"`

	// Token variant.
	TokenType  string `json:"token_type,omitempty"`
	TokenCount int64  `json:"token_count,omitempty"`

	// Value is the appraised worth of the entry, used for relationship
	// aggregation and fraud analysis. Set by the constructors.
	Value decimal.Decimal `json:"value"`
}

// NewAssetEntry creates an asset entry with an appraised value.
func NewAssetEntry(ownerID, assetRef string, appraisedValue decimal.Decimal) TradeEntry {
	return TradeEntry{
		OwnerID:  ownerID,
		Type:     EntryTypeAsset,
		AssetRef: assetRef,
		Value:    appraisedValue,
	}
}

// NewCurrencyEntry creates a currency entry. Its value is the amount itself.
func NewCurrencyEntry(ownerID string, amount decimal.Decimal) TradeEntry {
	return TradeEntry{
		OwnerID:        ownerID,
		Type:           EntryTypeCurrency,
		CurrencyAmount: amount,
		Value:          amount,
	}
}

// NewTokenEntry creates a token entry worth count times the unit value.
func NewTokenEntry(ownerID, tokenType string, count int64, unitValue decimal.Decimal) TradeEntry {
	return TradeEntry{
		OwnerID:    ownerID,
		Type:       EntryTypeToken,
		TokenType:  tokenType,
		TokenCount: count,
		Value:      unitValue.Mul(decimal.NewFromInt(count)),
	}
}

// Validate checks the entry is internally consistent for its variant.
func (e TradeEntry) Validate() error {
	if e.OwnerID == "" {
		return validationErr("entry owner is required")
	}
	switch e.Type {
	case EntryTypeAsset:
		if e.AssetRef == "" {
			return validationErr("asset entry requires an asset reference")
		}
	case EntryTypeCurrency:
		if e.CurrencyAmount.LessThanOrEqual(decimal.Zero) {
			return validationErr("currency amount must be positive")
		}
	case EntryTypeToken:
		if e.TokenType == "" || e.TokenCount <= 0 {
			return validationErr("token entry requires a type and positive count")
		}
	default:
		return validationErr("unknown entry type %q", e.Type)
	}
	return nil
}

// sameItem reports whether two entries reference the same offered item.
func (e TradeEntry) sameItem(other TradeEntry) bool {
	if e.OwnerID != other.OwnerID || e.Type != other.Type {
		return false
	}
	switch e.Type {
	case EntryTypeAsset:
		return e.AssetRef == other.AssetRef
	case EntryTypeCurrency:
		return e.CurrencyAmount.Equal(other.CurrencyAmount)
	case EntryTypeToken:
		return e.TokenType == other.TokenType && e.TokenCount == other.TokenCount
	}
	return false
}

// TradeSession is the authoritative state of one trade between two users.
// Owned exclusively by the orchestrator; callers never mutate it directly.
type TradeSession struct {
	ID             string          `json:"id"`
	Player1ID      string          `json:"player1_id"`
	Player2ID      string          `json:"player2_id"`
	Entries        []TradeEntry    `json:"entries"`
	Confirmations  map[string]bool `json:"confirmations"`
	Status         SessionStatus   `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	LastModifiedAt time.Time       `json:"last_modified_at"`
}

// NewTradeSession creates an active, empty session between two players.
func NewTradeSession(id, player1ID, player2ID string) *TradeSession {
	now := time.Now().UTC()
	return &TradeSession{
		ID:        id,
		Player1ID: player1ID,
		Player2ID: player2ID,
		Entries:   nil,
		Confirmations: map[string]bool{
			player1ID: false,
			player2ID: false,
		},
		Status:         StatusActive,
		CreatedAt:      now,
		LastModifiedAt: now,
	}
}

// HasParticipant reports whether userID is one of the two players.
func (s *TradeSession) HasParticipant(userID string) bool {
	return userID == s.Player1ID || userID == s.Player2ID
}

// Counterpart returns the other participant's id.
func (s *TradeSession) Counterpart(userID string) string {
	if userID == s.Player1ID {
		return s.Player2ID
	}
	return s.Player1ID
}

// Participants returns both player ids.
func (s *TradeSession) Participants() []string {
	return []string{s.Player1ID, s.Player2ID}
}

// EntriesFor returns the entries owned by userID.
func (s *TradeSession) EntriesFor(userID string) []TradeEntry {
	var entries []TradeEntry
	for _, e := range s.Entries {
		if e.OwnerID == userID {
			entries = append(entries, e)
		}
	}
	return entries
}

// GivenValue sums the appraised value userID is offering.
func (s *TradeSession) GivenValue(userID string) decimal.Decimal {
	total := decimal.Zero
	for _, e := range s.Entries {
		if e.OwnerID == userID {
			total = total.Add(e.Value)
		}
	}
	return total
}

// BothConfirmed reports whether both participants have confirmed.
func (s *TradeSession) BothConfirmed() bool {
	return s.Confirmations[s.Player1ID] && s.Confirmations[s.Player2ID]
}

// AddEntry appends an entry after validating ownership and the
// unique-asset-reference invariant. Mutating an already half-confirmed
// session resets both confirmations: the agreed contents changed.
func (s *TradeSession) AddEntry(entry TradeEntry) error {
	if s.Status != StatusActive && s.Status != StatusPendingConfirmation {
		return NewError(ErrSessionTerminal, "trade can no longer be modified")
	}
	if !s.HasParticipant(entry.OwnerID) {
		return validationErr("entry owner %s is not part of this trade", entry.OwnerID)
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	if entry.Type == EntryTypeAsset {
		for _, existing := range s.Entries {
			if existing.Type == EntryTypeAsset && existing.AssetRef == entry.AssetRef {
				return NewError(ErrDuplicateAsset, "that asset is already in the trade")
			}
		}
	}

	s.Entries = append(s.Entries, entry)
	s.resetConfirmations()
	return nil
}

// RemoveEntry removes the first entry matching the given one, applying the
// same confirmation-reset rule as AddEntry.
func (s *TradeSession) RemoveEntry(entry TradeEntry) error {
	if s.Status != StatusActive && s.Status != StatusPendingConfirmation {
		return NewError(ErrSessionTerminal, "trade can no longer be modified")
	}
	for i, existing := range s.Entries {
		if existing.sameItem(entry) {
			s.Entries = append(s.Entries[:i], s.Entries[i+1:]...)
			s.resetConfirmations()
			return nil
		}
	}
	return validationErr("entry not found in trade")
}

// SetConfirmation records a participant's confirmation and advances
// Active -> PendingConfirmation when appropriate. Confirming an empty trade
// is rejected. The PendingConfirmation -> Processing transition is owned by
// the orchestrator, which must perform it under both participants' locks.
func (s *TradeSession) SetConfirmation(userID string, value bool) error {
	if s.Status.IsTerminal() {
		return NewError(ErrSessionTerminal, "trade already finished")
	}
	if s.Status == StatusProcessing {
		return NewError(ErrAlreadyProcessing, "trade is being executed")
	}
	if !s.HasParticipant(userID) {
		return validationErr("user %s is not part of this trade", userID)
	}
	if value && len(s.Entries) == 0 {
		return validationErr("cannot confirm an empty trade")
	}

	s.Confirmations[userID] = value
	s.touch()

	if value && !s.BothConfirmed() {
		s.Status = StatusPendingConfirmation
	}
	if !value {
		s.Status = StatusActive
	}
	return nil
}

// beginProcessing performs the guarded PendingConfirmation -> Processing
// transition. Only one caller observing both confirmations and a
// still-pending status may advance; everyone else gets a conflict.
func (s *TradeSession) beginProcessing() error {
	if s.Status.IsTerminal() {
		return NewError(ErrSessionTerminal, "trade already finished")
	}
	if s.Status == StatusProcessing {
		return NewError(ErrAlreadyProcessing, "trade is being executed")
	}
	if s.Status != StatusPendingConfirmation || !s.BothConfirmed() {
		return validationErr("trade is not ready to execute")
	}
	s.Status = StatusProcessing
	s.touch()
	return nil
}

// finish moves the session into a terminal state.
func (s *TradeSession) finish(status SessionStatus) {
	s.Status = status
	s.touch()
}

func (s *TradeSession) resetConfirmations() {
	s.Confirmations[s.Player1ID] = false
	s.Confirmations[s.Player2ID] = false
	s.Status = StatusActive
	s.touch()
}

func (s *TradeSession) touch() {
	s.LastModifiedAt = time.Now().UTC()
}

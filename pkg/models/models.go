// Package models holds the wire-level request and response types of the
// tradecore API.
package models

import (
	"github.com/creatureworld/tradecore/internal/network"
	"github.com/creatureworld/tradecore/internal/trade"
)

// StartTradeRequest opens a session between two players.
type StartTradeRequest struct {
	Player1ID string `json:"player1_id" binding:"required"`
	Player2ID string `json:"player2_id" binding:"required"`
}

// StartTradeResponse carries the new session id.
type StartTradeResponse struct {
	SessionID string `json:"session_id"`
}

// MutateTradeRequest adds or removes one entry on behalf of the acting user.
type MutateTradeRequest struct {
	ActingUserID string `json:"acting_user_id" binding:"required"`
	Op           string `json:"op" binding:"required"` // "add" or "remove"

	EntryType      string  `json:"entry_type" binding:"required"`
	AssetRef       string  `json:"asset_ref,omitempty"`
	AssetValue     float64 `json:"asset_value,omitempty"`
	CurrencyAmount float64 `json:"currency_amount,omitempty"`
	TokenType      string  `json:"token_type,omitempty"`
	TokenCount     int64   `json:"token_count,omitempty"`
}

// ActorRequest identifies the acting participant for confirm/cancel calls.
type ActorRequest struct {
	ActingUserID string `json:"acting_user_id" binding:"required"`
}

// SessionResponse is a display snapshot of a trade session.
type SessionResponse struct {
	Session *trade.TradeSession `json:"session"`
}

// ConfirmResponse reports what a confirmation achieved.
type ConfirmResponse struct {
	Outcome string              `json:"outcome"`
	Reason  string              `json:"reason,omitempty"`
	Session *trade.TradeSession `json:"session"`
}

// NetworkResponse serializes a built graph as plain node/edge collections.
type NetworkResponse struct {
	WindowDays int                         `json:"window_days"`
	Nodes      []*network.TradeNetworkNode `json:"nodes"`
	Edges      []*network.TradeNetworkEdge `json:"edges"`
}

// ErrorResponse is the uniform error payload: a short human-readable reason
// plus enough structure for the UI to decide whether to offer a retry.
type ErrorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

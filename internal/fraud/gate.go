// Package fraud implements the synchronous pre-commit check that can veto an
// otherwise-ready trade.
package fraud

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/creatureworld/tradecore/internal/network"
	"github.com/creatureworld/tradecore/internal/trade"
)

// GateConfig tunes the fraud gate.
type GateConfig struct {
	// BlockThreshold is the pairwise relationship risk score at or above
	// which a trade is blocked outright.
	BlockThreshold float64 `yaml:"block_threshold" mapstructure:"block_threshold"`

	// EnablePatternCheck additionally runs the detectors over a bounded
	// user-centered graph before allowing the commit.
	EnablePatternCheck bool `yaml:"enable_pattern_check" mapstructure:"enable_pattern_check"`
	Hops               int  `yaml:"hops" mapstructure:"hops"`
	WindowDays         int  `yaml:"window_days" mapstructure:"window_days"`
}

// DefaultGateConfig returns the tuned defaults.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		BlockThreshold:     0.8,
		EnablePatternCheck: true,
		Hops:               2,
		WindowDays:         90,
	}
}

// RelationshipSource provides the pairwise risk lookup. The network
// aggregator is the production implementation.
type RelationshipSource interface {
	GetRelationship(ctx context.Context, userA, userB string) (*network.UserTradeRelationship, error)
}

// Gate combines pairwise relationship risk with hop-limited pattern
// detection into an allow/block decision. It runs synchronously between the
// second confirmation and the commit; a block is final.
type Gate struct {
	relationships RelationshipSource
	builder       *network.GraphBuilder
	patterns      *network.PatternService
	config        GateConfig
	logger        *zap.Logger
}

// NewGate creates a fraud gate. builder and patterns may be nil when
// EnablePatternCheck is off.
func NewGate(relationships RelationshipSource, builder *network.GraphBuilder, patterns *network.PatternService, config GateConfig, logger *zap.Logger) *Gate {
	return &Gate{
		relationships: relationships,
		builder:       builder,
		patterns:      patterns,
		config:        config,
		logger:        logger,
	}
}

// Evaluate decides whether the session may commit. Analysis infrastructure
// failures fail open with a warning: the gate blocks on evidence, not on
// outages.
func (g *Gate) Evaluate(ctx context.Context, session *trade.TradeSession) (trade.Decision, error) {
	rel, err := g.relationships.GetRelationship(ctx, session.Player1ID, session.Player2ID)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		// First trade between the pair; nothing pairwise to judge.
	case err != nil:
		g.logger.Warn("relationship lookup failed, allowing trade",
			zap.String("session_id", session.ID),
			zap.Error(err))
		return trade.Decision{Allowed: true}, nil
	default:
		if rel.RiskScore >= g.config.BlockThreshold {
			return trade.Decision{
				Allowed: false,
				Reason:  fmt.Sprintf("trading history between these accounts is flagged (risk %.2f)", rel.RiskScore),
			}, nil
		}
	}

	if !g.config.EnablePatternCheck || g.builder == nil || g.patterns == nil {
		return trade.Decision{Allowed: true}, nil
	}

	graph, err := g.builder.BuildUserCenteredNetwork(ctx, session.Player1ID, g.config.Hops, g.config.WindowDays)
	if err != nil {
		g.logger.Warn("bounded network build failed, allowing trade",
			zap.String("session_id", session.ID),
			zap.Error(err))
		return trade.Decision{Allowed: true}, nil
	}

	funnels, clusters, flows := g.patterns.DetectForGraph(graph)

	for _, f := range funnels {
		if f.TargetUserID == session.Player1ID || f.TargetUserID == session.Player2ID {
			return trade.Decision{
				Allowed: false,
				Reason:  "a participant is the target of suspected value funneling",
			}, nil
		}
	}
	for _, c := range clusters {
		if containsBoth(c.Members, session.Player1ID, session.Player2ID) {
			return trade.Decision{
				Allowed: false,
				Reason:  "both participants belong to a suspected coordinated account cluster",
			}, nil
		}
	}
	for _, f := range flows {
		if containsBoth(f.Participants, session.Player1ID, session.Player2ID) {
			return trade.Decision{
				Allowed: false,
				Reason:  "this trade would extend a suspected circular value flow",
			}, nil
		}
	}

	return trade.Decision{Allowed: true}, nil
}

func containsBoth(ids []string, a, b string) bool {
	var hasA, hasB bool
	for _, id := range ids {
		if id == a {
			hasA = true
		}
		if id == b {
			hasB = true
		}
	}
	return hasA && hasB
}

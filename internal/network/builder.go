package network

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/creatureworld/tradecore/internal/kvstore"
	"github.com/creatureworld/tradecore/internal/metrics"
)

// RelationshipReader is the read side of the relationship store the builder
// depends on. The Aggregator is the production implementation.
type RelationshipReader interface {
	ListSince(ctx context.Context, cutoff time.Time) ([]UserTradeRelationship, error)
	ListForUsers(ctx context.Context, userIDs []string, cutoff time.Time) ([]UserTradeRelationship, error)
}

// GraphBuilder materializes windowed trade network graphs from relationship
// rows, cache-first. A cache miss or an undecodable cached payload triggers a
// rebuild; both are normal, logged events rather than errors.
type GraphBuilder struct {
	relationships RelationshipReader
	cache         kvstore.Store
	logger        *zap.Logger
	metrics       *metrics.Metrics
	cacheTTL      time.Duration
	now           func() time.Time
}

// NewGraphBuilder creates a graph builder. m may be nil in tests.
func NewGraphBuilder(relationships RelationshipReader, cache kvstore.Store, logger *zap.Logger, m *metrics.Metrics, cacheTTL time.Duration) *GraphBuilder {
	return &GraphBuilder{
		relationships: relationships,
		cache:         cache,
		logger:        logger,
		metrics:       m,
		cacheTTL:      cacheTTL,
		now:           time.Now,
	}
}

// BuildFullNetwork returns the graph over every relationship whose last
// trade falls inside the window.
func (b *GraphBuilder) BuildFullNetwork(ctx context.Context, windowDays int) (*TradeNetworkGraph, error) {
	key := fmt.Sprintf("trade_network:days_%d", windowDays)
	if graph := b.cachedGraph(ctx, key); graph != nil {
		return graph, nil
	}

	cutoff := b.now().UTC().AddDate(0, 0, -windowDays)
	rels, err := b.relationships.ListSince(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("build full network: %w", err)
	}

	graph := b.assemble(rels, windowDays)
	b.cacheGraph(ctx, key, graph)
	if b.metrics != nil {
		b.metrics.GraphRebuilds.Inc()
	}
	return graph, nil
}

// BuildUserCenteredNetwork expands breadth-first from userID for the given
// number of hops through windowed relationship edges, then builds the graph
// restricted to the reached vertex set. Bounds analysis cost for single-trade
// checks.
func (b *GraphBuilder) BuildUserCenteredNetwork(ctx context.Context, userID string, hops, windowDays int) (*TradeNetworkGraph, error) {
	cutoff := b.now().UTC().AddDate(0, 0, -windowDays)

	visited := map[string]struct{}{userID: {}}
	frontier := []string{userID}

	for hop := 0; hop < hops && len(frontier) > 0; hop++ {
		rels, err := b.relationships.ListForUsers(ctx, frontier, cutoff)
		if err != nil {
			return nil, fmt.Errorf("expand user network at hop %d: %w", hop, err)
		}

		var next []string
		for _, rel := range rels {
			for _, endpoint := range []string{rel.User1ID, rel.User2ID} {
				if _, seen := visited[endpoint]; !seen {
					visited[endpoint] = struct{}{}
					next = append(next, endpoint)
				}
			}
		}
		sort.Strings(next)
		frontier = next
	}

	// Induce the subgraph over the reached vertex set. Querying once over
	// all visited ids also picks up edges between two users both first
	// reached at the final hop, which the expansion loop never lists.
	ids := make([]string, 0, len(visited))
	for id := range visited {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rows, err := b.relationships.ListForUsers(ctx, ids, cutoff)
	if err != nil {
		return nil, fmt.Errorf("induce user network for %s: %w", userID, err)
	}

	rels := make([]UserTradeRelationship, 0, len(rows))
	for _, rel := range rows {
		_, ok1 := visited[rel.User1ID]
		_, ok2 := visited[rel.User2ID]
		if ok1 && ok2 {
			rels = append(rels, rel)
		}
	}
	sort.Slice(rels, func(i, j int) bool {
		if rels[i].User1ID != rels[j].User1ID {
			return rels[i].User1ID < rels[j].User1ID
		}
		return rels[i].User2ID < rels[j].User2ID
	})

	graph := b.assemble(rels, windowDays)
	if _, ok := graph.Nodes[userID]; !ok && len(graph.Nodes) == 0 {
		// The user traded with nobody in the window; still report the node.
		graph.Nodes[userID] = &TradeNetworkNode{
			UserID:         userID,
			AccountAgeDays: AccountAgeDays(userID, b.now().UTC()),
		}
	}
	return graph, nil
}

// assemble derives nodes and dominant-direction edges from relationship rows.
func (b *GraphBuilder) assemble(rels []UserTradeRelationship, windowDays int) *TradeNetworkGraph {
	now := b.now().UTC()
	graph := &TradeNetworkGraph{
		WindowDays:  windowDays,
		GeneratedAt: now,
		Nodes:       make(map[string]*TradeNetworkNode),
		Edges:       make([]*TradeNetworkEdge, 0, len(rels)),
	}

	node := func(userID string) *TradeNetworkNode {
		n, ok := graph.Nodes[userID]
		if !ok {
			n = &TradeNetworkNode{
				UserID:         userID,
				AccountAgeDays: AccountAgeDays(userID, now),
			}
			graph.Nodes[userID] = n
		}
		return n
	}

	for _, rel := range rels {
		given1, _ := rel.User1GivenValue.Float64()
		given2, _ := rel.User2GivenValue.Float64()

		// The edge points from whoever gave more toward the other.
		from, to := rel.User1ID, rel.User2ID
		if given2 > given1 {
			from, to = rel.User2ID, rel.User1ID
		}

		edge := &TradeNetworkEdge{
			FromUserID:          from,
			ToUserID:            to,
			TradeCount:          rel.TotalTrades,
			TotalValue:          given1 + given2,
			ValueImbalanceRatio: rel.ValueImbalanceRatio,
			RiskScore:           rel.RiskScore,
			FirstTradeTime:      rel.FirstTradeAt,
			LastTradeTime:       rel.LastTradeAt,
			IsSuspicious:        rel.RiskScore > suspiciousEdgeRisk || rel.SuspectedAltPair || rel.SuspectedRMT || rel.SuspectedNewbieExploit,
		}
		graph.Edges = append(graph.Edges, edge)

		n1 := node(rel.User1ID)
		n1.TotalTrades += rel.TotalTrades
		n1.TotalValueGiven += given1
		n1.TotalValueReceived += given2
		if rel.RiskScore > n1.RiskScore {
			n1.RiskScore = rel.RiskScore
		}

		n2 := node(rel.User2ID)
		n2.TotalTrades += rel.TotalTrades
		n2.TotalValueGiven += given2
		n2.TotalValueReceived += given1
		if rel.RiskScore > n2.RiskScore {
			n2.RiskScore = rel.RiskScore
		}
	}

	sort.Slice(graph.Edges, func(i, j int) bool {
		if graph.Edges[i].FromUserID != graph.Edges[j].FromUserID {
			return graph.Edges[i].FromUserID < graph.Edges[j].FromUserID
		}
		return graph.Edges[i].ToUserID < graph.Edges[j].ToUserID
	})
	return graph
}

// cachedGraph loads a cached graph, treating a decode failure as a miss.
func (b *GraphBuilder) cachedGraph(ctx context.Context, key string) *TradeNetworkGraph {
	data, err := b.cache.Get(ctx, key)
	if err != nil {
		if err != kvstore.ErrNotFound {
			b.logger.Warn("graph cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil
	}

	var graph TradeNetworkGraph
	if err := json.Unmarshal(data, &graph); err != nil {
		b.logger.Warn("discarding undecodable cached graph, rebuilding",
			zap.String("key", key),
			zap.Error(err))
		return nil
	}
	if b.metrics != nil {
		b.metrics.CacheHits.Inc()
	}
	return &graph
}

func (b *GraphBuilder) cacheGraph(ctx context.Context, key string, graph *TradeNetworkGraph) {
	data, err := json.Marshal(graph)
	if err != nil {
		b.logger.Warn("failed to encode graph for cache", zap.String("key", key), zap.Error(err))
		return
	}
	if err := b.cache.Set(ctx, key, data, b.cacheTTL); err != nil {
		b.logger.Warn("failed to cache graph", zap.String("key", key), zap.Error(err))
	}
}

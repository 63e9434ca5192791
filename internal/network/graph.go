package network

import (
	"sort"
	"time"
)

// suspiciousEdgeRisk is the edge risk score above which an edge is marked
// suspicious and participates in cluster and circular-flow detection.
const suspiciousEdgeRisk = 0.3

// TradeNetworkNode is one user in the windowed trade graph, with aggregate
// stats summed over its incident edges.
type TradeNetworkNode struct {
	UserID             string  `json:"user_id"`
	AccountAgeDays     int     `json:"account_age_days"`
	TotalTrades        int64   `json:"total_trades"`
	TotalValueGiven    float64 `json:"total_value_given"`
	TotalValueReceived float64 `json:"total_value_received"`
	RiskScore          float64 `json:"risk_score"`
}

// TradeNetworkEdge is the dominant-direction projection of one relationship:
// it points from the side that gave more value toward the other.
type TradeNetworkEdge struct {
	FromUserID          string    `json:"from_user_id"`
	ToUserID            string    `json:"to_user_id"`
	TradeCount          int64     `json:"trade_count"`
	TotalValue          float64   `json:"total_value"`
	ValueImbalanceRatio float64   `json:"value_imbalance_ratio"`
	RiskScore           float64   `json:"risk_score"`
	FirstTradeTime      time.Time `json:"first_trade_time"`
	LastTradeTime       time.Time `json:"last_trade_time"`
	IsSuspicious        bool      `json:"is_suspicious"`
}

// TradeNetworkGraph is the ephemeral, time-windowed analysis artifact.
// Regenerated deterministically from relationship rows; cached, never
// persisted beyond its TTL.
type TradeNetworkGraph struct {
	WindowDays  int                          `json:"window_days"`
	GeneratedAt time.Time                    `json:"generated_at"`
	Nodes       map[string]*TradeNetworkNode `json:"nodes"`
	Edges       []*TradeNetworkEdge          `json:"edges"`
}

// NodeIDs returns the node ids in ascending order. Detectors iterate this
// instead of the map so results are deterministic.
func (g *TradeNetworkGraph) NodeIDs() []string {
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IncomingEdges returns the edges pointing at userID.
func (g *TradeNetworkGraph) IncomingEdges(userID string) []*TradeNetworkEdge {
	var edges []*TradeNetworkEdge
	for _, e := range g.Edges {
		if e.ToUserID == userID {
			edges = append(edges, e)
		}
	}
	return edges
}

// OutgoingEdges returns the edges leaving userID.
func (g *TradeNetworkGraph) OutgoingEdges(userID string) []*TradeNetworkEdge {
	var edges []*TradeNetworkEdge
	for _, e := range g.Edges {
		if e.FromUserID == userID {
			edges = append(edges, e)
		}
	}
	return edges
}

// riskAdjacency builds an undirected adjacency map restricted to edges with
// riskScore above the given threshold. Neighbor lists are sorted.
func (g *TradeNetworkGraph) riskAdjacency(minRisk float64) map[string][]string {
	adj := make(map[string][]string)
	for _, e := range g.Edges {
		if e.RiskScore <= minRisk {
			continue
		}
		adj[e.FromUserID] = append(adj[e.FromUserID], e.ToUserID)
		adj[e.ToUserID] = append(adj[e.ToUserID], e.FromUserID)
	}
	for id := range adj {
		sort.Strings(adj[id])
	}
	return adj
}

// riskOutAdjacency builds a directed adjacency map over risk-filtered edges
// used by the circular-flow search. Neighbor lists are sorted.
func (g *TradeNetworkGraph) riskOutAdjacency(minRisk float64) map[string][]string {
	adj := make(map[string][]string)
	for _, e := range g.Edges {
		if e.RiskScore <= minRisk {
			continue
		}
		adj[e.FromUserID] = append(adj[e.FromUserID], e.ToUserID)
	}
	for id := range adj {
		sort.Strings(adj[id])
	}
	return adj
}

// edgeBetween returns the edge connecting a and b in either direction.
func (g *TradeNetworkGraph) edgeBetween(a, b string) *TradeNetworkEdge {
	for _, e := range g.Edges {
		if (e.FromUserID == a && e.ToUserID == b) || (e.FromUserID == b && e.ToUserID == a) {
			return e
		}
	}
	return nil
}

package network

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DetectionConfig tunes the pattern detectors. Thresholds are empirically
// chosen starting points and deliberately configurable.
type DetectionConfig struct {
	// Funnel detection.
	FunnelMinSources      int     `yaml:"funnel_min_sources" mapstructure:"funnel_min_sources"`
	FunnelHighValue       float64 `yaml:"funnel_high_value" mapstructure:"funnel_high_value"`
	FunnelManySources     int     `yaml:"funnel_many_sources" mapstructure:"funnel_many_sources"`
	FunnelLowAvgValue     float64 `yaml:"funnel_low_avg_value" mapstructure:"funnel_low_avg_value"`
	FunnelScoreThreshold  float64 `yaml:"funnel_score_threshold" mapstructure:"funnel_score_threshold"`
	HighImbalanceRatio    float64 `yaml:"high_imbalance_ratio" mapstructure:"high_imbalance_ratio"`
	YoungAccountDays      int     `yaml:"young_account_days" mapstructure:"young_account_days"`

	// Cluster detection.
	MinClusterSize        int     `yaml:"min_cluster_size" mapstructure:"min_cluster_size"`
	ClusterCreationSpan   int     `yaml:"cluster_creation_span_days" mapstructure:"cluster_creation_span_days"`
	ClusterInternalRatio  float64 `yaml:"cluster_internal_ratio" mapstructure:"cluster_internal_ratio"`
	ClusterRegularityCV   float64 `yaml:"cluster_regularity_cv" mapstructure:"cluster_regularity_cv"`
	ClusterScoreThreshold float64 `yaml:"cluster_score_threshold" mapstructure:"cluster_score_threshold"`

	// Circular-flow detection.
	MaxPathLength          int     `yaml:"max_path_length" mapstructure:"max_path_length"`
	CircularSpanHours      float64 `yaml:"circular_span_hours" mapstructure:"circular_span_hours"`
	CircularHighValue      float64 `yaml:"circular_high_value" mapstructure:"circular_high_value"`
	CircularScoreThreshold float64 `yaml:"circular_score_threshold" mapstructure:"circular_score_threshold"`

	// Shared risk-filter applied before cluster and cycle traversal.
	RiskEdgeThreshold float64 `yaml:"risk_edge_threshold" mapstructure:"risk_edge_threshold"`
}

// DefaultDetectionConfig returns the tuned defaults.
func DefaultDetectionConfig() DetectionConfig {
	return DetectionConfig{
		FunnelMinSources:       3,
		FunnelHighValue:        50000,
		FunnelManySources:      5,
		FunnelLowAvgValue:      1000,
		FunnelScoreThreshold:   0.7,
		HighImbalanceRatio:     3.0,
		YoungAccountDays:       30,
		MinClusterSize:         3,
		ClusterCreationSpan:    7,
		ClusterInternalRatio:   0.8,
		ClusterRegularityCV:    0.25,
		ClusterScoreThreshold:  0.6,
		MaxPathLength:          5,
		CircularSpanHours:      24,
		CircularHighValue:      25000,
		CircularScoreThreshold: 0.8,
		RiskEdgeThreshold:      suspiciousEdgeRisk,
	}
}

// =======================
// FUNNEL DETECTOR
// =======================

// FunnelPattern reports many accounts disproportionately feeding value
// toward one account. Immutable once produced.
type FunnelPattern struct {
	TargetUserID   string    `json:"target_user_id"`
	SourceUserIDs  []string  `json:"source_user_ids"`
	TotalValue     float64   `json:"total_value"`
	SuspicionScore float64   `json:"suspicion_score"`
	Reasons        []string  `json:"reasons"`
	DetectedAt     time.Time `json:"detected_at"`
}

// FunnelDetector flags value-funneling targets on a built graph.
type FunnelDetector struct {
	config DetectionConfig
	logger *zap.SugaredLogger
}

// NewFunnelDetector creates a funnel detector.
func NewFunnelDetector(config DetectionConfig, logger *zap.SugaredLogger) *FunnelDetector {
	return &FunnelDetector{config: config, logger: logger}
}

// Detect scores every node's incoming edge set against four indicators and
// emits a pattern when at least the configured share triggers. Pure function
// of the graph; results ordered by suspicion, then target id.
func (fd *FunnelDetector) Detect(graph *TradeNetworkGraph) []*FunnelPattern {
	var patterns []*FunnelPattern
	now := graph.GeneratedAt

	for _, targetID := range graph.NodeIDs() {
		incoming := graph.IncomingEdges(targetID)
		if len(incoming) < fd.config.FunnelMinSources {
			continue
		}

		var totalValue float64
		var highImbalance int
		var youngSources int
		sources := make([]string, 0, len(incoming))

		for _, edge := range incoming {
			sources = append(sources, edge.FromUserID)
			totalValue += edge.TotalValue
			if edge.ValueImbalanceRatio > fd.config.HighImbalanceRatio {
				highImbalance++
			}
			if AccountAgeDays(edge.FromUserID, now) < fd.config.YoungAccountDays {
				youngSources++
			}
		}
		sort.Strings(sources)
		avgValue := totalValue / float64(len(incoming))

		var triggered int
		var reasons []string

		if totalValue > fd.config.FunnelHighValue {
			triggered++
			reasons = append(reasons, fmt.Sprintf("total incoming value %.0f exceeds %.0f", totalValue, fd.config.FunnelHighValue))
		}
		if len(incoming) >= fd.config.FunnelManySources && avgValue < fd.config.FunnelLowAvgValue {
			triggered++
			reasons = append(reasons, fmt.Sprintf("%d sources each contributing little on average", len(incoming)))
		}
		if youngSources*2 > len(incoming) {
			triggered++
			reasons = append(reasons, fmt.Sprintf("%d of %d sources are accounts younger than %d days", youngSources, len(incoming), fd.config.YoungAccountDays))
		}
		if float64(highImbalance) > 0.7*float64(len(incoming)) {
			triggered++
			reasons = append(reasons, fmt.Sprintf("%d of %d incoming edges have imbalance above %.1f", highImbalance, len(incoming), fd.config.HighImbalanceRatio))
		}

		score := float64(triggered) / 4.0
		if score < fd.config.FunnelScoreThreshold {
			continue
		}

		patterns = append(patterns, &FunnelPattern{
			TargetUserID:   targetID,
			SourceUserIDs:  sources,
			TotalValue:     totalValue,
			SuspicionScore: score,
			Reasons:        reasons,
			DetectedAt:     now,
		})
	}

	sortByScore(patterns, func(p *FunnelPattern) (float64, string) { return p.SuspicionScore, p.TargetUserID })
	if len(patterns) > 0 {
		fd.logger.Infow("funnel patterns detected", "count", len(patterns))
	}
	return patterns
}

// =======================
// CLUSTER DETECTOR
// =======================

// AccountCluster reports a group of accounts whose mutual trading and
// creation timing suggest coordination.
type AccountCluster struct {
	Members           []string  `json:"members"`
	InternalEdgeRatio float64   `json:"internal_edge_ratio"`
	CreationSpanDays  float64   `json:"creation_span_days"`
	SuspicionScore    float64   `json:"suspicion_score"`
	Reasons           []string  `json:"reasons"`
	DetectedAt        time.Time `json:"detected_at"`
}

// ClusterDetector finds colluding account groups via connected components
// over risk-filtered edges.
type ClusterDetector struct {
	config DetectionConfig
	logger *zap.SugaredLogger
}

// NewClusterDetector creates a cluster detector.
func NewClusterDetector(config DetectionConfig, logger *zap.SugaredLogger) *ClusterDetector {
	return &ClusterDetector{config: config, logger: logger}
}

// Detect restricts the graph to risky edges, finds connected components by
// depth-first traversal and scores each surviving component on four
// coordination indicators.
func (cd *ClusterDetector) Detect(graph *TradeNetworkGraph) []*AccountCluster {
	adj := graph.riskAdjacency(cd.config.RiskEdgeThreshold)

	members := make([]string, 0, len(adj))
	for id := range adj {
		members = append(members, id)
	}
	sort.Strings(members)

	visited := make(map[string]bool)
	var clusters []*AccountCluster

	for _, start := range members {
		if visited[start] {
			continue
		}

		// Iterative DFS over the filtered edge set.
		component := []string{}
		stack := []string{start}
		visited[start] = true
		for len(stack) > 0 {
			node := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			component = append(component, node)
			for _, neighbor := range adj[node] {
				if !visited[neighbor] {
					visited[neighbor] = true
					stack = append(stack, neighbor)
				}
			}
		}

		if len(component) < cd.config.MinClusterSize {
			continue
		}
		sort.Strings(component)

		if cluster := cd.scoreComponent(graph, component); cluster != nil {
			clusters = append(clusters, cluster)
		}
	}

	sortByScore(clusters, func(c *AccountCluster) (float64, string) { return c.SuspicionScore, strings.Join(c.Members, ",") })
	if len(clusters) > 0 {
		cd.logger.Infow("account clusters detected", "count", len(clusters))
	}
	return clusters
}

func (cd *ClusterDetector) scoreComponent(graph *TradeNetworkGraph, component []string) *AccountCluster {
	now := graph.GeneratedAt
	inComponent := make(map[string]bool, len(component))
	for _, id := range component {
		inComponent[id] = true
	}

	// Internal-edge ratio: edges with both endpoints inside, over all edges
	// touching the component.
	var internal, touching int
	var tradeTimes []time.Time
	for _, e := range graph.Edges {
		fromIn, toIn := inComponent[e.FromUserID], inComponent[e.ToUserID]
		if !fromIn && !toIn {
			continue
		}
		touching++
		if fromIn && toIn {
			internal++
			tradeTimes = append(tradeTimes, e.FirstTradeTime, e.LastTradeTime)
		}
	}
	internalRatio := 0.0
	if touching > 0 {
		internalRatio = float64(internal) / float64(touching)
	}

	// Creation-time span across members.
	var earliest, latest time.Time
	var young int
	for _, id := range component {
		createdAt, err := AccountCreatedAt(id)
		if err != nil {
			continue
		}
		if earliest.IsZero() || createdAt.Before(earliest) {
			earliest = createdAt
		}
		if latest.IsZero() || createdAt.After(latest) {
			latest = createdAt
		}
		if AccountAgeDays(id, now) < cd.config.YoungAccountDays {
			young++
		}
	}
	creationSpanDays := 0.0
	if !earliest.IsZero() {
		creationSpanDays = latest.Sub(earliest).Hours() / 24
	}

	var triggered int
	var reasons []string

	if !earliest.IsZero() && creationSpanDays <= float64(cd.config.ClusterCreationSpan) {
		triggered++
		reasons = append(reasons, fmt.Sprintf("all accounts created within %.1f days of each other", creationSpanDays))
	}
	if internalRatio > cd.config.ClusterInternalRatio {
		triggered++
		reasons = append(reasons, fmt.Sprintf("%.0f%% of the group's trading stays inside the group", internalRatio*100))
	}
	if cv, ok := intervalVariation(tradeTimes); ok && cv < cd.config.ClusterRegularityCV {
		triggered++
		reasons = append(reasons, "trade timing is unusually regular")
	}
	if young*2 > len(component) {
		triggered++
		reasons = append(reasons, fmt.Sprintf("%d of %d members are accounts younger than %d days", young, len(component), cd.config.YoungAccountDays))
	}

	score := float64(triggered) / 4.0
	if score < cd.config.ClusterScoreThreshold {
		return nil
	}

	return &AccountCluster{
		Members:           component,
		InternalEdgeRatio: internalRatio,
		CreationSpanDays:  creationSpanDays,
		SuspicionScore:    score,
		Reasons:           reasons,
		DetectedAt:        now,
	}
}

// intervalVariation computes the coefficient of variation of the gaps
// between sorted trade times. Returns false when fewer than three samples.
func intervalVariation(times []time.Time) (float64, bool) {
	if len(times) < 3 {
		return 0, false
	}
	sorted := make([]time.Time, len(times))
	copy(sorted, times)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	var intervals []float64
	for i := 1; i < len(sorted); i++ {
		gap := sorted[i].Sub(sorted[i-1]).Seconds()
		if gap > 0 {
			intervals = append(intervals, gap)
		}
	}
	if len(intervals) < 2 {
		return 0, false
	}

	mean := 0.0
	for _, v := range intervals {
		mean += v
	}
	mean /= float64(len(intervals))
	if mean == 0 {
		return 0, false
	}

	variance := 0.0
	for _, v := range intervals {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(intervals))

	return math.Sqrt(variance) / mean, true
}

// =======================
// CIRCULAR-FLOW DETECTOR
// =======================

// CircularFlow reports a cycle of trades returning value to its origin.
type CircularFlow struct {
	Participants   []string  `json:"participants"`
	TotalValue     float64   `json:"total_value"`
	SpanHours      float64   `json:"span_hours"`
	SuspicionScore float64   `json:"suspicion_score"`
	Reasons        []string  `json:"reasons"`
	DetectedAt     time.Time `json:"detected_at"`
}

// CircularFlowDetector enumerates bounded-depth cycles over risk-filtered
// directed edges.
type CircularFlowDetector struct {
	config DetectionConfig
	logger *zap.SugaredLogger
}

// NewCircularFlowDetector creates a circular-flow detector.
func NewCircularFlowDetector(config DetectionConfig, logger *zap.SugaredLogger) *CircularFlowDetector {
	return &CircularFlowDetector{config: config, logger: logger}
}

// Detect runs a depth-first search from every node, recording a cycle when a
// neighbor equals the start and the path holds at least three nodes.
// Rotations and reflections of the same vertex set collapse to one result.
func (cfd *CircularFlowDetector) Detect(graph *TradeNetworkGraph) []*CircularFlow {
	adj := graph.riskOutAdjacency(cfd.config.RiskEdgeThreshold)

	seen := make(map[string]bool)
	var flows []*CircularFlow

	for _, start := range graph.NodeIDs() {
		path := []string{start}
		onPath := map[string]bool{start: true}
		cfd.search(graph, adj, start, path, onPath, seen, &flows)
	}

	sortByScore(flows, func(f *CircularFlow) (float64, string) { return f.SuspicionScore, strings.Join(f.Participants, ",") })
	if len(flows) > 0 {
		cfd.logger.Infow("circular flows detected", "count", len(flows))
	}
	return flows
}

func (cfd *CircularFlowDetector) search(
	graph *TradeNetworkGraph,
	adj map[string][]string,
	start string,
	path []string,
	onPath map[string]bool,
	seen map[string]bool,
	flows *[]*CircularFlow,
) {
	current := path[len(path)-1]
	for _, neighbor := range adj[current] {
		if neighbor == start && len(path) >= 3 {
			key := cycleKey(path)
			if seen[key] {
				continue
			}
			seen[key] = true
			if flow := cfd.scoreCycle(graph, path); flow != nil {
				*flows = append(*flows, flow)
			}
			continue
		}
		if onPath[neighbor] || len(path) >= cfd.config.MaxPathLength {
			continue
		}
		onPath[neighbor] = true
		cfd.search(graph, adj, start, append(path, neighbor), onPath, seen, flows)
		delete(onPath, neighbor)
	}
}

func (cfd *CircularFlowDetector) scoreCycle(graph *TradeNetworkGraph, cycle []string) *CircularFlow {
	now := graph.GeneratedAt

	var totalValue float64
	var earliest, latest time.Time
	for i := range cycle {
		from := cycle[i]
		to := cycle[(i+1)%len(cycle)]
		edge := graph.edgeBetween(from, to)
		if edge == nil {
			continue
		}
		totalValue += edge.TotalValue
		if earliest.IsZero() || edge.FirstTradeTime.Before(earliest) {
			earliest = edge.FirstTradeTime
		}
		if latest.IsZero() || edge.LastTradeTime.After(latest) {
			latest = edge.LastTradeTime
		}
	}

	spanHours := 0.0
	if !earliest.IsZero() {
		spanHours = latest.Sub(earliest).Hours()
	}

	var young int
	for _, id := range cycle {
		if AccountAgeDays(id, now) < cfd.config.YoungAccountDays {
			young++
		}
	}

	var triggered int
	var reasons []string

	if !earliest.IsZero() && spanHours < cfd.config.CircularSpanHours {
		triggered++
		reasons = append(reasons, fmt.Sprintf("entire cycle completed within %.1f hours", spanHours))
	}
	if totalValue > cfd.config.CircularHighValue {
		triggered++
		reasons = append(reasons, fmt.Sprintf("cycled value %.0f exceeds %.0f", totalValue, cfd.config.CircularHighValue))
	}
	if young*2 > len(cycle) {
		triggered++
		reasons = append(reasons, fmt.Sprintf("%d of %d participants are new accounts", young, len(cycle)))
	}

	score := float64(triggered) / 3.0
	if score < cfd.config.CircularScoreThreshold {
		return nil
	}

	participants := make([]string, len(cycle))
	copy(participants, cycle)

	return &CircularFlow{
		Participants:   participants,
		TotalValue:     totalValue,
		SpanHours:      spanHours,
		SuspicionScore: score,
		Reasons:        reasons,
		DetectedAt:     now,
	}
}

// cycleKey builds a direction- and rotation-independent identity for a cycle
// from its sorted vertex set.
func cycleKey(cycle []string) string {
	sorted := make([]string, len(cycle))
	copy(sorted, cycle)
	sort.Strings(sorted)
	return strings.Join(sorted, "|")
}

// sortByScore orders results by descending suspicion, breaking ties on a
// stable string key so identical graphs always present identically.
func sortByScore[T any](items []T, key func(T) (float64, string)) {
	sort.Slice(items, func(i, j int) bool {
		si, ki := key(items[i])
		sj, kj := key(items[j])
		if si != sj {
			return si > sj
		}
		return ki < kj
	})
}

package network

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/creatureworld/tradecore/internal/kvstore"
	"github.com/creatureworld/tradecore/internal/metrics"
)

// PatternService runs the detectors over freshly built graphs and caches the
// result lists by (windowDays, parameters). Cached payloads that fail to
// decode are rebuilt, never surfaced as errors.
type PatternService struct {
	builder  *GraphBuilder
	funnel   *FunnelDetector
	clusters *ClusterDetector
	circular *CircularFlowDetector
	cache    kvstore.Store
	logger   *zap.Logger
	metrics  *metrics.Metrics
	cacheTTL time.Duration
}

// NewPatternService wires the detectors over a graph builder. m may be nil.
func NewPatternService(builder *GraphBuilder, cfg DetectionConfig, cache kvstore.Store, logger *zap.Logger, m *metrics.Metrics, cacheTTL time.Duration) *PatternService {
	sugar := logger.Sugar()
	return &PatternService{
		builder:  builder,
		funnel:   NewFunnelDetector(cfg, sugar),
		clusters: NewClusterDetector(cfg, sugar),
		circular: NewCircularFlowDetector(cfg, sugar),
		cache:    cache,
		logger:   logger,
		metrics:  m,
		cacheTTL: cacheTTL,
	}
}

// FunnelPatterns returns windowed funnel patterns ordered by suspicion.
func (ps *PatternService) FunnelPatterns(ctx context.Context, windowDays, minSources int) ([]*FunnelPattern, error) {
	key := fmt.Sprintf("funnel_patterns:days_%d:min_%d", windowDays, minSources)
	var cached []*FunnelPattern
	if ps.loadCached(ctx, key, &cached) {
		return cached, nil
	}

	graph, err := ps.builder.BuildFullNetwork(ctx, windowDays)
	if err != nil {
		return nil, err
	}

	detector := ps.funnel
	if minSources > 0 && minSources != detector.config.FunnelMinSources {
		cfg := detector.config
		cfg.FunnelMinSources = minSources
		detector = NewFunnelDetector(cfg, detector.logger)
	}

	ps.countRun("funnel")
	patterns := detector.Detect(graph)
	ps.countFound("funnel", len(patterns))
	ps.storeCached(ctx, key, patterns)
	return patterns, nil
}

// AccountClusters returns windowed account clusters ordered by suspicion.
func (ps *PatternService) AccountClusters(ctx context.Context, windowDays int) ([]*AccountCluster, error) {
	key := fmt.Sprintf("account_clusters:days_%d", windowDays)
	var cached []*AccountCluster
	if ps.loadCached(ctx, key, &cached) {
		return cached, nil
	}

	graph, err := ps.builder.BuildFullNetwork(ctx, windowDays)
	if err != nil {
		return nil, err
	}

	ps.countRun("cluster")
	clusters := ps.clusters.Detect(graph)
	ps.countFound("cluster", len(clusters))
	ps.storeCached(ctx, key, clusters)
	return clusters, nil
}

// CircularFlows returns windowed circular flows ordered by suspicion.
func (ps *PatternService) CircularFlows(ctx context.Context, windowDays, maxPathLength int) ([]*CircularFlow, error) {
	key := fmt.Sprintf("circular_flows:days_%d:depth_%d", windowDays, maxPathLength)
	var cached []*CircularFlow
	if ps.loadCached(ctx, key, &cached) {
		return cached, nil
	}

	graph, err := ps.builder.BuildFullNetwork(ctx, windowDays)
	if err != nil {
		return nil, err
	}

	detector := ps.circular
	if maxPathLength > 0 && maxPathLength != detector.config.MaxPathLength {
		cfg := detector.config
		cfg.MaxPathLength = maxPathLength
		detector = NewCircularFlowDetector(cfg, detector.logger)
	}

	ps.countRun("circular")
	flows := detector.Detect(graph)
	ps.countFound("circular", len(flows))
	ps.storeCached(ctx, key, flows)
	return flows, nil
}

// DetectForGraph runs all three detectors over an already-built graph
// without caching. Used by the fraud gate's bounded per-trade check.
func (ps *PatternService) DetectForGraph(graph *TradeNetworkGraph) ([]*FunnelPattern, []*AccountCluster, []*CircularFlow) {
	ps.countRun("funnel")
	ps.countRun("cluster")
	ps.countRun("circular")
	return ps.funnel.Detect(graph), ps.clusters.Detect(graph), ps.circular.Detect(graph)
}

func (ps *PatternService) loadCached(ctx context.Context, key string, out interface{}) bool {
	data, err := ps.cache.Get(ctx, key)
	if err != nil {
		if err != kvstore.ErrNotFound {
			ps.logger.Warn("pattern cache read failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		ps.logger.Warn("discarding undecodable cached patterns, recomputing",
			zap.String("key", key),
			zap.Error(err))
		return false
	}
	return true
}

func (ps *PatternService) storeCached(ctx context.Context, key string, value interface{}) {
	data, err := json.Marshal(value)
	if err != nil {
		ps.logger.Warn("failed to encode patterns for cache", zap.String("key", key), zap.Error(err))
		return
	}
	if err := ps.cache.Set(ctx, key, data, ps.cacheTTL); err != nil {
		ps.logger.Warn("failed to cache patterns", zap.String("key", key), zap.Error(err))
	}
}

func (ps *PatternService) countRun(detector string) {
	if ps.metrics != nil {
		ps.metrics.DetectorRuns.WithLabelValues(detector).Inc()
	}
}

func (ps *PatternService) countFound(detector string, n int) {
	if ps.metrics != nil && n > 0 {
		ps.metrics.PatternsFound.WithLabelValues(detector).Add(float64(n))
	}
}

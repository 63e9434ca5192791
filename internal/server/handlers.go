package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/creatureworld/tradecore/internal/network"
	"github.com/creatureworld/tradecore/internal/trade"
	"github.com/creatureworld/tradecore/pkg/models"
)

func (s *Server) startTrade(c *gin.Context) {
	var req models.StartTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}

	sessionID, err := s.orchestrator.CreateSession(c.Request.Context(), req.Player1ID, req.Player2ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.StartTradeResponse{SessionID: sessionID})
}

func (s *Server) getTrade(c *gin.Context) {
	session, err := s.orchestrator.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SessionResponse{Session: session})
}

func (s *Server) mutateTrade(c *gin.Context) {
	var req models.MutateTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}

	entry, err := s.entryFromRequest(req)
	if err != nil {
		s.writeError(c, err)
		return
	}

	var session *trade.TradeSession
	switch req.Op {
	case "add":
		session, err = s.orchestrator.AddEntry(c.Request.Context(), c.Param("id"), req.ActingUserID, entry)
	case "remove":
		session, err = s.orchestrator.RemoveEntry(c.Request.Context(), c.Param("id"), req.ActingUserID, entry)
	default:
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "op must be add or remove"})
		return
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SessionResponse{Session: session})
}

func (s *Server) entryFromRequest(req models.MutateTradeRequest) (trade.TradeEntry, error) {
	switch trade.EntryType(req.EntryType) {
	case trade.EntryTypeAsset:
		return trade.NewAssetEntry(req.ActingUserID, req.AssetRef, decimal.NewFromFloat(req.AssetValue)), nil
	case trade.EntryTypeCurrency:
		return trade.NewCurrencyEntry(req.ActingUserID, decimal.NewFromFloat(req.CurrencyAmount)), nil
	case trade.EntryTypeToken:
		return trade.NewTokenEntry(req.ActingUserID, req.TokenType, req.TokenCount, decimal.NewFromFloat(s.tokenValue)), nil
	default:
		return trade.TradeEntry{}, trade.NewError(trade.ErrValidation, "unknown entry type")
	}
}

func (s *Server) confirmTrade(c *gin.Context) {
	var req models.ActorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}

	result, err := s.orchestrator.Confirm(c.Request.Context(), c.Param("id"), req.ActingUserID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.ConfirmResponse{
		Outcome: string(result.Outcome),
		Reason:  result.Reason,
		Session: result.Session,
	})
}

func (s *Server) cancelTrade(c *gin.Context) {
	var req models.ActorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}

	if err := s.orchestrator.Cancel(c.Request.Context(), c.Param("id"), req.ActingUserID); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (s *Server) recoverLocks(c *gin.Context) {
	if err := s.orchestrator.RecoverOrphanedLocks(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getNetwork(c *gin.Context) {
	windowDays := intQuery(c, "days", 30)
	graph, err := s.builder.BuildFullNetwork(c.Request.Context(), windowDays)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.networkResponse(c, graph))
}

func (s *Server) getUserNetwork(c *gin.Context) {
	windowDays := intQuery(c, "days", 30)
	hops := intQuery(c, "hops", 2)
	graph, err := s.builder.BuildUserCenteredNetwork(c.Request.Context(), c.Param("id"), hops, windowDays)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.networkResponse(c, graph))
}

// networkResponse flattens a graph, applying the optional min_risk_score /
// min_total_value query filters through the edge-filter evaluator.
func (s *Server) networkResponse(c *gin.Context, graph *network.TradeNetworkGraph) models.NetworkResponse {
	var filters []network.EdgeFilter
	if v, ok := floatQuery(c, "min_risk_score"); ok {
		filters = append(filters, network.Compare{Field: network.FieldRiskScore, Op: network.OpGte, Value: v})
	}
	if v, ok := floatQuery(c, "min_total_value"); ok {
		filters = append(filters, network.Compare{Field: network.FieldTotalValue, Op: network.OpGte, Value: v})
	}

	edges := graph.Edges
	if len(filters) > 0 {
		edges = network.FilterEdges(graph, network.And{Filters: filters})
	}

	nodes := make([]*network.TradeNetworkNode, 0, len(graph.Nodes))
	for _, id := range graph.NodeIDs() {
		nodes = append(nodes, graph.Nodes[id])
	}

	return models.NetworkResponse{
		WindowDays: graph.WindowDays,
		Nodes:      nodes,
		Edges:      edges,
	}
}

func (s *Server) getFunnelPatterns(c *gin.Context) {
	patterns, err := s.patterns.FunnelPatterns(c.Request.Context(), intQuery(c, "days", 30), intQuery(c, "min_sources", 0))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"patterns": patterns})
}

func (s *Server) getAccountClusters(c *gin.Context) {
	clusters, err := s.patterns.AccountClusters(c.Request.Context(), intQuery(c, "days", 30))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"clusters": clusters})
}

func (s *Server) getCircularFlows(c *gin.Context) {
	flows, err := s.patterns.CircularFlows(c.Request.Context(), intQuery(c, "days", 30), intQuery(c, "max_path_length", 0))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"flows": flows})
}

// writeError maps the trade error taxonomy onto HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, trade.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, trade.ErrUserLocked), errors.Is(err, trade.ErrAlreadyProcessing), errors.Is(err, trade.ErrDuplicateAsset):
		status = http.StatusConflict
	case errors.Is(err, trade.ErrValidation), errors.Is(err, trade.ErrSessionTerminal):
		status = http.StatusBadRequest
	case errors.Is(err, trade.ErrFraudBlocked):
		status = http.StatusForbidden
	case errors.Is(err, trade.ErrExecutionFailed):
		status = http.StatusUnprocessableEntity
	}

	c.JSON(status, models.ErrorResponse{
		Error:     err.Error(),
		Retryable: trade.IsRetryable(err),
	})
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

func floatQuery(c *gin.Context, name string) (float64, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

package network

import (
	"fmt"
)

// EdgeField names a filterable numeric field of a TradeNetworkEdge.
type EdgeField string

const (
	FieldTradeCount EdgeField = "trade_count"
	FieldTotalValue EdgeField = "total_value"
	FieldImbalance  EdgeField = "value_imbalance_ratio"
	FieldRiskScore  EdgeField = "risk_score"
)

// Operator is a comparison operator in an edge filter.
type Operator string

const (
	OpEq  Operator = "eq"
	OpGt  Operator = "gt"
	OpGte Operator = "gte"
	OpLt  Operator = "lt"
	OpLte Operator = "lte"
)

// EdgeFilter is a statically-checkable filter over graph edges: leaf
// comparisons plus And/Or composites, interpreted by a small evaluator.
// Replaces runtime-constructed query predicates.
type EdgeFilter interface {
	Matches(edge *TradeNetworkEdge) bool
	Validate() error
}

// Compare is a leaf FieldRef x Operator x Value node.
type Compare struct {
	Field EdgeField `json:"field"`
	Op    Operator  `json:"op"`
	Value float64   `json:"value"`
}

func (c Compare) Validate() error {
	switch c.Field {
	case FieldTradeCount, FieldTotalValue, FieldImbalance, FieldRiskScore:
	default:
		return fmt.Errorf("unknown filter field %q", c.Field)
	}
	switch c.Op {
	case OpEq, OpGt, OpGte, OpLt, OpLte:
	default:
		return fmt.Errorf("unknown filter operator %q", c.Op)
	}
	return nil
}

func (c Compare) Matches(edge *TradeNetworkEdge) bool {
	var actual float64
	switch c.Field {
	case FieldTradeCount:
		actual = float64(edge.TradeCount)
	case FieldTotalValue:
		actual = edge.TotalValue
	case FieldImbalance:
		actual = edge.ValueImbalanceRatio
	case FieldRiskScore:
		actual = edge.RiskScore
	default:
		return false
	}

	switch c.Op {
	case OpEq:
		return actual == c.Value
	case OpGt:
		return actual > c.Value
	case OpGte:
		return actual >= c.Value
	case OpLt:
		return actual < c.Value
	case OpLte:
		return actual <= c.Value
	}
	return false
}

// And matches when every child matches. An empty And matches everything.
type And struct {
	Filters []EdgeFilter `json:"filters"`
}

func (a And) Validate() error {
	for _, f := range a.Filters {
		if err := f.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (a And) Matches(edge *TradeNetworkEdge) bool {
	for _, f := range a.Filters {
		if !f.Matches(edge) {
			return false
		}
	}
	return true
}

// Or matches when any child matches. An empty Or matches nothing.
type Or struct {
	Filters []EdgeFilter `json:"filters"`
}

func (o Or) Validate() error {
	for _, f := range o.Filters {
		if err := f.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (o Or) Matches(edge *TradeNetworkEdge) bool {
	for _, f := range o.Filters {
		if f.Matches(edge) {
			return true
		}
	}
	return false
}

// FilterEdges returns the edges of graph matching filter, preserving order.
// A nil filter passes everything through.
func FilterEdges(graph *TradeNetworkGraph, filter EdgeFilter) []*TradeNetworkEdge {
	if filter == nil {
		return graph.Edges
	}
	var edges []*TradeNetworkEdge
	for _, e := range graph.Edges {
		if filter.Matches(e) {
			edges = append(edges, e)
		}
	}
	return edges
}

package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// BudgetStrategy is a closed set of budget allocation policies. Components
// dispatch on the concrete type so the compiler flags an unhandled strategy.
type BudgetStrategy interface {
	budgetStrategy()
	Name() string
}

// ROIStrategy weights budget proportionally to ROI across profitable campaigns.
type ROIStrategy struct{}

// EPCStrategy weights budget proportionally to earnings per click.
type EPCStrategy struct{}

// ConversionsStrategy weights budget proportionally to conversion volume.
type ConversionsStrategy struct{}

// BalancedStrategy allocates on a composite of ROI, EPC and CVR. Default.
type BalancedStrategy struct{}

func (ROIStrategy) budgetStrategy()         {}
func (EPCStrategy) budgetStrategy()         {}
func (ConversionsStrategy) budgetStrategy() {}
func (BalancedStrategy) budgetStrategy()    {}

func (ROIStrategy) Name() string         { return "roi" }
func (EPCStrategy) Name() string         { return "epc" }
func (ConversionsStrategy) Name() string { return "conversions" }
func (BalancedStrategy) Name() string    { return "balanced" }

// ParseBudgetStrategy maps a wire-level strategy tag to its type.
// Empty input selects the balanced default.
func ParseBudgetStrategy(s string) (BudgetStrategy, error) {
	switch s {
	case "roi":
		return ROIStrategy{}, nil
	case "epc":
		return EPCStrategy{}, nil
	case "conversions":
		return ConversionsStrategy{}, nil
	case "balanced", "":
		return BalancedStrategy{}, nil
	default:
		return nil, fmt.Errorf("unknown budget strategy %q", s)
	}
}

// BidStrategy is a closed set of bidding policies, each carrying its own
// parameters.
type BidStrategy interface {
	bidStrategy()
	Name() string
}

// TargetCPAStrategy bids to hit a target cost per acquisition.
type TargetCPAStrategy struct {
	TargetCPA decimal.Decimal `json:"target_cpa"`
}

// TargetROASStrategy bids to hit a target return on ad spend ratio.
type TargetROASStrategy struct {
	TargetROAS float64 `json:"target_roas"`
}

// MaximizeConversionsStrategy raises bids within limits to buy volume.
type MaximizeConversionsStrategy struct {
	MinBid decimal.Decimal `json:"min_bid"`
	MaxBid decimal.Decimal `json:"max_bid"`
}

// MaximizeClicksStrategy buys cheap traffic within limits.
type MaximizeClicksStrategy struct {
	MinBid decimal.Decimal `json:"min_bid"`
	MaxBid decimal.Decimal `json:"max_bid"`
}

func (TargetCPAStrategy) bidStrategy()           {}
func (TargetROASStrategy) bidStrategy()          {}
func (MaximizeConversionsStrategy) bidStrategy() {}
func (MaximizeClicksStrategy) bidStrategy()      {}

func (TargetCPAStrategy) Name() string           { return "target-cpa" }
func (TargetROASStrategy) Name() string          { return "target-roas" }
func (MaximizeConversionsStrategy) Name() string { return "maximize-conversions" }
func (MaximizeClicksStrategy) Name() string      { return "maximize-clicks" }

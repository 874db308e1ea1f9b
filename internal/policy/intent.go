// Package policy decides which single remedial action, if any, a position
// needs this cycle: loss cuts, profit taking, aging and concentration
// reductions, or a capacity-gated scale-in.
package policy

import (
	"fmt"

	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/broker"
)

// Kind of remedial action
type Kind string

const (
	KindCreateStop             Kind = "CREATE_STOP"
	KindEmergencyLiquidate     Kind = "EMERGENCY_LIQUIDATE"
	KindReduceForConcentration Kind = "REDUCE_FOR_CONCENTRATION"
	KindReduceForAge           Kind = "REDUCE_FOR_AGE"
	KindReduceForLoss          Kind = "REDUCE_FOR_LOSS"
	KindTakeProfit             Kind = "TAKE_PROFIT"
	KindScaleIn                Kind = "SCALE_IN"
)

// Urgency of a remedial action
type Urgency string

const (
	UrgencyLow      Urgency = "LOW"
	UrgencyMedium   Urgency = "MEDIUM"
	UrgencyHigh     Urgency = "HIGH"
	UrgencyCritical Urgency = "CRITICAL"
)

// Rule names carried on intents for logs and flags
const (
	RuleConcentration = "concentration"
	RuleHardLossCut   = "hard_loss_cut"
	RuleProactiveLoss = "proactive_loss"
	RuleProfitLadder  = "profit_ladder"
	RuleAgingFlat     = "aging_flat"
	RuleAgingProfit   = "aging_profit"
	RuleScaleIn       = "scale_in"
)

// Loss reduction steps
const (
	LossStepProactive = 1
	LossStepSevere    = 2
)

// Intent is a single remedial action for one position. Intents are created
// fresh each cycle and never persisted; their effects are recorded as flags.
type Intent struct {
	Symbol   string      `json:"symbol"`
	Kind     Kind        `json:"kind"`
	Rule     string      `json:"rule"`
	Side     broker.Side `json:"side"`
	Qty      float64     `json:"qty"`
	FullExit bool        `json:"full_exit"`
	Urgency  Urgency     `json:"urgency"`
	Level    int         `json:"level"` // profit ladder index or loss step
	Reason   string      `json:"reason"`
}

// IsEmergency reports whether the intent must act even on a single share
func (i Intent) IsEmergency() bool {
	return i.Urgency == UrgencyCritical
}

// Reduces reports whether the intent shrinks the position
func (i Intent) Reduces() bool {
	return i.Kind != KindScaleIn
}

func (i Intent) String() string {
	return fmt.Sprintf("%s %s %.0f %s (%s): %s", i.Kind, i.Side, i.Qty, i.Symbol, i.Urgency, i.Reason)
}

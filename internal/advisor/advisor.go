// Package advisor asks an LLM for a second opinion on extended-hours gap
// alerts. Its answers are advisory: the caller decides whether the
// confidence is high enough to act.
package advisor

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

// Action recommended by the advisor
type Action string

const (
	ActionSell        Action = "SELL"
	ActionTightenStop Action = "TIGHTEN_STOP"
	ActionHold        Action = "HOLD"
)

// AlertContext describes the gap being asked about
type AlertContext struct {
	Symbol          string  `json:"symbol"`
	Session         string  `json:"session"`
	MovePct         float64 `json:"move_pct"`
	CurrentPrice    float64 `json:"current_price"`
	ReferenceClose  float64 `json:"reference_close"`
	Qty             float64 `json:"qty"`
	Side            string  `json:"side"`
	AvgEntryPrice   float64 `json:"avg_entry_price"`
	UnrealizedPLPct float64 `json:"unrealized_pl_pct"`
}

// Decision is the advisor's answer
type Decision struct {
	Action     Action  `json:"decision"`
	Confidence float64 `json:"confidence"`
	TightenPct float64 `json:"tighten_pct,omitempty"` // fraction below the current price, TIGHTEN_STOP only
	Rationale  string  `json:"rationale"`
}

// Actionable reports whether the decision maps to an order
func (d Decision) Actionable() bool {
	return d.Action == ActionSell || d.Action == ActionTightenStop
}

// Completer is the LLM call the advisor depends on
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Advisor consults an LLM about gap alerts
type Advisor struct {
	llm    Completer
	logger zerolog.Logger
}

// New creates an advisor
func New(llm Completer, logger zerolog.Logger) *Advisor {
	return &Advisor{
		llm:    llm,
		logger: logger.With().Str("component", "Advisor").Logger(),
	}
}

// Consult returns the advisor's decision for an alert
func (a *Advisor) Consult(ctx context.Context, alert AlertContext) (Decision, error) {
	raw, err := a.llm.Complete(ctx, systemPrompt, buildPrompt(alert))
	if err != nil {
		return Decision{}, fmt.Errorf("advisor request failed: %w", err)
	}

	d, err := parseDecision(raw)
	if err != nil {
		a.logger.Warn().Err(err).Str("symbol", alert.Symbol).Str("raw", truncate(raw, 200)).Msg("Unparseable advisor answer")
		return Decision{}, err
	}

	a.logger.Info().
		Str("symbol", alert.Symbol).
		Str("decision", string(d.Action)).
		Float64("confidence", d.Confidence).
		Msg("Advisor consulted")
	return d, nil
}

var codeBlock = regexp.MustCompile("(?s)^```(?:json)?\\s*\\n?(.*?)\\n?```$")

// stripMarkdownCodeBlock removes a surrounding ```json fence
func stripMarkdownCodeBlock(response string) string {
	response = strings.TrimSpace(response)
	if m := codeBlock.FindStringSubmatch(response); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return response
}

func parseDecision(raw string) (Decision, error) {
	var d Decision
	if err := json.Unmarshal([]byte(stripMarkdownCodeBlock(raw)), &d); err != nil {
		return Decision{}, fmt.Errorf("failed to parse advisor decision: %w", err)
	}
	d.Action = Action(strings.ToUpper(strings.TrimSpace(string(d.Action))))
	switch d.Action {
	case ActionSell, ActionTightenStop, ActionHold:
	default:
		d.Action = ActionHold
	}
	if d.Confidence < 0 {
		d.Confidence = 0
	}
	if d.Confidence > 1 {
		d.Confidence = 1
	}
	if d.TightenPct < 0 || d.TightenPct >= 1 {
		d.TightenPct = 0
	}
	return d, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

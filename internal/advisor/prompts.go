package advisor

import "fmt"

const systemPrompt = `You are a risk officer for an unattended US equities account.
A position has gapped outside regular trading hours. Decide whether to exit now,
tighten the protective stop, or hold until the open.

Respond with JSON only:
{
  "decision": "SELL" | "TIGHTEN_STOP" | "HOLD",
  "confidence": 0.0-1.0,
  "tighten_pct": 0.0-0.2,
  "rationale": "one sentence"
}`

func buildPrompt(a AlertContext) string {
	return fmt.Sprintf(`Symbol: %s
Session: %s
Position: %s %.0f shares, average entry $%.2f
Reference close: $%.2f
Current price: $%.2f (%+.2f%% from close)
Unrealized P&L: %+.2f%%`,
		a.Symbol, a.Session, a.Side, a.Qty, a.AvgEntryPrice,
		a.ReferenceClose, a.CurrentPrice, a.MovePct, a.UnrealizedPLPct)
}

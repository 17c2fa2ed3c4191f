// Package budget provides the line and turn budget that meters a
// context-gathering session.
//
// Budget is a value type. Every operation returns a new Budget instead of
// mutating the receiver, so the session owns exactly one current value and
// rejected requests leave it untouched.
package budget

import (
	"fmt"
	"math"
)

// Budget is what remains of a session's allowance.
type Budget struct {
	RemainingLines int `json:"remaining_lines"`
	RemainingIters int `json:"remaining_iters"`
}

// New creates a budget with the given line and iteration allowance.
func New(lines, iters int) Budget {
	return Budget{RemainingLines: max(lines, 0), RemainingIters: max(iters, 0)}
}

// Exhausted reports whether the session must close.
func (b Budget) Exhausted() bool {
	return b.RemainingLines <= 0 || b.RemainingIters <= 0
}

// String renders the budget the way it is shown to the model.
func (b Budget) String() string {
	return fmt.Sprintf("%d lines and %d asks", b.RemainingLines, b.RemainingIters)
}

// Turn consumes one iteration. ok is false when no iteration was left, in
// which case the budget is returned unchanged.
func (b Budget) Turn() (next Budget, ok bool) {
	if b.RemainingIters <= 0 {
		return b, false
	}
	b.RemainingIters--
	return b, true
}

// Verdict classifies a spend request.
type Verdict int

const (
	// Accepted means the lines were deducted.
	Accepted Verdict = iota
	// OverAskCap means the result is larger than one ask may return.
	OverAskCap
	// OverBudget means the result is larger than the remaining lines.
	OverBudget
)

// String returns the string representation of the verdict.
func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case OverAskCap:
		return "over_ask_cap"
	case OverBudget:
		return "over_budget"
	default:
		return "unknown"
	}
}

// Decision is the result of a spend request.
type Decision struct {
	Verdict Verdict
	// Cost is the number of lines deducted, zero unless accepted.
	Cost int
	// Budget is the budget after the decision.
	Budget Budget
}

// Accepted reports whether the request was granted.
func (d Decision) Accepted() bool {
	return d.Verdict == Accepted
}

// Spend requests lines for one ask result. perAskCap limits a single result;
// a cap of zero or less disables the per-ask limit. Rejections cost nothing.
func (b Budget) Spend(lines, perAskCap int) Decision {
	if lines < 0 {
		lines = 0
	}
	if perAskCap > 0 && lines > perAskCap {
		return Decision{Verdict: OverAskCap, Budget: b}
	}
	if lines > b.RemainingLines {
		return Decision{Verdict: OverBudget, Budget: b}
	}
	b.RemainingLines -= lines
	return Decision{Verdict: Accepted, Cost: lines, Budget: b}
}

// Scale grows a base allowance geometrically for later attempts. attempt is
// 1-based; attempt 1 returns base unchanged.
func Scale(base int, growth float64, attempt int) int {
	if attempt <= 1 || growth <= 1 {
		return base
	}
	scaled := float64(base) * math.Pow(growth, float64(attempt-1))
	if scaled > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(math.Round(scaled))
}

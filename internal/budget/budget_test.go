package budget

import (
	"testing"
)

func TestBudget_Spend(t *testing.T) {
	tests := []struct {
		name        string
		budget      Budget
		lines       int
		perAskCap   int
		wantVerdict Verdict
		wantLeft    int
	}{
		{"accepted", New(100, 5), 40, 50, Accepted, 60},
		{"exactly remaining", New(40, 5), 40, 0, Accepted, 0},
		{"over ask cap", New(100, 5), 51, 50, OverAskCap, 100},
		{"over remaining", New(30, 5), 31, 50, OverBudget, 30},
		{"no cap", New(100, 5), 99, 0, Accepted, 1},
		{"negative lines cost nothing", New(10, 5), -4, 0, Accepted, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := tt.budget.Spend(tt.lines, tt.perAskCap)
			if d.Verdict != tt.wantVerdict {
				t.Errorf("Verdict = %v, want %v", d.Verdict, tt.wantVerdict)
			}
			if d.Budget.RemainingLines != tt.wantLeft {
				t.Errorf("RemainingLines = %d, want %d", d.Budget.RemainingLines, tt.wantLeft)
			}
			if !d.Accepted() && d.Cost != 0 {
				t.Errorf("Cost = %d on rejection, want 0", d.Cost)
			}
			if d.Budget.RemainingIters != tt.budget.RemainingIters {
				t.Errorf("Spend changed RemainingIters to %d", d.Budget.RemainingIters)
			}
		})
	}
}

func TestBudget_NeverNegative(t *testing.T) {
	b := New(10, 100)
	for i := 0; i < 50; i++ {
		b = b.Spend(i%7, 5).Budget
		if b.RemainingLines < 0 {
			t.Fatalf("RemainingLines = %d after %d spends", b.RemainingLines, i)
		}
	}
}

func TestBudget_Turn(t *testing.T) {
	b := New(10, 2)

	b, ok := b.Turn()
	if !ok || b.RemainingIters != 1 {
		t.Fatalf("Turn() = %v, %v; want 1 iter left", b, ok)
	}
	b, ok = b.Turn()
	if !ok || b.RemainingIters != 0 {
		t.Fatalf("Turn() = %v, %v; want 0 iters left", b, ok)
	}
	if !b.Exhausted() {
		t.Error("Exhausted() = false, want true")
	}
	if _, ok = b.Turn(); ok {
		t.Error("Turn() on empty budget ok = true, want false")
	}
}

func TestBudget_Exhausted(t *testing.T) {
	if New(1, 1).Exhausted() {
		t.Error("New(1,1).Exhausted() = true")
	}
	if !New(0, 3).Exhausted() {
		t.Error("New(0,3).Exhausted() = false")
	}
}

func TestBudget_String(t *testing.T) {
	if got := New(120, 4).String(); got != "120 lines and 4 asks" {
		t.Errorf("String() = %q", got)
	}
}

func TestScale(t *testing.T) {
	tests := []struct {
		base    int
		growth  float64
		attempt int
		want    int
	}{
		{200, 2, 1, 200},
		{200, 2, 2, 400},
		{200, 2, 3, 800},
		{200, 1.5, 3, 450},
		{200, 0.5, 4, 200},
		{200, 2, 0, 200},
	}

	for _, tt := range tests {
		if got := Scale(tt.base, tt.growth, tt.attempt); got != tt.want {
			t.Errorf("Scale(%d, %v, %d) = %d, want %d", tt.base, tt.growth, tt.attempt, got, tt.want)
		}
	}
}

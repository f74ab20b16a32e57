package schema

import "testing"

func TestFilterOpenPositions(t *testing.T) {
	positions := []Position{
		{Symbol: "BTC/USDT:USDT", Side: PositionSideLong, Size: 0.5},
		{Symbol: "ETH/USDT:USDT", Side: PositionSideShort, Size: 0},
		{Symbol: "SOL/USDT:USDT", Side: PositionSideLong, Size: 1e-15},
	}
	open := FilterOpenPositions(positions)
	if len(open) != 1 || open[0].Symbol != "BTC/USDT:USDT" {
		t.Fatalf("expected only the BTC position, got %+v", open)
	}
}

func TestBalanceReconciliation(t *testing.T) {
	b := BalanceFromAvailableLocked("USDT", "1234.56", "100.44")
	if b.Total != 1335.00 {
		t.Fatalf("total = %v, want 1335.00", b.Total)
	}
	if b.Used != 100.44 || b.Free != 1234.56 {
		t.Fatalf("unexpected reconciliation: %+v", b)
	}
	if err := b.CheckInvariant(); err != nil {
		t.Fatalf("invariant: %v", err)
	}
}

func TestBalanceInvariantViolation(t *testing.T) {
	b := Balance{Currency: "USDT", Total: 10, Free: 4, Used: 4}
	if err := b.CheckInvariant(); err == nil {
		t.Fatal("expected invariant violation")
	}
}

func TestParseFloatAndPrecision(t *testing.T) {
	if got := ParseFloat("50000.10"); got != 50000.10 {
		t.Fatalf("ParseFloat = %v", got)
	}
	if got := ParseFloat(""); got != 0 {
		t.Fatalf("empty input must yield zero, got %v", got)
	}
	if got := PrecisionFromStep("0.0010"); got != 3 {
		t.Fatalf("PrecisionFromStep = %d, want 3", got)
	}
	if got := PrecisionFromStep("1"); got != 0 {
		t.Fatalf("PrecisionFromStep = %d, want 0", got)
	}
}

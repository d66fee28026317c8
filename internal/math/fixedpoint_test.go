package math_test

import (
	"testing"

	fpmath "AgentLedger/internal/math"
)

func TestDivideInt128_Rounding(t *testing.T) {
	cases := []struct {
		num, denom int64
		mode       fpmath.RoundingMode
		want       int64
	}{
		{7, 2, fpmath.RoundHalfEven, 4},  // 3.5 → 4
		{5, 2, fpmath.RoundHalfEven, 2},  // 2.5 → 2
		{10, 3, fpmath.RoundHalfEven, 3}, // 3.33 → 3
		{20, 3, fpmath.RoundHalfEven, 7}, // 6.67 → 7
		{20, 3, fpmath.RoundDown, 6},
		{19, 3, fpmath.RoundUp, 7},
		{18, 3, fpmath.RoundUp, 6},
	}
	for _, tc := range cases {
		num := fpmath.MultiplyInt128(tc.num, 1)
		if got := fpmath.DivideInt128(num, tc.denom, tc.mode); got != tc.want {
			t.Errorf("%d/%d mode=%d: got %d, want %d", tc.num, tc.denom, tc.mode, got, tc.want)
		}
	}
}

func TestRatioBps_SupermajorityBoundary(t *testing.T) {
	// 1,000,000,000 of 1,500,000,000 is 6666.67 bps, rounding to 6667
	if got := fpmath.RatioBps(1_000_000_000, 1_500_000_000); got != 6667 {
		t.Errorf("got %d, want 6667", got)
	}
	if got := fpmath.RatioBps(500_000_000, 1_500_000_000); got != 3333 {
		t.Errorf("got %d, want 3333", got)
	}
	if got := fpmath.RatioBps(1, 1); got != 10_000 {
		t.Errorf("got %d, want 10000", got)
	}
}

func TestApplyBps_Floors(t *testing.T) {
	if got := fpmath.ApplyBps(500_000_000, 1000); got != 50_000_000 {
		t.Errorf("slash: got %d, want 50_000_000", got)
	}
	if got := fpmath.ApplyBps(60_000_000, 500); got != 3_000_000 {
		t.Errorf("platform fee: got %d, want 3_000_000", got)
	}
	if got := fpmath.ApplyBps(33, 5000); got != 16 {
		t.Errorf("got %d, want 16", got)
	}
}

func TestSplitByBps_SumsExactly(t *testing.T) {
	for _, total := range []int64{0, 1, 3, 99, 100_000_001, 9_223_372_036_854_775_807} {
		for _, bps := range []int64{0, 2500, 5000, 7500, 10_000} {
			a, b := fpmath.SplitByBps(total, bps)
			if a+b != total {
				t.Errorf("total=%d bps=%d: %d + %d != total", total, bps, a, b)
			}
			if a < 0 || b < 0 {
				t.Errorf("total=%d bps=%d: negative share", total, bps)
			}
		}
	}
}

func TestMulDivFloor_LargeIntermediate(t *testing.T) {
	// product overflows int64 but the quotient fits
	got, err := fpmath.MulDivFloor(9_000_000_000_000_000_000, 3, 4)
	if err != nil {
		t.Fatalf("MulDivFloor: %v", err)
	}
	if got != 6_750_000_000_000_000_000 {
		t.Errorf("got %d", got)
	}

	if _, err := fpmath.MulDivFloor(9_000_000_000_000_000_000, 2, 1); err == nil {
		t.Error("expected overflow error")
	}
	if _, err := fpmath.MulDivFloor(1, 1, 0); err == nil {
		t.Error("expected error for zero divisor")
	}
}

func TestProRata_Scenario(t *testing.T) {
	got, err := fpmath.ProRata(57_000_000, 500_000_000, 1_000_000_000)
	if err != nil {
		t.Fatal(err)
	}
	if got != 28_500_000 {
		t.Errorf("got %d, want 28_500_000", got)
	}
}

func TestFormatAmount(t *testing.T) {
	if got := fpmath.FormatAmount(40_000_000); got != "40.000000" {
		t.Errorf("got %q", got)
	}
	if got := fpmath.FormatAmount(-1_500_001); got != "-1.500001" {
		t.Errorf("got %q", got)
	}
}

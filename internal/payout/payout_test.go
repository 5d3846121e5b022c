package payout

import "testing"

func TestRefundPercentage_BoundaryScores(t *testing.T) {
	cases := []struct {
		q    uint8
		want uint8
	}{
		{0, 100},
		{49, 100},
		{50, 38}, // round((30/80)*100) = round(37.5) = 38
		{79, 1},  // round((1/80)*100) = round(1.25) = 1
		{80, 0},
		{100, 0},
	}

	for _, c := range cases {
		got := RefundPercentage(c.q)
		if got != c.want {
			t.Errorf("RefundPercentage(%d) = %d, want %d", c.q, got, c.want)
		}
	}
}

func TestRefundPercentage_ExactFormula(t *testing.T) {
	if got := RefundPercentage(60); got != 25 {
		t.Errorf("RefundPercentage(60) = %d, want 25 (round((20/80)*100))", got)
	}
	if got := RefundPercentage(50); got != 38 {
		t.Errorf("RefundPercentage(50) = %d, want 38 (round((30/80)*100) = round(37.5))", got)
	}
}

func TestRefundPercentage_NonIncreasing(t *testing.T) {
	prev := RefundPercentage(0)
	for q := 1; q <= 100; q++ {
		cur := RefundPercentage(uint8(q))
		if cur > prev {
			t.Fatalf("RefundPercentage not non-increasing at q=%d: prev=%d cur=%d", q, prev, cur)
		}
		prev = cur
	}
}

func TestSplit_Conservation(t *testing.T) {
	amounts := []uint64{0, 1, 1_000_000, 1_000_000_000_000}
	pcts := []uint8{0, 1, 25, 50, 99, 100}

	for _, amt := range amounts {
		for _, pct := range pcts {
			refund, payment, err := Split(amt, pct)
			if err != nil {
				t.Fatalf("Split(%d, %d) error: %v", amt, pct, err)
			}
			if refund+payment != amt {
				t.Fatalf("Split(%d, %d) = (%d, %d), sum != principal", amt, pct, refund, payment)
			}
		}
	}
}

func TestSplit_WidensBeforeOverflow(t *testing.T) {
	// amount * 100 exceeds 2^64, must not silently wrap.
	const big64 = 1 << 63
	refund, payment, err := Split(big64, 50)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if refund+payment != big64 {
		t.Fatalf("refund+payment = %d, want %d", refund+payment, uint64(big64))
	}
	if refund != big64/2 {
		t.Fatalf("refund = %d, want %d", refund, uint64(big64/2))
	}
}

func TestSplit_RejectsOutOfRangePercentage(t *testing.T) {
	if _, _, err := Split(100, 101); err == nil {
		t.Fatalf("expected error for refund percentage > 100")
	}
}

func TestSplit_FullAndZeroRefund(t *testing.T) {
	refund, payment, err := Split(1_000_000, 100)
	if err != nil || refund != 1_000_000 || payment != 0 {
		t.Fatalf("Split(1_000_000, 100) = (%d, %d, %v), want (1_000_000, 0, nil)", refund, payment, err)
	}

	refund, payment, err = Split(1_000_000, 0)
	if err != nil || refund != 0 || payment != 1_000_000 {
		t.Fatalf("Split(1_000_000, 0) = (%d, %d, %v), want (0, 1_000_000, nil)", refund, payment, err)
	}
}

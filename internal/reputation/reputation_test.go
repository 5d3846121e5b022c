package reputation

import "testing"

func TestScore_Baseline(t *testing.T) {
	if got := Score(Counters{}); got != 450 {
		t.Fatalf("Score(zero counters) = %d, want 450 (500 + 0 - 50)", got)
	}
}

func TestScore_ClampsToRange(t *testing.T) {
	high := Score(Counters{DisputesWon: 1000})
	if high != 1000 {
		t.Fatalf("Score should clamp at 1000, got %d", high)
	}

	low := Score(Counters{DisputesLost: 1000})
	if low != 0 {
		t.Fatalf("Score should clamp at 0, got %d", low)
	}
}

func TestScore_IsPureFunctionOfCounters(t *testing.T) {
	c := Counters{DisputesWon: 3, DisputesPartial: 2, DisputesLost: 1, QualitySum: 72, QualitySampleCount: 1}
	s1 := Score(c)
	s2 := Score(c)
	if s1 != s2 {
		t.Fatalf("Score not deterministic: %d != %d", s1, s2)
	}
}

func TestCounters_RecordDispute_Categorizes(t *testing.T) {
	var c Counters
	c.RecordDispute(0)
	c.RecordDispute(100)
	c.RecordDispute(50)

	if c.DisputesFiled != 3 {
		t.Fatalf("DisputesFiled = %d, want 3", c.DisputesFiled)
	}
	if c.DisputesLost != 1 || c.DisputesWon != 1 || c.DisputesPartial != 1 {
		t.Fatalf("unexpected categorization: %+v", c)
	}
}

func TestCounters_RecordQuality_IntegerMean(t *testing.T) {
	var c Counters
	c.RecordQuality(80)
	c.RecordQuality(60)
	c.RecordQuality(100)

	if got, want := c.AverageQuality(), uint8(80); got != want {
		t.Fatalf("AverageQuality() = %d, want %d", got, want)
	}
}

func TestDisputeCostMultiplier_Bands(t *testing.T) {
	cases := []struct {
		filed, total uint64
		want         uint64
	}{
		{0, 0, 1},
		{1, 10, 1},  // 10% <= 20%
		{3, 10, 2},  // 30% <= 40%
		{5, 10, 5},  // 50% <= 60%
		{7, 10, 10}, // 70% > 60%
	}
	for _, c := range cases {
		got := DisputeCostMultiplier(Counters{DisputesFiled: c.filed, TotalTransactions: c.total})
		if got != c.want {
			t.Errorf("DisputeCostMultiplier(filed=%d,total=%d) = %d, want %d", c.filed, c.total, got, c.want)
		}
	}
}

package fees

import "testing"

func TestComputeNoFeeOnLoss(t *testing.T) {
	cases := []struct {
		entry, exit float64
	}{
		{100, 100},
		{100, 80},
		{100, 0},
		{0, 0},
	}
	for _, tc := range cases {
		split := Compute(tc.entry, tc.exit, DefaultRate)
		if split.Fee != 0 {
			t.Fatalf("entry=%f exit=%f: expected zero fee, got %f", tc.entry, tc.exit, split.Fee)
		}
		if split.NetToUser != tc.exit {
			t.Fatalf("entry=%f exit=%f: expected full amount %f, got %f", tc.entry, tc.exit, tc.exit, split.NetToUser)
		}
	}
}

func TestComputeProfitSplit(t *testing.T) {
	split := Compute(100, 150, DefaultRate)
	if split.Fee != 10 {
		t.Fatalf("expected fee 10, got %f", split.Fee)
	}
	if split.NetToUser != 140 {
		t.Fatalf("expected net 140, got %f", split.NetToUser)
	}
}

func TestComputeSplitIsExact(t *testing.T) {
	cases := []struct {
		entry, exit float64
	}{
		{100, 101},
		{100, 150.5},
		{0.3, 0.7},
		{1234.56, 9876.54},
	}
	for _, tc := range cases {
		split := Compute(tc.entry, tc.exit, DefaultRate)
		if split.Fee+split.NetToUser != tc.exit {
			t.Fatalf("entry=%f exit=%f: fee %f + net %f != exit", tc.entry, tc.exit, split.Fee, split.NetToUser)
		}
	}
}

func TestPayable(t *testing.T) {
	if Payable(0.005, DefaultDustThreshold) {
		t.Fatalf("dust fee should not be payable")
	}
	if Payable(0.01, DefaultDustThreshold) {
		t.Fatalf("fee at threshold should not be payable")
	}
	if !Payable(0.02, DefaultDustThreshold) {
		t.Fatalf("fee above threshold should be payable")
	}
}

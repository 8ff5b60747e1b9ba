package feepolicy

import (
	"errors"
	"testing"
)

func TestFee_DefaultBandTable(t *testing.T) {
	policy := Default()

	cases := []struct {
		amount int64
		want   int64
	}{
		{1, 1},
		{1000, 1},
		{1001, 5},
		{5000, 5},
		{10000, 10},
		{20000, 15},
		{20001, 20},
		{30000, 20},
		{50000, 30},
		{50001, 50},
		{1000000, 50},
	}

	for _, tc := range cases {
		got, err := policy.Fee(tc.amount)
		if err != nil {
			t.Fatalf("Fee(%d) returned error: %v", tc.amount, err)
		}
		if got != tc.want {
			t.Fatalf("Fee(%d) = %d, want %d", tc.amount, got, tc.want)
		}
	}
}

func TestFee_Deterministic(t *testing.T) {
	policy := Default()
	first, err := policy.Fee(20000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := policy.Fee(20000)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if again != first {
			t.Fatalf("fee changed between calls: %d then %d", first, again)
		}
	}
}

func TestFee_MonotoneAcrossBandBoundaries(t *testing.T) {
	policy := Default()
	var previous int64
	for amount := int64(1); amount <= 60000; amount += 7 {
		fee, err := policy.Fee(amount)
		if err != nil {
			t.Fatalf("Fee(%d) returned error: %v", amount, err)
		}
		if fee < previous {
			t.Fatalf("fee decreased at amount %d: %d < %d", amount, fee, previous)
		}
		previous = fee
	}
}

func TestFee_RejectsNonPositiveAmounts(t *testing.T) {
	policy := Default()
	for _, amount := range []int64{0, -1, -20000} {
		if _, err := policy.Fee(amount); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("Fee(%d) error = %v, want ErrInvalidAmount", amount, err)
		}
	}
}

func TestNew_ConfiguredBands(t *testing.T) {
	policy, err := New("500:2, 2000:8", 25)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	if fee, _ := policy.Fee(500); fee != 2 {
		t.Fatalf("Fee(500) = %d, want 2", fee)
	}
	if fee, _ := policy.Fee(2000); fee != 8 {
		t.Fatalf("Fee(2000) = %d, want 8", fee)
	}
	if fee, _ := policy.Fee(2001); fee != 25 {
		t.Fatalf("Fee(2001) = %d, want 25", fee)
	}
}

func TestNew_RejectsBrokenTables(t *testing.T) {
	cases := []struct {
		name  string
		bands string
		max   int64
	}{
		{"malformed pair", "1000", 50},
		{"non-numeric threshold", "abc:5", 50},
		{"zero fee", "1000:0", 50},
		{"decreasing fees", "1000:10,5000:5", 50},
		{"duplicate threshold", "1000:1,1000:2", 50},
		{"max below last band", "1000:10", 5},
		{"empty table", ",,", 50},
		{"zero max", "1000:1", 0},
	}

	for _, tc := range cases {
		if _, err := New(tc.bands, tc.max); err == nil {
			t.Fatalf("%s: expected error for bands=%q max=%d", tc.name, tc.bands, tc.max)
		}
	}
}

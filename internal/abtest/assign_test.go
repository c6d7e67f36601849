package abtest

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
)

func TestAssignVariantDeterministic(t *testing.T) {
	campaignID := uuid.MustParse("00000000-0000-0000-0000-000000000001").String()
	recipientID := uuid.MustParse("00000000-0000-0000-0000-0000000000aa").String()

	first, err := AssignVariant(campaignID, recipientID, 50)
	if err != nil {
		t.Fatalf("AssignVariant() error: %v", err)
	}
	for i := 0; i < 100; i++ {
		got, err := AssignVariant(campaignID, recipientID, 50)
		if err != nil {
			t.Fatalf("AssignVariant() error: %v", err)
		}
		if got != first {
			t.Fatalf("assignment changed between calls: %q then %q", first, got)
		}
	}
}

func TestAssignVariantDiffersAcrossCampaigns(t *testing.T) {
	// The same recipient should not land on the same variant in every
	// campaign; the campaign ID participates in the hash.
	recipientID := "rcp-fixed"
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		v, err := AssignVariant(fmt.Sprintf("cmp-%d", i), recipientID, 50)
		if err != nil {
			t.Fatalf("AssignVariant() error: %v", err)
		}
		seen[v] = true
	}
	if len(seen) < 2 {
		t.Error("recipient mapped to one variant across 50 campaigns; campaign ID is not mixed in")
	}
}

func TestAssignVariantDistribution(t *testing.T) {
	campaignID := uuid.New().String()
	counts := map[string]int{}
	const n = 10000

	for i := 0; i < n; i++ {
		v, err := AssignVariant(campaignID, uuid.New().String(), 50)
		if err != nil {
			t.Fatalf("AssignVariant() error: %v", err)
		}
		counts[v]++
	}

	// 50/50 split over 10k draws: allow 5 points of drift either way.
	if counts[VariantA] < 4500 || counts[VariantA] > 5500 {
		t.Errorf("variant A got %d/%d assignments, expected ~5000", counts[VariantA], n)
	}
}

func TestAssignVariantSkewedSplit(t *testing.T) {
	campaignID := uuid.New().String()
	counts := map[string]int{}
	const n = 10000

	for i := 0; i < n; i++ {
		v, err := AssignVariant(campaignID, uuid.New().String(), 70)
		if err != nil {
			t.Fatalf("AssignVariant() error: %v", err)
		}
		counts[v]++
	}

	if counts[VariantA] < 6500 || counts[VariantA] > 7500 {
		t.Errorf("variant A got %d/%d assignments with a 70%% split, expected ~7000", counts[VariantA], n)
	}
}

func TestAssignVariantInvalidInput(t *testing.T) {
	tests := []struct {
		name                    string
		campaignID, recipientID string
		split                   float64
	}{
		{"zero split", "c", "r", 0},
		{"full split", "c", "r", 100},
		{"negative split", "c", "r", -10},
		{"over split", "c", "r", 120},
		{"empty campaign", "", "r", 50},
		{"empty recipient", "c", "", 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := AssignVariant(tt.campaignID, tt.recipientID, tt.split); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

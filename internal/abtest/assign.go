// Package abtest implements deterministic variant assignment, significance
// testing over recorded outcomes, and winner selection for campaign
// experiments.
package abtest

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Variant labels.
const (
	VariantA = "A"
	VariantB = "B"
)

// AssignVariant deterministically maps (campaignID, recipientID) to a
// variant. The same recipient always lands on the same variant for a given
// campaign, so dispatcher retries are idempotent without an assignment
// table. splitRatio is the percentage of traffic assigned to variant A and
// must lie strictly inside (0,100): 0 and 100 would degenerate the test.
func AssignVariant(campaignID, recipientID string, splitRatio float64) (string, error) {
	if splitRatio <= 0 || splitRatio >= 100 {
		return "", fmt.Errorf("split ratio must be in (0,100) exclusive, got %v", splitRatio)
	}
	if campaignID == "" || recipientID == "" {
		return "", fmt.Errorf("campaign and recipient IDs are required")
	}

	hash := sha256.Sum256([]byte(campaignID + ":" + recipientID))
	// First 8 bytes → [0,100) with two decimals of granularity.
	bucket := float64(binary.BigEndian.Uint64(hash[:8])%10000) / 100.0

	if bucket < splitRatio {
		return VariantA, nil
	}
	return VariantB, nil
}

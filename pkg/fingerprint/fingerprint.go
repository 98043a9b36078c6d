// Package fingerprint produces deterministic content hashes for incoming
// records so that resubmitting an identical record replays its stored
// decision instead of resolving it again.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/Ramsey-B/clover/pkg/models"
)

// ForRecord hashes the normalized signal content of a record. Two records
// that normalize to the same signals from the same source produce the same
// fingerprint regardless of raw formatting differences.
func ForRecord(record *models.NormalizedRecord) string {
	parts := []string{
		"kind=" + string(record.Kind),
		"source=" + record.SourceSystem,
		"source_record=" + record.SourceRecordID,
		"name=" + record.FullName,
		"email=" + record.Email,
		"phone=" + record.Phone,
		"microchip=" + record.Microchip,
		"address=" + record.Address,
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

// HasChanged compares two fingerprints to detect changes
func HasChanged(oldFingerprint, newFingerprint string) bool {
	return oldFingerprint != newFingerprint
}

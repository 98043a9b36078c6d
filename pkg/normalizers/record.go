package normalizers

import (
	"strings"

	"github.com/Ramsey-B/clover/pkg/models"
)

// NormalizeRecord canonicalizes every signal on an incoming record. Signals
// that normalize to nothing come back empty; callers decide whether the
// record retains any usable signal.
func NormalizeRecord(record *models.IncomingRecord) models.NormalizedRecord {
	fullName := record.FullName
	if fullName == "" {
		fullName = strings.TrimSpace(record.FirstName + " " + record.LastName)
	}

	return models.NormalizedRecord{
		Kind:           record.Kind,
		SourceSystem:   strings.TrimSpace(record.SourceSystem),
		SourceRecordID: strings.TrimSpace(record.SourceRecordID),
		FirstName:      NormalizeName(record.FirstName),
		LastName:       NormalizeName(record.LastName),
		FullName:       NormalizeName(fullName),
		Email:          NormalizeEmail(record.Email),
		Phone:          NormalizePhone(record.Phone),
		Microchip:      NormalizeMicrochip(record.Microchip),
		Address:        NormalizeAddress(record.Address),
		Notes:          strings.TrimSpace(record.Notes),
	}
}

// DisplayName builds the stored display value for a record, preserving the
// original casing. Falls back to whatever signal the record carried.
func DisplayName(record *models.IncomingRecord) string {
	if record.FullName != "" {
		return CollapseWhitespace(record.FullName)
	}
	if name := CollapseWhitespace(strings.TrimSpace(record.FirstName + " " + record.LastName)); name != "" {
		return name
	}
	if record.Email != "" {
		return strings.TrimSpace(record.Email)
	}
	if record.Phone != "" {
		return strings.TrimSpace(record.Phone)
	}
	if record.Address != "" {
		return CollapseWhitespace(record.Address)
	}
	return "unknown"
}

package predict

import "github.com/opensource-security/kestrel/internal/domain"

// ThreatLevelFor grades a detection by prediction confidence. Benign
// traffic is always NONE regardless of confidence.
func ThreatLevelFor(prediction string, confidence float64) domain.ThreatLevel {
	if prediction == domain.LabelBenign {
		return domain.ThreatNone
	}
	switch {
	case confidence >= 0.9:
		return domain.ThreatCritical
	case confidence >= 0.7:
		return domain.ThreatHigh
	case confidence >= 0.5:
		return domain.ThreatMedium
	default:
		return domain.ThreatLow
	}
}

package rules

import (
	"fmt"

	"github.com/opensource-security/kestrel/internal/domain"
)

// Decide combines the classifier verdict with triggered rule results
// into the final alert decision. The classifier alerts on HIGH and
// CRITICAL threats by default; a triggered alert rule escalates any
// detection, and a triggered suppress rule wins over everything.
func Decide(det *domain.Detection, results []domain.RuleResult) (bool, []string) {
	alerted := det.ThreatLevel == domain.ThreatHigh || det.ThreatLevel == domain.ThreatCritical
	var reasons []string
	if alerted {
		reasons = append(reasons, fmt.Sprintf("classifier: %s at %s threat", det.Prediction, det.ThreatLevel))
	}

	suppressed := false
	for _, r := range results {
		if !r.Triggered {
			continue
		}
		switch r.Action {
		case domain.ActionSuppress:
			suppressed = true
			reasons = append(reasons, fmt.Sprintf("suppressed by rule %s", r.Name))
		case domain.ActionAlert:
			alerted = true
			reasons = append(reasons, fmt.Sprintf("rule %s triggered", r.Name))
		}
	}

	if suppressed {
		return false, reasons
	}
	return alerted, reasons
}

// DefaultRules returns the starter rule set installed on first run
// when the repository holds no rules yet.
func DefaultRules() []*domain.AlertRule {
	return []*domain.AlertRule{
		{
			ID:          "burst-source",
			Name:        "Bursting source",
			Description: "Escalate any attack class once a source exceeds 50 detections in the lookback window",
			Expression:  "is_attack && recent_detections > 50",
			Action:      domain.ActionAlert,
			Enabled:     true,
		},
		{
			ID:          "confident-bruteforce",
			Name:        "Confident bruteforce",
			Description: "Escalate bruteforce predictions even below the HIGH threat cutoff",
			Expression:  `prediction.contains("Bruteforce") && confidence >= 0.6`,
			Action:      domain.ActionAlert,
			Enabled:     true,
		},
		{
			ID:          "low-confidence-bot",
			Name:        "Uncertain bot verdicts",
			Description: "Suppress Bot alerts with weak confidence, a known false-positive source",
			Expression:  `prediction == "Bot" && confidence < 0.75`,
			Action:      domain.ActionSuppress,
			Enabled:     true,
		},
	}
}

package domain

import "time"

// AlertRule is a CEL expression evaluated against a completed detection
// to decide alert escalation or suppression. Available variables:
// prediction, confidence, threat_level, is_attack, source_ip, and the
// raw feature map as "features".
type AlertRule struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Expression must evaluate to bool (trigger) or double (score,
	// triggered when >= Threshold).
	Expression string `json:"expression"`

	// Threshold applies to numeric expressions. Ignored for bool.
	Threshold float64 `json:"threshold,omitempty"`

	// Action taken when the rule triggers.
	Action RuleAction `json:"action"`

	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// RuleAction is what a triggered rule does to a detection.
type RuleAction string

const (
	// ActionAlert escalates the detection to the alert topic.
	ActionAlert RuleAction = "alert"

	// ActionSuppress prevents an alert the classifier would raise.
	ActionSuppress RuleAction = "suppress"
)

// RuleResult is the outcome of evaluating one alert rule.
type RuleResult struct {
	RuleID    string     `json:"ruleId"`
	Name      string     `json:"name"`
	Triggered bool       `json:"triggered"`
	Action    RuleAction `json:"action"`
	Score     float64    `json:"score"`
	Err       string     `json:"error,omitempty"`
}

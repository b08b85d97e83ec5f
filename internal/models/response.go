package models

import "time"

// Stage is a rung on the escalation ladder.
type Stage int

const (
	StageLocal       Stage = 0
	StageContainment Stage = 1
	StageEscalation  Stage = 2
	StageRemediation Stage = 3
)

// String returns the stage's human name.
func (s Stage) String() string {
	switch s {
	case StageLocal:
		return "Local"
	case StageContainment:
		return "Containment"
	case StageEscalation:
		return "Escalation"
	case StageRemediation:
		return "Remediation"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further escalation is possible.
func (s Stage) Terminal() bool { return s >= StageRemediation }

// ActionType enumerates what an action asks the outside world to do.
type ActionType string

const (
	ActionLog        ActionType = "log"
	ActionQuarantine ActionType = "quarantine"
	ActionNotify     ActionType = "notify"
	ActionRecover    ActionType = "recover"
	ActionRollback   ActionType = "rollback"
	ActionEscalate   ActionType = "escalate"
)

// Action is one abstract step of a staged response.
type Action struct {
	ID          string     `json:"id"`
	Type        ActionType `json:"type"`
	Target      string     `json:"target"`
	Description string     `json:"description"`
	Executed    bool       `json:"executed"`
	ExecutedAt  *time.Time `json:"executedAt,omitempty"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Failed reports whether the action ran and failed.
func (a Action) Failed() bool { return a.Executed && a.Error != "" }

// StagedResponse tracks one anomaly's walk up the escalation ladder.
type StagedResponse struct {
	ID               string     `json:"id"`
	AnomalyID        string     `json:"anomalyId"`
	Metric           string     `json:"metric,omitempty"`
	Stage            Stage      `json:"stage"`
	StageName        string     `json:"stageName"`
	Actions          []Action   `json:"actions"`
	Severity         float64    `json:"severity"`
	Confidence       float64    `json:"confidence"`
	BlastRadius      float64    `json:"blastRadius"`
	AffectedServices []string   `json:"affectedServices,omitempty"`
	StartedAt        time.Time  `json:"startedAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	EscalatedTo      *Stage     `json:"escalatedTo,omitempty"`
}

// Succeeded reports whether every executed action completed without error.
func (r StagedResponse) Succeeded() bool {
	for _, a := range r.Actions {
		if !a.Executed || a.Error != "" {
			return false
		}
	}
	return len(r.Actions) > 0
}

// Clone returns a deep copy safe to hand to callers.
func (r StagedResponse) Clone() StagedResponse {
	out := r
	out.Actions = append([]Action(nil), r.Actions...)
	out.AffectedServices = append([]string(nil), r.AffectedServices...)
	if r.EscalatedTo != nil {
		s := *r.EscalatedTo
		out.EscalatedTo = &s
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// RouteDecision explains why an anomaly got the stage it did.
type RouteDecision struct {
	AnomalyID             string   `json:"anomalyId"`
	Metric                string   `json:"metric"`
	Stage                 Stage    `json:"stage"`
	Severity              float64  `json:"severity"`
	Confidence            float64  `json:"confidence"`
	BlastRadius           float64  `json:"blastRadius"`
	HistoricalSuccessRate *float64 `json:"historicalSuccessRate,omitempty"`
	Reasoning             string   `json:"reasoning"`
}

// RouteOutcome is one entry of the router's rolling history.
type RouteOutcome struct {
	Pattern   string    `json:"pattern"`
	Stage     Stage     `json:"stage"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

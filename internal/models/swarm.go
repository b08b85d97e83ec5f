package models

import "time"

// MarkerType classifies environment markers.
type MarkerType string

const (
	MarkerFlag      MarkerType = "flag"
	MarkerTag       MarkerType = "tag"
	MarkerStatus    MarkerType = "status"
	MarkerPheromone MarkerType = "pheromone"
)

// EnvironmentMarker is a signal left in the shared environment. Pheromones are
// markers with a positive DecayRate (fractional strength lost per minute).
type EnvironmentMarker struct {
	ID        string     `json:"id"`
	Type      MarkerType `json:"type"`
	Location  string     `json:"location"`
	Value     any        `json:"value"`
	Strength  float64    `json:"strength"`
	AgentID   string     `json:"agentId,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	DecayRate float64    `json:"decayRate,omitempty"`
	LastDecay time.Time  `json:"lastDecay,omitempty"`
}

// IsPheromone reports whether the marker decays.
func (m EnvironmentMarker) IsPheromone() bool {
	return m.Type == MarkerPheromone
}

// Expired reports whether a TTL marker has elapsed at now.
func (m EnvironmentMarker) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !now.Before(*m.ExpiresAt)
}

// RuleEvaluation reports what happened during one rule pass.
type RuleEvaluation struct {
	Agent    string   `json:"agent"`
	Matched  []string `json:"matched"`
	Executed []string `json:"executed"`
	Failed   []string `json:"failed,omitempty"`
}

package models

import "time"

// ThreatSignature is a remembered threat and its embedding.
type ThreatSignature struct {
	ID        string             `json:"id"`
	Pattern   string             `json:"pattern"`
	Metrics   map[string]float64 `json:"metrics"`
	Embedding []float64          `json:"embedding,omitempty"`
	Frequency int                `json:"frequency"`
	FirstSeen time.Time          `json:"firstSeen"`
	LastSeen  time.Time          `json:"lastSeen"`
	Version   int                `json:"version"`
}

// ThreatResponse is a historical record of how a threat was handled.
type ThreatResponse struct {
	ThreatID     string         `json:"threatId"`
	Stage        Stage          `json:"responseStage"`
	Actions      []string       `json:"actions"`
	Success      bool           `json:"success"`
	ResponseTime time.Duration  `json:"responseTime"`
	ResolvedAt   time.Time      `json:"resolvedAt"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// ResponseEffectiveness summarises the response log of one threat.
type ResponseEffectiveness struct {
	TotalResponses      int           `json:"totalResponses"`
	SuccessfulResponses int           `json:"successfulResponses"`
	SuccessRate         float64       `json:"successRate"`
	AverageResponseTime time.Duration `json:"averageResponseTime"`
	BestResponseStage   *Stage        `json:"bestResponseStage,omitempty"`
}

// Impact grades the damage of a missed threat.
type Impact string

const (
	ImpactLow      Impact = "low"
	ImpactMedium   Impact = "medium"
	ImpactHigh     Impact = "high"
	ImpactCritical Impact = "critical"
)

// FalsePositiveRecord notes a detection that turned out benign.
type FalsePositiveRecord struct {
	ID              string    `json:"id"`
	ThreatID        string    `json:"threatId"`
	DetectedAt      time.Time `json:"detectedAt"`
	VerifiedAsFalse time.Time `json:"verifiedAsFalse"`
	Reason          string    `json:"reason"`
}

// FalseNegativeRecord notes a threat that went undetected.
type FalseNegativeRecord struct {
	ID           string    `json:"id"`
	ThreatID     string    `json:"threatId"`
	MissedAt     time.Time `json:"missedAt"`
	DiscoveredAt time.Time `json:"discoveredAt"`
	Impact       Impact    `json:"impact"`
}

// ThreatChange is one recorded drift of a threat's metric.
type ThreatChange struct {
	Timestamp time.Time `json:"timestamp"`
	Metric    string    `json:"metric"`
	OldValue  float64   `json:"oldValue"`
	NewValue  float64   `json:"newValue"`
	Reason    string    `json:"reason,omitempty"`
}

// ThreatEvolution is the drift log of one threat.
type ThreatEvolution struct {
	ThreatID string         `json:"threatId"`
	Changes  []ThreatChange `json:"changes"`
}

// CalibrationStats summarises false positive/negative bookkeeping.
type CalibrationStats struct {
	TotalFalsePositives int     `json:"totalFalsePositives"`
	TotalFalseNegatives int     `json:"totalFalseNegatives"`
	FalsePositiveRate   float64 `json:"falsePositiveRate"`
	FalseNegativeRate   float64 `json:"falseNegativeRate"`
}

// ThreatMatch is a recognised threat with a suggested response.
type ThreatMatch struct {
	Threat           ThreatSignature `json:"threat"`
	Similarity       float64         `json:"similarity"`
	Confidence       float64         `json:"confidence"`
	SuccessRate      *float64        `json:"successRate,omitempty"`
	SuggestedStage   *Stage          `json:"suggestedStage,omitempty"`
	SuggestedActions []string        `json:"suggestedActions,omitempty"`
}

// SimilarThreat pairs a signature with its similarity to a query.
type SimilarThreat struct {
	Threat     ThreatSignature `json:"threat"`
	Similarity float64         `json:"similarity"`
}

package models

import "time"

// AnomalyDetection is the ephemeral result of comparing one value to one baseline.
type AnomalyDetection struct {
	ID           string         `json:"id"`
	Metric       string         `json:"metric"`
	Category     Category       `json:"category"`
	CurrentValue float64        `json:"currentValue"`
	BaselineMean float64        `json:"baselineMean"`
	Deviation    float64        `json:"deviation"`
	Severity     float64        `json:"severity"`
	Confidence   float64        `json:"confidence"`
	Timestamp    time.Time      `json:"timestamp"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// ThreatPattern is a named fixed metric signature used for direct matching.
type ThreatPattern struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Signature   map[string]float64 `json:"signature"`
	Severity    float64            `json:"severity"`
}

// Range is an inclusive numeric interval.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Overlaps reports whether r and o share any point.
func (r Range) Overlaps(o Range) bool {
	return r.Min <= o.Max && o.Min <= r.Max
}

// Contains reports whether v lies within r.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Detector is an evolvable negative-selection rule.
type Detector struct {
	ID         string           `json:"id"`
	Ranges     map[string]Range `json:"ranges"`
	Generation int              `json:"generation"`
	Fitness    float64          `json:"fitness"`
	TruePos    int              `json:"truePositives"`
	FalsePos   int              `json:"falsePositives"`
	TrueNeg    int              `json:"trueNegatives"`
	FalseNeg   int              `json:"falseNegatives"`
	CreatedAt  time.Time        `json:"createdAt"`
	LastUsed   time.Time        `json:"lastUsed"`
}

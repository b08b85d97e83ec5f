package models

import "time"

// Category groups metrics that share a notion of "self".
type Category string

const (
	CategoryServiceHealth Category = "service_health"
	CategoryDeployment    Category = "deployment"
	CategoryResourceUsage Category = "resource_usage"
	CategoryIntegration   Category = "integration"
)

// Categories lists every known category in a stable order.
func Categories() []Category {
	return []Category{CategoryServiceHealth, CategoryDeployment, CategoryResourceUsage, CategoryIntegration}
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryServiceHealth, CategoryDeployment, CategoryResourceUsage, CategoryIntegration:
		return true
	}
	return false
}

// BaselineStats are derived from the full retained sample window.
type BaselineStats struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	P25    float64 `json:"p25"`
	P50    float64 `json:"p50"`
	P75    float64 `json:"p75"`
	P95    float64 `json:"p95"`
}

// BaselinePattern is the rolling statistical profile of one (category, metric).
type BaselinePattern struct {
	ID          string        `json:"id"`
	Category    Category      `json:"category"`
	Metric      string        `json:"metric"`
	Unit        string        `json:"unit,omitempty"`
	Samples     []float64     `json:"samples"`
	Stats       BaselineStats `json:"stats"`
	SampleCount int           `json:"sampleCount"`
	Version     int           `json:"version"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// MetricSample is one live observation fed into detection.
type MetricSample struct {
	Category  Category  `json:"category"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

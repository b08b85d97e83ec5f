package models

import "time"

// FitnessMetrics are all in [0,1], higher is better.
type FitnessMetrics struct {
	Reliability float64   `json:"reliability"`
	Cost        float64   `json:"cost"`
	Latency     float64   `json:"latency"`
	Overall     float64   `json:"overall"`
	Timestamp   time.Time `json:"timestamp"`
}

// FitnessInputs are raw observations; nil fields fall back to defaults.
type FitnessInputs struct {
	Uptime         *float64 `json:"uptime,omitempty"`
	ErrorRate      *float64 `json:"errorRate,omitempty"`
	RecoveryTimeMs *float64 `json:"recoveryTimeMs,omitempty"`
	CostUSD        *float64 `json:"costUsd,omitempty"`
	ResponseMs     *float64 `json:"responseMs,omitempty"`
	DetectionMs    *float64 `json:"detectionMs,omitempty"`
	RemediationMs  *float64 `json:"remediationMs,omitempty"`
}

// Trend classifies the direction of fitness movement.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDegrading Trend = "degrading"
)

// AgentFitness is the current score and bounded history of one agent.
type AgentFitness struct {
	AgentID   string           `json:"agentId"`
	AgentName string           `json:"agentName"`
	Current   FitnessMetrics   `json:"current"`
	Timestamp time.Time        `json:"timestamp"`
	History   []FitnessMetrics `json:"history"`
}

// SystemFitness aggregates all agents.
type SystemFitness struct {
	Overall   FitnessMetrics `json:"overall"`
	Agents    int            `json:"agents"`
	Trend     Trend          `json:"trend"`
	Timestamp time.Time      `json:"timestamp"`
}

// AgentBehavior is an evolvable parameter set owned by an agent.
type AgentBehavior struct {
	ID            string         `json:"id"`
	AgentID       string         `json:"agentId"`
	Parameters    map[string]any `json:"parameters"`
	Fitness       float64        `json:"fitness"`
	Generation    int            `json:"generation"`
	ParentID      string         `json:"parentId,omitempty"`
	MutationCount int            `json:"mutationCount"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// SelectionReport summarises one clonal selection pass.
type SelectionReport struct {
	Removed []string `json:"removed"`
	Cloned  []string `json:"cloned"`
	Pool    int      `json:"pool"`
}

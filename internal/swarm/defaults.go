package swarm

import (
	"time"

	"github.com/miradorstack/mirador-immune/internal/models"
)

// Context keys read by the default rules.
const (
	KeyAnomalyDetected   = "anomalyDetected"
	KeyAnomalyCleared    = "anomalyCleared"
	KeyDeploymentSuccess = "deploymentSuccess"
)

// Well-known marker values.
const (
	ValueThreat              = "threat"
	ValueStage2              = "stage_2_escalation"
	ValueIncreasedMonitoring = "increased_monitoring"
	ValueDeploymentSuccess   = "deployment_success"
)

// DeployKeeper is the agent that owns deployment rules.
const DeployKeeper = "DeployKeeper"

func strength(v float64) *float64 { return &v }

// DefaultRules returns the built-in rule pack.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "anomaly-threat-flag",
			Agent:       AllAgents,
			Priority:    10,
			Description: "flag the location as threatened while an anomaly is active",
			Condition:   Condition{Kind: ConditionContextFlag, Flag: KeyAnomalyDetected},
			Action: Action{
				Kind:       ActionPlaceMarker,
				MarkerType: models.MarkerFlag,
				Value:      ValueThreat,
				Strength:   strength(1),
				TTL:        30 * time.Minute,
			},
		},
		{
			ID:          "swarm-threat-escalation",
			Agent:       AllAgents,
			Priority:    9,
			Description: "escalate to stage 2 when several agents report the same threat",
			Condition: Condition{
				Kind:        ConditionPheromoneCount,
				MarkerValue: ValueThreat,
				MinAgents:   2,
			},
			Action: Action{
				Kind:       ActionPlaceMarker,
				MarkerType: models.MarkerStatus,
				Value:      ValueStage2,
				Strength:   strength(1),
			},
		},
		{
			ID:          "threat-increased-monitoring",
			Agent:       AllAgents,
			Priority:    8,
			Description: "raise monitoring where a threat flag is present",
			Condition: Condition{
				Kind:        ConditionMarkerPresent,
				MarkerType:  models.MarkerFlag,
				MarkerValue: ValueThreat,
			},
			Action: Action{
				Kind:      ActionPlacePheromone,
				Value:     ValueIncreasedMonitoring,
				Strength:  strength(0.8),
				DecayRate: 0.01,
			},
		},
		{
			ID:          "anomaly-cleared",
			Agent:       AllAgents,
			Priority:    5,
			Description: "clear markers once the anomaly is resolved",
			Condition:   Condition{Kind: ConditionContextFlag, Flag: KeyAnomalyCleared},
			Action:      Action{Kind: ActionClearMarkers},
		},
		{
			ID:          "deployment-success-tag",
			Agent:       DeployKeeper,
			Priority:    3,
			Description: "tag successful deployments",
			Condition:   Condition{Kind: ConditionContextFlag, Flag: KeyDeploymentSuccess},
			Action: Action{
				Kind:       ActionPlaceMarker,
				MarkerType: models.MarkerTag,
				Value:      ValueDeploymentSuccess,
				Strength:   strength(1),
				TTL:        time.Hour,
			},
		},
	}
}

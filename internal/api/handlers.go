package api

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-immune/internal/models"
)

// DetectRequest asks for anomaly detection over live samples.
type DetectRequest struct {
	Samples   []models.MetricSample `json:"samples"`
	Threshold float64               `json:"threshold,omitempty"`
}

// RouteRequest routes and executes a response for one anomaly.
type RouteRequest struct {
	Anomaly          models.AnomalyDetection `json:"anomaly"`
	AffectedServices []string                `json:"affectedServices,omitempty"`
	Metrics          map[string]float64      `json:"metrics,omitempty"`
}

// EscalateRequest moves a response one stage up, optionally running the new stage.
type EscalateRequest struct {
	ResponseID string `json:"responseId"`
	Execute    bool   `json:"execute,omitempty"`
}

// QuarantineRequest isolates a service.
type QuarantineRequest struct {
	Service   string        `json:"service"`
	Reason    string        `json:"reason"`
	AnomalyID string        `json:"anomalyId,omitempty"`
	Period    time.Duration `json:"-"`
}

// ReleaseRequest lifts a quarantine.
type ReleaseRequest struct {
	Service  string `json:"service"`
	Verified bool   `json:"verified"`
}

// RecognizeRequest matches an anomaly against threat memory.
type RecognizeRequest struct {
	Anomaly models.AnomalyDetection `json:"anomaly"`
	Metrics map[string]float64      `json:"metrics,omitempty"`
}

// PlaceMarkerRequest places a marker or, for type "pheromone", a pheromone.
// An absent strength selects the default; an explicit 0 is kept.
type PlaceMarkerRequest struct {
	Type      models.MarkerType `json:"type"`
	Location  string            `json:"location"`
	Value     any               `json:"value"`
	Strength  *float64          `json:"strength,omitempty"`
	DecayRate float64           `json:"decayRate,omitempty"`
	AgentID   string            `json:"agentId,omitempty"`
	TTL       time.Duration     `json:"-"`
}

// ReadMarkersRequest lists markers at a location. An empty type lists all.
type ReadMarkersRequest struct {
	Location string            `json:"location"`
	Type     models.MarkerType `json:"type,omitempty"`
}

// EvaluateRulesRequest runs the swarm rules for one agent.
type EvaluateRulesRequest struct {
	Agent   string         `json:"agent"`
	Context map[string]any `json:"context,omitempty"`
}

// AgentFitnessRequest scores one agent.
type AgentFitnessRequest struct {
	AgentID   string               `json:"agentId"`
	AgentName string               `json:"agentName,omitempty"`
	Inputs    models.FitnessInputs `json:"inputs"`
}

// BuildBaselineRequest (re)builds the baseline of one metric from history.
type BuildBaselineRequest struct {
	Category models.Category `json:"category"`
	Metric   string          `json:"metric"`
	Values   []float64       `json:"values"`
	Unit     string          `json:"unit,omitempty"`
}

// ObserveRequest feeds live samples from one service: detect, learn, respond.
type ObserveRequest struct {
	Service string                `json:"service,omitempty"`
	Samples []models.MetricSample `json:"samples"`
}

// Decode copies the fields of in into out through their JSON form.
func Decode(in *structpb.Struct, out any) error {
	if in == nil {
		return fmt.Errorf("request is nil")
	}
	data, err := json.Marshal(in.AsMap())
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

// Encode converts v into a Struct through its JSON form. v must not hold
// non-finite floats; see SanitizeAnomaly.
func Encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode reply: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("encode reply: %w", err)
	}
	return structpb.NewStruct(fields)
}

// durationField reads a duration given as a Go duration string or a
// number of seconds.
func durationField(in *structpb.Struct, name string) (time.Duration, error) {
	v, ok := in.GetFields()[name]
	if !ok {
		return 0, nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		if k.StringValue == "" {
			return 0, nil
		}
		d, err := time.ParseDuration(k.StringValue)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", name, err)
		}
		return d, nil
	case *structpb.Value_NumberValue:
		return time.Duration(k.NumberValue * float64(time.Second)), nil
	case *structpb.Value_NullValue:
		return 0, nil
	default:
		return 0, fmt.Errorf("%s must be a duration string or seconds", name)
	}
}

// FromStructDetectRequest validates a Detect request.
func FromStructDetectRequest(in *structpb.Struct) (DetectRequest, error) {
	var req DetectRequest
	if err := Decode(in, &req); err != nil {
		return DetectRequest{}, err
	}
	if err := validateSamples(req.Samples); err != nil {
		return DetectRequest{}, err
	}
	if req.Threshold < 0 {
		return DetectRequest{}, fmt.Errorf("threshold must not be negative")
	}
	return req, nil
}

func validateSamples(samples []models.MetricSample) error {
	if len(samples) == 0 {
		return fmt.Errorf("samples are required")
	}
	for i, s := range samples {
		if !s.Category.Valid() {
			return fmt.Errorf("samples[%d]: unknown category %q", i, s.Category)
		}
		if s.Metric == "" {
			return fmt.Errorf("samples[%d]: metric is required", i)
		}
	}
	return nil
}

// FromStructBuildBaselineRequest validates a BuildBaseline request.
func FromStructBuildBaselineRequest(in *structpb.Struct) (BuildBaselineRequest, error) {
	var req BuildBaselineRequest
	if err := Decode(in, &req); err != nil {
		return BuildBaselineRequest{}, err
	}
	if !req.Category.Valid() {
		return BuildBaselineRequest{}, fmt.Errorf("unknown category %q", req.Category)
	}
	if req.Metric == "" {
		return BuildBaselineRequest{}, fmt.Errorf("metric is required")
	}
	if len(req.Values) == 0 {
		return BuildBaselineRequest{}, fmt.Errorf("values are required")
	}
	return req, nil
}

// FromStructObserveRequest validates an Observe request.
func FromStructObserveRequest(in *structpb.Struct) (ObserveRequest, error) {
	var req ObserveRequest
	if err := Decode(in, &req); err != nil {
		return ObserveRequest{}, err
	}
	if err := validateSamples(req.Samples); err != nil {
		return ObserveRequest{}, err
	}
	return req, nil
}

func validateAnomaly(a models.AnomalyDetection) error {
	if a.Metric == "" {
		return fmt.Errorf("anomaly.metric is required")
	}
	if a.Category != "" && !a.Category.Valid() {
		return fmt.Errorf("anomaly.category %q is unknown", a.Category)
	}
	if a.Severity < 0 || a.Severity > 1 || a.Confidence < 0 || a.Confidence > 1 {
		return fmt.Errorf("anomaly severity and confidence must be within [0,1]")
	}
	return nil
}

// FromStructRouteRequest validates a RouteAndExecute request.
func FromStructRouteRequest(in *structpb.Struct) (RouteRequest, error) {
	var req RouteRequest
	if err := Decode(in, &req); err != nil {
		return RouteRequest{}, err
	}
	if err := validateAnomaly(req.Anomaly); err != nil {
		return RouteRequest{}, err
	}
	return req, nil
}

// FromStructEscalateRequest validates an Escalate request.
func FromStructEscalateRequest(in *structpb.Struct) (EscalateRequest, error) {
	var req EscalateRequest
	if err := Decode(in, &req); err != nil {
		return EscalateRequest{}, err
	}
	if req.ResponseID == "" {
		return EscalateRequest{}, fmt.Errorf("responseId is required")
	}
	return req, nil
}

// FromStructQuarantineRequest validates a Quarantine request. period may be
// "30m" or a number of seconds; zero uses the configured verification period.
func FromStructQuarantineRequest(in *structpb.Struct) (QuarantineRequest, error) {
	var req QuarantineRequest
	if err := Decode(in, &req); err != nil {
		return QuarantineRequest{}, err
	}
	if req.Service == "" {
		return QuarantineRequest{}, fmt.Errorf("service is required")
	}
	period, err := durationField(in, "period")
	if err != nil {
		return QuarantineRequest{}, err
	}
	if period < 0 {
		return QuarantineRequest{}, fmt.Errorf("period must not be negative")
	}
	req.Period = period
	return req, nil
}

// FromStructReleaseRequest validates a Release request.
func FromStructReleaseRequest(in *structpb.Struct) (ReleaseRequest, error) {
	var req ReleaseRequest
	if err := Decode(in, &req); err != nil {
		return ReleaseRequest{}, err
	}
	if req.Service == "" {
		return ReleaseRequest{}, fmt.Errorf("service is required")
	}
	return req, nil
}

// FromStructRecognizeRequest validates a RecognizeThreat request.
func FromStructRecognizeRequest(in *structpb.Struct) (RecognizeRequest, error) {
	var req RecognizeRequest
	if err := Decode(in, &req); err != nil {
		return RecognizeRequest{}, err
	}
	if err := validateAnomaly(req.Anomaly); err != nil {
		return RecognizeRequest{}, err
	}
	return req, nil
}

// FromStructPlaceMarkerRequest validates a PlaceMarker request. ttl may be
// "10m" or a number of seconds.
func FromStructPlaceMarkerRequest(in *structpb.Struct) (PlaceMarkerRequest, error) {
	var req PlaceMarkerRequest
	if err := Decode(in, &req); err != nil {
		return PlaceMarkerRequest{}, err
	}
	if req.Location == "" {
		return PlaceMarkerRequest{}, fmt.Errorf("location is required")
	}
	switch req.Type {
	case models.MarkerFlag, models.MarkerTag, models.MarkerStatus:
	case models.MarkerPheromone:
		if req.DecayRate <= 0 {
			return PlaceMarkerRequest{}, fmt.Errorf("pheromones need a positive decayRate")
		}
	default:
		return PlaceMarkerRequest{}, fmt.Errorf("unknown marker type %q", req.Type)
	}
	ttl, err := durationField(in, "ttl")
	if err != nil {
		return PlaceMarkerRequest{}, err
	}
	req.TTL = ttl
	return req, nil
}

// FromStructReadMarkersRequest validates a ReadMarkers request.
func FromStructReadMarkersRequest(in *structpb.Struct) (ReadMarkersRequest, error) {
	var req ReadMarkersRequest
	if err := Decode(in, &req); err != nil {
		return ReadMarkersRequest{}, err
	}
	if req.Location == "" {
		return ReadMarkersRequest{}, fmt.Errorf("location is required")
	}
	return req, nil
}

// FromStructEvaluateRulesRequest validates an EvaluateRules request.
func FromStructEvaluateRulesRequest(in *structpb.Struct) (EvaluateRulesRequest, error) {
	var req EvaluateRulesRequest
	if err := Decode(in, &req); err != nil {
		return EvaluateRulesRequest{}, err
	}
	if req.Agent == "" {
		return EvaluateRulesRequest{}, fmt.Errorf("agent is required")
	}
	if req.Context == nil {
		req.Context = map[string]any{}
	}
	return req, nil
}

// FromStructAgentFitnessRequest validates an EvaluateAgentFitness request.
func FromStructAgentFitnessRequest(in *structpb.Struct) (AgentFitnessRequest, error) {
	var req AgentFitnessRequest
	if err := Decode(in, &req); err != nil {
		return AgentFitnessRequest{}, err
	}
	if req.AgentID == "" {
		return AgentFitnessRequest{}, fmt.Errorf("agentId is required")
	}
	if req.AgentName == "" {
		req.AgentName = req.AgentID
	}
	return req, nil
}

// SanitizeAnomaly replaces non-finite floats, which JSON and Struct values
// cannot carry, with the nearest finite value. Zero-variance baselines
// produce infinite deviations.
func SanitizeAnomaly(a models.AnomalyDetection) models.AnomalyDetection {
	a.CurrentValue = finite(a.CurrentValue)
	a.BaselineMean = finite(a.BaselineMean)
	a.Deviation = finite(a.Deviation)
	a.Severity = finite(a.Severity)
	a.Confidence = finite(a.Confidence)
	if len(a.Metadata) > 0 {
		meta := make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			if f, ok := v.(float64); ok {
				v = finite(f)
			}
			meta[k] = v
		}
		a.Metadata = meta
	}
	return a
}

func finite(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case math.IsInf(v, 1):
		return math.MaxFloat64
	case math.IsInf(v, -1):
		return -math.MaxFloat64
	}
	return v
}

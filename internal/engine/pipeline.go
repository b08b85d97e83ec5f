package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/miradorstack/mirador-immune/internal/baseline"
	"github.com/miradorstack/mirador-immune/internal/detection"
	"github.com/miradorstack/mirador-immune/internal/detectors"
	"github.com/miradorstack/mirador-immune/internal/metrics"
	"github.com/miradorstack/mirador-immune/internal/models"
	"github.com/miradorstack/mirador-immune/internal/quarantine"
	"github.com/miradorstack/mirador-immune/internal/response"
	"github.com/miradorstack/mirador-immune/internal/swarm"
	"github.com/miradorstack/mirador-immune/internal/threat"
	"github.com/miradorstack/mirador-immune/internal/utils"
)

const (
	// DefaultAgent is the swarm agent the pipeline evaluates rules for.
	DefaultAgent = "BrainHub"

	threatPheromoneDecay = 0.1
)

// Deps bundles the components the pipeline orchestrates. Detectors,
// Quarantine, Environment and Rules are optional.
type Deps struct {
	Baselines   *baseline.Store
	Detector    *detection.Detector
	Detectors   *detectors.Pool
	Router      *response.Router
	Responses   *response.StateMachine
	Threats     *threat.Memory
	Recognizer  *threat.Recognizer
	Quarantine  *quarantine.Manager
	Environment *swarm.Environment
	Rules       *swarm.RuleEngine
	Clock       utils.Clock
	Agent       string
	Threshold   float64
}

// HandleResult is the outcome of handling one anomaly end to end.
type HandleResult struct {
	Response models.StagedResponse `json:"response"`
	Route    models.RouteDecision  `json:"route"`
	Threat   *models.ThreatMatch   `json:"threat,omitempty"`
	ThreatID string                `json:"threatId"`
	Rules    models.RuleEvaluation `json:"rules"`
}

// Pipeline orchestrates detection, staged response, threat memory and swarm
// signalling.
type Pipeline struct {
	deps   Deps
	logger *slog.Logger
	clock  utils.Clock
	tracer trace.Tracer
}

// NewPipeline constructs a pipeline over deps.
func NewPipeline(deps Deps, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Baselines == nil || deps.Detector == nil || deps.Router == nil || deps.Responses == nil || deps.Threats == nil || deps.Recognizer == nil {
		return nil, fmt.Errorf("pipeline requires baselines, detector, router, responses and threat memory")
	}
	if deps.Agent == "" {
		deps.Agent = DefaultAgent
	}
	if deps.Threshold <= 0 {
		deps.Threshold = detection.DefaultThreshold
	}
	return &Pipeline{
		deps:   deps,
		logger: logger,
		clock:  utils.ClockOrDefault(deps.Clock),
		tracer: otel.Tracer("github.com/miradorstack/mirador-immune/internal/engine"),
	}, nil
}

// Threshold is the default z-score threshold.
func (p *Pipeline) Threshold() float64 { return p.deps.Threshold }

func (p *Pipeline) finish(span trace.Span, phase string, started time.Time, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	metrics.ObservePhase(phase, time.Since(started), err)
}

// Detect checks samples against their baselines without learning from them.
// Detections matching registered threat patterns carry the pattern names in
// their metadata, and negative-selection hits are counted alongside.
func (p *Pipeline) Detect(ctx context.Context, samples []models.MetricSample, threshold float64) (detections []models.AnomalyDetection, err error) {
	ctx, span := p.tracer.Start(ctx, "immune.detect", trace.WithAttributes(attribute.Int("samples", len(samples))))
	started := time.Now()
	defer func() { p.finish(span, "detect", started, err) }()

	if threshold <= 0 {
		threshold = p.deps.Threshold
	}
	detections, err = p.deps.Detector.DetectAnomalies(ctx, samples, threshold)
	if err != nil {
		return nil, fmt.Errorf("detect anomalies: %w", err)
	}

	var patternNames []string
	for _, tp := range p.deps.Detector.MatchThreatPattern(detections) {
		patternNames = append(patternNames, tp.Name)
	}
	hits := 0
	if p.deps.Detectors != nil {
		observation := make(map[string]float64, len(samples))
		for _, s := range samples {
			observation[s.Metric] = s.Value
		}
		hits = len(p.deps.Detectors.Classify(observation))
	}
	for i := range detections {
		if detections[i].Metadata == nil {
			detections[i].Metadata = make(map[string]any)
		}
		if len(patternNames) > 0 {
			detections[i].Metadata["threatPatterns"] = patternNames
		}
		if hits > 0 {
			detections[i].Metadata["detectorHits"] = hits
		}
		metrics.ObserveAnomaly(string(detections[i].Category))
	}
	span.SetAttributes(attribute.Int("anomalies", len(detections)))
	return detections, nil
}

// Handle routes an anomaly, creates and executes its staged response, consults
// and updates threat memory, records the outcome for routing history, and
// lets the swarm react.
func (p *Pipeline) Handle(ctx context.Context, anomaly models.AnomalyDetection, services []string, extra map[string]float64) (result HandleResult, err error) {
	ctx, span := p.tracer.Start(ctx, "immune.handle", trace.WithAttributes(
		attribute.String("anomaly.id", anomaly.ID),
		attribute.String("anomaly.metric", anomaly.Metric),
		attribute.Float64("anomaly.severity", anomaly.Severity),
	))
	started := time.Now()
	defer func() { p.finish(span, "handle", started, err) }()

	services = dedupe(services)
	result.Route = p.deps.Router.RouteAnomaly(anomaly, services, len(extra))

	resp, err := p.deps.Responses.CreateResponse(ctx, anomaly, result.Route.BlastRadius, services)
	if err != nil {
		return result, fmt.Errorf("create response: %w", err)
	}
	metrics.ObserveResponse(resp.StageName)
	span.SetAttributes(attribute.String("response.stage", resp.StageName))

	match, err := p.deps.Recognizer.RecognizeThreat(ctx, anomaly, extra)
	if err != nil {
		p.logger.Warn("threat recognition failed", slog.String("anomaly_id", anomaly.ID), slog.Any("error", err))
	}
	result.Threat = match
	if match != nil {
		result.Route.Reasoning += "; " + suggestion(match)
	}

	executed, err := p.deps.Responses.ExecuteResponse(ctx, resp.ID)
	if err != nil {
		return result, fmt.Errorf("execute response: %w", err)
	}
	result.Response = executed
	for _, a := range executed.Actions {
		metrics.ObserveAction(string(a.Type), a.Failed())
	}
	success := executed.Succeeded()

	threatID, err := p.remember(ctx, anomaly, extra, match, executed, success)
	if err != nil {
		p.logger.Warn("threat memory update failed", slog.String("anomaly_id", anomaly.ID), slog.Any("error", err))
	}
	result.ThreatID = threatID
	p.deps.Router.RecordOutcome(anomaly.Metric, executed.Stage, success)

	result.Rules = p.signal(ctx, anomaly, services)
	p.refreshGauges()

	p.logger.Info("anomaly handled",
		slog.String("anomaly_id", anomaly.ID),
		slog.String("response_id", executed.ID),
		slog.String("stage", executed.StageName),
		slog.Bool("success", success),
		slog.Int("rules_executed", len(result.Rules.Executed)),
	)
	return result, nil
}

// PatternKey names the threat pattern an anomaly belongs to.
func PatternKey(anomaly models.AnomalyDetection) string {
	return fmt.Sprintf("%s:%s", anomaly.Category, anomaly.Metric)
}

func (p *Pipeline) remember(ctx context.Context, anomaly models.AnomalyDetection, extra map[string]float64, match *models.ThreatMatch, resp models.StagedResponse, success bool) (string, error) {
	pattern := PatternKey(anomaly)
	if match != nil {
		pattern = match.Threat.Pattern
	}
	sig, err := p.deps.Threats.StoreThreatSignature(ctx, models.ThreatSignature{
		Pattern: pattern,
		Metrics: threat.Features(anomaly, extra),
	})
	if err != nil {
		return "", err
	}
	actions := make([]string, 0, len(resp.Actions))
	for _, a := range resp.Actions {
		actions = append(actions, fmt.Sprintf("%s:%s", a.Type, a.Target))
	}
	resolved := p.clock.Now()
	err = p.deps.Threats.RecordThreatResponse(ctx, models.ThreatResponse{
		ThreatID:     sig.ID,
		Stage:        resp.Stage,
		Actions:      actions,
		Success:      success,
		ResponseTime: resolved.Sub(resp.StartedAt),
		ResolvedAt:   resolved,
		Metadata:     map[string]any{"responseId": resp.ID, "anomalyId": anomaly.ID},
	})
	return sig.ID, err
}

// signal deposits a threat pheromone for every affected location and runs the
// agent's rules there.
func (p *Pipeline) signal(ctx context.Context, anomaly models.AnomalyDetection, services []string) models.RuleEvaluation {
	eval := models.RuleEvaluation{Agent: p.deps.Agent}
	if p.deps.Environment == nil {
		return eval
	}
	locations := services
	if len(locations) == 0 {
		locations = []string{"global"}
	}
	for _, loc := range locations {
		if _, err := p.deps.Environment.PlacePheromone(ctx, loc, swarm.ValueThreat, anomaly.Severity, threatPheromoneDecay, p.deps.Agent); err != nil {
			p.logger.Warn("threat pheromone failed", slog.String("location", loc), slog.Any("error", err))
		}
		if p.deps.Rules == nil {
			continue
		}
		r := p.deps.Rules.EvaluateRules(ctx, p.deps.Agent, map[string]any{
			swarm.KeyAnomalyDetected: true,
			"location":               loc,
			"severity":               anomaly.Severity,
			"confidence":             anomaly.Confidence,
			anomaly.Metric:           anomaly.CurrentValue,
		})
		eval.Matched = append(eval.Matched, r.Matched...)
		eval.Executed = append(eval.Executed, r.Executed...)
		eval.Failed = append(eval.Failed, r.Failed...)
	}
	return eval
}

func (p *Pipeline) refreshGauges() {
	if p.deps.Quarantine != nil {
		metrics.SetActiveQuarantines(p.deps.Quarantine.ActiveCount())
	}
	if p.deps.Environment != nil {
		metrics.SetLivePheromones(p.deps.Environment.LivePheromones())
	}
}

// Observe is the learning loop used for live samples: detect against the
// current profile, fold every sample into its baseline, then handle each
// detection with service as the affected service.
func (p *Pipeline) Observe(ctx context.Context, service string, samples []models.MetricSample) ([]HandleResult, error) {
	detections, err := p.Detect(ctx, samples, 0)
	if err != nil {
		return nil, err
	}
	p.scoreDetectors(ctx, samples, detections)
	for _, s := range samples {
		if _, err := p.deps.Baselines.UpdateBaseline(ctx, s.Category, s.Metric, s.Value); err != nil {
			return nil, fmt.Errorf("update baseline %s: %w", s.Metric, err)
		}
	}
	var services []string
	if service != "" {
		services = []string{service}
	}
	extra := make(map[string]float64, len(samples))
	for _, s := range samples {
		extra[s.Metric] = s.Value
	}
	results := make([]HandleResult, 0, len(detections))
	for _, d := range detections {
		others := make(map[string]float64, len(extra))
		for k, v := range extra {
			if k != d.Metric {
				others[k] = v
			}
		}
		res, err := p.Handle(ctx, d, services, others)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// scoreDetectors feeds the z-score verdict back into every detector that
// covers an observed metric: firing on an anomalous metric or staying quiet on
// a normal one counts as correct.
func (p *Pipeline) scoreDetectors(ctx context.Context, samples []models.MetricSample, detections []models.AnomalyDetection) {
	if p.deps.Detectors == nil || len(samples) == 0 {
		return
	}
	observation := make(map[string]float64, len(samples))
	for _, s := range samples {
		observation[s.Metric] = s.Value
	}
	anomalous := make(map[string]bool, len(detections))
	for _, d := range detections {
		anomalous[d.Metric] = true
	}
	fired := make(map[string]bool)
	for _, d := range p.deps.Detectors.Classify(observation) {
		fired[d.ID] = true
	}
	for _, d := range p.deps.Detectors.Detectors() {
		seen, actual := false, false
		for metric := range d.Ranges {
			if _, ok := observation[metric]; ok {
				seen = true
				actual = actual || anomalous[metric]
			}
		}
		if !seen {
			continue
		}
		if _, err := p.deps.Detectors.UpdateFitness(ctx, d.ID, fired[d.ID], actual); err != nil {
			p.logger.Warn("detector fitness update failed", slog.String("detector_id", d.ID), slog.Any("error", err))
		}
	}
}

// Housekeeping runs pheromone decay and quarantine auto-release, then
// refreshes the gauges that only change on those passes.
func (p *Pipeline) Housekeeping(ctx context.Context) error {
	if p.deps.Environment != nil {
		if _, err := p.deps.Environment.Decay(ctx); err != nil {
			return fmt.Errorf("decay pheromones: %w", err)
		}
	}
	if p.deps.Quarantine != nil {
		if _, err := p.deps.Quarantine.CheckAutoRelease(ctx); err != nil {
			return fmt.Errorf("auto-release quarantines: %w", err)
		}
	}
	p.refreshGauges()
	return nil
}

func suggestion(m *models.ThreatMatch) string {
	var b strings.Builder
	fmt.Fprintf(&b, "resembles threat %s (similarity %.2f, confidence %.2f)", m.Threat.ID, m.Similarity, m.Confidence)
	if m.SuggestedStage != nil {
		fmt.Fprintf(&b, "; memory suggests %s", m.SuggestedStage.String())
	}
	if len(m.SuggestedActions) > 0 {
		fmt.Fprintf(&b, " with %s", strings.Join(m.SuggestedActions, ", "))
	}
	return b.String()
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

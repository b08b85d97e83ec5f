package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-immune/internal/api"
	"github.com/miradorstack/mirador-immune/internal/baseline"
	"github.com/miradorstack/mirador-immune/internal/detectors"
	"github.com/miradorstack/mirador-immune/internal/engine"
	"github.com/miradorstack/mirador-immune/internal/fitness"
	"github.com/miradorstack/mirador-immune/internal/models"
	"github.com/miradorstack/mirador-immune/internal/quarantine"
	"github.com/miradorstack/mirador-immune/internal/response"
	"github.com/miradorstack/mirador-immune/internal/swarm"
	"github.com/miradorstack/mirador-immune/internal/threat"
	"github.com/miradorstack/mirador-immune/internal/utils"
)

// Deps are the components exposed over gRPC. Any nil component makes its
// methods answer FailedPrecondition.
type Deps struct {
	Baselines   *baseline.Store
	Pipeline    *engine.Pipeline
	Responses   *response.StateMachine
	Quarantine  *quarantine.Manager
	Recognizer  *threat.Recognizer
	Environment *swarm.Environment
	Rules       *swarm.RuleEngine
	Fitness     *fitness.Evaluator
	Selector    *fitness.Selector
}

// ImmuneService implements the gRPC ImmuneEngine service.
type ImmuneService struct {
	api.UnimplementedImmuneEngineServer

	deps      Deps
	logger    *slog.Logger
	latencies *utils.LatencyTracker
}

// NewImmuneService constructs the service facade.
func NewImmuneService(logger *slog.Logger, deps Deps) *ImmuneService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ImmuneService{
		deps:      deps,
		logger:    logger,
		latencies: utils.NewLatencyTracker(1024),
	}
}

// statusFromError maps domain errors onto gRPC codes.
func (s *ImmuneService) statusFromError(op string, err error) error {
	var appErr *utils.AppError
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, response.ErrResponseNotFound),
		errors.Is(err, quarantine.ErrNotFound),
		errors.Is(err, fitness.ErrBehaviorNotFound),
		errors.Is(err, detectors.ErrDetectorNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, baseline.ErrEmptySamples):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, response.ErrTerminalStage):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, quarantine.ErrLeaseHeld):
		return status.Error(codes.Aborted, err.Error())
	case errors.As(err, &appErr) && appErr.Err == nil:
		return status.Error(codes.InvalidArgument, err.Error())
	}
	s.logger.Error(op+" failed", slog.Any("error", err))
	return status.Errorf(codes.Internal, "%s failed: %v", op, err)
}

func invalid(err error) error {
	return status.Error(codes.InvalidArgument, err.Error())
}

func notConfigured(what string) error {
	return status.Errorf(codes.FailedPrecondition, "%s not configured", what)
}

func (s *ImmuneService) reply(v any) (*structpb.Struct, error) {
	out, err := api.Encode(v)
	if err != nil {
		s.logger.Error("encode reply failed", slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to encode reply")
	}
	return out, nil
}

// Detect runs anomaly detection over the supplied samples.
func (s *ImmuneService) Detect(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.deps.Pipeline == nil {
		return nil, notConfigured("pipeline")
	}
	req, err := api.FromStructDetectRequest(in)
	if err != nil {
		return nil, invalid(err)
	}
	detections, err := s.deps.Pipeline.Detect(ctx, req.Samples, req.Threshold)
	if err != nil {
		return nil, s.statusFromError("detect", err)
	}
	clean := make([]models.AnomalyDetection, 0, len(detections))
	for _, d := range detections {
		clean = append(clean, api.SanitizeAnomaly(d))
	}
	return s.reply(map[string]any{"detections": clean})
}

// RouteAndExecute handles one anomaly end to end.
func (s *ImmuneService) RouteAndExecute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.deps.Pipeline == nil {
		return nil, notConfigured("pipeline")
	}
	req, err := api.FromStructRouteRequest(in)
	if err != nil {
		return nil, invalid(err)
	}

	s.logger.Debug("RouteAndExecute called", slog.String("anomaly_id", req.Anomaly.ID), slog.String("metric", req.Anomaly.Metric))

	start := time.Now()
	result, err := s.deps.Pipeline.Handle(ctx, req.Anomaly, req.AffectedServices, req.Metrics)
	if err != nil {
		return nil, s.statusFromError("route and execute", err)
	}
	s.latencies.Observe(time.Since(start))
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		s.logger.Info("response latency", slog.Duration("p95", s.latencies.Percentile(95)), slog.Int("samples", count))
	}
	return s.reply(result)
}

// Escalate advances a staged response, executing the new stage on request.
func (s *ImmuneService) Escalate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.deps.Responses == nil {
		return nil, notConfigured("response state machine")
	}
	req, err := api.FromStructEscalateRequest(in)
	if err != nil {
		return nil, invalid(err)
	}
	resp, err := s.deps.Responses.EscalateResponse(ctx, req.ResponseID)
	if err != nil {
		return nil, s.statusFromError("escalate", err)
	}
	if req.Execute {
		if resp, err = s.deps.Responses.ExecuteResponse(ctx, req.ResponseID); err != nil {
			return nil, s.statusFromError("execute", err)
		}
	}
	return s.reply(map[string]any{"response": resp})
}

// Quarantine isolates a service.
func (s *ImmuneService) Quarantine(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.deps.Quarantine == nil {
		return nil, notConfigured("quarantine manager")
	}
	req, err := api.FromStructQuarantineRequest(in)
	if err != nil {
		return nil, invalid(err)
	}
	rec, err := s.deps.Quarantine.Quarantine(ctx, req.Service, req.Reason, req.AnomalyID, req.Period)
	if err != nil {
		return nil, s.statusFromError("quarantine", err)
	}
	return s.reply(map[string]any{"quarantine": rec})
}

// Release lifts a quarantine.
func (s *ImmuneService) Release(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.deps.Quarantine == nil {
		return nil, notConfigured("quarantine manager")
	}
	req, err := api.FromStructReleaseRequest(in)
	if err != nil {
		return nil, invalid(err)
	}
	rec, err := s.deps.Quarantine.Release(ctx, req.Service, req.Verified)
	if err != nil {
		return nil, s.statusFromError("release", err)
	}
	return s.reply(map[string]any{"quarantine": rec})
}

// RecognizeThreat matches an anomaly against remembered threats.
func (s *ImmuneService) RecognizeThreat(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.deps.Recognizer == nil {
		return nil, notConfigured("threat recognizer")
	}
	req, err := api.FromStructRecognizeRequest(in)
	if err != nil {
		return nil, invalid(err)
	}
	match, err := s.deps.Recognizer.RecognizeThreat(ctx, req.Anomaly, req.Metrics)
	if err != nil {
		return nil, s.statusFromError("recognize threat", err)
	}
	return s.reply(map[string]any{"recognized": match != nil, "match": match})
}

// PlaceMarker places a marker, or a pheromone when the type is "pheromone".
func (s *ImmuneService) PlaceMarker(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.deps.Environment == nil {
		return nil, notConfigured("swarm environment")
	}
	req, err := api.FromStructPlaceMarkerRequest(in)
	if err != nil {
		return nil, invalid(err)
	}
	var marker models.EnvironmentMarker
	if req.Type == models.MarkerPheromone {
		marker, err = s.deps.Environment.PlacePheromone(ctx, req.Location, req.Value, swarm.StrengthOr(req.Strength), req.DecayRate, req.AgentID)
	} else {
		marker, err = s.deps.Environment.PlaceMarker(ctx, swarm.MarkerSpec{
			Type:     req.Type,
			Location: req.Location,
			Value:    req.Value,
			Strength: req.Strength,
			AgentID:  req.AgentID,
			TTL:      req.TTL,
		})
	}
	if err != nil {
		return nil, s.statusFromError("place marker", err)
	}
	return s.reply(map[string]any{"marker": marker})
}

// ReadMarkers lists live markers at a location. Pheromone reads also return
// per-value concentrations.
func (s *ImmuneService) ReadMarkers(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.deps.Environment == nil {
		return nil, notConfigured("swarm environment")
	}
	req, err := api.FromStructReadMarkersRequest(in)
	if err != nil {
		return nil, invalid(err)
	}
	out := map[string]any{"markers": s.deps.Environment.ReadMarkers(req.Location, req.Type)}
	if req.Type == models.MarkerPheromone {
		out["concentrations"] = s.deps.Environment.ReadPheromones(req.Location, nil)
	}
	return s.reply(out)
}

// EvaluateRules runs the swarm rules for an agent.
func (s *ImmuneService) EvaluateRules(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.deps.Rules == nil {
		return nil, notConfigured("rule engine")
	}
	req, err := api.FromStructEvaluateRulesRequest(in)
	if err != nil {
		return nil, invalid(err)
	}
	return s.reply(s.deps.Rules.EvaluateRules(ctx, req.Agent, req.Context))
}

// EvaluateAgentFitness scores one agent.
func (s *ImmuneService) EvaluateAgentFitness(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.deps.Fitness == nil {
		return nil, notConfigured("fitness evaluator")
	}
	req, err := api.FromStructAgentFitnessRequest(in)
	if err != nil {
		return nil, invalid(err)
	}
	af, err := s.deps.Fitness.EvaluateAgentFitness(ctx, req.AgentID, req.AgentName, req.Inputs)
	if err != nil {
		return nil, s.statusFromError("evaluate agent fitness", err)
	}
	return s.reply(af)
}

// EvaluateSystemFitness aggregates every agent's fitness.
func (s *ImmuneService) EvaluateSystemFitness(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if s.deps.Fitness == nil {
		return nil, notConfigured("fitness evaluator")
	}
	sf, err := s.deps.Fitness.EvaluateSystemFitness(ctx)
	if err != nil {
		return nil, s.statusFromError("evaluate system fitness", err)
	}
	return s.reply(sf)
}

// PerformSelection runs one clonal selection pass.
func (s *ImmuneService) PerformSelection(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if s.deps.Selector == nil {
		return nil, notConfigured("clonal selector")
	}
	report, err := s.deps.Selector.PerformSelection(ctx)
	if err != nil {
		return nil, s.statusFromError("perform selection", err)
	}
	return s.reply(report)
}

// BuildBaseline replaces the learned profile of one metric with the supplied
// history.
func (s *ImmuneService) BuildBaseline(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.deps.Baselines == nil {
		return nil, notConfigured("baseline store")
	}
	req, err := api.FromStructBuildBaselineRequest(in)
	if err != nil {
		return nil, invalid(err)
	}
	pattern, err := s.deps.Baselines.BuildBaseline(ctx, req.Category, req.Metric, req.Values, req.Unit)
	if err != nil {
		return nil, s.statusFromError("build baseline", err)
	}
	s.logger.Info("baseline built",
		slog.String("category", string(req.Category)),
		slog.String("metric", req.Metric),
		slog.Int("samples", pattern.SampleCount),
		slog.Int("version", pattern.Version),
	)
	return s.reply(map[string]any{"baseline": pattern})
}

// Observe detects against the current profile, learns from every sample and
// handles each detection with the reporting service as affected.
func (s *ImmuneService) Observe(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.deps.Pipeline == nil {
		return nil, notConfigured("pipeline")
	}
	req, err := api.FromStructObserveRequest(in)
	if err != nil {
		return nil, invalid(err)
	}
	results, err := s.deps.Pipeline.Observe(ctx, req.Service, req.Samples)
	if err != nil {
		return nil, s.statusFromError("observe", err)
	}
	return s.reply(map[string]any{"handled": results})
}

// LatencyP95 returns the p95 RouteAndExecute latency.
func (s *ImmuneService) LatencyP95() time.Duration {
	if s.latencies == nil {
		return 0
	}
	return s.latencies.Percentile(95)
}

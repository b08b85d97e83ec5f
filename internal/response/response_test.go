package response

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/miradorstack/mirador-immune/internal/models"
	"github.com/miradorstack/mirador-immune/internal/utils"
)

func newMachine(exec ActionExecutor) *StateMachine {
	clock := utils.NewManualClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	return NewStateMachine(exec, utils.DiscardLogger(), clock, &utils.SequenceGenerator{})
}

func TestDetermineStageCascade(t *testing.T) {
	cases := []struct {
		sev, conf, blast float64
		want             models.Stage
	}{
		{0.1, 0.1, 0.1, models.StageLocal},
		{0.1, 0.6, 0.1, models.StageContainment},
		{0.5, 0.6, 0.4, models.StageContainment},
		{0.5, 0.9, 0.4, models.StageEscalation},
		{0.7, 0.9, 0.7, models.StageEscalation},
		{0.9, 0.9, 0.1, models.StageRemediation},
		{0.2, 0.2, 0.9, models.StageRemediation},
	}
	for _, tc := range cases {
		if got := DetermineStage(tc.sev, tc.conf, tc.blast); got != tc.want {
			t.Fatalf("DetermineStage(%v,%v,%v) = %v, want %v", tc.sev, tc.conf, tc.blast, got, tc.want)
		}
	}
}

func TestDetermineStageMonotonicInSeverity(t *testing.T) {
	for _, conf := range []float64{0, 0.3, 0.55, 0.75, 1} {
		for _, blast := range []float64{0, 0.1, 0.3, 0.6, 0.9} {
			prev := models.StageLocal
			for sev := 0.0; sev <= 1.0001; sev += 0.01 {
				got := DetermineStage(sev, conf, blast)
				if got < prev {
					t.Fatalf("stage decreased at sev=%v conf=%v blast=%v", sev, conf, blast)
				}
				prev = got
			}
		}
	}
}

func TestCreateResponseActionsPerStage(t *testing.T) {
	m := newMachine(nil)
	ctx := context.Background()
	services := []string{"api", "worker"}

	local, _ := m.CreateResponse(ctx, models.AnomalyDetection{ID: "a0", Metric: "cpu", Severity: 0.1, Confidence: 0.1}, 0.1, nil)
	if len(local.Actions) != 1 || local.Actions[0].Type != models.ActionLog {
		t.Fatalf("stage 0 must only log, got %+v", local.Actions)
	}

	contain, _ := m.CreateResponse(ctx, models.AnomalyDetection{ID: "a1", Metric: "cpu", Severity: 0.5, Confidence: 0.6}, 0.2, services)
	if contain.Stage != models.StageContainment || len(contain.Actions) != 3 {
		t.Fatalf("unexpected containment response %+v", contain)
	}
	if contain.Actions[0].Type != models.ActionQuarantine || contain.Actions[1].Target != "worker" || contain.Actions[2].Type != models.ActionNotify {
		t.Fatalf("unexpected containment actions %+v", contain.Actions)
	}

	esc, _ := m.CreateResponse(ctx, models.AnomalyDetection{ID: "a2", Metric: "cpu", Severity: 0.7, Confidence: 0.9}, 0.2, services)
	if esc.Stage != models.StageEscalation || esc.Actions[2].Type != models.ActionEscalate {
		t.Fatalf("unexpected escalation actions %+v", esc.Actions)
	}

	rollback, _ := m.CreateResponse(ctx, models.AnomalyDetection{ID: "a3", Metric: "cpu", Severity: 0.9, Confidence: 0.9}, 0.1, services)
	if rollback.Actions[0].Type != models.ActionRollback || rollback.Actions[2].Type != models.ActionNotify {
		t.Fatalf("severity > 0.8 must roll back, got %+v", rollback.Actions)
	}

	recovery, _ := m.CreateResponse(ctx, models.AnomalyDetection{ID: "a4", Metric: "cpu", Severity: 0.5, Confidence: 0.5}, 0.9, services)
	if recovery.Stage != models.StageRemediation || recovery.Actions[0].Type != models.ActionRecover {
		t.Fatalf("remediation under 0.8 severity must recover, got %+v", recovery.Actions)
	}
}

func TestExecuteResponseRecordsPartialFailure(t *testing.T) {
	var order []string
	exec := ExecutorFunc(func(_ context.Context, _ models.StagedResponse, a models.Action) (string, error) {
		order = append(order, a.Target)
		if a.Target == "api" {
			return "", errors.New("isolation refused")
		}
		return "ok", nil
	})
	m := newMachine(exec)
	ctx := context.Background()
	resp, err := m.CreateResponse(ctx, models.AnomalyDetection{ID: "a1", Metric: "cpu", Severity: 0.5, Confidence: 0.6}, 0.2, []string{"api", "worker"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	out, err := m.ExecuteResponse(ctx, resp.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.Join(order, ",") != "api,worker,ops-team" {
		t.Fatalf("actions must run in order, got %v", order)
	}
	if !out.Actions[0].Failed() || out.Actions[1].Failed() || out.Actions[2].Failed() {
		t.Fatalf("unexpected per-action outcomes %+v", out.Actions)
	}
	for _, a := range out.Actions {
		if !a.Executed || a.ExecutedAt == nil {
			t.Fatalf("every action must be executed despite failure: %+v", a)
		}
	}
	if out.EscalatedTo == nil || *out.EscalatedTo != models.StageEscalation {
		t.Fatalf("expected escalatedTo=2, got %v", out.EscalatedTo)
	}
	if out.Stage != models.StageContainment {
		t.Fatalf("execution must not advance the stage itself")
	}
}

func TestEscalateResponseAppendsAndIsMonotonic(t *testing.T) {
	m := newMachine(nil)
	ctx := context.Background()
	resp, _ := m.CreateResponse(ctx, models.AnomalyDetection{ID: "a1", Metric: "cpu", Severity: 0.1, Confidence: 0.1}, 0.1, []string{"api"})
	if _, err := m.ExecuteResponse(ctx, resp.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	prevStage := resp.Stage
	prevActions := len(resp.Actions)
	for i := 0; i < 3; i++ {
		out, err := m.EscalateResponse(ctx, resp.ID)
		if err != nil {
			t.Fatalf("escalate %d: %v", i, err)
		}
		if out.Stage != prevStage+1 {
			t.Fatalf("expected stage %d, got %d", prevStage+1, out.Stage)
		}
		if len(out.Actions) <= prevActions {
			t.Fatalf("actions must accumulate")
		}
		if !out.Actions[0].Executed {
			t.Fatalf("earlier actions must be kept as they were")
		}
		prevStage, prevActions = out.Stage, len(out.Actions)
	}

	_, err := m.EscalateResponse(ctx, resp.ID)
	if !errors.Is(err, ErrTerminalStage) {
		t.Fatalf("expected ErrTerminalStage, got %v", err)
	}
	if _, err := m.EscalateResponse(ctx, "response-missing"); !errors.Is(err, ErrResponseNotFound) {
		t.Fatalf("expected ErrResponseNotFound, got %v", err)
	}
	if _, err := m.ExecuteResponse(ctx, "response-missing"); !errors.Is(err, ErrResponseNotFound) {
		t.Fatalf("expected ErrResponseNotFound, got %v", err)
	}

	out, err := m.ExecuteResponse(ctx, resp.ID)
	if err != nil {
		t.Fatalf("execute after escalation: %v", err)
	}
	if out.EscalatedTo != nil {
		t.Fatalf("terminal stage must never set escalatedTo")
	}
	for _, a := range out.Actions {
		if !a.Executed {
			t.Fatalf("appended actions must run on re-execution")
		}
	}
}

func TestBlastRadius(t *testing.T) {
	if got := BlastRadius(1, 0); math.Abs(got-0.1) > 1e-9 {
		t.Fatalf("expected 0.1, got %v", got)
	}
	if got := BlastRadius(5, 2); math.Abs(got-0.7) > 1e-9 {
		t.Fatalf("expected 0.7, got %v", got)
	}
	if got := BlastRadius(9, 10); got != 1 {
		t.Fatalf("expected cap at 1, got %v", got)
	}
}

func TestRouteAnomalyScenario(t *testing.T) {
	r := NewRouter(utils.DiscardLogger(), nil)
	d := r.RouteAnomaly(models.AnomalyDetection{ID: "a1", Metric: "cpu", Severity: 0.9, Confidence: 0.9}, []string{"api"}, 0)
	if d.Stage != models.StageRemediation {
		t.Fatalf("severity 0.9 fails the escalation condition; expected stage 3, got %v", d.Stage)
	}
	if math.Abs(d.BlastRadius-0.1) > 1e-9 {
		t.Fatalf("expected blast radius 0.1, got %v", d.BlastRadius)
	}
	if d.HistoricalSuccessRate != nil {
		t.Fatalf("no history must yield nil rate, got %v", *d.HistoricalSuccessRate)
	}
	if !strings.Contains(d.Reasoning, "no history") || !strings.Contains(d.Reasoning, "Remediation") {
		t.Fatalf("unexpected reasoning %q", d.Reasoning)
	}
}

func TestRouterHistory(t *testing.T) {
	r := NewRouter(utils.DiscardLogger(), nil)
	r.RecordOutcome("cpu", models.StageContainment, true)
	r.RecordOutcome("cpu_saturation", models.StageContainment, false)
	r.RecordOutcome("memory", models.StageLocal, true)
	r.RecordOutcome("cpu", models.StageEscalation, true)

	rate := r.HistoricalSuccessRate("cpu")
	if rate == nil || math.Abs(*rate-2.0/3.0) > 1e-9 {
		t.Fatalf("expected 2/3 success for cpu, got %v", rate)
	}
	if r.HistoricalSuccessRate("disk") != nil {
		t.Fatalf("expected nil for unseen metric")
	}

	for i := 0; i < MaxRouteHistory+10; i++ {
		r.RecordOutcome("disk", models.StageLocal, false)
	}
	if n := len(r.History()); n != MaxRouteHistory {
		t.Fatalf("expected history capped at %d, got %d", MaxRouteHistory, n)
	}
	if r.HistoricalSuccessRate("cpu") != nil {
		t.Fatalf("oldest entries must fall off the window")
	}
}

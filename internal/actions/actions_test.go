package actions

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/miradorstack/mirador-immune/internal/memory"
	"github.com/miradorstack/mirador-immune/internal/models"
	"github.com/miradorstack/mirador-immune/internal/quarantine"
	"github.com/miradorstack/mirador-immune/internal/utils"
)

type capturePublisher struct {
	mu   sync.Mutex
	msgs []*nats.Msg
	err  error
}

func (c *capturePublisher) PublishMsg(m *nats.Msg) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, m)
	return nil
}

func header(h nats.Header, key string) string {
	for k, v := range h {
		if strings.EqualFold(k, key) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

func sampleResponse() models.StagedResponse {
	return models.StagedResponse{ID: "response-1", AnomalyID: "anomaly-1", Metric: "cpu", Stage: models.StageContainment, StageName: "Containment"}
}

func TestNATSExecutorPublishesWithTraceContext(t *testing.T) {
	pub := &capturePublisher{}
	clock := utils.NewManualClock(time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC))
	exec := NewNATSExecutor(pub, "", utils.DiscardLogger(), clock)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01, 0x02, 0x03},
		SpanID:     trace.SpanID{0x0a},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	action := models.Action{ID: "action-1", Type: models.ActionNotify, Target: "ops-team"}

	out, err := exec.Execute(ctx, sampleResponse(), action)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "published to immune.actions.notify" {
		t.Fatalf("unexpected result %q", out)
	}
	if len(pub.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(pub.msgs))
	}
	msg := pub.msgs[0]
	tp := header(msg.Header, "traceparent")
	if !strings.Contains(tp, sc.TraceID().String()) {
		t.Fatalf("traceparent %q does not carry trace id", tp)
	}
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.ResponseID != "response-1" || env.Action.Target != "ops-team" || env.Stage != models.StageContainment {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if !env.PublishedAt.Equal(clock.Now()) {
		t.Fatalf("expected publish time from the injected clock %s, got %s", clock.Now(), env.PublishedAt)
	}
}

func TestNATSExecutorSurfacesPublishError(t *testing.T) {
	pub := &capturePublisher{err: errors.New("no responders")}
	exec := NewNATSExecutor(pub, "ops", utils.DiscardLogger(), nil)
	if _, err := exec.Execute(context.Background(), sampleResponse(), models.Action{Type: models.ActionLog}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestDispatcherRoutesQuarantine(t *testing.T) {
	clock := utils.NewManualClock(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	q := quarantine.NewManager(memory.NewMemStore(clock), quarantine.Config{}, utils.DiscardLogger(),
		quarantine.WithClock(clock), quarantine.WithIDs(&utils.SequenceGenerator{}))
	pub := &capturePublisher{}
	d := NewDispatcher(q, NewNATSExecutor(pub, "", utils.DiscardLogger(), clock), utils.DiscardLogger())
	ctx := context.Background()

	out, err := d.Execute(ctx, sampleResponse(), models.Action{ID: "a1", Type: models.ActionQuarantine, Target: "api", Description: "isolate api"})
	if err != nil {
		t.Fatalf("quarantine action: %v", err)
	}
	if !strings.HasPrefix(out, "quarantine ") {
		t.Fatalf("unexpected result %q", out)
	}
	if q.ActiveCount() != 1 {
		t.Fatalf("expected active quarantine")
	}
	if len(pub.msgs) != 0 {
		t.Fatalf("quarantine must not be published")
	}

	if _, err := d.Execute(ctx, sampleResponse(), models.Action{ID: "a2", Type: models.ActionNotify, Target: "ops-team"}); err != nil {
		t.Fatalf("notify action: %v", err)
	}
	if len(pub.msgs) != 1 {
		t.Fatalf("expected notify published")
	}
}

func TestFanoutStopsOnError(t *testing.T) {
	var calls int
	ok := stubExecutor(func() (string, error) { calls++; return "ok", nil })
	bad := stubExecutor(func() (string, error) { calls++; return "", errors.New("boom") })
	if _, err := (Fanout{ok, bad, ok}).Execute(context.Background(), sampleResponse(), models.Action{}); err == nil {
		t.Fatalf("expected error")
	}
	if calls != 2 {
		t.Fatalf("expected fanout to stop after failure, calls=%d", calls)
	}
}

type stubExecutor func() (string, error)

func (f stubExecutor) Execute(context.Context, models.StagedResponse, models.Action) (string, error) {
	return f()
}

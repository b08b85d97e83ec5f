package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/propagation"

	"github.com/miradorstack/mirador-immune/internal/models"
	"github.com/miradorstack/mirador-immune/internal/utils"
)

// DefaultSubjectPrefix roots every published action subject.
const DefaultSubjectPrefix = "immune.actions"

// MsgPublisher is the part of *nats.Conn used for publishing.
type MsgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Envelope is the wire form of a published action.
type Envelope struct {
	ResponseID  string        `json:"responseId"`
	AnomalyID   string        `json:"anomalyId"`
	Metric      string        `json:"metric,omitempty"`
	Stage       models.Stage  `json:"stage"`
	StageName   string        `json:"stageName"`
	Action      models.Action `json:"action"`
	PublishedAt time.Time     `json:"publishedAt"`
}

// NATSExecutor publishes actions for downstream actuators on
// {prefix}.{actionType}. The trace context travels in the message headers.
type NATSExecutor struct {
	conn       MsgPublisher
	prefix     string
	logger     *slog.Logger
	clock      utils.Clock
	propagator propagation.TextMapPropagator
}

// NewNATSExecutor wraps a connection. An empty prefix selects
// DefaultSubjectPrefix; a nil clock uses the system clock.
func NewNATSExecutor(conn MsgPublisher, prefix string, logger *slog.Logger, clock utils.Clock) *NATSExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSExecutor{
		conn:       conn,
		prefix:     prefix,
		logger:     logger,
		clock:      utils.ClockOrDefault(clock),
		propagator: propagation.TraceContext{},
	}
}

// Subject returns the subject an action type publishes to.
func (n *NATSExecutor) Subject(t models.ActionType) string {
	return n.prefix + "." + string(t)
}

// Execute publishes the action. Delivery is fire-and-forget.
func (n *NATSExecutor) Execute(ctx context.Context, resp models.StagedResponse, action models.Action) (string, error) {
	data, err := json.Marshal(Envelope{
		ResponseID:  resp.ID,
		AnomalyID:   resp.AnomalyID,
		Metric:      resp.Metric,
		Stage:       resp.Stage,
		StageName:   resp.StageName,
		Action:      action,
		PublishedAt: n.clock.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("encode action %s: %w", action.ID, err)
	}
	hdr := nats.Header{}
	n.propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	hdr.Set("Immune-Response-Id", resp.ID)
	subject := n.Subject(action.Type)
	if err := n.conn.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: hdr}); err != nil {
		return "", fmt.Errorf("publish %s: %w", subject, err)
	}
	n.logger.Debug("action published", slog.String("subject", subject), slog.String("action", action.ID))
	return "published to " + subject, nil
}

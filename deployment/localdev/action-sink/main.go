// Command action-sink is a local stand-in for the actuators that consume
// actions published by the immune engine. It records every envelope and
// serves the most recent ones over HTTP.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/miradorstack/mirador-immune/internal/actions"
	"github.com/miradorstack/mirador-immune/internal/utils"
)

const keep = 200

type received struct {
	Subject  string           `json:"subject"`
	TraceID  string           `json:"traceId,omitempty"`
	Envelope actions.Envelope `json:"envelope"`
}

type ring struct {
	mu    sync.Mutex
	items []received
}

func (r *ring) add(item received) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
	if len(r.items) > keep {
		r.items = r.items[len(r.items)-keep:]
	}
}

func (r *ring) list() []received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]received(nil), r.items...)
}

func main() {
	var (
		natsURL string
		prefix  string
		addr    string
	)
	flag.StringVar(&natsURL, "nats", nats.DefaultURL, "NATS server URL")
	flag.StringVar(&prefix, "prefix", actions.DefaultSubjectPrefix, "Action subject prefix")
	flag.StringVar(&addr, "addr", ":8080", "HTTP listen address")
	flag.Parse()

	logger := utils.NewLogger("info", false).With(slog.String("component", "action-sink"))

	nc, err := nats.Connect(natsURL, nats.Name("mirador-immune-action-sink"))
	if err != nil {
		logger.Error("connect nats", slog.String("url", natsURL), slog.Any("error", err))
		os.Exit(1)
	}
	defer nc.Close()

	store := &ring{}
	propagator := propagation.TraceContext{}
	sub, err := nc.Subscribe(prefix+".>", func(msg *nats.Msg) {
		var env actions.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			logger.Warn("discarding malformed action", slog.String("subject", msg.Subject), slog.Any("error", err))
			return
		}
		item := received{Subject: msg.Subject, Envelope: env}
		if msg.Header != nil {
			ctx := propagator.Extract(context.Background(), propagation.HeaderCarrier(msg.Header))
			if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
				item.TraceID = sc.TraceID().String()
			}
		}
		store.add(item)
		logger.Info("action received",
			slog.String("subject", msg.Subject),
			slog.String("response_id", env.ResponseID),
			slog.String("stage", env.StageName),
			slog.String("target", env.Action.Target),
			slog.String("trace_id", item.TraceID),
		)
	})
	if err != nil {
		logger.Error("subscribe", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = sub.Unsubscribe() }()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/actions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{"actions": store.list()}); err != nil {
			logger.Warn("encode actions", slog.Any("error", err))
		}
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadTimeout: 5 * time.Second, WriteTimeout: 10 * time.Second}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		logger.Info("listening", slog.String("address", addr), slog.String("subjects", prefix+".>"))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

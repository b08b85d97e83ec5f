package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/miradorstack/mirador-immune/internal/actions"
	"github.com/miradorstack/mirador-immune/internal/baseline"
	"github.com/miradorstack/mirador-immune/internal/cache"
	"github.com/miradorstack/mirador-immune/internal/collector"
	"github.com/miradorstack/mirador-immune/internal/config"
	"github.com/miradorstack/mirador-immune/internal/detection"
	"github.com/miradorstack/mirador-immune/internal/detectors"
	"github.com/miradorstack/mirador-immune/internal/engine"
	"github.com/miradorstack/mirador-immune/internal/fitness"
	"github.com/miradorstack/mirador-immune/internal/memory"
	"github.com/miradorstack/mirador-immune/internal/models"
	"github.com/miradorstack/mirador-immune/internal/quarantine"
	"github.com/miradorstack/mirador-immune/internal/repo"
	"github.com/miradorstack/mirador-immune/internal/response"
	"github.com/miradorstack/mirador-immune/internal/scheduler"
	"github.com/miradorstack/mirador-immune/internal/services"
	"github.com/miradorstack/mirador-immune/internal/swarm"
	"github.com/miradorstack/mirador-immune/internal/threat"
	"github.com/miradorstack/mirador-immune/internal/utils"
)

// system holds every running component and the resources to release on exit.
type system struct {
	service   *services.ImmuneService
	scheduler *scheduler.Scheduler
	watcher   *swarm.Watcher
	closers   []func() error
}

func (s *system) close(logger *slog.Logger) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			logger.Warn("close resource", slog.Any("error", err))
		}
	}
}

func openStore(cfg config.StoreConfig, clock utils.Clock, logger *slog.Logger) (memory.Store, func() error, error) {
	if cfg.Path == "" {
		logger.Warn("store path empty, state will not survive restarts")
		return memory.NewMemStore(clock), nil, nil
	}
	store, err := memory.OpenBolt(cfg.Path, clock)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func openCache(ctx context.Context, cfg config.CacheConfig, clock utils.Clock, logger *slog.Logger) cache.Provider {
	if !cfg.Enabled || cfg.Addr == "" {
		return cache.NewMemoryProvider(clock)
	}
	provider, err := cache.NewValkeyProvider(ctx, cache.ValkeyConfig{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
		TLS:          cfg.TLS,
		KeyPrefix:    cfg.KeyPrefix,
	})
	if err != nil {
		logger.Warn("valkey cache unavailable, using in-process leases", slog.Any("error", err))
		return cache.NewMemoryProvider(clock)
	}
	return provider
}

func buildExecutor(cfg config.NATSConfig, clock utils.Clock, logger *slog.Logger) (actions.Executor, func() error) {
	logExec := actions.LogExecutor{Logger: logger}
	if cfg.URL == "" {
		return logExec, nil
	}
	nc, err := nats.Connect(cfg.URL, nats.Name("mirador-immune"), nats.MaxReconnects(-1))
	if err != nil {
		logger.Warn("nats unavailable, actions are logged only", slog.String("url", cfg.URL), slog.Any("error", err))
		return logExec, nil
	}
	logger.Info("publishing actions to nats", slog.String("url", cfg.URL), slog.String("prefix", cfg.SubjectPrefix))
	return actions.Fanout{logExec, actions.NewNATSExecutor(nc, cfg.SubjectPrefix, logger, clock)}, func() error {
		nc.Close()
		return nil
	}
}

func loadRules(cfg config.SwarmConfig, env *swarm.Environment, logger *slog.Logger) (*swarm.RuleEngine, error) {
	pack, err := swarm.LoadRulePack(cfg.RulesPath)
	if err != nil {
		return nil, err
	}
	mode := swarm.EvaluationMode(cfg.EvaluationMode)
	if pack.Mode != "" {
		mode = pack.Mode
	}
	rules := swarm.NewRuleEngine(env, mode, logger)
	list := pack.Rules
	if len(list) == 0 {
		logger.Info("no rule pack found, using built-in rules", slog.String("path", cfg.RulesPath))
		list = swarm.DefaultRules()
	}
	if err := rules.SetRules(list); err != nil {
		return nil, err
	}
	logger.Info("swarm rules loaded", slog.Int("rules", len(list)), slog.String("mode", string(rules.Mode())))
	return rules, nil
}

type scheduledJob struct {
	name     string
	interval time.Duration
	job      scheduler.Job
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *system, err error) {
	sys := &system{}
	defer func() {
		if err != nil {
			sys.close(logger)
		}
	}()
	clock := utils.SystemClock{}
	ids := utils.UUIDGenerator{}

	store, closeStore, err := openStore(cfg.Store, clock, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if closeStore != nil {
		sys.closers = append(sys.closers, closeStore)
	}

	cacheProvider := openCache(ctx, cfg.Cache, clock, logger)
	sys.closers = append(sys.closers, cacheProvider.Close)

	index := repo.NewWeaviateIndex(repo.WeaviateConfig{
		Endpoint:      cfg.Weaviate.Endpoint,
		APIKey:        cfg.Weaviate.APIKey,
		Class:         cfg.Weaviate.Class,
		Timeout:       cfg.Weaviate.Timeout,
		SimilarityTTL: cfg.Cache.SimilarityTTL,
	}, cacheProvider, nil, logger)

	baselines := baseline.NewStore(store, logger, baseline.WithClock(clock), baseline.WithIDs(ids))
	threats := threat.NewMemory(store, logger, threat.WithIndex(index), threat.WithClock(clock), threat.WithIDs(ids))
	env := swarm.NewEnvironment(store, logger, clock, ids)
	pool := detectors.NewPool(baselines, store, logger,
		detectors.WithClock(clock), detectors.WithIDs(ids), detectors.WithRand(utils.NewRand(cfg.Selection.Seed)))
	evaluator := fitness.NewEvaluator(store, logger, clock)
	selector := fitness.NewSelector(store, logger,
		fitness.WithClock(clock), fitness.WithIDs(ids), fitness.WithRand(utils.NewRand(cfg.Selection.Seed)))

	loaders := []struct {
		name string
		load func(context.Context) error
	}{
		{"threat memory", threats.Load},
		{"swarm environment", env.Load},
		{"detector pool", pool.Load},
		{"fitness", evaluator.Load},
		{"behaviors", selector.Load},
	}
	for _, l := range loaders {
		if err := l.load(ctx); err != nil {
			return nil, fmt.Errorf("load %s: %w", l.name, err)
		}
	}

	if pool.Len() == 0 && cfg.Detection.InitialDetectors > 0 {
		created, err := pool.GenerateDetectors(ctx, cfg.Detection.InitialDetectors, models.Categories())
		if err != nil {
			logger.Warn("initial detector generation failed", slog.Any("error", err))
		} else {
			logger.Info("initial detectors generated", slog.Int("count", len(created)))
		}
	}

	qm := quarantine.NewManager(store, quarantine.Config{
		VerificationPeriod: cfg.Quarantine.VerificationPeriod,
		LeaseTTL:           cfg.Cache.LeaseTTL,
	}, logger, quarantine.WithLease(cacheProvider), quarantine.WithClock(clock), quarantine.WithIDs(ids))

	fallback, closeNATS := buildExecutor(cfg.NATS, clock, logger)
	if closeNATS != nil {
		sys.closers = append(sys.closers, closeNATS)
	}
	responses := response.NewStateMachine(actions.NewDispatcher(qm, fallback, logger), logger, clock, ids)

	rules, err := loadRules(cfg.Swarm, env, logger)
	if err != nil {
		return nil, fmt.Errorf("load swarm rules: %w", err)
	}
	if cfg.Swarm.WatchRules && cfg.Swarm.RulesPath != "" {
		watcher, err := swarm.NewWatcher(cfg.Swarm.RulesPath, rules, logger)
		if err != nil {
			logger.Warn("rule pack watcher disabled", slog.Any("error", err))
		} else {
			sys.watcher = watcher
		}
	}

	recognizer := threat.NewRecognizer(threats, logger)
	pipeline, err := engine.NewPipeline(engine.Deps{
		Baselines:   baselines,
		Detector:    detection.NewDetector(baselines, logger, clock, ids),
		Detectors:   pool,
		Router:      response.NewRouter(logger, clock),
		Responses:   responses,
		Threats:     threats,
		Recognizer:  recognizer,
		Quarantine:  qm,
		Environment: env,
		Rules:       rules,
		Clock:       clock,
		Agent:       cfg.Swarm.Agent,
		Threshold:   cfg.Detection.Threshold,
	}, logger)
	if err != nil {
		return nil, err
	}

	sys.service = services.NewImmuneService(logger, services.Deps{
		Baselines:   baselines,
		Pipeline:    pipeline,
		Responses:   responses,
		Quarantine:  qm,
		Recognizer:  recognizer,
		Environment: env,
		Rules:       rules,
		Fitness:     evaluator,
		Selector:    selector,
	})

	sched := scheduler.New(logger)
	jobs := []scheduledJob{
		{"swarm-decay", cfg.Swarm.DecayInterval, func(ctx context.Context) error {
			_, err := env.Decay(ctx)
			return err
		}},
		{"quarantine-sweep", cfg.Quarantine.SweepInterval, pipeline.Housekeeping},
		{"clonal-selection", cfg.Selection.Interval, func(ctx context.Context) error {
			_, err := selector.PerformSelection(ctx)
			return err
		}},
		{"detector-evolution", cfg.Selection.Interval, func(ctx context.Context) error {
			if pool.Len() == 0 {
				_, err := pool.GenerateDetectors(ctx, cfg.Detection.InitialDetectors, models.Categories())
				return err
			}
			_, err := pool.Evolve(ctx)
			return err
		}},
		{"system-fitness", cfg.Selection.Interval, func(ctx context.Context) error {
			_, err := evaluator.EvaluateSystemFitness(ctx)
			return err
		}},
	}
	if cfg.Collector.Enabled {
		service := cfg.Collector.Service
		if service == "" {
			service, _ = os.Hostname()
		}
		hc := collector.NewHostCollector(collector.GopsutilSampler{Clock: clock}, pipeline, service, logger)
		jobs = append(jobs, scheduledJob{"host-collector", cfg.Collector.Interval, hc.Collect})
	}
	for _, j := range jobs {
		if j.interval <= 0 {
			logger.Info("job disabled", slog.String("job", j.name))
			continue
		}
		if err := sched.Every(j.name, j.interval, j.job); err != nil {
			return nil, err
		}
	}
	sys.scheduler = sched
	return sys, nil
}

package quarantine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/miradorstack/mirador-immune/internal/cache"
	"github.com/miradorstack/mirador-immune/internal/memory"
	"github.com/miradorstack/mirador-immune/internal/models"
	"github.com/miradorstack/mirador-immune/internal/utils"
)

// DefaultVerificationPeriod applies when a quarantine is requested without one.
const DefaultVerificationPeriod = 15 * time.Minute

const defaultLeaseTTL = 30 * time.Second

var (
	// ErrNotFound is returned when releasing a service that was never quarantined.
	ErrNotFound = errors.New("quarantine not found")
	// ErrLeaseHeld is returned when another instance is quarantining the same service.
	ErrLeaseHeld = errors.New("quarantine lease held by another instance")
)

// Config tunes a Manager.
type Config struct {
	VerificationPeriod time.Duration
	LeaseTTL           time.Duration
}

// Manager isolates misbehaving services and releases them after verification.
type Manager struct {
	store    memory.Store
	lease    cache.Provider
	traffic  TrafficController
	verifier Verifier
	logger   *slog.Logger
	clock    utils.Clock
	ids      utils.IDGenerator
	cfg      Config

	mu      sync.RWMutex
	records map[string]models.QuarantineRecord
	locks   map[string]*sync.Mutex
}

// Option customises a Manager.
type Option func(*Manager)

// WithLease coordinates quarantine creation across instances.
func WithLease(p cache.Provider) Option { return func(m *Manager) { m.lease = p } }

// WithTrafficController sets the isolation side effects.
func WithTrafficController(t TrafficController) Option { return func(m *Manager) { m.traffic = t } }

// WithVerifier sets the health check consulted before auto-release.
func WithVerifier(v Verifier) Option { return func(m *Manager) { m.verifier = v } }

// WithClock injects the time source.
func WithClock(c utils.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithIDs injects the identifier generator.
func WithIDs(g utils.IDGenerator) Option { return func(m *Manager) { m.ids = g } }

// NewManager constructs a quarantine manager.
func NewManager(store memory.Store, cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.VerificationPeriod <= 0 {
		cfg.VerificationPeriod = DefaultVerificationPeriod
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	m := &Manager{
		store:   store,
		logger:  logger,
		cfg:     cfg,
		records: make(map[string]models.QuarantineRecord),
		locks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.lease == nil {
		m.lease = cache.NoopProvider{}
	}
	if m.traffic == nil {
		m.traffic = LoggingTrafficController{Logger: logger}
	}
	if m.verifier == nil {
		m.verifier = AssumeHealthy
	}
	m.clock = utils.ClockOrDefault(m.clock)
	m.ids = utils.IDsOrDefault(m.ids)
	return m
}

func key(service string) string { return "quarantine:" + service }

func (m *Manager) serviceLock(service string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[service]
	if !ok {
		l = &sync.Mutex{}
		m.locks[service] = l
	}
	return l
}

// Quarantine isolates service. If the service is already actively
// quarantined the existing record is returned unchanged.
func (m *Manager) Quarantine(ctx context.Context, service, reason, anomalyID string, period time.Duration) (models.QuarantineRecord, error) {
	if service == "" {
		return models.QuarantineRecord{}, utils.NewAppError("quarantine.Quarantine", "service is required", nil)
	}
	l := m.serviceLock(service)
	l.Lock()
	defer l.Unlock()

	if existing, ok, err := m.Get(ctx, service); err != nil {
		return models.QuarantineRecord{}, err
	} else if ok && existing.Status == models.QuarantineActive {
		return existing, nil
	}

	if period <= 0 {
		period = m.cfg.VerificationPeriod
	}
	rec := models.QuarantineRecord{
		ID:                 m.ids.NewID("quarantine"),
		Service:            service,
		Reason:             reason,
		AnomalyID:          anomalyID,
		QuarantinedAt:      m.clock.Now(),
		Status:             models.QuarantineActive,
		VerificationPeriod: period,
	}

	leaseKey := "quarantine-lease:" + service
	acquired, err := m.lease.SetNX(ctx, leaseKey, []byte(rec.ID), m.cfg.LeaseTTL)
	if err != nil {
		return models.QuarantineRecord{}, fmt.Errorf("acquire quarantine lease: %w", err)
	}
	if !acquired {
		stored, ok, err := memory.RecallAs[models.QuarantineRecord](ctx, m.store, memory.NamespaceOps, key(service))
		if err != nil {
			return models.QuarantineRecord{}, fmt.Errorf("recall quarantine %s: %w", service, err)
		}
		if ok && stored.Status == models.QuarantineActive {
			m.remember(stored)
			return stored, nil
		}
		return models.QuarantineRecord{}, utils.NewAppError("quarantine.Quarantine", service, ErrLeaseHeld)
	}
	defer func() {
		if err := m.lease.Del(context.WithoutCancel(ctx), leaseKey); err != nil {
			m.logger.Warn("release quarantine lease", slog.String("service", service), slog.Any("error", err))
		}
	}()

	if err := m.persist(ctx, rec); err != nil {
		return models.QuarantineRecord{}, err
	}

	if err := m.traffic.RouteAway(ctx, service); err != nil {
		m.logger.Warn("route traffic away failed", slog.String("service", service), slog.Any("error", err))
	}
	if err := m.traffic.IsolateStaging(ctx, service); err != nil {
		m.logger.Warn("staging isolation failed", slog.String("service", service), slog.Any("error", err))
	}

	m.logger.Info("service quarantined",
		slog.String("service", service),
		slog.String("quarantine_id", rec.ID),
		slog.String("anomaly_id", anomalyID),
		slog.Duration("verification_period", period),
	)
	return rec, nil
}

// Release ends an active quarantine. verified=false marks it failed, meaning
// isolation was justified and release is denied.
func (m *Manager) Release(ctx context.Context, service string, verified bool) (models.QuarantineRecord, error) {
	l := m.serviceLock(service)
	l.Lock()
	defer l.Unlock()
	return m.release(ctx, service, verified)
}

func (m *Manager) release(ctx context.Context, service string, verified bool) (models.QuarantineRecord, error) {
	rec, ok, err := m.Get(ctx, service)
	if err != nil {
		return models.QuarantineRecord{}, err
	}
	if !ok {
		return models.QuarantineRecord{}, utils.NewAppError("quarantine.Release", service, ErrNotFound)
	}
	if rec.Status != models.QuarantineActive {
		return rec, nil
	}

	if !verified {
		rec.Status = models.QuarantineFailed
		if err := m.persist(ctx, rec); err != nil {
			return models.QuarantineRecord{}, err
		}
		m.logger.Warn("quarantine release denied", slog.String("service", service), slog.String("quarantine_id", rec.ID))
		return rec, nil
	}

	now := m.clock.Now()
	rec.Status = models.QuarantineReleased
	rec.ReleasedAt = &now
	if err := m.persist(ctx, rec); err != nil {
		return models.QuarantineRecord{}, err
	}
	if err := m.traffic.Restore(ctx, service); err != nil {
		m.logger.Warn("restore traffic failed", slog.String("service", service), slog.Any("error", err))
	}
	m.logger.Info("service released", slog.String("service", service), slog.String("quarantine_id", rec.ID))
	return rec, nil
}

// Get returns the latest quarantine record for service, if any.
func (m *Manager) Get(ctx context.Context, service string) (models.QuarantineRecord, bool, error) {
	m.mu.RLock()
	rec, ok := m.records[service]
	m.mu.RUnlock()
	if ok {
		return rec, true, nil
	}
	rec, ok, err := memory.RecallAs[models.QuarantineRecord](ctx, m.store, memory.NamespaceOps, key(service))
	if err != nil {
		return models.QuarantineRecord{}, false, fmt.Errorf("recall quarantine %s: %w", service, err)
	}
	if ok {
		m.remember(rec)
	}
	return rec, ok, nil
}

// List returns every known record ordered by service name.
func (m *Manager) List(ctx context.Context) ([]models.QuarantineRecord, error) {
	stored, err := memory.ListAs[models.QuarantineRecord](ctx, m.store, memory.NamespaceOps, "quarantine:")
	if err != nil {
		return nil, fmt.Errorf("list quarantines: %w", err)
	}
	m.mu.Lock()
	for _, rec := range stored {
		if _, ok := m.records[rec.Service]; !ok {
			m.records[rec.Service] = rec
		}
	}
	out := make([]models.QuarantineRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out, nil
}

// ActiveCount reports how many services are currently isolated.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, rec := range m.records {
		if rec.Status == models.QuarantineActive {
			n++
		}
	}
	return n
}

// CheckAutoRelease sweeps active quarantines whose verification period has
// elapsed. Each is verified first: healthy services are released, others
// are marked failed. It returns the records it changed.
func (m *Manager) CheckAutoRelease(ctx context.Context) ([]models.QuarantineRecord, error) {
	all, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	var changed []models.QuarantineRecord
	for _, rec := range all {
		if !rec.DueForRelease(now) {
			continue
		}
		healthy, err := m.verifier.Verify(ctx, rec)
		if err != nil {
			m.logger.Warn("quarantine verification failed",
				slog.String("service", rec.Service),
				slog.Any("error", err),
			)
			continue
		}
		l := m.serviceLock(rec.Service)
		l.Lock()
		out, err := m.release(ctx, rec.Service, healthy)
		l.Unlock()
		if err != nil {
			return changed, err
		}
		changed = append(changed, out)
	}
	return changed, nil
}

func (m *Manager) persist(ctx context.Context, rec models.QuarantineRecord) error {
	meta := map[string]string{"status": string(rec.Status)}
	if _, err := m.store.Store(ctx, memory.NamespaceOps, key(rec.Service), rec, meta); err != nil {
		return fmt.Errorf("persist quarantine %s: %w", rec.Service, err)
	}
	m.remember(rec)
	return nil
}

func (m *Manager) remember(rec models.QuarantineRecord) {
	m.mu.Lock()
	m.records[rec.Service] = rec
	m.mu.Unlock()
}

// Package dbhandler wires the pool, executor, gateway and schema manager
// into one explicitly owned object with a start/stop lifecycle.
package dbhandler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/dbhandler/pkg/adapters/dialect"
	_ "github.com/ekaya-inc/dbhandler/pkg/adapters/dialect/all"
	"github.com/ekaya-inc/dbhandler/pkg/config"
	"github.com/ekaya-inc/dbhandler/pkg/executor"
	"github.com/ekaya-inc/dbhandler/pkg/gateway"
	"github.com/ekaya-inc/dbhandler/pkg/logging"
	"github.com/ekaya-inc/dbhandler/pkg/models"
	"github.com/ekaya-inc/dbhandler/pkg/pool"
	"github.com/ekaya-inc/dbhandler/pkg/schema"
	"github.com/ekaya-inc/dbhandler/pkg/store"
)

// Handler owns every component for one configured backend.
type Handler struct {
	cfg     *config.Config
	dialect dialect.Dialect
	pool    *pool.Pool
	exec    *executor.Executor
	gw      *gateway.Gateway
	schema  *schema.Manager
	logger  *zap.Logger

	mu     sync.RWMutex
	tables map[string]*models.Table // declared name -> prefixed table
	caches []loadStopper

	stopOnce sync.Once
	stopErr  error
}

// Stats combines pool and gateway counters.
type Stats struct {
	Pool    pool.Stats    `json:"pool"`
	Gateway gateway.Stats `json:"gateway"`
}

// Start resolves the backend, opens and warms the pool, reconciles tables
// and starts the gateway. Nothing is left running when it fails; a schema
// conflict is fatal.
func Start(ctx context.Context, cfg *config.Config, logger *zap.Logger, tables ...*models.Table) (*Handler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	reg, err := dialect.LookupRegistration(cfg.Backend.Kind)
	if err != nil {
		return nil, err
	}
	d := dialect.Configure(reg.Dialect, cfg.Backend)

	dsn, err := d.DSN(cfg.Backend)
	if err != nil {
		return nil, fmt.Errorf("build %s connection string: %w", reg.Info.Name, err)
	}
	connector, err := pool.OpenSQL(d.DriverName(), dsn, cfg.Pool.MaxSize)
	if err != nil {
		return nil, err
	}

	logger.Info("Starting database handler",
		zap.String("backend", reg.Info.DisplayName),
		zap.String("dsn", logging.SanitizeDSN(dsn)),
		zap.Int("pool_max", cfg.Pool.MaxSize),
		zap.Int("workers", cfg.Gateway.Workers),
	)

	p := pool.New(cfg.Pool, connector, logger)
	h := &Handler{
		cfg:     cfg,
		dialect: d,
		pool:    p,
		exec:    executor.New(d, cfg.Executor, logger),
		logger:  logger,
		tables:  make(map[string]*models.Table),
	}
	h.schema = schema.NewManager(p, h.exec, cfg.Pool.AcquireTimeout, logger)

	fail := func(err error) (*Handler, error) {
		if shutdownErr := p.Shutdown(context.Background()); shutdownErr != nil {
			logger.Warn("pool shutdown after failed start", zap.Error(shutdownErr))
		}
		return nil, err
	}

	if err := p.Warm(ctx); err != nil {
		return fail(fmt.Errorf("warm connection pool: %w", err))
	}
	if _, err := h.Declare(ctx, tables...); err != nil {
		return fail(err)
	}

	h.gw = gateway.New(p, cfg.Gateway, cfg.Pool.AcquireTimeout, logger)
	logger.Info("Database handler started", zap.Int("tables", len(tables)))
	return h, nil
}

// Declare reconciles additional tables after Start. Table names get the
// configured prefix; Store looks them up by their declared name.
func (h *Handler) Declare(ctx context.Context, tables ...*models.Table) (*schema.Report, error) {
	if len(tables) == 0 {
		return &schema.Report{}, nil
	}
	prefixed := make([]*models.Table, len(tables))
	for i, t := range tables {
		pt := t.WithPrefix(h.cfg.Backend.TablePrefix)
		prefixed[i] = &pt
	}

	report, err := h.schema.Reconcile(ctx, prefixed)
	if err != nil {
		return report, fmt.Errorf("schema reconcile: %w", err)
	}

	h.mu.Lock()
	for i, t := range tables {
		h.tables[t.Name] = prefixed[i]
	}
	h.mu.Unlock()
	return report, nil
}

// Table returns a declared table with the prefix applied.
func (h *Handler) Table(name string) (*models.Table, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.tables[name]
	return t, ok
}

// Store returns a CRUD store for a table passed to Start or Declare.
func (h *Handler) Store(name string) (*store.Store, error) {
	t, ok := h.Table(name)
	if !ok {
		return nil, fmt.Errorf("table %s was not declared", name)
	}
	return store.New(h.gw, h.exec, t), nil
}

// Repo maps T, reconciling its table if it was not declared yet.
func Repo[T any](ctx context.Context, h *Handler) (*store.Repo[T], error) {
	var zero T
	t, err := schema.FromStruct(zero)
	if err != nil {
		return nil, err
	}
	if _, ok := h.Table(t.Name); !ok {
		if _, err := h.Declare(ctx, t); err != nil {
			return nil, err
		}
	}
	return store.NewRepo[T](h.gw, h.exec, h.cfg.Backend.TablePrefix)
}

type loadStopper interface{ StopLoads() int }

// Cache wraps Repo[T] in an in-memory cache whose pending loads are
// cancelled by Stop. Items unused for maxIdle are inactive; negative means
// never.
func Cache[T any](ctx context.Context, h *Handler, maxIdle time.Duration) (*store.Cache[T], error) {
	repo, err := Repo[T](ctx, h)
	if err != nil {
		return nil, err
	}
	c := store.NewCache(repo, maxIdle)
	h.mu.Lock()
	h.caches = append(h.caches, c)
	h.mu.Unlock()
	return c, nil
}

func (h *Handler) Dialect() dialect.Dialect     { return h.dialect }
func (h *Handler) Executor() *executor.Executor { return h.exec }
func (h *Handler) Gateway() *gateway.Gateway    { return h.gw }
func (h *Handler) Pool() *pool.Pool             { return h.pool }

// Tick delivers pending Main completions. Call it from the host loop.
func (h *Handler) Tick() int { return h.gw.Tick() }

func (h *Handler) Stats() Stats {
	return Stats{Pool: h.pool.Stats(), Gateway: h.gw.Stats()}
}

// Stop rejects new work, waits for running tasks, delivers the remaining
// Main completions and closes the pool. Later calls return the first
// result.
func (h *Handler) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() {
		h.mu.RLock()
		caches := h.caches
		h.mu.RUnlock()
		for _, c := range caches {
			if n := c.StopLoads(); n > 0 {
				h.logger.Debug("Cancelled pending cache loads", zap.Int("loads", n))
			}
		}
		gwErr := h.gw.Stop(ctx)
		if n := h.gw.Tick(); n > 0 {
			h.logger.Debug("Delivered completions during stop", zap.Int("callbacks", n))
		}
		poolErr := h.pool.Shutdown(ctx)
		h.stopErr = errors.Join(gwErr, poolErr)
		if h.stopErr != nil {
			h.logger.Warn("Database handler stopped with errors", zap.Error(h.stopErr))
			return
		}
		h.logger.Info("Database handler stopped")
	})
	return h.stopErr
}

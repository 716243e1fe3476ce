package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/JAG-UK/rkh-frontend/internal/domain/application"
	"github.com/JAG-UK/rkh-frontend/internal/logging"
	"github.com/JAG-UK/rkh-frontend/internal/metrics"
)

// DefaultSchedule refreshes the snapshot every 30 seconds.
const DefaultSchedule = "@every 30s"

// Lister fetches pages of applications.
type Lister interface {
	ListApplications(ctx context.Context, opts ListOptions) (Page, error)
}

// =============================================================================
// Snapshot cache
// =============================================================================

// Snapshot is an immutable view of the registry at FetchedAt.
type Snapshot struct {
	Applications []application.Application
	FetchedAt    time.Time

	byID map[string]int
}

func newSnapshot(apps []application.Application, at time.Time) *Snapshot {
	s := &Snapshot{Applications: apps, FetchedAt: at, byID: make(map[string]int, len(apps))}
	for i, a := range apps {
		s.byID[a.ID] = i
	}
	return s
}

// Cache holds the latest snapshot. Readers never block writers.
type Cache struct {
	snap atomic.Pointer[Snapshot]
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{}
}

// Store replaces the snapshot.
func (c *Cache) Store(apps []application.Application, at time.Time) {
	c.snap.Store(newSnapshot(apps, at))
}

// Snapshot returns the current snapshot, or nil before the first refresh.
func (c *Cache) Snapshot() *Snapshot {
	return c.snap.Load()
}

// Get returns the cached application with id.
func (c *Cache) Get(id string) (application.Application, bool) {
	s := c.snap.Load()
	if s == nil {
		return application.Application{}, false
	}
	i, ok := s.byID[id]
	if !ok {
		return application.Application{}, false
	}
	return s.Applications[i], true
}

// List returns the cached applications with status, or all when status is
// empty. The second result is false before the first refresh.
func (c *Cache) List(status application.Status) ([]application.Application, bool) {
	s := c.snap.Load()
	if s == nil {
		return nil, false
	}
	out := make([]application.Application, 0, len(s.Applications))
	for _, a := range s.Applications {
		if status == "" || a.Status == status {
			out = append(out, a)
		}
	}
	return out, true
}

// =============================================================================
// Refresher
// =============================================================================

// RefresherConfig configures a Refresher.
type RefresherConfig struct {
	Source   Lister
	Cache    *Cache
	Schedule string
	PageSize int
	Timeout  time.Duration
	Metrics  *metrics.Metrics
	Logger   *logging.Logger
}

// Refresher reloads the cache on a cron schedule and on demand.
type Refresher struct {
	source   Lister
	cache    *Cache
	schedule string
	pageSize int
	timeout  time.Duration
	metrics  *metrics.Metrics
	logger   *logging.Logger

	cron    *cron.Cron
	trigger chan struct{}
	mu      sync.Mutex // serialises refreshes

	stopOnce sync.Once
	done     chan struct{}
}

// NewRefresher validates cfg and builds a refresher.
func NewRefresher(cfg RefresherConfig) (*Refresher, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("registry source required")
	}
	if cfg.Cache == nil {
		cfg.Cache = NewCache()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDefault("registry")
	}
	return &Refresher{
		source:   cfg.Source,
		cache:    cfg.Cache,
		schedule: cfg.Schedule,
		pageSize: cfg.PageSize,
		timeout:  cfg.Timeout,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		cron:     cron.New(),
		trigger:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, nil
}

// Cache returns the cache this refresher fills.
func (r *Refresher) Cache() *Cache {
	return r.cache
}

// Refresh loads every page and replaces the snapshot. A failed refresh keeps
// the previous snapshot.
func (r *Refresher) Refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var all []application.Application
	fetched := 0
	for page := 1; ; page++ {
		p, err := r.source.ListApplications(ctx, ListOptions{Page: page, Limit: r.pageSize})
		if err != nil {
			r.observe(0, err)
			r.logger.WithContext(ctx).WithError(err).Warn("registry refresh failed")
			return err
		}
		all = append(all, p.Applications...)
		fetched += p.Fetched()
		if p.Fetched() < r.pageSize || (p.HasTotal && fetched >= p.Total) {
			break
		}
	}

	r.cache.Store(all, time.Now().UTC())
	r.observe(len(all), nil)
	r.logger.WithContext(ctx).WithField("applications", len(all)).Debug("registry snapshot refreshed")
	return nil
}

func (r *Refresher) observe(n int, err error) {
	if r.metrics != nil {
		r.metrics.RecordRegistryRefresh(n, err)
	}
}

// Trigger requests an asynchronous refresh. Requests made while one is
// queued are coalesced.
func (r *Refresher) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Start performs an initial refresh, schedules periodic refreshes and serves
// triggers until Stop or ctx is done.
func (r *Refresher) Start(ctx context.Context) error {
	if _, err := r.cron.AddFunc(r.schedule, func() { _ = r.Refresh(ctx) }); err != nil {
		return fmt.Errorf("schedule registry refresh: %w", err)
	}
	r.cron.Start()
	r.Trigger()

	go func() {
		for {
			select {
			case <-ctx.Done():
				r.Stop()
				return
			case <-r.done:
				return
			case <-r.trigger:
				_ = r.Refresh(ctx)
			}
		}
	}()
	return nil
}

// Stop halts scheduling and waits for a running scheduled refresh.
func (r *Refresher) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		<-r.cron.Stop().Done()
	})
}

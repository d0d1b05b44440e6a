package collector

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/pgmonproject/pgmon/internal/common/healthmonitor"
	"github.com/pgmonproject/pgmon/internal/pgmon/bootstrap"
	"github.com/pgmonproject/pgmon/internal/pgmon/catalog"
	"github.com/pgmonproject/pgmon/internal/pgmon/connection"
	"github.com/pgmonproject/pgmon/internal/pgmon/metrics"
	"github.com/pgmonproject/pgmon/internal/pgmon/registry"
)

var tickDurationHistogram = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "pg_tick_duration_seconds",
		Help:    "Collection tick latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
	})

var queryDurationSummary = promauto.NewSummaryVec(
	prometheus.SummaryOpts{
		Name: "pg_query_duration_seconds",
		Help: "Latency of successful query executions in seconds",
	},
	[]string{"query", "backend"},
)

// Collector drives one collection cycle per tick interval. A new tick is not
// started until the previous tick's work has fully completed.
type Collector struct {
	// Authoritative backend set, reconciled at the start of every tick
	backendRegistry *registry.Registry
	// Owns one connection per backend and the connect/retry policy
	connections *connection.Manager
	// Ordered list of queries executed against every backend
	queryCatalog *catalog.Catalog
	// Receives all samples and error counts
	aggregator *metrics.Aggregator
	// Provisions newly discovered backends; may be nil
	provisioner bootstrap.Provisioner
	// Wall-clock interval between collection cycles
	tickInterval time.Duration
	// Hard per-query deadline
	queryTimeout time.Duration
	// Used for all timing decisions. Injected here so that we can mock it out for testing
	clock clock.Clock
	// Flipped healthy after the first completed tick; may be nil
	health *healthmonitor.ManualHealthMonitor
	// Called at the end of every tick. Used in tests to synchronize on cycle completion
	onTickCompleted func()

	// Most recently discovered backend set, applied at the next tick start.
	// Guarded by mu; discovery updates it concurrently with ticks.
	mu        sync.Mutex
	latest    []registry.BackendDescriptor
	hasLatest bool
}

func New(
	backendRegistry *registry.Registry,
	connections *connection.Manager,
	queryCatalog *catalog.Catalog,
	aggregator *metrics.Aggregator,
	provisioner bootstrap.Provisioner,
	tickInterval time.Duration,
	queryTimeout time.Duration,
) *Collector {
	return &Collector{
		backendRegistry: backendRegistry,
		connections:     connections,
		queryCatalog:    queryCatalog,
		aggregator:      aggregator,
		provisioner:     provisioner,
		tickInterval:    tickInterval,
		queryTimeout:    queryTimeout,
		clock:           clock.RealClock{},
	}
}

// WithHealthMonitor makes the collector flip the monitor healthy once the
// first tick has completed.
func (c *Collector) WithHealthMonitor(health *healthmonitor.ManualHealthMonitor) *Collector {
	c.health = health
	return c
}

// SetBackends stores a newly discovered backend set. It is reconciled
// against the registry at the start of the next tick. Safe to call
// concurrently with a running tick.
func (c *Collector) SetBackends(backends []registry.BackendDescriptor) {
	copied := make([]registry.BackendDescriptor, len(backends))
	copy(copied, backends)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest = copied
	c.hasLatest = true
}

// Run executes collection cycles on the tick interval until the context is
// cancelled. Cycles run synchronously within the loop, so overlapping ticks
// cannot occur: a slow cycle delays the next one.
func (c *Collector) Run(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			start := c.clock.Now()
			if err := c.cycle(ctx); err != nil {
				log.WithError(err).Error("errors during collection cycle")
			}
			taken := c.clock.Now().Sub(start)
			tickDurationHistogram.Observe(taken.Seconds())
			if c.health != nil {
				c.health.SetHealthStatus(true)
			}
			log.Infof("completed collection cycle in %s", taken)
			if c.onTickCompleted != nil {
				c.onTickCompleted()
			}
		}
	}
}

// CollectOnce runs a single collection cycle. Used as the explicit external
// trigger, e.g. in tests.
func (c *Collector) CollectOnce(ctx context.Context) error {
	return c.cycle(ctx)
}

// cycle reconciles the backend set and then collects every backend in
// parallel. Per-backend failures are aggregated for logging only and never
// fail the cycle for the remaining backends.
func (c *Collector) cycle(ctx context.Context) error {
	added := c.reconcile(ctx)

	var mu sync.Mutex
	var result *multierror.Error
	record := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		result = multierror.Append(result, err)
	}

	g := &errgroup.Group{}
	if c.provisioner != nil {
		for _, backend := range added {
			backend := backend
			g.Go(func() error {
				record(c.provision(ctx, backend))
				return nil
			})
		}
	}
	for _, backend := range c.backendRegistry.Current() {
		backend := backend
		g.Go(func() error {
			record(c.collectBackend(ctx, backend))
			return nil
		})
	}
	_ = g.Wait()
	return result.ErrorOrNil()
}

// reconcile applies the most recently discovered backend set: connections
// are opened lazily for added backends and closed, with metrics pruned, for
// removed ones. Returns the backends added by this reconciliation.
func (c *Collector) reconcile(ctx context.Context) []registry.BackendDescriptor {
	c.mu.Lock()
	latest, ok := c.latest, c.hasLatest
	c.mu.Unlock()
	if !ok {
		return nil
	}

	diff := c.backendRegistry.Update(latest)
	for _, removed := range diff.Removed {
		log.Infof("backend %s removed from discovery; closing connection and pruning metrics", removed.Name)
		c.connections.Remove(ctx, removed.Name)
		c.aggregator.Prune(removed.Name)
		queryDurationSummary.DeletePartialMatch(prometheus.Labels{"backend": removed.Name})
	}
	for _, addedBackend := range diff.Added {
		log.Infof("discovered backend %s", addedBackend)
		c.connections.Register(addedBackend)
	}
	return diff.Added
}

func (c *Collector) provision(ctx context.Context, backend registry.BackendDescriptor) error {
	metadata, err := c.provisioner.Provision(ctx, backend)
	if err != nil {
		// Not fatal: provisioning is informational and will be retried if the
		// backend is rediscovered. Collection proceeds regardless.
		return errors.WithMessagef(err, "error provisioning backend %s", backend.Name)
	}
	c.aggregator.SetBackendInfo(backend.Name, metadata.ServerVersion, metadata.IsReplica)
	return nil
}

// collectBackend is one independent unit of work: it ensures the backend is
// connected and executes the full query catalog in order on the backend's
// single connection. Failures here never affect any other backend.
func (c *Collector) collectBackend(ctx context.Context, backend registry.BackendDescriptor) error {
	client, err := c.connections.Ensure(ctx, backend.Name)
	if err != nil {
		return errors.WithMessagef(err, "backend %s unavailable", backend.Name)
	}
	for _, query := range c.queryCatalog.Queries {
		err := c.executeQuery(ctx, client, backend, query)
		if err == nil {
			continue
		}
		// Exactly one increment per failed execution.
		c.aggregator.RecordQueryError(query.Name, backend.Name)
		log.WithError(err).Errorf("query %s failed on backend %s", query.Name, backend.Name)

		var connectionError *connection.ConnectionError
		var timeoutError *connection.QueryTimeoutError
		if errors.As(err, &connectionError) || errors.As(err, &timeoutError) {
			// The connection is gone either way: cancelling a query mid-flight
			// leaves the protocol state indeterminate and pgx closes the
			// underlying connection. Discard the handle and reconnect on the
			// next tick rather than failing every remaining query.
			c.connections.Invalidate(ctx, backend.Name, err)
			return errors.WithMessagef(err, "lost connection to backend %s", backend.Name)
		}
		// Backend-reported failures never stop the remaining queries in the catalog.
	}
	return nil
}

// executeQuery runs one query under the query timeout and commits its
// samples. A query that errors or times out commits nothing: partial results
// are discarded before any sample reaches the aggregator.
func (c *Collector) executeQuery(ctx context.Context, client connection.Client, backend registry.BackendDescriptor, query catalog.QueryDefinition) error {
	c.aggregator.EnsureQueryErrorCounter(query.Name, backend.Name)

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	rows, err := client.Query(ctx, query.SQL)
	if err != nil {
		return c.classifyQueryError(query, backend, err)
	}
	samples, err := samplesFromRows(query, backend.Name, rows)
	rows.Close()
	if err != nil {
		return c.classifyQueryError(query, backend, err)
	}

	for _, sample := range samples {
		if err := c.aggregator.Apply(sample); err != nil {
			return &connection.QueryExecutionError{Query: query.Name, Backend: backend.Name, Err: err}
		}
	}
	queryDurationSummary.WithLabelValues(query.Name, backend.Name).Observe(time.Since(start).Seconds())
	return nil
}

func (c *Collector) classifyQueryError(query catalog.QueryDefinition, backend registry.BackendDescriptor, err error) error {
	var executionError *connection.QueryExecutionError
	if errors.As(err, &executionError) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &connection.QueryTimeoutError{Query: query.Name, Backend: backend.Name, Timeout: c.queryTimeout}
	}
	if code := connection.SQLStateOf(err); code != "" {
		return &connection.QueryExecutionError{Query: query.Name, Backend: backend.Name, Code: code, Err: err}
	}
	return &connection.ConnectionError{Backend: backend.Name, Err: err}
}

package collector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/pgmonproject/pgmon/internal/pgmon/bootstrap"
	"github.com/pgmonproject/pgmon/internal/pgmon/catalog"
	"github.com/pgmonproject/pgmon/internal/pgmon/connection"
	"github.com/pgmonproject/pgmon/internal/pgmon/metrics"
	"github.com/pgmonproject/pgmon/internal/pgmon/registry"
)

const (
	commitsQuery     = "SELECT datname, xact_commit FROM pg_stat_database"
	connectionsQuery = "SELECT numbackends FROM pg_stat_database WHERE datname = current_database()"
)

func testCatalog() *catalog.Catalog {
	return &catalog.Catalog{
		Queries: []catalog.QueryDefinition{
			{
				Name:           "commits",
				SQL:            commitsQuery,
				StatKey:        "pg_stat_database",
				MetadataLabels: []string{"datname"},
				CounterFields:  []string{"xact_commit"},
			},
			{
				Name:        "connections",
				SQL:         connectionsQuery,
				StatKey:     "pg_stat_database",
				GaugeFields: []string{"numbackends"},
			},
		},
	}
}

func backend(name string) registry.BackendDescriptor {
	return registry.BackendDescriptor{Name: name, Address: "10.0.0.1", Port: 5432, Database: "postgres"}
}

func healthyResults() map[string]queryResult {
	return map[string]queryResult{
		commitsQuery: {
			columns: []string{"datname", "xact_commit"},
			rows:    [][]interface{}{{"postgres", int64(100)}},
		},
		connectionsQuery: {
			columns: []string{"numbackends"},
			rows:    [][]interface{}{{int64(5)}},
		},
	}
}

func TestCollectOnceCollectsAllBackends(t *testing.T) {
	f := newFixture(t, map[string]*fakeClient{
		"pg0": {results: healthyResults()},
		"pg1": {results: healthyResults()},
	})
	f.collector.SetBackends([]registry.BackendDescriptor{backend("pg0"), backend("pg1")})

	require.NoError(t, f.collector.CollectOnce(context.Background()))

	snapshot := f.aggregator.Snapshot()
	for _, name := range []string{"pg0", "pg1"} {
		value, ok := snapshot.Find("pg_stat_database_xact_commit", map[string]string{"datname": "postgres", "backend": name})
		require.True(t, ok, name)
		assert.Equal(t, 100.0, value)
		value, ok = snapshot.Find("pg_stat_database_numbackends", map[string]string{"backend": name})
		require.True(t, ok, name)
		assert.Equal(t, 5.0, value)
		value, ok = snapshot.Find(metrics.BackendUpMetricName, map[string]string{"backend": name})
		require.True(t, ok, name)
		assert.Equal(t, 1.0, value)
	}
}

func TestFailingQueryIncrementsErrorCounterExactlyOnce(t *testing.T) {
	results := healthyResults()
	results[commitsQuery] = queryResult{err: &pgconn.PgError{Code: pgerrcode.UndefinedTable, Message: "relation does not exist"}}
	f := newFixture(t, map[string]*fakeClient{"pg0": {results: results}})
	f.collector.SetBackends([]registry.BackendDescriptor{backend("pg0")})

	// Query-level failures are counted, not propagated: the cycle succeeds.
	require.NoError(t, f.collector.CollectOnce(context.Background()))

	snapshot := f.aggregator.Snapshot()
	value, ok := snapshot.Find(metrics.QueryErrorMetricName, map[string]string{"query": "commits", "backend": "pg0"})
	require.True(t, ok)
	assert.Equal(t, 1.0, value)
	// The failed query commits no samples.
	_, ok = snapshot.Find("pg_stat_database_xact_commit", map[string]string{"datname": "postgres", "backend": "pg0"})
	assert.False(t, ok)
	// The remaining catalog entries still run.
	value, ok = snapshot.Find("pg_stat_database_numbackends", map[string]string{"backend": "pg0"})
	require.True(t, ok)
	assert.Equal(t, 5.0, value)

	// A second failing cycle adds exactly one more.
	require.NoError(t, f.collector.CollectOnce(context.Background()))
	value, _ = f.aggregator.Snapshot().Find(metrics.QueryErrorMetricName, map[string]string{"query": "commits", "backend": "pg0"})
	assert.Equal(t, 2.0, value)
}

func TestQueriesExecuteInCatalogOrder(t *testing.T) {
	client := &fakeClient{results: healthyResults()}
	f := newFixture(t, map[string]*fakeClient{"pg0": client})
	f.collector.SetBackends([]registry.BackendDescriptor{backend("pg0")})

	require.NoError(t, f.collector.CollectOnce(context.Background()))
	require.NoError(t, f.collector.CollectOnce(context.Background()))

	assert.Equal(t, []string{commitsQuery, connectionsQuery, commitsQuery, connectionsQuery}, client.executed())
}

func TestBackendsAreCollectedInParallel(t *testing.T) {
	delay := 100 * time.Millisecond
	slowResults := func() map[string]queryResult {
		results := healthyResults()
		commits := results[commitsQuery]
		commits.delay = delay
		results[commitsQuery] = commits
		return results
	}
	f := newFixture(t, map[string]*fakeClient{
		"pg0": {results: slowResults()},
		"pg1": {results: slowResults()},
		"pg2": {results: slowResults()},
	})
	f.collector.SetBackends([]registry.BackendDescriptor{backend("pg0"), backend("pg1"), backend("pg2")})

	start := time.Now()
	require.NoError(t, f.collector.CollectOnce(context.Background()))
	taken := time.Since(start)

	// Serial execution would take at least 3x the per-backend delay.
	assert.Less(t, taken, 2*delay)
}

func TestConnectFailureDoesNotAffectOtherBackends(t *testing.T) {
	f := newFixture(t, map[string]*fakeClient{"pg1": {results: healthyResults()}})
	f.dialErrors["pg0"] = errors.New("connection refused")
	f.collector.SetBackends([]registry.BackendDescriptor{backend("pg0"), backend("pg1")})

	require.Error(t, f.collector.CollectOnce(context.Background()))

	snapshot := f.aggregator.Snapshot()
	value, ok := snapshot.Find(metrics.BackendUpMetricName, map[string]string{"backend": "pg0"})
	require.True(t, ok)
	assert.Equal(t, 0.0, value)
	value, ok = snapshot.Find(metrics.BackendDownMetricName, map[string]string{"backend": "pg0"})
	require.True(t, ok)
	assert.Equal(t, 1.0, value)

	// The healthy backend is fully collected regardless.
	value, ok = snapshot.Find("pg_stat_database_xact_commit", map[string]string{"datname": "postgres", "backend": "pg1"})
	require.True(t, ok)
	assert.Equal(t, 100.0, value)
}

func TestRemovedBackendIsPrunedAndClosed(t *testing.T) {
	removed := &fakeClient{results: healthyResults()}
	f := newFixture(t, map[string]*fakeClient{
		"pg0": removed,
		"pg1": {results: healthyResults()},
	})
	f.collector.SetBackends([]registry.BackendDescriptor{backend("pg0"), backend("pg1")})
	require.NoError(t, f.collector.CollectOnce(context.Background()))
	queriesBefore := len(removed.executed())

	f.collector.SetBackends([]registry.BackendDescriptor{backend("pg1")})
	require.NoError(t, f.collector.CollectOnce(context.Background()))

	assert.True(t, removed.isClosed())
	assert.Len(t, removed.executed(), queriesBefore)
	snapshot := f.aggregator.Snapshot()
	for _, family := range snapshot.Families {
		for _, series := range family.Series {
			assert.NotEqual(t, "pg0", series.Labels["backend"], family.Name)
		}
	}
}

func TestQueryTimeoutInvalidatesConnection(t *testing.T) {
	client := &fakeClient{results: healthyResults()}
	commits := client.results[commitsQuery]
	commits.delay = time.Second
	client.results[commitsQuery] = commits
	f := newFixture(t, map[string]*fakeClient{"pg0": client})
	f.collector.queryTimeout = 20 * time.Millisecond
	f.collector.SetBackends([]registry.BackendDescriptor{backend("pg0")})

	require.Error(t, f.collector.CollectOnce(context.Background()))

	snapshot := f.aggregator.Snapshot()
	value, ok := snapshot.Find(metrics.QueryErrorMetricName, map[string]string{"query": "commits", "backend": "pg0"})
	require.True(t, ok)
	assert.Equal(t, 1.0, value)
	// Cancelling a query mid-flight kills the underlying connection, so the
	// handle is discarded and the rest of the catalog waits for the next tick.
	assert.Equal(t, []string{commitsQuery}, client.executed())
	assert.True(t, client.isClosed())
	status, _ := f.manager.Status("pg0")
	assert.Equal(t, connection.Disconnected, status)
	_, ok = snapshot.Find(metrics.QueryErrorMetricName, map[string]string{"query": "connections", "backend": "pg0"})
	assert.False(t, ok)
	value, ok = snapshot.Find(metrics.BackendUpMetricName, map[string]string{"backend": "pg0"})
	require.True(t, ok)
	assert.Equal(t, 0.0, value)

	// The next tick reconnects and collects normally.
	commits.delay = 0
	client.mu.Lock()
	client.results[commitsQuery] = commits
	client.mu.Unlock()
	f.collector.queryTimeout = time.Second
	require.NoError(t, f.collector.CollectOnce(context.Background()))
	status, _ = f.manager.Status("pg0")
	assert.Equal(t, connection.Connected, status)
	value, ok = f.aggregator.Snapshot().Find("pg_stat_database_xact_commit", map[string]string{"datname": "postgres", "backend": "pg0"})
	require.True(t, ok)
	assert.Equal(t, 100.0, value)
}

func TestConnectionErrorStopsRemainingQueries(t *testing.T) {
	client := &fakeClient{results: map[string]queryResult{
		commitsQuery: {err: errors.New("write: broken pipe")},
	}}
	f := newFixture(t, map[string]*fakeClient{"pg0": client})
	f.collector.SetBackends([]registry.BackendDescriptor{backend("pg0")})

	require.Error(t, f.collector.CollectOnce(context.Background()))

	// Only the failing query ran; the rest of the catalog waits for the
	// reconnect on the next tick.
	assert.Equal(t, []string{commitsQuery}, client.executed())
	assert.True(t, client.isClosed())
	status, _ := f.manager.Status("pg0")
	assert.Equal(t, connection.Disconnected, status)

	snapshot := f.aggregator.Snapshot()
	value, ok := snapshot.Find(metrics.QueryErrorMetricName, map[string]string{"query": "commits", "backend": "pg0"})
	require.True(t, ok)
	assert.Equal(t, 1.0, value)
	_, ok = snapshot.Find(metrics.QueryErrorMetricName, map[string]string{"query": "connections", "backend": "pg0"})
	assert.False(t, ok)
	value, ok = snapshot.Find(metrics.BackendUpMetricName, map[string]string{"backend": "pg0"})
	require.True(t, ok)
	assert.Equal(t, 0.0, value)
}

func TestProvisionerRunsForAddedBackends(t *testing.T) {
	provisioner := &fakeProvisioner{metadata: bootstrap.Metadata{ServerVersion: "14.5", IsReplica: false}}
	f := newFixture(t, map[string]*fakeClient{"pg0": {results: healthyResults()}})
	f.collector.provisioner = provisioner
	f.collector.SetBackends([]registry.BackendDescriptor{backend("pg0")})

	require.NoError(t, f.collector.CollectOnce(context.Background()))

	value, ok := f.aggregator.Snapshot().Find(
		metrics.BackendInfoMetricName,
		map[string]string{"backend": "pg0", "version": "14.5", "replica": "false"},
	)
	require.True(t, ok)
	assert.Equal(t, 1.0, value)
	assert.Equal(t, []string{"pg0"}, provisioner.provisioned())

	// Provisioning happens once per discovery, not once per tick.
	require.NoError(t, f.collector.CollectOnce(context.Background()))
	assert.Equal(t, []string{"pg0"}, provisioner.provisioned())
}

func TestRun(t *testing.T) {
	f := newFixture(t, map[string]*fakeClient{"pg0": {results: healthyResults()}})
	f.collector.SetBackends([]registry.BackendDescriptor{backend("pg0")})

	testClock := clock.NewFakeClock(time.Now())
	f.collector.clock = testClock
	tickCompleted := make(chan struct{}, 16)
	f.collector.onTickCompleted = func() {
		tickCompleted <- struct{}{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- f.collector.Run(ctx)
	}()

	// Wait for the run loop to block on the ticker before advancing time.
	require.Eventually(t, testClock.HasWaiters, time.Second, time.Millisecond)
	testClock.Step(f.collector.tickInterval)
	awaitTick(t, tickCompleted)

	value, ok := f.aggregator.Snapshot().Find("pg_stat_database_xact_commit", map[string]string{"datname": "postgres", "backend": "pg0"})
	require.True(t, ok)
	assert.Equal(t, 100.0, value)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func awaitTick(t *testing.T, tickCompleted chan struct{}) {
	t.Helper()
	select {
	case <-tickCompleted:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for tick to complete")
	}
}

type fixture struct {
	collector  *Collector
	aggregator *metrics.Aggregator
	manager    *connection.Manager
	dialErrors map[string]error
}

func newFixture(t *testing.T, clients map[string]*fakeClient) *fixture {
	t.Helper()
	f := &fixture{dialErrors: map[string]error{}}

	dial := func(ctx context.Context, backend registry.BackendDescriptor) (connection.Client, error) {
		if err, ok := f.dialErrors[backend.Name]; ok {
			return nil, err
		}
		client, ok := clients[backend.Name]
		if !ok {
			return nil, errors.Errorf("no client scripted for backend %s", backend.Name)
		}
		return client, nil
	}

	cat := testCatalog()
	f.aggregator = metrics.NewAggregator()
	f.aggregator.InitializeMetrics(cat)
	f.manager = connection.NewManager(
		dial,
		connection.Config{ConnectTimeout: time.Second, ConnectRetries: 1, ConnectBackoff: time.Millisecond},
		f.aggregator,
	)
	f.collector = New(registry.New(), f.manager, cat, f.aggregator, nil, 10*time.Second, time.Second)
	return f
}

type queryResult struct {
	columns []string
	rows    [][]interface{}
	err     error
	delay   time.Duration
}

// fakeClient answers scripted queries and records every statement in order.
type fakeClient struct {
	mu      sync.Mutex
	results map[string]queryResult
	queries []string
	closed  bool
}

func (c *fakeClient) Query(ctx context.Context, sql string) (connection.Rows, error) {
	c.mu.Lock()
	c.queries = append(c.queries, sql)
	result, ok := c.results[sql]
	c.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("unexpected query %q", sql)
	}
	if result.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(result.delay):
		}
	}
	if result.err != nil {
		return nil, result.err
	}
	return &fakeRows{columns: result.columns, rows: result.rows}, nil
}

func (c *fakeClient) Ping(ctx context.Context) error {
	return nil
}

func (c *fakeClient) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) executed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.queries...)
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeRows struct {
	columns []string
	rows    [][]interface{}
	cursor  int
}

func (r *fakeRows) Columns() []string {
	return r.columns
}

func (r *fakeRows) Next() bool {
	if r.cursor >= len(r.rows) {
		return false
	}
	r.cursor++
	return true
}

func (r *fakeRows) Values() ([]interface{}, error) {
	return r.rows[r.cursor-1], nil
}

func (r *fakeRows) Err() error {
	return nil
}

func (r *fakeRows) Close() {}

type fakeProvisioner struct {
	mu       sync.Mutex
	metadata bootstrap.Metadata
	backends []string
}

func (p *fakeProvisioner) Provision(ctx context.Context, backend registry.BackendDescriptor) (bootstrap.Metadata, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backends = append(p.backends, backend.Name)
	return p.metadata, nil
}

func (p *fakeProvisioner) provisioned() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.backends...)
}

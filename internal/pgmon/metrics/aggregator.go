package metrics

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/exp/slices"

	"github.com/pgmonproject/pgmon/internal/pgmon/catalog"
)

const (
	// Counter tracking failed query executions, labelled by query and backend.
	QueryErrorMetricName = "pg_query_error"
	// Gauge reporting whether the backend connection is currently established.
	BackendUpMetricName = "pg_backend_up"
	// Counter tracking backends exhausting their connect retries.
	BackendDownMetricName = "pg_backend_down_total"
	// Info gauge carrying backend metadata reported by the bootstrap flow.
	BackendInfoMetricName = "pg_backend_info"

	backendLabel = "backend"
)

// Kind distinguishes cumulative counters from instantaneous gauges.
type Kind int

const (
	Counter Kind = iota
	Gauge
)

// Sample is one resolved (metricName, labelSet) -> value pair produced from
// one result row of one query against one backend.
type Sample struct {
	Name   string
	Kind   Kind
	Labels map[string]string
	Value  float64
}

type series struct {
	labels map[string]string
	value  float64
}

type family struct {
	name       string
	help       string
	kind       Kind
	labelNames []string
	series     map[string]*series
}

// Aggregator is the label-indexed metric registry merging per-backend,
// per-query results. It must be constructed explicitly and passed by
// reference to the collector and the exporter; there is no process-wide
// instance. Aggregator implements prometheus.Collector so it can be
// registered for scraping.
type Aggregator struct {
	mu       sync.RWMutex
	families map[string]*family
}

func NewAggregator() *Aggregator {
	agg := &Aggregator{}
	agg.rebuild(nil)
	return agg
}

// InitializeMetrics destructively rebuilds the registry from the given
// catalog: all existing values and descriptors are dropped. Calling it twice
// with the same catalog yields the same descriptor set with no leftover
// values.
func (agg *Aggregator) InitializeMetrics(cat *catalog.Catalog) {
	agg.mu.Lock()
	defer agg.mu.Unlock()
	agg.rebuild(cat)
}

func (agg *Aggregator) rebuild(cat *catalog.Catalog) {
	agg.families = map[string]*family{
		QueryErrorMetricName: {
			name:       QueryErrorMetricName,
			help:       "Number of failed executions of a query against a backend",
			kind:       Counter,
			labelNames: []string{"query", backendLabel},
			series:     map[string]*series{},
		},
		BackendUpMetricName: {
			name:       BackendUpMetricName,
			help:       "Whether a connection to the backend is currently established",
			kind:       Gauge,
			labelNames: []string{backendLabel},
			series:     map[string]*series{},
		},
		BackendDownMetricName: {
			name:       BackendDownMetricName,
			help:       "Number of times a backend exhausted its connect retries and was marked down",
			kind:       Counter,
			labelNames: []string{backendLabel},
			series:     map[string]*series{},
		},
		BackendInfoMetricName: {
			name:       BackendInfoMetricName,
			help:       "Backend metadata reported during bootstrap",
			kind:       Gauge,
			labelNames: []string{backendLabel, "version", "replica"},
			series:     map[string]*series{},
		},
	}
	if cat == nil {
		return
	}
	for _, query := range cat.Queries {
		labelNames := append(slices.Clone(query.MetadataLabels), backendLabel)
		for _, field := range query.CounterFields {
			agg.addFamily(query.StatKey+"_"+field, "Value of "+query.StatKey+"."+field+" reported by the backend", Counter, labelNames)
		}
		for _, field := range query.GaugeFields {
			agg.addFamily(query.StatKey+"_"+field, "Value of "+query.StatKey+"."+field+" reported by the backend", Gauge, labelNames)
		}
	}
}

func (agg *Aggregator) addFamily(name, help string, kind Kind, labelNames []string) {
	if _, ok := agg.families[name]; ok {
		return
	}
	agg.families[name] = &family{
		name:       name,
		help:       help,
		kind:       kind,
		labelNames: labelNames,
		series:     map[string]*series{},
	}
}

// Apply commits one sample. Counters hold the value reported by the backend
// verbatim (the source's counters are already cumulative, there is no local
// summation); gauges overwrite the previous value.
func (agg *Aggregator) Apply(sample Sample) error {
	agg.mu.Lock()
	defer agg.mu.Unlock()
	fam, ok := agg.families[sample.Name]
	if !ok {
		return errors.Errorf("no metric family %s; was the aggregator initialized from the current catalog?", sample.Name)
	}
	fam.set(sample.Labels, sample.Value)
	return nil
}

// EnsureQueryErrorCounter makes the error counter for (query, backend)
// present, initialised to zero if it did not exist. Called on every
// execution attempt so the counter is observable before the first failure.
func (agg *Aggregator) EnsureQueryErrorCounter(query, backend string) {
	agg.mu.Lock()
	defer agg.mu.Unlock()
	agg.families[QueryErrorMetricName].ensure(map[string]string{"query": query, backendLabel: backend})
}

// RecordQueryError increments the error counter for (query, backend) by
// exactly one.
func (agg *Aggregator) RecordQueryError(query, backend string) {
	agg.mu.Lock()
	defer agg.mu.Unlock()
	agg.families[QueryErrorMetricName].ensure(map[string]string{"query": query, backendLabel: backend}).value++
}

// SetBackendUp records whether the backend connection is established.
func (agg *Aggregator) SetBackendUp(backend string, up bool) {
	value := 0.0
	if up {
		value = 1.0
	}
	agg.mu.Lock()
	defer agg.mu.Unlock()
	agg.families[BackendUpMetricName].set(map[string]string{backendLabel: backend}, value)
}

// RecordBackendDown increments the down counter for the backend.
func (agg *Aggregator) RecordBackendDown(backend string) {
	agg.mu.Lock()
	defer agg.mu.Unlock()
	agg.families[BackendDownMetricName].ensure(map[string]string{backendLabel: backend}).value++
}

// SetBackendInfo records backend metadata gathered by the bootstrap flow.
func (agg *Aggregator) SetBackendInfo(backend, version string, replica bool) {
	replicaValue := "false"
	if replica {
		replicaValue = "true"
	}
	agg.mu.Lock()
	defer agg.mu.Unlock()
	fam := agg.families[BackendInfoMetricName]
	// A version change or promotion supersedes the previous info series.
	for key, s := range fam.series {
		if s.labels[backendLabel] == backend {
			delete(fam.series, key)
		}
	}
	fam.set(map[string]string{backendLabel: backend, "version": version, "replica": replicaValue}, 1)
}

// Prune removes all series tagged with the given backend, across all
// families including the error counters.
func (agg *Aggregator) Prune(backend string) {
	agg.mu.Lock()
	defer agg.mu.Unlock()
	for _, fam := range agg.families {
		for key, s := range fam.series {
			if s.labels[backendLabel] == backend {
				delete(fam.series, key)
			}
		}
	}
}

func (f *family) set(labels map[string]string, value float64) {
	f.ensure(labels).value = value
}

func (f *family) ensure(labels map[string]string) *series {
	key := labelSignature(labels)
	s, ok := f.series[key]
	if !ok {
		copied := make(map[string]string, len(labels))
		for k, v := range labels {
			copied[k] = v
		}
		s = &series{labels: copied}
		f.series[key] = s
	}
	return s
}

func labelSignature(labels map[string]string) string {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)
	var sb strings.Builder
	for _, name := range names {
		sb.WriteString(name)
		sb.WriteByte(0xff)
		sb.WriteString(labels[name])
		sb.WriteByte(0xfe)
	}
	return sb.String()
}

// Snapshot is an immutable, internally consistent read view of the registry.
type Snapshot struct {
	Families []FamilySnapshot
}

type FamilySnapshot struct {
	Name       string
	Help       string
	Kind       Kind
	LabelNames []string
	Series     []SeriesSnapshot
}

type SeriesSnapshot struct {
	Labels map[string]string
	Value  float64
}

// Snapshot returns a deep copy of the current registry state. No series is
// ever observed half-updated.
func (agg *Aggregator) Snapshot() Snapshot {
	agg.mu.RLock()
	defer agg.mu.RUnlock()

	snapshot := Snapshot{Families: make([]FamilySnapshot, 0, len(agg.families))}
	for _, fam := range agg.families {
		fs := FamilySnapshot{
			Name:       fam.name,
			Help:       fam.help,
			Kind:       fam.kind,
			LabelNames: slices.Clone(fam.labelNames),
			Series:     make([]SeriesSnapshot, 0, len(fam.series)),
		}
		for _, s := range fam.series {
			labels := make(map[string]string, len(s.labels))
			for k, v := range s.labels {
				labels[k] = v
			}
			fs.Series = append(fs.Series, SeriesSnapshot{Labels: labels, Value: s.value})
		}
		slices.SortFunc(fs.Series, func(a, b SeriesSnapshot) bool {
			return labelSignature(a.Labels) < labelSignature(b.Labels)
		})
		snapshot.Families = append(snapshot.Families, fs)
	}
	slices.SortFunc(snapshot.Families, func(a, b FamilySnapshot) bool {
		return a.Name < b.Name
	})
	return snapshot
}

// Find returns the current value for the given metric name and label set.
func (s Snapshot) Find(name string, labels map[string]string) (float64, bool) {
	signature := labelSignature(labels)
	for _, fam := range s.Families {
		if fam.Name != name {
			continue
		}
		for _, series := range fam.Series {
			if labelSignature(series.Labels) == signature {
				return series.Value, true
			}
		}
	}
	return 0, false
}

// FamilyNames returns the names of all registered metric families, sorted.
func (s Snapshot) FamilyNames() []string {
	names := make([]string, 0, len(s.Families))
	for _, fam := range s.Families {
		names = append(names, fam.Name)
	}
	return names
}

func (agg *Aggregator) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(agg, descs)
}

func (agg *Aggregator) Collect(ch chan<- prometheus.Metric) {
	snapshot := agg.Snapshot()
	for _, fam := range snapshot.Families {
		valueType := prometheus.CounterValue
		if fam.Kind == Gauge {
			valueType = prometheus.GaugeValue
		}
		desc := prometheus.NewDesc(fam.Name, fam.Help, fam.LabelNames, nil)
		for _, s := range fam.Series {
			labelValues := make([]string, len(fam.LabelNames))
			for i, name := range fam.LabelNames {
				labelValues[i] = s.Labels[name]
			}
			ch <- prometheus.MustNewConstMetric(desc, valueType, s.Value, labelValues...)
		}
	}
}

package catalog

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// QueryDefinition describes one statistics query and how its result rows map
// onto metric samples. Definitions are read-only after load.
type QueryDefinition struct {
	// Unique name for the query, used as the "query" label on error counters
	Name string `yaml:"name"`
	// SQL text executed verbatim against each backend
	SQL string `yaml:"sql"`
	// Prefix for all metric names produced by this query, e.g. "pg_stat_database"
	StatKey string `yaml:"statKey"`
	// Result columns attached to each sample as labels
	MetadataLabels []string `yaml:"metadataLabels"`
	// Result columns read as cumulative counter values
	CounterFields []string `yaml:"counterFields"`
	// Result columns read as instantaneous gauge values
	GaugeFields []string `yaml:"gaugeFields"`
}

// Catalog is the ordered list of queries executed against every backend each tick.
type Catalog struct {
	Queries []QueryDefinition `yaml:"queries"`
}

// Load reads a query catalog from a YAML file and validates it.
func Load(path string) (*Catalog, error) {
	dat, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading query catalog %s", path)
	}
	catalog := &Catalog{}
	if err := yaml.UnmarshalStrict(dat, catalog); err != nil {
		return nil, errors.Wrapf(err, "error parsing query catalog %s", path)
	}
	if err := catalog.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid query catalog %s", path)
	}
	return catalog, nil
}

// Validate checks that every query has a name, SQL text and stat key, that
// names are unique within the catalog, and that no two declared fields
// produce the same metric name. Colliding metric names would silently share
// one label schema, so they are rejected at load time.
func (c *Catalog) Validate() error {
	seen := make(map[string]bool, len(c.Queries))
	metricOwners := map[string]string{}
	for i, query := range c.Queries {
		if query.Name == "" {
			return errors.Errorf("query at index %d has no name", i)
		}
		if query.SQL == "" {
			return errors.Errorf("query %s has no sql", query.Name)
		}
		if query.StatKey == "" {
			return errors.Errorf("query %s has no statKey", query.Name)
		}
		if seen[query.Name] {
			return errors.Errorf("duplicate query name %s", query.Name)
		}
		seen[query.Name] = true

		for _, field := range query.CounterFields {
			if err := claimMetricName(metricOwners, query, field); err != nil {
				return err
			}
		}
		for _, field := range query.GaugeFields {
			if err := claimMetricName(metricOwners, query, field); err != nil {
				return err
			}
		}
	}
	return nil
}

func claimMetricName(owners map[string]string, query QueryDefinition, field string) error {
	name := query.StatKey + "_" + field
	if owner, ok := owners[name]; ok {
		return errors.Errorf("metric %s of query %s is already produced by query %s", name, query.Name, owner)
	}
	owners[name] = query.Name
	return nil
}

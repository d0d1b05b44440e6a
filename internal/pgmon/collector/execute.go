package collector

import (
	"fmt"
	"strconv"

	"github.com/jackc/pgtype"
	"github.com/pkg/errors"

	"github.com/pgmonproject/pgmon/internal/pgmon/catalog"
	"github.com/pgmonproject/pgmon/internal/pgmon/connection"
	"github.com/pgmonproject/pgmon/internal/pgmon/metrics"
)

// samplesFromRows resolves the query's declared labels and fields against
// every result row. The extraction is all-or-nothing: any row failing to
// resolve discards the whole result so that no partial results are ever
// committed. A declared column absent from the result is a
// QueryExecutionError, not a silent default.
func samplesFromRows(query catalog.QueryDefinition, backend string, rows connection.Rows) ([]metrics.Sample, error) {
	columns := rows.Columns()
	columnIndex := make(map[string]int, len(columns))
	for i, column := range columns {
		columnIndex[column] = i
	}

	var samples []metrics.Sample
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}

		labels := map[string]string{"backend": backend}
		for _, labelName := range query.MetadataLabels {
			idx, ok := columnIndex[labelName]
			if !ok {
				return nil, missingColumnError(query, backend, labelName)
			}
			labels[labelName] = labelString(values[idx])
		}

		for _, field := range query.CounterFields {
			sample, err := sampleFromField(query, backend, field, metrics.Counter, columnIndex, values, labels)
			if err != nil {
				return nil, err
			}
			samples = append(samples, sample)
		}
		for _, field := range query.GaugeFields {
			sample, err := sampleFromField(query, backend, field, metrics.Gauge, columnIndex, values, labels)
			if err != nil {
				return nil, err
			}
			samples = append(samples, sample)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return samples, nil
}

func sampleFromField(
	query catalog.QueryDefinition,
	backend string,
	field string,
	kind metrics.Kind,
	columnIndex map[string]int,
	values []interface{},
	labels map[string]string,
) (metrics.Sample, error) {
	idx, ok := columnIndex[field]
	if !ok {
		return metrics.Sample{}, missingColumnError(query, backend, field)
	}
	value, err := toFloat64(values[idx])
	if err != nil {
		return metrics.Sample{}, &connection.QueryExecutionError{
			Query:   query.Name,
			Backend: backend,
			Err:     errors.WithMessagef(err, "column %s of query %s", field, query.Name),
		}
	}
	copied := make(map[string]string, len(labels))
	for k, v := range labels {
		copied[k] = v
	}
	return metrics.Sample{
		Name:   query.StatKey + "_" + field,
		Kind:   kind,
		Labels: copied,
		Value:  value,
	}, nil
}

func missingColumnError(query catalog.QueryDefinition, backend, column string) error {
	return &connection.QueryExecutionError{
		Query:   query.Name,
		Backend: backend,
		Err:     errors.Errorf("declared column %s is absent from the result of query %s", column, query.Name),
	}
}

// toFloat64 coerces a row value into a metric value. Postgres numeric
// columns arrive as pgtype.Numeric; bigints as int64.
func toFloat64(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case pgtype.Numeric:
		var f float64
		if err := v.AssignTo(&f); err != nil {
			return 0, err
		}
		return f, nil
	case *pgtype.Numeric:
		var f float64
		if err := v.AssignTo(&f); err != nil {
			return 0, err
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, errors.Errorf("cannot parse %q as a metric value", v)
		}
		return f, nil
	case nil:
		return 0, errors.New("null value in metric column")
	default:
		return 0, errors.Errorf("unsupported metric value type %T", value)
	}
}

// labelString renders a row value as a label value.
func labelString(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

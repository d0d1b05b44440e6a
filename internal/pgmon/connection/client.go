package connection

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"

	"github.com/pgmonproject/pgmon/internal/pgmon/registry"
)

// Client is the narrow database client contract the core depends on.
// Implementations must honour context cancellation on both operations.
type Client interface {
	// Query executes sql and returns a row-oriented result stream
	Query(ctx context.Context, sql string) (Rows, error)
	// Ping verifies the connection is still usable
	Ping(ctx context.Context) error
	// Close releases the underlying connection
	Close(ctx context.Context) error
}

// Rows is a row-oriented result stream.
type Rows interface {
	// Columns returns the result column names in result order
	Columns() []string
	// Next advances to the next row, returning false when exhausted
	Next() bool
	// Values returns the values of the current row
	Values() ([]interface{}, error)
	// Err returns any error encountered while streaming rows
	Err() error
	// Close releases the result stream
	Close()
}

// DialFunc produces a connected Client for a backend. The context bounds the
// connection attempt; on cancellation the in-flight dial must be aborted.
type DialFunc func(ctx context.Context, backend registry.BackendDescriptor) (Client, error)

// ClientConfig holds the credentials shared by all backend connections.
type ClientConfig struct {
	// Role used for collection, typically a restricted monitoring role
	User string
	// Password for the collection role, empty for trust/peer auth
	Password string
}

// PgxDial returns a DialFunc establishing single pgx connections. Each
// backend gets exactly one connection; pooling is deliberately absent since
// queries for one backend execute strictly one-at-a-time.
func PgxDial(config ClientConfig) DialFunc {
	return func(ctx context.Context, backend registry.BackendDescriptor) (Client, error) {
		connConfig, err := pgx.ParseConfig(fmt.Sprintf("host=%s port=%d dbname=%s", backend.Address, backend.Port, backend.Database))
		if err != nil {
			return nil, errors.Wrapf(err, "error building connection config for backend %s", backend.Name)
		}
		connConfig.User = config.User
		connConfig.Password = config.Password
		conn, err := pgx.ConnectConfig(ctx, connConfig)
		if err != nil {
			return nil, err
		}
		return &pgxClient{conn: conn}, nil
	}
}

type pgxClient struct {
	conn *pgx.Conn
}

func (c *pgxClient) Query(ctx context.Context, sql string) (Rows, error) {
	rows, err := c.conn.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	return &pgxRows{rows: rows}, nil
}

func (c *pgxClient) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *pgxClient) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

type pgxRows struct {
	rows pgx.Rows
}

func (r *pgxRows) Columns() []string {
	descriptions := r.rows.FieldDescriptions()
	columns := make([]string, len(descriptions))
	for i, description := range descriptions {
		columns[i] = string(description.Name)
	}
	return columns
}

func (r *pgxRows) Next() bool {
	return r.rows.Next()
}

func (r *pgxRows) Values() ([]interface{}, error) {
	return r.rows.Values()
}

func (r *pgxRows) Err() error {
	return r.rows.Err()
}

func (r *pgxRows) Close() {
	r.rows.Close()
}

package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/pgmonproject/pgmon/internal/pgmon/connection"
	"github.com/pgmonproject/pgmon/internal/pgmon/registry"
)

// Metadata describes a backend as observed during provisioning. It is
// informational only and never gates steady-state collection.
type Metadata struct {
	ServerVersion string
	IsReplica     bool
}

// Provisioner is invoked once per newly discovered backend, outside the
// collection hot path.
type Provisioner interface {
	Provision(ctx context.Context, backend registry.BackendDescriptor) (Metadata, error)
}

// RoleProvisioner provisions a restricted monitoring role on each backend
// and reports backend metadata. Role creation DDL is skipped on replicas,
// which cannot accept writes; metadata is still collected there.
type RoleProvisioner struct {
	dial    connection.DialFunc
	role    string
	timeout time.Duration
}

func NewRoleProvisioner(dial connection.DialFunc, role string, timeout time.Duration) *RoleProvisioner {
	return &RoleProvisioner{
		dial:    dial,
		role:    role,
		timeout: timeout,
	}
}

func (p *RoleProvisioner) Provision(ctx context.Context, backend registry.BackendDescriptor) (Metadata, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	client, err := p.dial(ctx, backend)
	if err != nil {
		return Metadata{}, errors.WithMessagef(err, "error connecting to backend %s for bootstrap", backend.Name)
	}
	defer func() {
		if err := client.Close(ctx); err != nil {
			log.WithError(err).Warnf("error closing bootstrap connection to backend %s", backend.Name)
		}
	}()

	version, err := queryString(ctx, client, "SELECT current_setting('server_version')")
	if err != nil {
		return Metadata{}, errors.WithMessagef(err, "error reading server version from backend %s", backend.Name)
	}
	replica, err := queryBool(ctx, client, "SELECT pg_is_in_recovery()")
	if err != nil {
		return Metadata{}, errors.WithMessagef(err, "error reading recovery state from backend %s", backend.Name)
	}
	metadata := Metadata{ServerVersion: version, IsReplica: replica}

	if replica {
		log.Infof("backend %s is a replica; skipping role provisioning", backend.Name)
		return metadata, nil
	}

	exists, err := queryBool(ctx, client, fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = '%s')", p.role))
	if err != nil {
		return metadata, errors.WithMessagef(err, "error checking role %s on backend %s", p.role, backend.Name)
	}
	if !exists {
		if err := execute(ctx, client, fmt.Sprintf("CREATE ROLE %s LOGIN", p.role)); err != nil {
			// Lost a race against another creator; the role exists, which is all we need.
			if connection.SQLStateOf(err) != pgerrcode.DuplicateObject {
				return metadata, errors.WithMessagef(err, "error creating role %s on backend %s", p.role, backend.Name)
			}
		}
		log.Infof("created monitoring role %s on backend %s", p.role, backend.Name)
	}
	if err := execute(ctx, client, fmt.Sprintf("GRANT pg_monitor TO %s", p.role)); err != nil {
		return metadata, errors.WithMessagef(err, "error granting pg_monitor to %s on backend %s", p.role, backend.Name)
	}
	if err := execute(ctx, client, activityHelperDDL); err != nil {
		return metadata, errors.WithMessagef(err, "error creating activity helper on backend %s", backend.Name)
	}
	if err := execute(ctx, client, fmt.Sprintf("GRANT EXECUTE ON FUNCTION pgmon_stat_activity() TO %s", p.role)); err != nil {
		return metadata, errors.WithMessagef(err, "error granting execute on activity helper to %s on backend %s", p.role, backend.Name)
	}
	return metadata, nil
}

// Security definer helper exposing the full pg_stat_activity rows, which are
// otherwise masked for roles other than superuser and the session owner.
const activityHelperDDL = `CREATE OR REPLACE FUNCTION pgmon_stat_activity() RETURNS SETOF pg_stat_activity LANGUAGE sql SECURITY DEFINER AS 'SELECT * FROM pg_stat_activity'`

func queryString(ctx context.Context, client connection.Client, sql string) (string, error) {
	value, err := queryValue(ctx, client, sql)
	if err != nil {
		return "", err
	}
	s, ok := value.(string)
	if !ok {
		return "", errors.Errorf("expected string result from %q, got %T", sql, value)
	}
	return s, nil
}

func queryBool(ctx context.Context, client connection.Client, sql string) (bool, error) {
	value, err := queryValue(ctx, client, sql)
	if err != nil {
		return false, err
	}
	b, ok := value.(bool)
	if !ok {
		return false, errors.Errorf("expected boolean result from %q, got %T", sql, value)
	}
	return b, nil
}

func queryValue(ctx context.Context, client connection.Client, sql string) (interface{}, error) {
	rows, err := client.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, errors.Errorf("no rows returned by %q", sql)
	}
	values, err := rows.Values()
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, errors.Errorf("no columns returned by %q", sql)
	}
	return values[0], nil
}

func execute(ctx context.Context, client connection.Client, sql string) error {
	rows, err := client.Query(ctx, sql)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
	}
	return rows.Err()
}

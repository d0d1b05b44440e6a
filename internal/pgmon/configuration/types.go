package configuration

import (
	"time"
)

type PgmonConfiguration struct {
	// Port serving the /metrics and /health endpoints
	MetricsPort uint16 `validate:"required"`
	// Wall-clock interval between collection cycles
	TickInterval time.Duration `validate:"required"`
	// Hard deadline for each query execution
	QueryTimeout time.Duration `validate:"required"`
	// Path to the YAML query catalog
	QueryFile string `validate:"required"`
	// Connection credentials and retry policy shared by all backends
	Postgres PostgresConfig
	// Source of the monitored backend set
	Discovery DiscoveryConfig
	// Provisioning of the monitoring role on newly discovered backends
	Bootstrap BootstrapConfig
}

type PostgresConfig struct {
	// Role used for collection
	User string `validate:"required"`
	// Password for the collection role, empty for trust/peer auth
	Password string
	// Hard deadline for one connection attempt
	ConnectTimeout time.Duration `validate:"required"`
	// Maximum number of connection attempts before a backend is marked down
	ConnectRetries uint `validate:"required"`
	// Delay between connection attempts
	ConnectBackoff time.Duration `validate:"required"`
}

type DiscoveryConfig struct {
	// Fixed backend set from configuration. Mutually exclusive with Url.
	Static []StaticBackend
	// Directory service endpoint returning the backend set as a JSON array
	Url string
	// Interval between discovery polls
	PollInterval time.Duration
	// Timeout for one poll request
	RequestTimeout time.Duration
}

type StaticBackend struct {
	Name     string
	Address  string
	Port     int
	Database string
}

type BootstrapConfig struct {
	// If true, newly discovered backends get the monitoring role provisioned
	Enabled bool
	// Name of the restricted monitoring role to create
	Role string
	// Deadline for the whole provisioning flow on one backend
	Timeout time.Duration
}

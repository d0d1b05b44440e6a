package pgmon

import (
	"context"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/pgmonproject/pgmon/internal/common"
	"github.com/pgmonproject/pgmon/internal/common/app"
	commonconfig "github.com/pgmonproject/pgmon/internal/common/config"
	"github.com/pgmonproject/pgmon/internal/common/healthmonitor"
	"github.com/pgmonproject/pgmon/internal/pgmon/bootstrap"
	"github.com/pgmonproject/pgmon/internal/pgmon/catalog"
	"github.com/pgmonproject/pgmon/internal/pgmon/collector"
	"github.com/pgmonproject/pgmon/internal/pgmon/configuration"
	"github.com/pgmonproject/pgmon/internal/pgmon/connection"
	"github.com/pgmonproject/pgmon/internal/pgmon/discovery"
	"github.com/pgmonproject/pgmon/internal/pgmon/metrics"
	"github.com/pgmonproject/pgmon/internal/pgmon/registry"
)

// Run wires up the collection pipeline and runs it until a SIGTERM is
// received. The only errors returned are fatal startup conditions; all
// steady-state connection and query errors are isolated per backend and
// reported as metrics instead.
func Run(config *configuration.PgmonConfiguration) error {
	log.Info("pgmon starting")

	if err := config.Validate(); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			commonconfig.LogValidationErrors(validationErrors)
		}
		return errors.WithMessage(err, "invalid configuration")
	}

	queryCatalog, err := catalog.Load(config.QueryFile)
	if err != nil {
		return err
	}
	log.Infof("loaded %d queries from %s", len(queryCatalog.Queries), config.QueryFile)

	aggregator := metrics.NewAggregator()
	aggregator.InitializeMetrics(queryCatalog)
	prometheus.MustRegister(aggregator)

	dial := connection.PgxDial(connection.ClientConfig{
		User:     config.Postgres.User,
		Password: config.Postgres.Password,
	})
	manager := connection.NewManager(dial, connection.Config{
		ConnectTimeout: config.Postgres.ConnectTimeout,
		ConnectRetries: config.Postgres.ConnectRetries,
		ConnectBackoff: config.Postgres.ConnectBackoff,
	}, aggregator)

	var provisioner bootstrap.Provisioner
	if config.Bootstrap.Enabled {
		provisioner = bootstrap.NewRoleProvisioner(dial, config.Bootstrap.Role, config.Bootstrap.Timeout)
	}

	health := healthmonitor.NewManualHealthMonitor().WithReason(healthmonitor.StartingUpReason)
	c := collector.New(
		registry.New(),
		manager,
		queryCatalog,
		aggregator,
		provisioner,
		config.TickInterval,
		config.QueryTimeout,
	).WithHealthMonitor(health)

	shutdownMetricServer := common.ServeMetrics(config.MetricsPort, map[string]http.Handler{
		"/health": healthmonitor.Handler(health),
	})
	defer shutdownMetricServer()

	ctx := app.CreateContextWithShutdown()
	defer manager.Close(context.Background())

	if len(config.Discovery.Static) > 0 {
		provider := discovery.NewStaticProvider(staticBackends(config.Discovery.Static))
		backends, err := provider.Discover(ctx)
		if err != nil {
			return err
		}
		c.SetBackends(backends)
	} else {
		provider := discovery.NewHTTPProvider(config.Discovery.Url, config.Discovery.RequestTimeout)
		go discovery.Poll(ctx, provider, config.Discovery.PollInterval, c.SetBackends)
	}

	return c.Run(ctx)
}

func staticBackends(static []configuration.StaticBackend) []registry.BackendDescriptor {
	backends := make([]registry.BackendDescriptor, len(static))
	for i, backend := range static {
		backends[i] = registry.BackendDescriptor{
			Name:     backend.Name,
			Address:  backend.Address,
			Port:     backend.Port,
			Database: backend.Database,
		}
	}
	return backends
}

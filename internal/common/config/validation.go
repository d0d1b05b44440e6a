package config

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// LogValidationErrors logs every struct validation failure on its own line,
// so a misconfigured deployment reports all problems in one run instead of
// one per restart.
func LogValidationErrors(err error) {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return
	}
	for _, fieldError := range validationErrors {
		field := stripStructPrefix(fieldError.Namespace())
		switch fieldError.Tag() {
		case "required":
			log.Errorf("config error: %s is required but was not set", field)
		default:
			log.Errorf("config error: %s has invalid value %v (%s)", field, fieldError.Value(), fieldError.Tag())
		}
	}
}

// stripStructPrefix drops the leading struct name from a validator namespace,
// e.g. "PgmonConfiguration.Postgres.User" -> "Postgres.User".
func stripStructPrefix(namespace string) string {
	if idx := strings.Index(namespace, "."); idx != -1 {
		return namespace[idx+1:]
	}
	return namespace
}

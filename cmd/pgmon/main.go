package main

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pgmonproject/pgmon/internal/common"
	"github.com/pgmonproject/pgmon/internal/pgmon"
	"github.com/pgmonproject/pgmon/internal/pgmon/configuration"
)

const CustomConfigLocation string = "config"

func init() {
	pflag.StringSlice(CustomConfigLocation, []string{}, "Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.PgmonConfiguration
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)
	common.LoadConfig(&config, "./config/pgmon", userSpecifiedConfigs)

	if err := pgmon.Run(&config); err != nil {
		log.Fatalf("pgmon exited: %v", err)
	}
}

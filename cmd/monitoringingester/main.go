package main

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/runmonproject/runmon/internal/common"
	"github.com/runmonproject/runmon/internal/monitoringingester"
	"github.com/runmonproject/runmon/internal/monitoringingester/configuration"
)

func init() {
	pflag.StringSlice(
		"config",
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.MonitoringIngesterConfiguration
	userSpecifiedConfigs := viper.GetStringSlice("config")
	common.LoadConfig(&config, "./config/monitoringingester", userSpecifiedConfigs)

	if err := config.Validate(); err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}

	shutdownMetrics := common.ServeMetrics(config.MetricsPort)
	defer shutdownMetrics()

	if err := monitoringingester.Run(&config); err != nil {
		log.WithError(err).Fatal("Monitoring ingester failed")
	}
}

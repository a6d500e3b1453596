package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

var (
	configPath string
	envFile    string
	logLevel   string
)

func newRootCmd(info BuildInfo) *cobra.Command {
	root := &cobra.Command{
		Use:          "sensor-relay",
		Short:        "Relay MQTT sensor readings to InfluxDB",
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "config.json", "Path to the configuration file (JSON or YAML)")
	flags.StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before the configuration")
	flags.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	setFromEnv(flags, "config", "RELAY_CONFIG")
	setFromEnv(flags, "log-level", "RELAY_LOG_LEVEL")

	run := newRunCmd(info)
	root.AddCommand(run, newValidateCmd(), newVersionCmd(info))
	root.RunE = run.RunE

	return root
}

// setFromEnv uses the environment variable as the flag default when set.
func setFromEnv(flags *pflag.FlagSet, name, env string) {
	if v, ok := os.LookupEnv(env); ok && v != "" {
		flags.Lookup(name).Value.Set(v)
	}
}

func Execute(info BuildInfo) error {
	return newRootCmd(info).Execute()
}

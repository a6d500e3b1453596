package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nimdanitro/sensor-relay-go/pkg/config"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration without starting the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(envFile); err != nil {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config %s: %w", configPath, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config %s looks good (broker %s, topic %s, bucket %s)\n",
				configPath, cfg.MQTTBroker, cfg.MQTTTopic, cfg.DBBucket)
			return nil
		},
	}
}

package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/svettore/spoold/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the spoold configuration file.

Loads the configuration, applies defaults and runs the full validation,
reporting the first problem found.

Examples:
  # Validate default config
  spoold config validate

  # Validate specific config file
  spoold config validate --config /etc/spoold/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	if _, err := config.MustLoad(configPath); err != nil {
		return err
	}

	fmt.Println("Configuration is valid.")
	return nil
}

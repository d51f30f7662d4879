package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/svettore/spoold/internal/cli/prompt"
	"github.com/svettore/spoold/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample spoold configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/spoold/config.yaml.
Use --config to specify a custom path.

The generated file contains placeholder pool and domain identifiers that
must be edited before the agent can start.

Examples:
  # Initialize with default location
  spoold init

  # Initialize with custom path
  spoold init --config /etc/spoold/config.yaml

  # Force overwrite existing config
  spoold init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := GetConfigFile()
	if configPath == "" {
		configPath = config.GetDefaultConfigPath()
	}

	if _, err := os.Stat(configPath); err == nil {
		ok, err := prompt.ConfirmWithForce(
			fmt.Sprintf("Configuration file %s already exists. Overwrite?", configPath), initForce)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Aborted.")
			return nil
		}
	}

	if err := config.SaveConfig(config.GetDefaultConfig(), configPath); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Set the pool id, host id and domain paths for this deployment")
	fmt.Println("  2. Start the agent with: spoold start")
	fmt.Printf("  3. Or specify custom config: spoold start --config %s\n", configPath)

	return nil
}

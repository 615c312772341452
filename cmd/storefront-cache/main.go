// Command storefront-cache runs the offline-first storefront cache daemon and
// offers maintenance commands for its stores.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/storefront-cache/pkg/config"
	"github.com/Sternrassler/storefront-cache/pkg/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "storefront-cache",
	Short: "Offline-first cache for the storefront backend",
	Long: "storefront-cache keeps storefront data in a durable cache, refreshes it while\n" +
		"the backend is reachable and serves the cached copy while it is not.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to the TOML config file")
}

func defaultConfigPath() string {
	if p := os.Getenv(config.EnvPrefix + "CONFIG"); p != "" {
		return p
	}
	return "storefront.toml"
}

// loadConfig reads the configuration and sets up logging.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	logging.Setup(cfg.LoggerConfig())
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

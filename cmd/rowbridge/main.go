// Command rowbridge connects to an R50 rowing ergometer and republishes its
// metrics as a Bluetooth FTMS fitness machine, over MQTT, and as FIT
// activity files.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/chaz8081/rowbridge/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "rowbridge",
		Short:         "Bridge an R50 rowing ergometer to FTMS, MQTT and FIT",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: ~/.config/rowbridge/config.yaml)")

	root.AddCommand(newRunCmd(&configPath))
	root.AddCommand(newScanCmd(&configPath))
	root.AddCommand(newDecodeCmd())
	root.AddCommand(newInitCmd())
	return root
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults. The result is
// validated and the global logger is set to its log level.
func loadConfig(path string) (*config.Config, error) {
	cfg, source, err := readConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)})
	slog.SetDefault(slog.New(handler))
	slog.Info("config loaded", "source", source)
	return cfg, nil
}

func readConfig(path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, defaultPath, nil
	}

	return config.Default(), "defaults", nil
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the default config file if none exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.WriteDefault()
			if err != nil {
				return err
			}
			if path == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "config already exists at %s\n", config.DefaultConfigPath())
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
}

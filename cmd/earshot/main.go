// Command earshot captures what the computer is playing, detects speech in it
// and publishes each utterance as a base64 WAV over a local HTTP API.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/earshot/internal/config"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath      string
	backendOverride string
	logLevel        string
)

var rootCmd = &cobra.Command{
	Use:   "earshot",
	Short: "Speaker-loopback speech capture",
	Long: "earshot listens to the system audio output, cuts it into utterances " +
		"with an energy VAD and publishes each one as a base64 WAV.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "earshot %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file (defaults when empty)")
	rootCmd.PersistentFlags().StringVar(&backendOverride, "backend", "", "capture backend: auto, pulse, wasapi, device or mock")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override server.log_level")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "earshot: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads --config, or the defaults when no file was given, and
// applies the command-line overrides.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath == "" {
		cfg = config.Default()
	} else {
		cfg, err = config.Load(configPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config file %q not found, copy configs/example.yaml to get started", configPath)
			}
			return nil, err
		}
	}

	if backendOverride != "" {
		cfg.Capture.Backend = backendOverride
	}
	if logLevel != "" {
		cfg.Server.LogLevel = config.LogLevel(logLevel)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

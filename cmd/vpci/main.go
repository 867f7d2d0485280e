package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tinyrange/vpci/internal/config"
	"github.com/tinyrange/vpci/internal/devices/pci"
	"github.com/tinyrange/vpci/internal/devices/virtio"
	"github.com/tinyrange/vpci/internal/vmm"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "vpci",
	Short: "Virtio PCI transport playground",
	Long: `vpci builds virtio 1.0 PCI functions from a YAML or TOML description and
lets you inspect them or drive them the way a guest driver would.

Without --config a single virtio-rng function is created.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if logLevel == "" {
			return nil
		}
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logrus.SetLevel(level)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "machine description (.yaml, .yml or .toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
}

// loadMachine reads the configuration and builds the machine it describes.
func loadMachine() (*vmm.Machine, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}
	if logLevel == "" {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("log_level: %w", err)
		}
		logrus.SetLevel(level)
	}

	logger := logrus.NewEntry(logrus.StandardLogger())
	pci.SetLogger(logger)
	virtio.SetLogger(logger)
	vmm.SetLogger(logger)

	return vmm.New(cfg)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/todoroff/terraform-provider-catlet/internal/config"
	"github.com/todoroff/terraform-provider-catlet/internal/hypervcli"
)

var (
	// Global flags
	hostConfigFile string
	powerShellPath string
	verbose        bool
)

var rootCmd = &cobra.Command{
	Use:   "catlet-converge",
	Short: "Converge Hyper-V VMs to catlet definitions",
	Long: `catlet-converge brings a single Hyper-V VM in line with a catlet definition.

Each run compares the VM with the definition and only issues the host
commands needed to remove the differences, in a fixed order:
  cpu → memory → secure_boot → drives → network_adapters → provisioning`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&hostConfigFile, "host-config", "", "host settings file (YAML)")
	rootCmd.PersistentFlags().StringVar(&powerShellPath, "powershell-path", "", "PowerShell binary (overrides host settings)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log every host command")
}

// newLogger returns a zap backed logr.Logger. Verbose mode enables V(1)
// records, which carry skipped mutations and host command timings.
func newLogger(verbose bool) (logr.Logger, func(), error) {
	var (
		zapLog *zap.Logger
		err    error
	)
	if verbose {
		zapLog, err = zap.NewDevelopment()
	} else {
		cfg := zap.NewProductionConfig()
		cfg.Encoding = "console"
		cfg.DisableStacktrace = true
		zapLog, err = cfg.Build()
	}
	if err != nil {
		return logr.Discard(), func() {}, fmt.Errorf("create logger: %w", err)
	}
	return zapr.NewLogger(zapLog), func() { _ = zapLog.Sync() }, nil
}

// loadHostConfig reads the host settings file, if any, and applies
// environment and flag overrides.
func loadHostConfig() (*config.HostConfig, error) {
	host := config.DefaultHostConfig()
	if hostConfigFile != "" {
		loaded, err := config.LoadHostConfig(hostConfigFile)
		if err != nil {
			return nil, err
		}
		host = loaded
	}
	if err := config.ApplyEnvOverrides(host); err != nil {
		return nil, err
	}
	if powerShellPath != "" {
		host.PowerShellPath = powerShellPath
	}
	return host, nil
}

// session bundles what every subcommand needs to talk to the host.
type session struct {
	ctx    context.Context
	host   *config.HostConfig
	client hypervcli.Client
	close  func()
}

func openSession(ctx context.Context, observer hypervcli.Observer) (*session, error) {
	logger, syncLog, err := newLogger(verbose)
	if err != nil {
		return nil, err
	}
	host, err := loadHostConfig()
	if err != nil {
		syncLog()
		return nil, err
	}

	ctx = logr.NewContext(ctx, logger)
	client, err := hypervcli.NewClient(ctx, hypervcli.Config{
		BinaryPath: host.PowerShellPath,
		Timeout:    host.CommandTimeout,
		Observer:   observer,
	})
	if err != nil {
		syncLog()
		return nil, err
	}

	return &session{
		ctx:    ctx,
		host:   host,
		client: client,
		close: func() {
			if err := client.Close(); err != nil {
				logger.Error(err, "close PowerShell session")
			}
			syncLog()
		},
	}, nil
}

package main

import (
	"os"

	"github.com/gmelodie/cruzos/kernel/kfmt"
	"github.com/gmelodie/cruzos/kernel/kmain"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

const (
	envConfig   = "CRUZOS_CONFIG"
	envLogLevel = "CRUZOS_LOG_LEVEL"
)

// rootOptions are the flags shared by every command.
type rootOptions struct {
	configPath string
	logLevel   string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "cruzos",
		Short: "Boot and inspect the cruzos memory management core.",
		Long: `cruzos boots the kernel memory management core (frame source, ` +
			`page tables and heap) on a simulated machine. The boot configuration ` +
			`is read from --config or $` + envConfig + `.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			kfmt.SetOutputSink(cmd.ErrOrStderr())
			return opts.loadEnv()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "TOML boot configuration")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "file with environment defaults")

	rootCmd.AddCommand(
		newBootCmd(opts),
		newTranslateCmd(opts),
		newMemmapCmd(opts),
		newStressCmd(opts),
	)

	return rootCmd
}

// loadEnv fills unset options from the environment. Variables already set
// in the environment take precedence over the env file.
func (opts *rootOptions) loadEnv() error {
	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil && !os.IsNotExist(errors.Cause(err)) {
			return errors.Wrapf(err, "load %s", opts.envFile)
		}
	}

	if opts.configPath == "" {
		opts.configPath = os.Getenv(envConfig)
	}
	if opts.logLevel == "" {
		opts.logLevel = os.Getenv(envLogLevel)
	}

	return nil
}

// config returns the boot configuration selected by the options.
func (opts *rootOptions) config() (*kmain.Config, error) {
	cfg := kmain.DefaultConfig()
	if opts.configPath != "" {
		var err error
		if cfg, err = kmain.LoadConfig(opts.configPath); err != nil {
			return nil, err
		}
	}

	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}

	return cfg, nil
}

// boot loads the configuration and boots the kernel.
func (opts *rootOptions) boot() (*kmain.Kernel, error) {
	cfg, err := opts.config()
	if err != nil {
		return nil, err
	}

	return kmain.Boot(cfg)
}

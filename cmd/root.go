// File: cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/scalpel-feeds/internal/config"
	"github.com/xkilldash9x/scalpel-feeds/internal/observability"
	"github.com/xkilldash9x/scalpel-feeds/internal/service"
)

// app carries what every subcommand needs. Each root command owns its own
// viper instance so repeated executions never share flag state.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	factory service.ComponentFactory
}

func (a *app) logger() *zap.Logger {
	return observability.GetLogger()
}

// components builds the service graph for the current configuration.
func (a *app) components(ctx context.Context) (*service.Components, error) {
	if a.cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return a.factory.Create(ctx, a.cfg, a.logger())
}

// NewRootCommand creates a fresh command tree backed by the production
// component factory.
func NewRootCommand() *cobra.Command {
	return newRootCommand(service.NewComponentFactory())
}

func newRootCommand(factory service.ComponentFactory) *cobra.Command {
	a := &app{v: viper.New(), factory: factory}
	config.SetDefaults(a.v)

	rootCmd := &cobra.Command{
		Use:           "scalpel-feeds",
		Short:         "Scalpel Feeds ingests threat-intel feeds into a knowledge graph.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := initializeConfig(a.v, a.cfgFile); err != nil {
				return err
			}
			cfg, err := config.NewConfigFromViper(a.v)
			if err != nil {
				return err
			}
			if cfg.Logger.LogFile, err = expandPath(cfg.Logger.LogFile); err != nil {
				return err
			}
			a.cfg = cfg

			// Logs go to stderr so exports written to stdout stay clean.
			observability.Initialize(cfg.Logger, zapcore.Lock(os.Stderr))
			observability.GetLogger().Debug("Starting scalpel-feeds", zap.String("version", Version))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(
		newRunCmd(a),
		newFeedsCmd(a),
		newExportCmd(a),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the command tree with the signal aware context from main.
func Execute(ctx context.Context) error {
	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		return err
	}
	return nil
}

// initializeConfig reads the config file, if any, and environment overrides.
func initializeConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		path, err := expandPath(cfgFile)
		if err != nil {
			return err
		}
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; proceed with defaults/env vars
	}
	return nil
}

// expandPath resolves a leading ~ to the user's home directory.
func expandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", fmt.Errorf("could not resolve path '%s': %w", path, err)
	}
	return expanded, nil
}

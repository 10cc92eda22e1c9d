package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/weftlabs/weft/internal/build"
	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/logger"
	"github.com/weftlabs/weft/internal/logger/tag"
)

// Context carries the loaded configuration and a logger-bearing context into
// command run functions.
type Context struct {
	context.Context

	Command *cobra.Command
	Flags   []commandLineFlag
	Config  *config.Config
}

// NewContext loads configuration with flag and environment overrides applied
// and installs the process logger on the context.
func NewContext(cmd *cobra.Command, flags []commandLineFlag) (*Context, error) {
	ctx := cmd.Context()

	bindFlags(cmd, flags...)

	var loaderOpts []config.LoaderOption
	if cfgPath := viper.GetString("config"); cfgPath != "" {
		loaderOpts = append(loaderOpts, config.WithConfigFile(cfgPath))
	}
	cfg, err := config.NewLoader(viper.GetViper(), loaderOpts...).Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	var opts []logger.Option
	if cfg.Core.Debug || os.Getenv("DEBUG") != "" {
		opts = append(opts, logger.WithDebug())
	}
	if cfg.Core.Quiet {
		opts = append(opts, logger.WithQuiet())
	}
	if cfg.Core.LogFormat != "" {
		opts = append(opts, logger.WithFormat(cfg.Core.LogFormat))
	}

	if cmd.Name() == "server" && cfg.Paths.LogDir != "" {
		// Long-running process: mirror logs into a rotated file.
		if err := os.MkdirAll(cfg.Paths.LogDir, 0o750); err != nil {
			cfg.Warnings = append(cfg.Warnings,
				fmt.Sprintf("log dir %s unusable, console only: %v", cfg.Paths.LogDir, err))
		} else {
			logFile := filepath.Join(cfg.Paths.LogDir, build.Slug+".log")
			opts = append(opts, logger.WithRotation(logFile, 64, 30, 5))
		}
	}

	ctx = logger.WithLogger(ctx, logger.NewLogger(opts...))

	for _, w := range cfg.Warnings {
		logger.Warn(ctx, w)
	}

	return &Context{
		Context: ctx,
		Command: cmd,
		Flags:   flags,
		Config:  cfg,
	}, nil
}

// NewCommand wraps a cobra command so its run function receives a fully
// initialized Context.
func NewCommand(cmd *cobra.Command, flags []commandLineFlag, runFunc func(ctx *Context, args []string) error) *cobra.Command {
	initFlags(cmd, flags...)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx, err := NewContext(cmd, flags)
		if err != nil {
			fmt.Printf("Initialization error: %v\n", err)
			os.Exit(1)
		}
		if err := runFunc(ctx, args); err != nil {
			logger.Error(ctx, "Command failed", tag.Error(err))
			os.Exit(1)
		}
		return nil
	}

	return cmd
}

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"catalog-assist/internal/app"
	"catalog-assist/internal/config"
	"catalog-assist/internal/pkg/logger"
)

func main() {
	root := newRootCmd(buildService)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// buildService wires the same service the Lambda runs. Logs go to stderr so
// stdout carries only answers.
func buildService(ctx context.Context, opts globalOptions) (assistant, func(), error) {
	cfg, err := config.Load(opts.envFiles...)
	if err != nil {
		return nil, nil, err
	}
	level := cfg.App.LogLevel
	if opts.verbose {
		level = "debug"
	}
	log, err := logger.New(logger.Options{
		Level:    level,
		FilePath: cfg.App.LogFilePath,
		Console:  zapcore.Lock(os.Stderr),
	})
	if err != nil {
		return nil, nil, err
	}
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return a.Service, func() {
		a.Close()
		_ = log.Sync()
	}, nil
}

func newRootCmd(build builder) *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "catalogctl",
		Short:         "Ask questions about catalog products from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "dotenv files to load before the environment")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level")

	c := &commands{build: build, opts: opts}
	root.AddCommand(
		c.askCmd(),
		c.chatCmd(),
		c.searchCmd(),
		c.ragCmd(),
		c.suggestCmd(),
		c.clearCmd(),
		c.healthCmd(),
	)
	return root
}

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/tabclip/internal/config"
	"github.com/JakeFAU/tabclip/internal/server"
)

// runner is what the serve command drives. Tests swap the factory below.
type runner interface {
	Run(ctx context.Context) error
}

// buildApp is the application factory. It's a variable so tests can replace
// it with a fake.
var buildApp = func(ctx context.Context, cfg *config.Config) (runner, error) {
	return server.Build(ctx, cfg)
}

type cfgKeyType struct{}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "tabclip",
		Short: "Clips browser tabs to Markdown.",
		Long: `tabclip drives a Chrome instance to capture web pages as Markdown
artifacts. Pages are read directly, through an archive service, or through
bypass mirrors, and saved to local disk or Cloud Storage.`,
		SilenceUsage: true,

		// Config is loaded once here so every subcommand sees the same values.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), cfgKeyType{}, &cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newConfigCmd())
	return cmd
}

func resolveConfig(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(cfgKeyType{}).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}

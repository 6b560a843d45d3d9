// Package cmd defines the cropcost command line: one-shot pipeline runs,
// standardization passes, exports and the HTTP service.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/cropcost-pipeline/internal/app"
	"github.com/JakeFAU/cropcost-pipeline/internal/config"
	"github.com/JakeFAU/cropcost-pipeline/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It is a variable so tests can build an
// App without touching the network.
var newApp = func(ctx context.Context, cfgPath string) (*app.App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return app.New(ctx, cfg, logger, app.Overrides{})
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "cropcost",
		Short: "Agricultural cost-of-production ingestion pipeline.",
		Long: `cropcost fetches crop budget documents from extension services and
USDA, extracts their cost tables, scores every record and stores the accepted
ones for standardization and export.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Builds the services once the flags are parsed.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return nil
			}
			err = a.Close(context.WithoutCancel(cmd.Context()))
			_ = a.Logger.Sync()
			return err
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml); CROPCOST_* env vars override it")

	cmd.AddCommand(
		newRunCmd(),
		newStandardizeCmd(),
		newStatusCmd(),
		newExportCmd(),
		newServeCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (*app.App, error) {
	a, ok := ctx.Value(appKey).(*app.App)
	if !ok || a == nil {
		return nil, errors.New("application services not initialized")
	}
	return a, nil
}

// Execute is the main entry point. The error has already been printed.
func Execute(ctx context.Context) error {
	err := newRootCmd().ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cropcost:", err)
	}
	return err
}

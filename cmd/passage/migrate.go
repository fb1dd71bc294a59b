package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/passage/internal/config"
	"github.com/pitabwire/passage/internal/definition"
	"github.com/pitabwire/passage/internal/observability"
	"github.com/pitabwire/passage/internal/workflow"
)

func newMigrateCommand(configPath *string) *cobra.Command {
	var seed bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the workflow schema and optionally seed templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Store.Driver == config.DriverMemory {
				return fmt.Errorf("migrate: the memory store has no schema")
			}

			logger, err := observability.NewLogger(cfg.Observability)
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer logger.Sync()

			ctx := cmd.Context()
			store, closer, err := buildStore(ctx, cfg.Store, logger)
			if err != nil {
				return err
			}
			if closer != nil {
				defer closer()
			}
			if m, ok := store.(migrator); ok {
				if err := m.Migrate(ctx); err != nil {
					return err
				}
			}
			logger.Info("schema applied", zap.String("driver", cfg.Store.Driver))

			if !seed || len(cfg.Store.SeedTemplates) == 0 {
				return nil
			}
			engine := workflow.NewEngine(workflow.Deps{
				Store:     store,
				Validator: definition.NewValidator(cfg.Workflow.MaxCumulativeDays),
				Logger:    logger,
			})
			return seedTemplates(ctx, engine, cfg.Store.SeedTemplates, logger)
		},
	}
	cmd.Flags().BoolVar(&seed, "seed", false, "also create the templates listed in store.seed_templates")
	return cmd
}

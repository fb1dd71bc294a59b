package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pitabwire/passage/internal/definition"
	"github.com/pitabwire/passage/internal/simulator"
)

func newSimulateCommand() *cobra.Command {
	var (
		file    string
		script  []string
		seed    uint64
		maxDays int
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Dry-run a template file against a scripted set of decisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file == "" {
				return fmt.Errorf("simulate: -f is required")
			}
			doc, err := definition.NewLoader().LoadFile(file)
			if err != nil {
				return err
			}
			actions, err := simulator.ParseScript(script)
			if err != nil {
				return err
			}

			report, err := simulator.New(seed, maxDays).Run(doc.Template, actions)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "template file")
	cmd.Flags().StringSliceVar(&script, "script", nil, "comma-separated actions: approve, reject, timeout, delegate")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "random seed for decision times (0 picks a random one)")
	cmd.Flags().IntVar(&maxDays, "max-days", definition.DefaultMaxCumulativeDays, "cumulative duration that triggers a recommendation")
	return cmd
}

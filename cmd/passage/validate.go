package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/pitabwire/passage/internal/definition"
	"github.com/pitabwire/passage/model"
)

func newValidateCommand() *cobra.Command {
	var (
		files   []string
		maxDays int
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check template files without touching a store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(files) == 0 {
				return fmt.Errorf("validate: at least one -f path is required")
			}
			docs, err := definition.NewLoader().LoadAll(files)
			if err != nil {
				return err
			}
			validator := definition.NewValidator(maxDays)

			failed := 0
			for _, doc := range docs {
				res := validator.Validate(doc.Template)
				printResult(cmd.OutOrStdout(), doc.SourceFile, res)
				if !res.IsValid {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("validate: %d of %d templates invalid", failed, len(docs))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&files, "file", "f", nil, "template file or directory (repeatable)")
	cmd.Flags().IntVar(&maxDays, "max-days", definition.DefaultMaxCumulativeDays, "cumulative timeout above which a warning is raised")
	return cmd
}

func printResult(w io.Writer, source string, res model.ValidationResult) {
	status := "ok"
	if !res.IsValid {
		status = "invalid"
	}
	fmt.Fprintf(w, "%s: %s\n", source, status)
	for _, is := range res.Errors {
		fmt.Fprintf(w, "  error   %s\n", formatIssue(is))
	}
	for _, is := range res.Warnings {
		fmt.Fprintf(w, "  warning %s\n", formatIssue(is))
	}
}

func formatIssue(is model.Issue) string {
	if is.StepIndex == model.TemplateLevel {
		return fmt.Sprintf("%s [%s]: %s", is.Field, is.Code, is.Message)
	}
	return fmt.Sprintf("steps[%d].%s [%s]: %s", is.StepIndex, is.Field, is.Code, is.Message)
}

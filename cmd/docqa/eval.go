package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/brunobiangulo/docqa/eval"
)

var evalReport string

var evalCmd = &cobra.Command{
	Use:   "eval <questions.xlsx|questions.json>",
	Short: "Score answers against a sheet of questions",
	Long: `Run every question of a dataset in its own session and score the
answers: expected facts present, expected page cited, and the
no-information phrase for questions the document cannot answer.

The .xlsx sheet needs a header row with a "question" column and may add
expected_facts (separated by ";"), expected_page, not_found and category.

Examples:
  docqa eval --doc Graphic.pdf questions.xlsx --report results.xlsx
  docqa eval questions.json -o json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ds, err := eval.Load(args[0])
		if err != nil {
			return err
		}

		engine, cfg, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close()
		if err := requireDocument(engine, cfg); err != nil {
			return err
		}

		report, err := eval.NewEvaluator(engine).Run(cmd.Context(), ds)
		if err != nil {
			return err
		}

		if evalReport != "" {
			if err := eval.WriteXLSX(report, evalReport); err != nil {
				return err
			}
			slog.Info("eval: report written", "path", evalReport)
		}

		if outputFormat != "" && outputFormat != "text" {
			return outputTo(cmd.OutOrStdout(), outputFormat, report)
		}
		fmt.Fprint(cmd.OutOrStdout(), eval.FormatReport(report))
		return nil
	},
}

func init() {
	evalCmd.Flags().StringVar(&evalReport, "report", "", "write an .xlsx report to this path")
	rootCmd.AddCommand(evalCmd)
}

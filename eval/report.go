package eval

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

const (
	resultsSheet = "Results"
	summarySheet = "Summary"
)

var resultColumns = []string{
	"question", "category", "expected_page", "page", "images", "accuracy",
	"page_correct", "not_found", "passed", "model", "elapsed_ms", "answer", "error",
}

// WriteXLSX writes the report to an .xlsx workbook with a per-question
// Results sheet and an aggregate Summary sheet.
func WriteXLSX(r *Report, path string) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", resultsSheet); err != nil {
		return err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}

	header := make([]any, len(resultColumns))
	for i, c := range resultColumns {
		header[i] = c
	}
	if err := f.SetSheetRow(resultsSheet, "A1", &header); err != nil {
		return err
	}
	if err := f.SetRowStyle(resultsSheet, 1, 1, bold); err != nil {
		return err
	}
	for i, res := range r.Results {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []any{
			res.Question, res.Category, res.ExpectedPage, res.Page, res.Images,
			res.Accuracy, res.PageCorrect, res.NotFound, res.Passed, res.Model,
			res.ElapsedMs, res.Answer, res.Error,
		}
		if err := f.SetSheetRow(resultsSheet, cell, &row); err != nil {
			return fmt.Errorf("writing row %d: %w", i+2, err)
		}
	}
	if err := f.SetColWidth(resultsSheet, "A", "A", 60); err != nil {
		return err
	}
	if err := f.SetColWidth(resultsSheet, "L", "L", 80); err != nil {
		return err
	}

	if _, err := f.NewSheet(summarySheet); err != nil {
		return err
	}
	summary := [][]any{
		{"metric", "value"},
		{"dataset", r.Dataset},
		{"total", r.TotalTests},
		{"passed", r.Passed},
		{"failed", r.Failed},
		{"errors", r.Errors},
		{"accuracy", r.Metrics.AvgAccuracy},
		{"citation_rate", r.Metrics.CitationRate},
		{"page_accuracy", r.Metrics.PageAccuracy},
		{"abstention_accuracy", r.Metrics.AbstentionAccuracy},
		{"out_of_range", r.Metrics.OutOfRange},
		{"prompt_tokens", r.TokenUsage.PromptTokens},
		{"completion_tokens", r.TokenUsage.CompletionTokens},
		{"run_time", r.RunTime.String()},
	}
	for i, row := range summary {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(summarySheet, cell, &row); err != nil {
			return err
		}
	}
	if err := f.SetRowStyle(summarySheet, 1, 1, bold); err != nil {
		return err
	}
	if err := f.SetColWidth(summarySheet, "A", "A", 24); err != nil {
		return err
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("saving %s: %w", path, err)
	}
	return nil
}

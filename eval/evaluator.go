// Package eval scores the grounded answerer against a sheet of questions
// with known answers and cited pages.
package eval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/brunobiangulo/docqa/reasoning"
)

// passAccuracy is the fact coverage a test needs to pass.
const passAccuracy = 0.5

// Answerer is the part of docqa.Engine the evaluator drives.
type Answerer interface {
	NewSession() string
	Answer(ctx context.Context, sessionID, question string) (*reasoning.AnswerResult, error)
}

// Evaluator runs evaluation datasets against an engine. Each question gets
// a fresh session so answers do not lean on earlier turns.
type Evaluator struct {
	engine Answerer
}

// NewEvaluator creates a new evaluator.
func NewEvaluator(engine Answerer) *Evaluator {
	return &Evaluator{engine: engine}
}

// Report holds the results of an evaluation run.
type Report struct {
	Dataset         string                      `json:"dataset"`
	TotalTests      int                         `json:"total_tests"`
	Passed          int                         `json:"passed"`
	Failed          int                         `json:"failed"`
	Errors          int                         `json:"errors"`
	Metrics         AggregateMetrics            `json:"metrics"`
	CategoryMetrics map[string]AggregateMetrics `json:"category_metrics,omitempty"`
	Results         []TestResult                `json:"results"`
	RunTime         time.Duration               `json:"run_time"`
	TokenUsage      TokenUsage                  `json:"token_usage"`
}

// TokenUsage aggregates LLM token consumption across an evaluation run.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// AggregateMetrics holds averaged metrics over the tests that ran without
// error.
type AggregateMetrics struct {
	AvgAccuracy float64 `json:"avg_accuracy"`
	// CitationRate is the share of answers with a citation the document has.
	CitationRate float64 `json:"citation_rate"`
	// PageAccuracy is the share of tests with an expected page that cited it.
	PageAccuracy float64 `json:"page_accuracy"`
	// AbstentionAccuracy is the share of unanswerable questions answered with
	// the no-information phrase.
	AbstentionAccuracy float64 `json:"abstention_accuracy"`
	// OutOfRange counts answers citing pages the document does not have.
	OutOfRange int `json:"out_of_range"`
}

// TestResult holds the result of a single test case.
type TestResult struct {
	Question           string   `json:"question"`
	ExpectedFacts      []string `json:"expected_facts"`
	ExpectedPage       int      `json:"expected_page,omitempty"`
	ExpectNotFound     bool     `json:"expect_not_found,omitempty"`
	Category           string   `json:"category,omitempty"`
	Answer             string   `json:"answer"`
	Page               int      `json:"page,omitempty"`
	Images             int      `json:"images"`
	Model              string   `json:"model,omitempty"`
	Accuracy           float64  `json:"accuracy"`
	PageCorrect        bool     `json:"page_correct"`
	NotFound           bool     `json:"not_found"`
	CitationOutOfRange bool     `json:"citation_out_of_range,omitempty"`
	Degraded           bool     `json:"degraded,omitempty"`
	Passed             bool     `json:"passed"`
	Error              string   `json:"error,omitempty"`
	PromptTokens       int      `json:"prompt_tokens"`
	CompletionTokens   int      `json:"completion_tokens"`
	ElapsedMs          int64    `json:"elapsed_ms"`
}

// tally accumulates AggregateMetrics.
type tally struct {
	ran, cited, outOfRange int
	accuracySum            float64
	paged, pageHits        int
	abstain, abstainHits   int
}

func (t *tally) add(r TestResult) {
	t.ran++
	t.accuracySum += r.Accuracy
	if r.Page > 0 {
		t.cited++
	}
	if r.CitationOutOfRange {
		t.outOfRange++
	}
	if r.ExpectedPage > 0 {
		t.paged++
		if r.PageCorrect {
			t.pageHits++
		}
	}
	if r.ExpectNotFound {
		t.abstain++
		if r.NotFound {
			t.abstainHits++
		}
	}
}

func (t *tally) metrics() AggregateMetrics {
	m := AggregateMetrics{
		CitationRate:       ratio(t.cited, t.ran),
		PageAccuracy:       ratio(t.pageHits, t.paged),
		AbstentionAccuracy: ratio(t.abstainHits, t.abstain),
		OutOfRange:         t.outOfRange,
	}
	if t.ran > 0 {
		m.AvgAccuracy = t.accuracySum / float64(t.ran)
	}
	return m
}

// Run executes an evaluation dataset against the engine. Questions run
// sequentially; a failing question is recorded and the run continues.
func (e *Evaluator) Run(ctx context.Context, dataset Dataset) (*Report, error) {
	start := time.Now()
	report := &Report{
		Dataset:         dataset.Name,
		TotalTests:      len(dataset.Tests),
		CategoryMetrics: make(map[string]AggregateMetrics),
	}

	var all tally
	cats := make(map[string]*tally)

	for i, test := range dataset.Tests {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result := e.runTest(ctx, test)
		report.Results = append(report.Results, result)

		status := "PASS"
		if !result.Passed {
			status = "FAIL"
		}
		if result.Error != "" {
			status = "ERROR"
		}
		slog.Info("eval: test complete",
			"progress", fmt.Sprintf("%d/%d", i+1, len(dataset.Tests)),
			"status", status,
			"accuracy", fmt.Sprintf("%.2f", result.Accuracy),
			"page", result.Page,
			"elapsed_ms", result.ElapsedMs,
			"question", truncate(test.Question, 80))

		report.TokenUsage.PromptTokens += result.PromptTokens
		report.TokenUsage.CompletionTokens += result.CompletionTokens

		if result.Passed {
			report.Passed++
		} else {
			report.Failed++
		}

		// Errored tests would only drag the averages to zero.
		if result.Error != "" {
			report.Errors++
			continue
		}
		all.add(result)
		if test.Category != "" {
			if cats[test.Category] == nil {
				cats[test.Category] = &tally{}
			}
			cats[test.Category].add(result)
		}
	}

	report.TokenUsage.TotalTokens = report.TokenUsage.PromptTokens + report.TokenUsage.CompletionTokens
	report.Metrics = all.metrics()
	for cat, t := range cats {
		report.CategoryMetrics[cat] = t.metrics()
	}
	report.RunTime = time.Since(start)
	return report, nil
}

func (e *Evaluator) runTest(ctx context.Context, test TestCase) TestResult {
	testStart := time.Now()
	result := TestResult{
		Question:       test.Question,
		ExpectedFacts:  test.ExpectedFacts,
		ExpectedPage:   test.ExpectedPage,
		ExpectNotFound: test.ExpectNotFound,
		Category:       test.Category,
	}

	ans, err := e.engine.Answer(ctx, e.engine.NewSession(), test.Question)
	result.ElapsedMs = time.Since(testStart).Milliseconds()
	if err != nil {
		result.Error = err.Error()
		return result
	}

	result.Answer = ans.Text
	result.Page = ans.Page
	result.Images = len(ans.Images)
	result.Model = ans.Model
	result.NotFound = ans.NotFound
	result.CitationOutOfRange = ans.CitationOutOfRange
	result.Degraded = ans.Degraded
	result.PromptTokens = ans.PromptTokens
	result.CompletionTokens = ans.CompletionTokens
	result.Accuracy = computeAccuracy(ans.Text, test.ExpectedFacts)
	result.PageCorrect = test.ExpectedPage > 0 && ans.Page == test.ExpectedPage

	switch {
	case test.ExpectNotFound:
		result.Passed = ans.NotFound
	default:
		result.Passed = !ans.NotFound &&
			(len(test.ExpectedFacts) == 0 || result.Accuracy >= passAccuracy) &&
			(test.ExpectedPage == 0 || result.PageCorrect)
	}
	return result
}

// FormatReport renders a report as plain text.
func FormatReport(r *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== Evaluation Report: %s ===\n", r.Dataset)
	fmt.Fprintf(&b, "Total: %d | Passed: %d (%.1f%%) | Failed: %d | Errors: %d\n",
		r.TotalTests, r.Passed, passRate(r.Passed, r.TotalTests), r.Failed, r.Errors)
	fmt.Fprintf(&b, "Run time: %s\n\n", r.RunTime.Round(time.Millisecond))

	fmt.Fprintf(&b, "Aggregate Metrics:\n")
	fmt.Fprintf(&b, "  Accuracy:             %.2f\n", r.Metrics.AvgAccuracy)
	fmt.Fprintf(&b, "  Citation Rate:        %.2f\n", r.Metrics.CitationRate)
	fmt.Fprintf(&b, "  Page Accuracy:        %.2f\n", r.Metrics.PageAccuracy)
	fmt.Fprintf(&b, "  Abstention Accuracy:  %.2f\n", r.Metrics.AbstentionAccuracy)
	fmt.Fprintf(&b, "  Out-of-range Cites:   %d\n\n", r.Metrics.OutOfRange)

	fmt.Fprintf(&b, "Token Usage:\n")
	fmt.Fprintf(&b, "  Prompt:     %d\n", r.TokenUsage.PromptTokens)
	fmt.Fprintf(&b, "  Completion: %d\n", r.TokenUsage.CompletionTokens)
	fmt.Fprintf(&b, "  Total:      %d\n\n", r.TokenUsage.TotalTokens)

	if len(r.CategoryMetrics) > 0 {
		cats := make([]string, 0, len(r.CategoryMetrics))
		for cat := range r.CategoryMetrics {
			cats = append(cats, cat)
		}
		sort.Strings(cats)

		fmt.Fprintf(&b, "Per-Category Metrics:\n")
		for _, cat := range cats {
			m := r.CategoryMetrics[cat]
			fmt.Fprintf(&b, "  [%s] Acc=%.2f Cite=%.2f Page=%.2f Abst=%.2f\n",
				cat, m.AvgAccuracy, m.CitationRate, m.PageAccuracy, m.AbstentionAccuracy)
		}
		fmt.Fprintln(&b)
	}

	for i, res := range r.Results {
		status := "PASS"
		if !res.Passed {
			status = "FAIL"
		}
		fmt.Fprintf(&b, "[%s] %d. %s\n", status, i+1, res.Question)
		if res.Error != "" {
			fmt.Fprintf(&b, "  Error: %s\n", res.Error)
			continue
		}
		page := "none"
		if res.Page > 0 {
			page = fmt.Sprintf("%d", res.Page)
		}
		fmt.Fprintf(&b, "  Acc=%.2f Page=%s Images=%d  (%dms)\n", res.Accuracy, page, res.Images, res.ElapsedMs)
	}
	return b.String()
}

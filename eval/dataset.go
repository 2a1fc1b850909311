package eval

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Dataset is a collection of test cases for evaluation.
type Dataset struct {
	Name  string     `json:"name"`
	Tests []TestCase `json:"tests"`
}

// TestCase defines a single evaluation question.
type TestCase struct {
	Question string `json:"question"`
	// ExpectedFacts should appear in the answer. "a|b" accepts either form.
	ExpectedFacts []string `json:"expected_facts"`
	// ExpectedPage is the page the answer should cite, 0 for any.
	ExpectedPage int `json:"expected_page,omitempty"`
	// ExpectNotFound marks questions the document cannot answer.
	ExpectNotFound bool   `json:"expect_not_found,omitempty"`
	Category       string `json:"category,omitempty"`
}

// Sheet columns, matched case-insensitively against the header row.
const (
	colQuestion = "question"
	colFacts    = "expected_facts"
	colPage     = "expected_page"
	colNotFound = "not_found"
	colCategory = "category"
)

// LoadSheet reads a dataset from the first sheet of an .xlsx workbook. The
// first row is a header naming the columns question, expected_facts
// (separated by ";"), expected_page, not_found and category; only question
// is required.
func LoadSheet(path string) (Dataset, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return Dataset{}, fmt.Errorf("opening XLSX: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return Dataset{}, fmt.Errorf("no sheets in %s", path)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return Dataset{}, fmt.Errorf("reading sheet %s: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return Dataset{}, fmt.Errorf("sheet %s is empty", sheets[0])
	}

	cols := make(map[string]int)
	for i, h := range rows[0] {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := cols[colQuestion]; !ok {
		return Dataset{}, fmt.Errorf("sheet %s has no %q column", sheets[0], colQuestion)
	}
	cell := func(row []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	ds := Dataset{Name: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))}
	for n, row := range rows[1:] {
		q := cell(row, colQuestion)
		if q == "" {
			continue
		}
		tc := TestCase{Question: q, Category: cell(row, colCategory)}
		for _, fact := range strings.Split(cell(row, colFacts), ";") {
			if fact = strings.TrimSpace(fact); fact != "" {
				tc.ExpectedFacts = append(tc.ExpectedFacts, fact)
			}
		}
		if p := cell(row, colPage); p != "" {
			tc.ExpectedPage, err = strconv.Atoi(p)
			if err != nil {
				return Dataset{}, fmt.Errorf("row %d: invalid expected_page %q", n+2, p)
			}
		}
		if v := cell(row, colNotFound); v != "" {
			tc.ExpectNotFound, err = strconv.ParseBool(strings.ToLower(v))
			if err != nil {
				return Dataset{}, fmt.Errorf("row %d: invalid not_found %q", n+2, v)
			}
		}
		ds.Tests = append(ds.Tests, tc)
	}
	return ds, nil
}

// LoadJSON reads a dataset from a JSON file.
func LoadJSON(path string) (Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Dataset{}, err
	}
	var ds Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return Dataset{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	if ds.Name == "" {
		ds.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return ds, nil
}

// Load picks LoadSheet or LoadJSON by file extension.
func Load(path string) (Dataset, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return LoadSheet(path)
	case ".json":
		return LoadJSON(path)
	default:
		return Dataset{}, fmt.Errorf("unsupported dataset format: %s", path)
	}
}

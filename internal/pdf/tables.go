package pdf

import (
	"context"
	"strings"
)

// Table is a block of contiguous table-like lines found in page text.
type Table struct {
	Page int      `json:"page"`
	Rows []string `json:"rows"`
}

// Formula is one formula-like line with its location.
type Formula struct {
	Page int    `json:"page"`
	Text string `json:"text"`
}

// ExtractTables runs the table waterfall over page text: pipe-aligned rows
// first, double-tab separated rows as the fallback. Both scanners group
// contiguous matching lines into one table.
func ExtractTables(ctx context.Context, src Source) []Table {
	if tables := scanTables(ctx, src, isPipeRow); len(tables) > 0 {
		return tables
	}
	return scanTables(ctx, src, isTabRow)
}

func scanTables(ctx context.Context, src Source, match func(string) bool) []Table {
	var tables []Table
	for i := 0; i < src.NumPage(); i++ {
		if ctx.Err() != nil {
			return tables
		}
		text, err := src.Text(i)
		if err != nil {
			continue
		}

		var rows []string
		flush := func() {
			// A single matching line is noise, not a table.
			if len(rows) >= 2 {
				tables = append(tables, Table{Page: i + 1, Rows: rows})
			}
			rows = nil
		}

		for _, raw := range strings.Split(text, "\n") {
			line := strings.TrimSpace(raw)
			if match(line) {
				rows = append(rows, line)
				continue
			}
			flush()
		}
		flush()
	}
	return tables
}

func isPipeRow(line string) bool {
	return strings.Count(line, "|") >= 2
}

func isTabRow(line string) bool {
	return strings.Contains(line, "\t\t") || strings.Count(line, "\t") >= 2
}

// ExtractFormulas scans page text for formula-like lines: assignment
// patterns first, bare math-symbol lines as the fallback.
func ExtractFormulas(ctx context.Context, src Source) []Formula {
	if formulas := scanFormulas(ctx, src, isAssignmentFormula); len(formulas) > 0 {
		return formulas
	}
	return scanFormulas(ctx, src, hasMathSymbols)
}

func scanFormulas(ctx context.Context, src Source, match func(string) bool) []Formula {
	var formulas []Formula
	for i := 0; i < src.NumPage(); i++ {
		if ctx.Err() != nil {
			return formulas
		}
		text, err := src.Text(i)
		if err != nil {
			continue
		}
		for _, raw := range strings.Split(text, "\n") {
			line := strings.TrimSpace(raw)
			if line == "" || len(line) > 200 {
				continue
			}
			if match(line) {
				formulas = append(formulas, Formula{Page: i + 1, Text: line})
			}
		}
	}
	return formulas
}

func isAssignmentFormula(line string) bool {
	return formulaAssignRe.MatchString(line) && !strings.Contains(line, "==")
}

func hasMathSymbols(line string) bool {
	return strings.ContainsAny(line, mathSymbols)
}

package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/olekukonko/tablewriter"

	"github.com/samcharles93/perplex/internal/perplexity"
)

// writeReport prints the total, a per-token table and the raw JSON result.
func writeReport(w io.Writer, res *perplexity.Result) error {
	if _, err := fmt.Fprintf(w, "Total Perplexity: %.4f\n\n", res.TotalPerplexity); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, "Per-token breakdown:"); err != nil {
		return err
	}

	rows := make([][]string, 0, len(res.ByToken))
	for _, s := range res.ByToken {
		rows = append(rows, []string{
			strconv.Quote(s.Token),
			strconv.FormatFloat(s.Perplexity, 'f', 4, 64),
			strconv.FormatFloat(s.Probability, 'f', 4, 64),
		})
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"TOKEN", "PPL", "PROB"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetColumnAlignment([]int{tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT})
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(rows)
	table.Render()

	raw, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "\nJSON output:\n%s\n", raw)
	return err
}

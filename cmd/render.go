package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	pretty "github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/jonesrussell/north-cloud/datafetch/internal/domain"
	"github.com/jonesrussell/north-cloud/datafetch/internal/pipeline"
	"github.com/jonesrussell/north-cloud/datafetch/internal/table"
	"github.com/jonesrussell/north-cloud/datafetch/internal/validate"
)

const maxCellWidth = 60

func newWriter(w io.Writer, title string) pretty.Writer {
	t := pretty.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(pretty.StyleLight)
	t.SetTitle("%s", title)
	return t
}

func renderOutcome(w io.Writer, out pipeline.Outcome, preview int) {
	summary := newWriter(w, "Run "+out.RunID)
	summary.AppendRows([]pretty.Row{
		{"Success", out.Success},
		{"Source used", out.SourceUsed},
		{"Strategy", out.Strategy},
		{"Endpoint", truncate(out.Endpoint)},
		{"Sources tried", strings.Join(out.SourcesTried, ", ")},
		{"Elapsed", out.Elapsed.Round(time.Millisecond)},
	})
	if out.Success {
		summary.AppendRows([]pretty.Row{
			{"Rows", out.Table.Len()},
			{"Columns", out.Table.Width()},
		})
	}
	if out.Validation != nil {
		summary.AppendRows([]pretty.Row{
			{"Quality score", fmt.Sprintf("%.1f", out.Validation.QualityScore())},
			{"Valid", out.Validation.IsValid()},
		})
	}
	if out.ArtifactRef != "" {
		summary.AppendRow(pretty.Row{"Artifact", out.ArtifactRef})
	}
	if out.ExportError != "" {
		summary.AppendRow(pretty.Row{"Export error", out.ExportError})
	}
	summary.Render()

	renderAttempts(w, out.Attempts)
	if out.Validation != nil {
		renderFindings(w, *out.Validation)
	}
	if out.Success {
		renderTable(w, out.Table, preview)
	}
}

func renderAttempts(w io.Writer, attempts []pipeline.Attempt) {
	if len(attempts) == 0 {
		return
	}
	t := newWriter(w, "Attempts")
	t.AppendHeader(pretty.Row{"#", "Source", "Adapter", "Result", "Phase", "Kind", "Retrievals", "Rows", "Elapsed", "Error"})
	for i, a := range attempts {
		result := "failed"
		if a.Success {
			result = "ok"
		}
		t.AppendRow(pretty.Row{
			i + 1, a.Source, a.Adapter, result, a.Phase, a.Kind, a.Retrievals, a.Rows,
			a.Elapsed.Round(time.Millisecond), truncate(a.Error),
		})
	}
	t.Render()
}

func renderFindings(w io.Writer, r validate.Report) {
	errs, warns := r.Errors(), r.Warnings()
	if len(errs)+len(warns) == 0 {
		return
	}
	t := newWriter(w, "Validation ("+r.Profile()+")")
	t.AppendHeader(pretty.Row{"Severity", "Check", "Column", "Message"})
	for _, f := range errs {
		t.AppendRow(pretty.Row{"error", f.Check, f.Column, f.Message})
	}
	for _, f := range warns {
		t.AppendRow(pretty.Row{"warning", f.Check, f.Column, f.Message})
	}
	t.Render()
}

// renderTable prints up to limit rows; limit <= 0 prints all.
func renderTable(w io.Writer, tbl *table.Table, limit int) {
	if tbl.IsEmpty() {
		return
	}
	t := newWriter(w, "Data")
	header := make(pretty.Row, len(tbl.Columns))
	for i, c := range tbl.Columns {
		header[i] = c
	}
	t.AppendHeader(header)

	rows := tbl.Rows
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
		t.SetCaption("showing %d of %d rows", limit, tbl.Len())
	}
	for _, r := range rows {
		row := make(pretty.Row, len(r))
		for i, cell := range r {
			row[i] = cellString(cell)
		}
		t.AppendRow(row)
	}
	t.Render()
}

func renderCandidates(w io.Writer, page domain.PageLoad, candidates []domain.CandidateEndpoint) {
	t := newWriter(w, fmt.Sprintf("Candidates for %s (%d exchanges captured)", page.URL, len(page.Exchanges)))
	t.AppendHeader(pretty.Row{"Rank", "Confidence", "Structure", "Content type", "Fields", "Bytes", "URL"})
	t.SetColumnConfigs([]pretty.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
	})
	for i, c := range candidates {
		t.AppendRow(pretty.Row{
			i + 1,
			fmt.Sprintf("%.2f", c.Confidence),
			c.Structure,
			c.ContentType,
			truncate(strings.Join(c.Fields, ", ")),
			len(c.Body),
			truncate(c.URL),
		})
	}
	if len(candidates) == 0 {
		t.SetCaption("no data-bearing exchanges found")
	}
	t.Render()
}

func renderSources(w io.Writer, descs []domain.SourceDescriptor, adapters map[string]bool) {
	t := newWriter(w, "Sources")
	t.AppendHeader(pretty.Row{"ID", "Type", "Adapter", "Compliance", "Profile", "Fallbacks", "URL"})
	for _, d := range descs {
		adapter := "generic"
		if adapters[d.Type] {
			adapter = d.Type
		}
		t.AppendRow(pretty.Row{
			d.Identity, d.Type, adapter, d.Compliance, d.Profile,
			strings.Join(d.Fallbacks, ", "), truncate(d.URL),
		})
	}
	t.SetCaption("%d sources", len(descs))
	t.Render()
}

func cellString(v any) string {
	return truncate(table.AsString(v))
}

func truncate(s string) string {
	return text.Trim(s, maxCellWidth)
}

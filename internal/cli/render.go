package cli

import (
	"fmt"
	"html"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/pdoflow/pdoflow/internal/store"
)

// validateFormat rejects unknown --format values with exit code 2.
func validateFormat(format string) error {
	switch format {
	case "simple", "grid", "html", "latex":
		return nil
	default:
		return fmt.Errorf("%w: unknown format %q (simple|grid|html|latex)",
			store.ErrInvalidArgument, format)
	}
}

// render writes header+rows in the requested format. simple and grid go
// through tablewriter; html and latex are emitted directly since neither
// needs alignment math.
func render(w io.Writer, format string, header []string, rows [][]string) {
	switch format {
	case "grid":
		t := tablewriter.NewWriter(w)
		t.SetHeader(header)
		t.SetAutoFormatHeaders(false)
		t.AppendBulk(rows)
		t.Render()
	case "html":
		renderHTML(w, header, rows)
	case "latex":
		renderLaTeX(w, header, rows)
	default: // simple
		t := tablewriter.NewWriter(w)
		t.SetHeader(header)
		t.SetAutoFormatHeaders(false)
		t.SetBorder(false)
		t.SetColumnSeparator("")
		t.SetHeaderLine(true)
		t.AppendBulk(rows)
		t.Render()
	}
}

func renderHTML(w io.Writer, header []string, rows [][]string) {
	fmt.Fprintln(w, "<table>")
	fmt.Fprint(w, "<thead><tr>")
	for _, h := range header {
		fmt.Fprintf(w, "<th>%s</th>", html.EscapeString(h))
	}
	fmt.Fprintln(w, "</tr></thead>")
	fmt.Fprintln(w, "<tbody>")
	for _, row := range rows {
		fmt.Fprint(w, "<tr>")
		for _, cell := range row {
			fmt.Fprintf(w, "<td>%s</td>", html.EscapeString(cell))
		}
		fmt.Fprintln(w, "</tr>")
	}
	fmt.Fprintln(w, "</tbody>")
	fmt.Fprintln(w, "</table>")
}

func renderLaTeX(w io.Writer, header []string, rows [][]string) {
	fmt.Fprintf(w, "\\begin{tabular}{%s}\n", strings.Repeat("l", len(header)))
	fmt.Fprintln(w, "\\hline")
	fmt.Fprintf(w, "%s \\\\\n", strings.Join(escapeLaTeXRow(header), " & "))
	fmt.Fprintln(w, "\\hline")
	for _, row := range rows {
		fmt.Fprintf(w, "%s \\\\\n", strings.Join(escapeLaTeXRow(row), " & "))
	}
	fmt.Fprintln(w, "\\hline")
	fmt.Fprintln(w, "\\end{tabular}")
}

var latexEscaper = strings.NewReplacer(
	"\\", "\\textbackslash{}",
	"&", "\\&", "%", "\\%", "$", "\\$", "#", "\\#",
	"_", "\\_", "{", "\\{", "}", "\\}",
	"~", "\\textasciitilde{}", "^", "\\textasciicircum{}",
)

func escapeLaTeXRow(cells []string) []string {
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = latexEscaper.Replace(c)
	}
	return out
}

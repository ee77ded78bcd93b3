package bench

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	cellStyle = lipgloss.NewStyle().
			Padding(0, 1)

	numberStyle = cellStyle.
			Align(lipgloss.Right)
)

// CassetteReport is the per-cassette section of the JSON document.
type CassetteReport struct {
	Cassette   string                 `json:"cassette"`
	FileSize   int64                  `json:"file_size"`
	EventCount int                    `json:"event_count"`
	AvgMs      float64                `json:"avg_ms"`
	P95Ms      float64                `json:"p95_ms"`
	Filters    map[string]FilterStats `json:"filters"`
}

// Document is the persisted benchmark report.
type Document struct {
	Timestamp  int64            `json:"timestamp"`
	Iterations int              `json:"iterations"`
	Results    []CassetteReport `json:"results"`
}

// NewDocument summarizes results taken at ts.
func NewDocument(ts time.Time, iterations int, results []*Result) *Document {
	doc := &Document{
		Timestamp:  ts.Unix(),
		Iterations: iterations,
		Results:    make([]CassetteReport, 0, len(results)),
	}
	for _, r := range results {
		avg, p95 := r.Overall()
		doc.Results = append(doc.Results, CassetteReport{
			Cassette:   r.Cassette,
			FileSize:   r.FileSize,
			EventCount: r.EventCount,
			AvgMs:      avg,
			P95Ms:      p95,
			Filters:    r.Stats(),
		})
	}
	return doc
}

// FileName returns benchmark_<langTag>_<unix>.json for the document.
func (d *Document) FileName(langTag string) string {
	return fmt.Sprintf("benchmark_%s_%d.json", langTag, d.Timestamp)
}

// Write stores the document as indented JSON under dir and returns the path.
func (d *Document) Write(dir, langTag string) (string, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode report: %w", err)
	}
	path := filepath.Join(dir, d.FileName(langTag))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return path, nil
}

// Comparison renders a table of mean latency (ms) per filter, one column per
// cassette. Filters missing from a cassette show N/A.
func Comparison(results []*Result) string {
	names := map[string]struct{}{}
	means := make([]map[string]float64, len(results))
	for i, r := range results {
		means[i] = map[string]float64{}
		for _, f := range r.Filters {
			names[f.Name] = struct{}{}
			if len(f.Times) > 0 {
				means[i][f.Name] = Mean(f.Times)
			}
		}
	}

	filters := make([]string, 0, len(names))
	for name := range names {
		filters = append(filters, name)
	}
	sort.Strings(filters)

	headers := []string{"Filter"}
	for _, r := range results {
		headers = append(headers, r.Cassette)
	}

	t := newTable(headers...)
	for _, name := range filters {
		row := []string{name}
		for i := range results {
			if v, ok := means[i][name]; ok {
				row = append(row, fmt.Sprintf("%.3f", v))
			} else {
				row = append(row, "N/A")
			}
		}
		t.Row(row...)
	}

	return section("REQ query performance (ms)", t.String())
}

// Summary renders one row per cassette: size, events, overall mean and p95.
func Summary(results []*Result) string {
	t := newTable("Cassette", "Size", "Events", "Avg (ms)", "P95 (ms)")
	for _, r := range results {
		avg, p95 := r.Overall()
		t.Row(
			r.Cassette,
			humanize.IBytes(uint64(r.FileSize)),
			humanize.Comma(int64(r.EventCount)),
			fmt.Sprintf("%.3f", avg),
			fmt.Sprintf("%.3f", p95),
		)
	}
	return section("Summary", t.String())
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case col == 0:
				return cellStyle
			default:
				return numberStyle
			}
		})
}

func section(title, body string) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n")
	b.WriteString(body)
	b.WriteString("\n")
	return b.String()
}

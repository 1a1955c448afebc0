package harness

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/fxnlabs/optbench/internal/gpu"
	"gopkg.in/yaml.v3"
)

// Verdict is the outcome of one (method, problem) pair.
type Verdict string

const (
	VerdictPass    Verdict = "pass"
	VerdictFail    Verdict = "fail"
	VerdictError   Verdict = "error"
	VerdictSkipped Verdict = "skipped"
)

// Result is the record of one (method, problem) pair.
type Result struct {
	Problem      string        `yaml:"problem"`
	Method       string        `yaml:"method"`
	Parameters   string        `yaml:"parameters"`
	Verdict      Verdict       `yaml:"verdict"`
	AchievedCost float64       `yaml:"achievedCost"`
	MinimumCost  float64       `yaml:"minimumCost"`
	Converged    bool          `yaml:"converged"`
	Iterations   int           `yaml:"iterations"`
	Elapsed      time.Duration `yaml:"elapsed"`
	Detail       string        `yaml:"detail,omitempty"`
}

// Report is the result table of one run.
type Report struct {
	RunID     string         `yaml:"runId"`
	StartedAt time.Time      `yaml:"startedAt"`
	Elapsed   time.Duration  `yaml:"elapsed"`
	Device    gpu.DeviceInfo `yaml:"device"`
	Tolerance Tolerance      `yaml:"tolerance"`
	Results   []Result       `yaml:"results"`
}

// Summary counts results per verdict.
type Summary struct {
	Total   int `yaml:"total"`
	Passed  int `yaml:"passed"`
	Failed  int `yaml:"failed"`
	Errored int `yaml:"errored"`
	Skipped int `yaml:"skipped"`
}

// OK reports whether every pair passed.
func (s Summary) OK() bool {
	return s.Total > 0 && s.Passed == s.Total
}

func (r *Report) Summary() Summary {
	s := Summary{Total: len(r.Results)}
	for _, res := range r.Results {
		switch res.Verdict {
		case VerdictPass:
			s.Passed++
		case VerdictFail:
			s.Failed++
		case VerdictError:
			s.Errored++
		case VerdictSkipped:
			s.Skipped++
		}
	}
	return s
}

var verdictStyles = map[Verdict]lipgloss.Style{
	VerdictPass:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	VerdictFail:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	VerdictError:   lipgloss.NewStyle().Foreground(lipgloss.Color("208")).Bold(true),
	VerdictSkipped: lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

const verdictColumn = 2

// Render writes the result table and the summary to w.
func (r *Report) Render(w io.Writer) error {
	t := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		Headers("PROBLEM", "METHOD", "VERDICT", "COST", "MINIMUM", "ITERS", "TIME")
	for _, res := range r.Results {
		t.Row(
			res.Problem,
			res.Method,
			string(res.Verdict),
			formatCost(res.AchievedCost),
			formatCost(res.MinimumCost),
			strconv.Itoa(res.Iterations),
			formatDuration(res.Elapsed),
		)
	}
	t.StyleFunc(func(row, col int) lipgloss.Style {
		if row < 0 {
			return headerStyle
		}
		if col == verdictColumn && row >= 0 && row < len(r.Results) {
			return verdictStyles[r.Results[row].Verdict].Padding(0, 1)
		}
		return cellStyle
	})

	s := r.Summary()
	_, err := fmt.Fprintf(w, "Run %s on %s (%s)\n%s\n%d pairs: %d passed, %d failed, %d errors, %d skipped in %s\n",
		r.RunID,
		r.Device.Name,
		humanize.IBytes(uint64(max(r.Device.TotalMemory, 0))),
		t.Render(),
		s.Total, s.Passed, s.Failed, s.Errored, s.Skipped,
		formatDuration(r.Elapsed))
	return err
}

// WriteYAML persists the report to path.
func (r *Report) WriteYAML(path string) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}

func formatCost(c float64) string {
	return strconv.FormatFloat(c, 'g', 6, 64)
}

func formatDuration(d time.Duration) string {
	return humanize.SIWithDigits(d.Seconds(), 2, "s")
}

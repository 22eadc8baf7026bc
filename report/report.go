// Package report formats benchmark results for PE 0.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"
	"text/tabwriter"

	"github.com/cheynewallace/tabby"
	"github.com/dustin/go-humanize"
	"github.com/weiihann/shmembench/bench"
	"gopkg.in/yaml.v3"
)

const rule = "=============================================="

// Info describes the run for the banner printed before any timing.
type Info struct {
	RuntimeName    string
	RuntimeVersion string
	NumPEs         int
	Routine        bench.Routine
	NTimes         int
	Sizes          []int
	Bidirectional  bool
}

// Banner writes the "Test Information" block.
func Banner(w io.Writer, info Info) {
	section(w, "Test Information")

	fmt.Fprintf(w, "  %-24s%s\n", "OpenSHMEM Name:", info.RuntimeName)
	fmt.Fprintf(w, "  %-24s%s\n", "OpenSHMEM Version:", info.RuntimeVersion)
	fmt.Fprintf(w, "  %-24s%d\n", "Number of PEs:", info.NumPEs)
	fmt.Fprintf(w, "  %-24s%s\n", "Benchmark:", info.Routine)

	if info.Routine.UsesMsgSize() && len(info.Sizes) > 0 {
		fmt.Fprintf(w, "  %-24s%s\n", "Min Msg Size (bytes):",
			formatSize(bench.MinSize(info.Sizes)))
		fmt.Fprintf(w, "  %-24s%s\n", "Max Msg Size (bytes):",
			formatSize(bench.MaxSize(info.Sizes)))
	}

	if info.Bidirectional {
		fmt.Fprintf(w, "  %-24s%s\n", "Traffic:", "bidirectional (PE pairs)")
	}

	fmt.Fprintf(w, "  %-24s%d\n", "Ntimes:", info.NTimes)
}

// Generate writes the "Benchmark Results" block: a size/latency/bandwidth
// table for sized routines, or a single average line otherwise.
func Generate(w io.Writer, result *bench.Result) error {
	if result == nil || len(result.Samples) == 0 {
		return fmt.Errorf("no results to report")
	}

	section(w, "Benchmark Results")

	if !result.Routine.UsesMsgSize() {
		s := result.Samples[0]
		total := s.Elapsed.Seconds() * bench.MicrosPerSecond

		fmt.Fprintf(w, "avg time per %s (us): %.8f (%.2f total us)\n",
			result.Routine.OpName(), s.LatencyMicros(result.NTimes), total)

		if result.Readback != nil {
			fmt.Fprintf(w, "root cell value: %d\n", *result.Readback)
		}

		return nil
	}

	t := tabby.NewCustom(tabwriter.NewWriter(w, 0, 0, 4, ' ', 0))
	t.AddHeader("size (b)", "latency (us)", "bandwidth (MiB/s)")

	for _, s := range result.Samples {
		if s.Elapsed <= 0 {
			t.AddLine(s.Size, "inf", "inf")
			continue
		}

		t.AddLine(s.Size,
			fmt.Sprintf("%.2f", s.LatencyMicros(result.NTimes)),
			fmt.Sprintf("%.2f", result.BandwidthMiBs(s)),
		)
	}

	t.Print()

	return nil
}

// Row is one sample in structured output.
type Row struct {
	SizeBytes     int      `json:"size_bytes" yaml:"size_bytes"`
	LatencyMicros float64  `json:"latency_us" yaml:"latency_us"`
	BandwidthMiBs *float64 `json:"bandwidth_mib_s,omitempty" yaml:"bandwidth_mib_s,omitempty"`
}

// Document is the structured form of a result.
type Document struct {
	Routine     string   `json:"routine" yaml:"routine"`
	NTimes      int      `json:"ntimes" yaml:"ntimes"`
	NumPEs      int      `json:"num_pes" yaml:"num_pes"`
	Rows        []Row    `json:"rows,omitempty" yaml:"rows,omitempty"`
	AvgMicros   *float64 `json:"avg_us,omitempty" yaml:"avg_us,omitempty"`
	TotalMicros *float64 `json:"total_us,omitempty" yaml:"total_us,omitempty"`
	Readback    *int32   `json:"root_cell,omitempty" yaml:"root_cell,omitempty"`

	Bidirectional bool `json:"bidirectional,omitempty" yaml:"bidirectional,omitempty"`
}

// NewDocument derives the structured form of result. Infinite bandwidth
// (zero elapsed time) is left out.
func NewDocument(result *bench.Result) (Document, error) {
	if result == nil || len(result.Samples) == 0 {
		return Document{}, fmt.Errorf("no results to report")
	}

	doc := Document{
		Routine:  result.Routine.String(),
		NTimes:   result.NTimes,
		NumPEs:   result.NumPEs,
		Readback: result.Readback,

		Bidirectional: result.Bidirectional,
	}

	if !result.Routine.UsesMsgSize() {
		s := result.Samples[0]
		avg := s.LatencyMicros(result.NTimes)
		total := s.Elapsed.Seconds() * bench.MicrosPerSecond
		doc.AvgMicros = &avg
		doc.TotalMicros = &total

		return doc, nil
	}

	doc.Rows = make([]Row, 0, len(result.Samples))
	for _, s := range result.Samples {
		row := Row{
			SizeBytes:     s.Size,
			LatencyMicros: s.LatencyMicros(result.NTimes),
		}

		if bw := result.BandwidthMiBs(s); !math.IsInf(bw, 0) {
			row.BandwidthMiBs = &bw
		}

		doc.Rows = append(doc.Rows, row)
	}

	return doc, nil
}

// GenerateJSON writes result as indented JSON to w.
func GenerateJSON(w io.Writer, result *bench.Result) error {
	doc, err := NewDocument(result)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(doc)
}

// GenerateYAML writes result as YAML to w.
func GenerateYAML(w io.Writer, result *bench.Result) error {
	doc, err := NewDocument(result)
	if err != nil {
		return err
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}

	return enc.Close()
}

// Formats lists the accepted values of Write's format argument.
func Formats() []string {
	return []string{"table", "json", "yaml"}
}

// Write renders result in the named format.
func Write(w io.Writer, format string, result *bench.Result) error {
	switch strings.ToLower(format) {
	case "", "table":
		return Generate(w, result)
	case "json":
		return GenerateJSON(w, result)
	case "yaml", "yml":
		return GenerateYAML(w, result)
	default:
		return fmt.Errorf("unknown report format %q (choose from %s)",
			format, strings.Join(Formats(), ", "))
	}
}

func section(w io.Writer, title string) {
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "===%s===\n", center(title, len(rule)-6))
	fmt.Fprintln(w, rule)
}

func center(s string, width int) string {
	if len(s) >= width {
		return s
	}

	left := (width - len(s)) / 2

	return strings.Repeat(" ", left) + s + strings.Repeat(" ", width-len(s)-left)
}

// formatSize renders a byte count exactly, with a binary-unit hint once it
// reaches a KiB.
func formatSize(b int) string {
	if b < 1024 {
		return fmt.Sprintf("%d", b)
	}

	return fmt.Sprintf("%d (%s)", b, humanize.IBytes(uint64(b)))
}

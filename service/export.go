package service

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"example.com/pathtime/core/analysis"
	"example.com/pathtime/core/policy"
	"example.com/pathtime/core/sync"
	"example.com/pathtime/core/trace"
)

const (
	FormatYAML = "yaml"
	FormatJSON = "json"
)

// Record is the exported outcome of one probe: the raw trace, its analysis
// and the clock state at the time.
type Record struct {
	Trace  *trace.PathTrace `json:"trace" yaml:"trace"`
	Report analysis.Report  `json:"report" yaml:"report"`
	Clock  sync.Status      `json:"clock" yaml:"clock"`
	Error  string           `json:"error,omitempty" yaml:"error,omitempty"`
}

// ComplianceRecord is the exported summary of all policy checks made by a
// process.
type ComplianceRecord struct {
	Compliance policy.ComplianceReport `json:"compliance" yaml:"compliance"`
}

func ValidFormat(format string) bool {
	return format == FormatYAML || format == FormatJSON
}

// WriteRecord writes rec to w. YAML records are separate documents; JSON
// records are written one per line.
func WriteRecord(w io.Writer, format string, rec Record) error {
	return write(w, format, rec)
}

func WriteComplianceReport(w io.Writer, format string, rep policy.ComplianceReport) error {
	return write(w, format, ComplianceRecord{Compliance: rep})
}

func write(w io.Writer, format string, v any) error {
	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		err := enc.Encode(v)
		if err != nil {
			return err
		}
		return enc.Close()
	case FormatJSON:
		return json.NewEncoder(w).Encode(v)
	default:
		return fmt.Errorf("unsupported report format: %q", format)
	}
}

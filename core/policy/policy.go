// Package policy gates measurement operations behind a set of compliance
// rules. Rule semantics are pass/fail; any failing rule denies the operation.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelViolation
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelViolation:
		return "violation"
	case LevelCritical:
		return "critical"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(text []byte) error {
	for x := LevelInfo; x <= LevelCritical; x++ {
		if string(text) == x.String() {
			*l = x
			return nil
		}
	}
	return fmt.Errorf("unknown policy level: %q", text)
}

type Result struct {
	Rule    string `json:"rule" yaml:"rule"`
	Level   Level  `json:"level" yaml:"level"`
	Passed  bool   `json:"passed" yaml:"passed"`
	Message string `json:"message" yaml:"message"`
}

// Params describes the operation being validated. The boolean fields are
// declarations made by the operator.
type Params struct {
	Target                 string
	MaxHops                int
	ResearchOnly           bool
	TransparentMethodology bool
	LatencyAdvantage       bool
	UnfairAccess           bool
	RestrictedAccess       bool
}

type Gate interface {
	Validate(operation string, params Params) []Result
}

var ErrDenied = errors.New("operation denied by policy")

type DeniedError struct {
	Operation string
	Failures  []Result
}

func (e *DeniedError) Error() string {
	var b strings.Builder
	b.WriteString(ErrDenied.Error())
	b.WriteString(": ")
	b.WriteString(e.Operation)
	for i, r := range e.Failures {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(r.Rule)
		b.WriteString(" - ")
		b.WriteString(r.Message)
	}
	return b.String()
}

func (e *DeniedError) Is(target error) bool {
	return target == ErrDenied
}

// Enforce validates operation against g and returns a *DeniedError listing
// every failing rule, if any.
func Enforce(g Gate, operation string, params Params) error {
	var failures []Result
	for _, r := range g.Validate(operation, params) {
		if !r.Passed {
			failures = append(failures, r)
		}
	}
	if len(failures) != 0 {
		return &DeniedError{Operation: operation, Failures: failures}
	}
	return nil
}

type Rule interface {
	Check(operation string, params Params) []Result
}

type RuleFunc func(operation string, params Params) []Result

func (f RuleFunc) Check(operation string, params Params) []Result {
	return f(operation, params)
}

// Framework is a Gate evaluating a fixed list of rules. It remembers every
// failing result for reporting.
type Framework struct {
	log   *slog.Logger
	rules []Rule

	mu         sync.Mutex
	violations []Result
}

var _ Gate = (*Framework)(nil)

func NewFramework(log *slog.Logger, rules ...Rule) *Framework {
	return &Framework{log: log, rules: rules}
}

func (f *Framework) Validate(operation string, params Params) []Result {
	var results []Result
	for _, rule := range f.rules {
		results = append(results, rule.Check(operation, params)...)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range results {
		if !r.Passed {
			f.violations = append(f.violations, r)
			f.log.LogAttrs(context.Background(), slog.LevelWarn, "compliance violation",
				slog.String("operation", operation),
				slog.String("rule", r.Rule),
				slog.String("level", r.Level.String()),
				slog.String("message", r.Message),
			)
		}
	}
	return results
}

const (
	StatusCompliant    = "COMPLIANT"
	StatusNonCompliant = "NON_COMPLIANT"
)

type ComplianceReport struct {
	TotalViolations    int            `json:"total_violations" yaml:"total_violations"`
	ViolationsByLevel  map[string]int `json:"violations_by_level" yaml:"violations_by_level"`
	Status             string         `json:"compliance_status" yaml:"compliance_status"`
	DetailedViolations []Result       `json:"detailed_violations" yaml:"detailed_violations"`
}

func (f *Framework) Report() ComplianceReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := ComplianceReport{
		TotalViolations:    len(f.violations),
		ViolationsByLevel:  make(map[string]int),
		Status:             StatusCompliant,
		DetailedViolations: append([]Result(nil), f.violations...),
	}
	for _, v := range f.violations {
		r.ViolationsByLevel[v.Level.String()]++
	}
	if len(f.violations) != 0 {
		r.Status = StatusNonCompliant
	}
	return r
}

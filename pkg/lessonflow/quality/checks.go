package quality

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/randalmurphal/lessonflow/pkg/lessonflow/plan"
)

// Severity of a finding. Errors block acceptance; warnings do not.
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
)

// Finding is one problem a Check found.
type Finding struct {
	Check          string
	Severity       Severity
	Message        string
	Recommendation string
}

// Check inspects a draft against a scenario.
// Implementations must be stateless and safe for concurrent use.
type Check interface {
	Name() string
	Check(d *plan.Draft, sc Scenario) []Finding
}

// DefaultChecks is the check chain Validate runs, in order.
var DefaultChecks = []Check{
	StructuralCheck{},
	AccessibilityCheck{},
	TimingCheck{},
	ReadabilityCheck{},
	StandardsCheck{},
}

// StructuralCheck requires a title, objectives, complete steps, and an
// assessment.
type StructuralCheck struct{}

func (StructuralCheck) Name() string { return "structural" }

func (c StructuralCheck) Check(d *plan.Draft, _ Scenario) []Finding {
	var out []Finding
	add := func(sev Severity, msg, rec string) {
		out = append(out, Finding{Check: c.Name(), Severity: sev, Message: msg, Recommendation: rec})
	}
	if strings.TrimSpace(d.Title) == "" {
		add(SeverityError, "missing title", "give the lesson a short descriptive title")
	}
	if len(d.Objectives) == 0 {
		add(SeverityError, "missing objectives", "add at least one measurable learning objective")
	}
	if len(d.Steps) == 0 {
		add(SeverityError, "missing steps", "add timed lesson steps with instructions")
	}
	for i, s := range d.Steps {
		if strings.TrimSpace(s.Instructions) == "" {
			add(SeverityError, fmt.Sprintf("step %d has no instructions", i+1), "write concrete instructions for every step")
		}
		if s.DurationMinutes <= 0 {
			add(SeverityError, fmt.Sprintf("step %d has no duration", i+1), "give every step a duration in minutes")
		}
	}
	if strings.TrimSpace(d.Assessment) == "" {
		add(SeverityWarning, "missing assessment", "describe how learning will be checked")
	}
	return out
}

// AccessibilityCheck requires an accommodation for every declared need.
type AccessibilityCheck struct{}

func (AccessibilityCheck) Name() string { return "accessibility" }

func (c AccessibilityCheck) Check(d *plan.Draft, sc Scenario) []Finding {
	covered := d.CoveredNeeds()
	var out []Finding
	for _, need := range plan.RequiredNeeds(sc.ClassProfile, sc.LearnerProfiles) {
		if !slices.Contains(covered, need) {
			out = append(out, Finding{
				Check:          c.Name(),
				Severity:       SeverityError,
				Message:        fmt.Sprintf("no accommodation for %s", need),
				Recommendation: fmt.Sprintf("add a specific strategy for learners with %s", need),
			})
		}
	}
	return out
}

// TimingCheck warns when step durations disagree with the lesson length.
type TimingCheck struct{}

func (TimingCheck) Name() string { return "timing" }

func (c TimingCheck) Check(d *plan.Draft, _ Scenario) []Finding {
	if d.DurationMinutes <= 0 || len(d.Steps) == 0 {
		return nil
	}
	total := d.TotalMinutes()
	if math.Abs(float64(total-d.DurationMinutes)) <= 0.1*float64(d.DurationMinutes) {
		return nil
	}
	return []Finding{{
		Check:          c.Name(),
		Severity:       SeverityWarning,
		Message:        fmt.Sprintf("steps total %d minutes but the lesson is %d minutes", total, d.DurationMinutes),
		Recommendation: "adjust step durations to fit the lesson length",
	}}
}

// ReadabilityCheck warns when the prose is well above the target reading level.
type ReadabilityCheck struct{}

func (ReadabilityCheck) Name() string { return "readability" }

func (c ReadabilityCheck) Check(d *plan.Draft, sc Scenario) []Finding {
	target := plan.TargetReadingLevel(sc.ClassProfile, sc.LearnerProfiles)
	if target <= 0 {
		return nil
	}
	grade := FleschKincaidGrade(d.Text())
	if grade <= target+2 {
		return nil
	}
	return []Finding{{
		Check:          c.Name(),
		Severity:       SeverityWarning,
		Message:        fmt.Sprintf("reading level %.1f is above target %.1f", grade, target),
		Recommendation: "use shorter sentences and simpler words",
	}}
}

// StandardsCheck warns about missing or unknown standard codes.
type StandardsCheck struct{}

func (StandardsCheck) Name() string { return "standards" }

func (c StandardsCheck) Check(d *plan.Draft, sc Scenario) []Finding {
	if len(d.Standards) == 0 {
		return []Finding{{
			Check:          c.Name(),
			Severity:       SeverityWarning,
			Message:        "no curriculum standards cited",
			Recommendation: "align the lesson to at least one curriculum standard",
		}}
	}
	if sc.Catalog == nil {
		return nil
	}
	_, unknown := sc.Catalog.Known(d.Standards)
	if len(unknown) == 0 {
		return nil
	}
	return []Finding{{
		Check:          c.Name(),
		Severity:       SeverityWarning,
		Message:        fmt.Sprintf("unknown standards: %s", strings.Join(unknown, ", ")),
		Recommendation: "cite standard codes from the provided candidates",
	}}
}

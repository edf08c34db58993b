// Package plan defines the lesson-plan documents that flow through the
// generation workflow: the planner's Draft, the accessibility context it is
// written for, and the executor's ExportResult.
package plan

import (
	"slices"
	"strings"
)

// Export variant names.
const (
	VariantStandardHTML       = "standard_html"
	VariantLargePrintHTML     = "large_print_html"
	VariantLowDistractionHTML = "low_distraction_html"
	VariantAudioScript        = "audio_script"
	VariantPlainText          = "plain_text"
	VariantMarkdown           = "markdown"
)

// DefaultVariants is the export set used when settings name none.
var DefaultVariants = []string{
	VariantStandardHTML,
	VariantLargePrintHTML,
	VariantLowDistractionHTML,
	VariantAudioScript,
}

// Accessibility needs recognized by validation and export.
const (
	NeedDyslexia          = "dyslexia"
	NeedADHD              = "adhd"
	NeedLowVision         = "low_vision"
	NeedHearingImpairment = "hearing_impairment"
	NeedELL               = "ell"
	NeedAutism            = "autism"
)

// Draft is one complete lesson-plan proposal from the planner.
type Draft struct {
	Title           string          `json:"title" jsonschema:"description=Short lesson title"`
	Subject         string          `json:"subject" jsonschema:"description=Subject area"`
	GradeLevel      string          `json:"grade_level" jsonschema:"description=Target grade or grade band"`
	DurationMinutes int             `json:"duration_minutes" jsonschema:"minimum=5,maximum=240"`
	Objectives      []string        `json:"objectives" jsonschema:"minItems=1,description=Measurable learning objectives"`
	Standards       []string        `json:"standards" jsonschema:"description=Curriculum standard codes the lesson addresses"`
	Materials       []string        `json:"materials"`
	Steps           []Step          `json:"steps" jsonschema:"minItems=1"`
	Accommodations  []Accommodation `json:"accommodations" jsonschema:"description=Adaptations for the class accessibility profile"`
	Assessment      string          `json:"assessment" jsonschema:"description=How learning is checked"`
}

// Step is one timed activity in a lesson.
type Step struct {
	Title           string `json:"title"`
	Instructions    string `json:"instructions"`
	DurationMinutes int    `json:"duration_minutes" jsonschema:"minimum=1"`
}

// Accommodation ties an accessibility need to a concrete strategy.
type Accommodation struct {
	Need     string `json:"need"`
	Strategy string `json:"strategy"`
}

// AccessibilityProfile describes a whole class.
type AccessibilityProfile struct {
	ReadingLevel     float64  `json:"reading_level,omitempty"`
	Needs            []string `json:"needs,omitempty"`
	PreferredFormats []string `json:"preferred_formats,omitempty"`
	Notes            string   `json:"notes,omitempty"`
}

// LearnerProfile describes one learner.
type LearnerProfile struct {
	LearnerID    string   `json:"learner_id"`
	ReadingLevel float64  `json:"reading_level,omitempty"`
	Needs        []string `json:"needs,omitempty"`
	Notes        string   `json:"notes,omitempty"`
}

// ExportResult is the executor's output.
type ExportResult struct {
	PlanID              string            `json:"plan_id"`
	Exports             map[string]string `json:"exports"`
	Score               float64           `json:"score"`
	HumanReviewRequired bool              `json:"human_review_required"`
}

// Variants returns the exported variant names in sorted order.
func (r ExportResult) Variants() []string {
	names := make([]string, 0, len(r.Exports))
	for name := range r.Exports {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// TotalMinutes sums the step durations.
func (d *Draft) TotalMinutes() int {
	total := 0
	for _, s := range d.Steps {
		total += s.DurationMinutes
	}
	return total
}

// Text concatenates the draft's prose for readability analysis.
func (d *Draft) Text() string {
	var b strings.Builder
	b.WriteString(d.Title)
	b.WriteString(". ")
	for _, o := range d.Objectives {
		b.WriteString(o)
		b.WriteString(". ")
	}
	for _, s := range d.Steps {
		b.WriteString(s.Title)
		b.WriteString(". ")
		b.WriteString(s.Instructions)
		b.WriteString(" ")
	}
	b.WriteString(d.Assessment)
	return b.String()
}

// CoveredNeeds returns the normalized needs the draft accommodates.
func (d *Draft) CoveredNeeds() []string {
	var needs []string
	for _, a := range d.Accommodations {
		n := NormalizeNeed(a.Need)
		if n != "" && strings.TrimSpace(a.Strategy) != "" && !slices.Contains(needs, n) {
			needs = append(needs, n)
		}
	}
	return needs
}

// NormalizeNeed lowercases a need and folds spaces and dashes to underscores.
func NormalizeNeed(need string) string {
	n := strings.ToLower(strings.TrimSpace(need))
	n = strings.NewReplacer(" ", "_", "-", "_").Replace(n)
	return n
}

// RequiredNeeds merges class and learner needs, normalized and de-duplicated
// in first-seen order.
func RequiredNeeds(class *AccessibilityProfile, learners []LearnerProfile) []string {
	var out []string
	add := func(needs []string) {
		for _, n := range needs {
			if n = NormalizeNeed(n); n != "" && !slices.Contains(out, n) {
				out = append(out, n)
			}
		}
	}
	if class != nil {
		add(class.Needs)
	}
	for _, l := range learners {
		add(l.Needs)
	}
	return out
}

// TargetReadingLevel returns the lowest reading level declared by the class
// or any learner, or 0 when none is set.
func TargetReadingLevel(class *AccessibilityProfile, learners []LearnerProfile) float64 {
	level := 0.0
	consider := func(l float64) {
		if l > 0 && (level == 0 || l < level) {
			level = l
		}
	}
	if class != nil {
		consider(class.ReadingLevel)
	}
	for _, l := range learners {
		consider(l.ReadingLevel)
	}
	return level
}

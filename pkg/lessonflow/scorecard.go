package lessonflow

import (
	"errors"
	"fmt"
	"math"

	"github.com/randalmurphal/lessonflow/pkg/lessonflow/curriculum"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/plan"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/quality"
)

// ScorecardFailed is the Error marker of a scorecard that could not be built.
const ScorecardFailed = "scorecard_calculation_failed"

var errNoFinal = errors.New("run has no final export")

// Scorecard is a diagnostic summary of a finished run. It never affects
// the run's outcome.
type Scorecard struct {
	// ReadingLevelDelta is the draft's Flesch-Kincaid grade minus the
	// lowest declared reading level; zero when none is declared.
	ReadingLevelDelta  float64  `json:"reading_level_delta"`
	StandardsAligned   []string `json:"standards_aligned"`
	AdaptationsApplied []string `json:"adaptations_applied"`
	ExportVariantCount int      `json:"export_variant_count"`

	Error  string `json:"error,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Failed reports whether the scorecard is an error marker.
func (c *Scorecard) Failed() bool {
	return c != nil && c.Error != ""
}

// BuildScorecard summarizes the exported draft of s.
func BuildScorecard(s RunState, catalog *curriculum.Catalog) (*Scorecard, error) {
	if s.Final == nil {
		return nil, errNoFinal
	}
	d, _ := s.ExportDraft()
	if d == nil {
		return nil, errNoDraft
	}

	card := &Scorecard{
		StandardsAligned:   []string{},
		AdaptationsApplied: []string{},
		ExportVariantCount: len(s.Final.Exports),
	}

	if target := plan.TargetReadingLevel(s.ClassProfile, s.LearnerProfiles); target > 0 {
		delta := quality.FleschKincaidGrade(d.Text()) - target
		card.ReadingLevelDelta = math.Round(delta*10) / 10
	}

	if catalog != nil {
		known, _ := catalog.Known(d.Standards)
		card.StandardsAligned = append(card.StandardsAligned, known...)
	} else {
		card.StandardsAligned = append(card.StandardsAligned, d.Standards...)
	}
	card.AdaptationsApplied = append(card.AdaptationsApplied, d.CoveredNeeds()...)
	return card, nil
}

// buildScorecard runs the configured builder and contains any failure,
// including a panic, in an error marker.
func (w *Workflow) buildScorecard(s RunState) (card *Scorecard) {
	defer func() {
		if r := recover(); r != nil {
			card = &Scorecard{Error: ScorecardFailed, Detail: fmt.Sprintf("panic: %v", r)}
		}
	}()

	card, err := w.scorecard(s)
	if err != nil {
		return &Scorecard{Error: ScorecardFailed, Detail: err.Error()}
	}
	if card == nil {
		return &Scorecard{Error: ScorecardFailed, Detail: "no scorecard"}
	}
	return card
}

package quality

import (
	"math"
	"strings"

	"github.com/randalmurphal/lessonflow/pkg/lessonflow/plan"
)

var plannerWeights = map[string]float64{
	DimStructure:     0.30,
	DimAccessibility: 0.25,
	DimReadability:   0.15,
	DimStandards:     0.15,
	DimTiming:        0.15,
}

var executorWeights = map[string]float64{
	DimCoverage:     0.5,
	DimCompleteness: 0.3,
	DimFormat:       0.2,
}

// ScorePlannerOutput scores a draft on five 0-100 dimensions and combines
// them into a weighted final score. A nil draft scores 0.
func ScorePlannerOutput(d *plan.Draft, sc Scenario) RubricResult {
	dims := map[string]float64{
		DimStructure:     0,
		DimAccessibility: 0,
		DimReadability:   0,
		DimStandards:     0,
		DimTiming:        0,
	}
	if d != nil {
		dims[DimStructure] = structureScore(d)
		dims[DimAccessibility] = accessibilityScore(d, sc)
		dims[DimReadability] = readabilityScore(d, sc)
		dims[DimStandards] = standardsScore(d, sc)
		dims[DimTiming] = timingScore(d)
	}
	return finish(AgentPlanner, sc, dims, plannerWeights)
}

// ScoreExecutorOutput scores an export result against the requested variants.
func ScoreExecutorOutput(r *plan.ExportResult, sc Scenario) RubricResult {
	dims := map[string]float64{
		DimCoverage:     0,
		DimCompleteness: 0,
		DimFormat:       0,
	}
	if r != nil {
		want := sc.Variants
		if len(want) == 0 {
			want = r.Variants()
		}
		if len(want) > 0 {
			present, complete, formatted := 0, 0, 0
			for _, v := range want {
				content, ok := r.Exports[v]
				if !ok {
					continue
				}
				present++
				if strings.TrimSpace(content) != "" {
					complete++
				}
				if wellFormed(v, content) {
					formatted++
				}
			}
			n := float64(len(want))
			dims[DimCoverage] = 100 * float64(present) / n
			dims[DimCompleteness] = 100 * float64(complete) / n
			dims[DimFormat] = 100 * float64(formatted) / n
		}
	}
	return finish(AgentExecutor, sc, dims, executorWeights)
}

func finish(agent string, sc Scenario, dims, weights map[string]float64) RubricResult {
	total := 0.0
	for name, w := range weights {
		dims[name] = round1(clamp(dims[name]))
		total += w * dims[name]
	}
	final := round1(total)
	return RubricResult{
		AgentType:  agent,
		ScenarioID: sc.ID,
		Dimensions: dims,
		FinalScore: final,
		Passed:     final >= sc.threshold(),
	}
}

func structureScore(d *plan.Draft) float64 {
	checks := []bool{
		strings.TrimSpace(d.Title) != "",
		len(d.Objectives) > 0,
		len(d.Steps) > 0,
		stepsComplete(d.Steps),
		strings.TrimSpace(d.Assessment) != "",
		len(d.Materials) > 0,
	}
	ok := 0
	for _, c := range checks {
		if c {
			ok++
		}
	}
	return 100 * float64(ok) / float64(len(checks))
}

func stepsComplete(steps []plan.Step) bool {
	if len(steps) == 0 {
		return false
	}
	for _, s := range steps {
		if strings.TrimSpace(s.Instructions) == "" || s.DurationMinutes <= 0 {
			return false
		}
	}
	return true
}

func accessibilityScore(d *plan.Draft, sc Scenario) float64 {
	required := plan.RequiredNeeds(sc.ClassProfile, sc.LearnerProfiles)
	if len(required) == 0 {
		return 100
	}
	covered := d.CoveredNeeds()
	hit := 0
	for _, n := range required {
		for _, c := range covered {
			if c == n {
				hit++
				break
			}
		}
	}
	return 100 * float64(hit) / float64(len(required))
}

// readabilityScore loses 15 points per grade above target. Without a
// target, grade 8 is the ceiling.
func readabilityScore(d *plan.Draft, sc Scenario) float64 {
	target := plan.TargetReadingLevel(sc.ClassProfile, sc.LearnerProfiles)
	if target <= 0 {
		target = 8
	}
	over := FleschKincaidGrade(d.Text()) - target
	if over <= 0 {
		return 100
	}
	return 100 - 15*over
}

func standardsScore(d *plan.Draft, sc Scenario) float64 {
	if len(d.Standards) == 0 {
		return 40
	}
	if sc.Catalog == nil {
		return 100
	}
	known, _ := sc.Catalog.Known(d.Standards)
	return 100 * float64(len(known)) / float64(len(d.Standards))
}

// timingScore drops linearly to 0 at a 50% mismatch between step total and
// declared length.
func timingScore(d *plan.Draft) float64 {
	total := d.TotalMinutes()
	if total == 0 {
		return 0
	}
	if d.DurationMinutes <= 0 {
		return 70
	}
	deviation := math.Abs(float64(total-d.DurationMinutes)) / float64(d.DurationMinutes)
	return 100 * (1 - math.Min(1, deviation*2))
}

func wellFormed(variant, content string) bool {
	lower := strings.ToLower(content)
	switch variant {
	case plan.VariantStandardHTML, plan.VariantLargePrintHTML, plan.VariantLowDistractionHTML:
		return strings.Contains(lower, "<html") || strings.Contains(lower, "<h1")
	case plan.VariantAudioScript, plan.VariantPlainText:
		return strings.TrimSpace(content) != "" && !strings.Contains(lower, "<html")
	default:
		return strings.TrimSpace(content) != ""
	}
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

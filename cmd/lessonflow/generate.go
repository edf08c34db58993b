package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/fatih/color"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/randalmurphal/lessonflow/pkg/lessonflow"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/deps"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/event"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/export"
	"github.com/randalmurphal/lessonflow/pkg/lessonflow/plan"
)

type generateFlags struct {
	runID        string
	teacherID    string
	subject      string
	needs        []string
	readingLevel float64
	learnersFile string
	jsonOut      bool
}

func newGenerateCmd(a *app) *cobra.Command {
	var f generateFlags
	cmd := &cobra.Command{
		Use:   "generate <prompt>",
		Short: "Generate a lesson plan",
		Long: "Generate a lesson plan from a prompt. Stage events are printed as they happen, " +
			"followed by the plan rendered as markdown. With --json, only the final run state is printed.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.generate(cmd.Context(), cmd.OutOrStdout(), strings.Join(args, " "), f)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.runID, "run-id", "", "Run id (default: a new UUIDv7)")
	flags.StringVar(&f.teacherID, "teacher", "", "Teacher id")
	flags.StringVar(&f.subject, "subject", "", "Subject")
	flags.StringSliceVar(&f.needs, "needs", nil, "Class accessibility needs (comma separated)")
	flags.Float64Var(&f.readingLevel, "reading-level", 0, "Class reading level (grade)")
	flags.StringVar(&f.learnersFile, "learners", "", "JSON file with a list of learner profiles")
	flags.BoolVar(&f.jsonOut, "json", false, "Print the final run state as JSON")
	return cmd
}

func (f generateFlags) initState(prompt string) (lessonflow.RunState, error) {
	s := lessonflow.RunState{
		RunID:      f.runID,
		UserPrompt: prompt,
		TeacherID:  f.teacherID,
		Subject:    f.subject,
	}
	if len(f.needs) > 0 || f.readingLevel > 0 {
		s.ClassProfile = &plan.AccessibilityProfile{ReadingLevel: f.readingLevel, Needs: f.needs}
	}
	if f.learnersFile != "" {
		data, err := os.ReadFile(f.learnersFile)
		if err != nil {
			return s, fmt.Errorf("read learners: %w", err)
		}
		if err := json.Unmarshal(data, &s.LearnerProfiles); err != nil {
			return s, fmt.Errorf("parse learners: %w", err)
		}
	}
	return s, nil
}

func (a *app) generate(ctx context.Context, out io.Writer, prompt string, f generateFlags) error {
	if f.runID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate run id: %w", err)
		}
		f.runID = id.String()
	}
	init, err := f.initState(prompt)
	if err != nil {
		return err
	}

	c, err := deps.NewContainer(ctx, a.settings, deps.WithLogger(a.logger))
	if err != nil {
		return fmt.Errorf("build container: %w", err)
	}
	defer c.Close()

	params := deps.RunParams{TeacherID: f.teacherID, RunID: f.runID, Subject: f.subject}
	if !f.jsonOut {
		params.StreamWriter = newEventPrinter(out).Write
	}
	d, err := deps.NewAgentDeps(c, params)
	if err != nil {
		return err
	}
	wf, err := lessonflow.BuildPlanWorkflow(d, c.Breaker)
	if err != nil {
		return err
	}

	final, err := wf.Run(ctx, init)
	if err != nil {
		return err
	}

	if f.jsonOut {
		data, err := json.MarshalIndent(final, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
	} else {
		printResult(out, final)
	}

	if !final.Done() {
		return fmt.Errorf("run %s failed at %s: %s", final.RunID, final.FailedStage, final.Error)
	}
	return nil
}

// eventPrinter prints one colored line per event.
type eventPrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func newEventPrinter(out io.Writer) *eventPrinter {
	return &eventPrinter{out: out}
}

func (p *eventPrinter) Write(_ context.Context, evt event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := fmt.Fprintln(p.out, formatEvent(evt))
	return err
}

func formatEvent(evt event.Event) string {
	seq := color.HiBlackString("%3d", evt.Seq)
	switch evt.Type {
	case event.TypeRunStarted:
		return fmt.Sprintf("%s %s %s", seq, color.CyanString("run started"), evt.RunID)
	case event.TypeStageStarted:
		return fmt.Sprintf("%s %s %s", seq, color.BlueString("▸"), evt.Stage)
	case event.TypeStageCompleted:
		return fmt.Sprintf("%s %s %s → %v (%vms)", seq, color.GreenString("✓"), evt.Stage,
			evt.Payload["next"], evt.Payload["duration_ms"])
	case event.TypeStageFailed:
		return fmt.Sprintf("%s %s %s [%v] %v", seq, color.RedString("✗"), evt.Stage,
			evt.Payload["kind"], evt.Payload["error"])
	case event.TypeQualityScored:
		return fmt.Sprintf("%s   score %v (%v)", seq, color.YellowString("%v", evt.Payload["score"]), evt.Payload["status"])
	case event.TypeQualityDecision:
		return fmt.Sprintf("%s   decision %s", seq, color.MagentaString("%v", evt.Payload["decision"]))
	case event.TypeAIReceipt:
		return fmt.Sprintf("%s   %s %v, %v attempt(s)", seq, color.HiBlackString("model call"),
			evt.Payload["model"], evt.Payload["attempts"])
	case event.TypeRunCompleted:
		return fmt.Sprintf("%s %s score %v after %v refinement(s)", seq, color.GreenString("run completed"),
			evt.Payload["score"], evt.Payload["refine_iter"])
	case event.TypeRunFailed:
		return fmt.Sprintf("%s %s at %v: %v", seq, color.RedString("run failed"), evt.Payload["stage"], evt.Payload["error"])
	default:
		return fmt.Sprintf("%s %s", seq, evt.Type)
	}
}

func printResult(out io.Writer, s lessonflow.RunState) {
	if !s.Done() {
		return
	}
	md, err := planMarkdown(s)
	if err != nil {
		fmt.Fprintln(out, color.RedString("render plan: %v", err))
		return
	}
	rendered, err := renderMarkdown(md)
	if err != nil {
		rendered = md
	}
	fmt.Fprintln(out)
	fmt.Fprint(out, rendered)

	if s.Final != nil {
		fmt.Fprintf(out, "%s %s\n", color.CyanString("Variants:"), strings.Join(s.Final.Variants(), ", "))
		if s.Final.HumanReviewRequired {
			fmt.Fprintln(out, color.YellowString("Human review required before use."))
		}
	}
	if card := s.Scorecard; card != nil && !card.Failed() {
		fmt.Fprintf(out, "%s reading level delta %+.1f, standards %v, adaptations %v\n",
			color.CyanString("Scorecard:"), card.ReadingLevelDelta, card.StandardsAligned, card.AdaptationsApplied)
	}
}

var errNoPlan = errors.New("run has no plan")

// planMarkdown returns the markdown export of the run, rendering it from the
// exported draft when markdown was not one of the variants.
func planMarkdown(s lessonflow.RunState) (string, error) {
	if s.Final != nil {
		if md, ok := s.Final.Exports[plan.VariantMarkdown]; ok && md != "" {
			return md, nil
		}
	}
	d, _ := s.ExportDraft()
	if d == nil {
		return "", errNoPlan
	}
	return export.Render(plan.VariantMarkdown, d, s.ClassProfile)
}

func renderMarkdown(md string) (string, error) {
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		return "", err
	}
	return r.Render(md)
}

// Package simulator replays a workflow template against scripted decisions
// to surface configuration problems before a template goes live. It never
// touches stored instances.
package simulator

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"sort"

	"github.com/pitabwire/passage/internal/definition"
	"github.com/pitabwire/passage/model"
)

// Step statuses reported by a simulation.
const (
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusTimeout  = "timeout"
	StatusSkipped  = "not_reached"
)

// Simulator replays templates. The zero value is not usable; use New.
type Simulator struct {
	seed              uint64
	maxCumulativeDays int
}

// New returns a simulator. A non-zero seed makes reports reproducible; zero
// draws a fresh seed per run. maxCumulativeDays is the worst-case duration
// above which a recommendation is raised.
func New(seed uint64, maxCumulativeDays int) *Simulator {
	if maxCumulativeDays <= 0 {
		maxCumulativeDays = definition.DefaultMaxCumulativeDays
	}
	return &Simulator{seed: seed, maxCumulativeDays: maxCumulativeDays}
}

// Run replays tpl with one scripted action per step. Steps beyond the end of
// the script are approved. Reject and unescalated timeouts end the run.
func (s *Simulator) Run(tpl model.WorkflowTemplate, script []model.SimAction) (model.SimulationReport, error) {
	if len(tpl.Steps) == 0 {
		return model.SimulationReport{}, model.NewConfigurationError(
			fmt.Sprintf("workflow template %q has no steps", tpl.Name))
	}
	if len(script) > len(tpl.Steps) {
		return model.SimulationReport{}, model.NewBadRequestError(
			fmt.Sprintf("script has %d actions for %d steps", len(script), len(tpl.Steps)))
	}
	for i, a := range script {
		if !a.Valid() {
			return model.SimulationReport{}, model.NewBadRequestError(
				fmt.Sprintf("script action %d: unknown action %q", i+1, a))
		}
	}

	steps := slices.Clone(tpl.Steps)
	definition.NumberSteps(steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].StepNumber < steps[j].StepNumber })

	seed := s.seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	rng := rand.New(rand.NewPCG(seed, seed>>1|1))

	report := model.SimulationReport{
		TemplateID:   tpl.ID,
		TemplateName: tpl.Name,
		FinalStatus:  model.SimOutcomeApproved,
		Steps:        make([]model.SimStepResult, 0, len(steps)),
		Issues:       []model.SimIssue{},
	}

	stopped := false
	for i, step := range steps {
		action := model.SimApprove
		if i < len(script) {
			action = script[i]
		}
		res := model.SimStepResult{StepNumber: step.StepNumber, StepName: step.Name, Action: action}

		if stopped {
			res.Status = StatusSkipped
			report.Steps = append(report.Steps, res)
			continue
		}

		switch action {
		case model.SimApprove:
			res.Status = StatusApproved
			res.Days = decisionDays(rng, step)

		case model.SimReject:
			res.Status = StatusRejected
			res.Days = decisionDays(rng, step)
			report.FinalStatus = model.SimOutcomeRejected
			stopped = true

		case model.SimDelegate:
			res.Status = StatusApproved
			res.Days = decisionDays(rng, step)
			if step.CanDelegate {
				res.Note = "delegated, then approved by the delegate"
			} else {
				res.Note = "delegation not allowed; approved by the original approver"
				report.Issues = append(report.Issues, model.SimIssue{
					StepNumber: step.StepNumber,
					Message:    fmt.Sprintf("step %d (%s) was scripted to delegate but does not allow delegation", step.StepNumber, step.Name),
				})
			}

		case model.SimTimeout:
			switch {
			case step.TimeoutDays == nil:
				res.Status = StatusTimeout
				res.Note = "no timeout configured; the step would wait indefinitely"
				report.Issues = append(report.Issues, model.SimIssue{
					StepNumber: step.StepNumber,
					Message:    fmt.Sprintf("step %d (%s) has no timeout and would never escalate", step.StepNumber, step.Name),
				})
				report.FinalStatus = model.SimOutcomeTimeout
				stopped = true
			case step.EscalationRole != "":
				res.Status = StatusApproved
				res.Days = *step.TimeoutDays
				res.Note = fmt.Sprintf("timed out and escalated to %s", step.EscalationRole)
			default:
				res.Status = StatusTimeout
				res.Days = *step.TimeoutDays
				report.Issues = append(report.Issues, model.SimIssue{
					StepNumber: step.StepNumber,
					Message:    fmt.Sprintf("step %d (%s) timed out with no escalation role; the request is stuck", step.StepNumber, step.Name),
				})
				report.FinalStatus = model.SimOutcomeTimeout
				stopped = true
			}
		}

		report.TotalDays += res.Days
		report.Steps = append(report.Steps, res)
	}

	report.Recommendations = s.recommend(steps)
	return report, nil
}

// decisionDays draws the days a human takes to decide a step.
func decisionDays(rng *rand.Rand, step model.WorkflowStep) int {
	if step.TimeoutDays == nil || *step.TimeoutDays <= 1 {
		return 1
	}
	return 1 + rng.IntN(*step.TimeoutDays)
}

func (s *Simulator) recommend(steps []model.WorkflowStep) []string {
	recs := []string{}
	worst := 0
	for _, step := range steps {
		if step.TimeoutDays == nil {
			recs = append(recs, fmt.Sprintf("Step %d (%s) has no timeout; set one so stalled approvals can escalate", step.StepNumber, step.Name))
		} else {
			worst += *step.TimeoutDays
			if step.EscalationRole == "" {
				recs = append(recs, fmt.Sprintf("Step %d (%s) has no escalation path configured", step.StepNumber, step.Name))
			}
		}
		if !step.CanDelegate {
			recs = append(recs, fmt.Sprintf("Step %d (%s) cannot be delegated; approvals stall while the approver is away", step.StepNumber, step.Name))
		}
	}
	if worst > s.maxCumulativeDays {
		recs = append(recs, fmt.Sprintf("Worst-case duration is %d days, above the %d day threshold; consider shorter timeouts", worst, s.maxCumulativeDays))
	}
	return recs
}

// ParseScript converts action names into a script.
func ParseScript(names []string) ([]model.SimAction, error) {
	script := make([]model.SimAction, 0, len(names))
	for _, n := range names {
		a := model.SimAction(n)
		if !a.Valid() {
			return nil, model.NewBadRequestError(fmt.Sprintf("unknown simulation action %q", n))
		}
		script = append(script, a)
	}
	return script, nil
}

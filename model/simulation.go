package model

// SimAction is a scripted outcome for one step of a simulation.
type SimAction string

// Simulation actions.
const (
	SimApprove  SimAction = "approve"
	SimReject   SimAction = "reject"
	SimTimeout  SimAction = "timeout"
	SimDelegate SimAction = "delegate"
)

// Valid reports whether a is a known simulation action.
func (a SimAction) Valid() bool {
	switch a {
	case SimApprove, SimReject, SimTimeout, SimDelegate:
		return true
	}
	return false
}

// Final outcomes of a simulation run.
const (
	SimOutcomeApproved = "approved"
	SimOutcomeRejected = "rejected"
	SimOutcomeTimeout  = "timeout"
)

// SimStepResult is the replayed outcome of one step.
type SimStepResult struct {
	StepNumber int       `json:"step_number"`
	StepName   string    `json:"step_name"`
	Action     SimAction `json:"action"`
	Status     string    `json:"status"`
	Days       int       `json:"days"`
	Note       string    `json:"note,omitempty"`
}

// SimIssue is a configuration problem surfaced by a simulation.
type SimIssue struct {
	StepNumber int    `json:"step_number"`
	Message    string `json:"message"`
}

// SimulationReport is the result of replaying a template against a script.
type SimulationReport struct {
	TemplateID      string          `json:"template_id,omitempty"`
	TemplateName    string          `json:"template_name"`
	FinalStatus     string          `json:"final_status"`
	TotalDays       int             `json:"total_days"`
	Steps           []SimStepResult `json:"steps"`
	Issues          []SimIssue      `json:"issues"`
	Recommendations []string        `json:"recommendations"`
}

package harness

// StepResult records what one step did.
type StepResult struct {
	Index int    `json:"index"`
	Kind  string `json:"kind"`

	// Tenant is the tenant a run, check or repair step addressed.
	Tenant string `json:"tenant,omitempty"`

	// Status is the run status of a publish or instant step.
	Status string `json:"status,omitempty"`

	// Objects maps object IDs to their status in the run.
	Objects map[string]string `json:"objects,omitempty"`

	// Drift is set by check and repair steps.
	Drift bool `json:"drift,omitempty"`

	// Writes counts the target writes the step caused.
	Writes int `json:"writes"`

	Error string `json:"error,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	Steps []StepResult `json:"steps"`

	// Errors lists every failed expectation and assertion.
	Errors []string `json:"errors,omitempty"`

	// Snapshot is the rendered final state, compared against golden files.
	Snapshot string `json:"-"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Steps:  []StepResult{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

package harness

// TraceEvent records one executed step and what it produced.
type TraceEvent struct {
	Seq    int64          `json:"seq"`
	Step   string         `json:"step"`
	At     string         `json:"at"`
	Detail map[string]any `json:"detail"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`

	// Entities is the final phase of every entity the scenario touched,
	// keyed by entity id.
	Entities map[string]map[string]any `json:"entities"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:     true,
		Trace:    []TraceEvent{},
		Errors:   []string{},
		Entities: make(map[string]map[string]any),
	}
}

// AddError records a failure and marks the result failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

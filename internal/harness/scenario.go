package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted run of the system against a fake clock.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Doctrine is a directory of CUE doctrine files, relative to the
	// scenario file. Empty uses the built-in doctrine.
	Doctrine string `yaml:"doctrine,omitempty"`

	// Start is the fake clock's starting time. Zero uses testutil.Epoch.
	Start time.Time `yaml:"start,omitempty"`

	// Steps run in order. Each step does exactly one thing.
	Steps []Step `yaml:"steps"`

	// Assertions validate the trace and the final state.
	Assertions []Assertion `yaml:"assertions"`

	// baseDir is the directory of the scenario file.
	baseDir string
}

// Step is one scripted action. Exactly one of the action fields is set.
type Step struct {
	Signal    *SignalStep    `yaml:"signal,omitempty"`
	Metric    *MetricStep    `yaml:"metric,omitempty"`
	Authorize *AuthorizeStep `yaml:"authorize,omitempty"`
	Advance   time.Duration  `yaml:"advance,omitempty"`
	Drain     bool           `yaml:"drain,omitempty"`
	Sweep     string         `yaml:"sweep,omitempty"`
	Recompute string         `yaml:"recompute,omitempty"`
	Rebuild   bool           `yaml:"rebuild,omitempty"`

	// Expect is subset-matched against the step's trace detail. A step
	// that fails without an expected "error" fails the scenario.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// SignalStep enqueues one signal.
type SignalStep struct {
	EntityID   string         `yaml:"entity_id"`
	SignalType string         `yaml:"signal_type"`
	SourceHub  string         `yaml:"source_hub"`
	Payload    map[string]any `yaml:"payload,omitempty"`
	Magnitude  int64          `yaml:"magnitude,omitempty"`

	// Age backdates detected_at relative to the fake clock.
	Age time.Duration `yaml:"age,omitempty"`
}

// MetricStep reports a hub metric reading.
type MetricStep struct {
	Hub      string `yaml:"hub"`
	EntityID string `yaml:"entity_id"`
	Value    int64  `yaml:"value"`
}

// AuthorizeStep asks the gate for a decision.
type AuthorizeStep struct {
	EntityID string `yaml:"entity_id"`
	Action   string `yaml:"action"`
	Band     int    `yaml:"band,omitempty"`
}

// Step kinds, as they appear in the trace.
const (
	StepSignal    = "signal"
	StepMetric    = "metric"
	StepAuthorize = "authorize"
	StepAdvance   = "advance"
	StepDrain     = "drain"
	StepSweep     = "sweep"
	StepRecompute = "recompute"
	StepRebuild   = "rebuild"
)

// Sweep names accepted by a sweep step.
var sweeps = map[string]bool{"hubs": true, "retries": true, "decay": true, "archive": true}

// Kind returns the step's kind, or "" if zero or several actions are set.
func (s Step) Kind() string {
	var kinds []string
	if s.Signal != nil {
		kinds = append(kinds, StepSignal)
	}
	if s.Metric != nil {
		kinds = append(kinds, StepMetric)
	}
	if s.Authorize != nil {
		kinds = append(kinds, StepAuthorize)
	}
	if s.Advance != 0 {
		kinds = append(kinds, StepAdvance)
	}
	if s.Drain {
		kinds = append(kinds, StepDrain)
	}
	if s.Sweep != "" {
		kinds = append(kinds, StepSweep)
	}
	if s.Recompute != "" {
		kinds = append(kinds, StepRecompute)
	}
	if s.Rebuild {
		kinds = append(kinds, StepRebuild)
	}
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Step is the step kind for trace_contains and trace_count.
	Step string `yaml:"step,omitempty"`

	// Steps is the expected kind order for trace_order.
	Steps []string `yaml:"steps,omitempty"`

	EntityID string `yaml:"entity_id,omitempty"`
	Hub      string `yaml:"hub,omitempty"`

	// Match is subset-matched against trace details or state rows.
	Match map[string]any `yaml:"match,omitempty"`

	// Count is the expected number of matches for the counting types.
	Count int `yaml:"count,omitempty"`
}

// Assertion types.
const (
	AssertTraceContains  = "trace_contains"
	AssertTraceOrder     = "trace_order"
	AssertTraceCount     = "trace_count"
	AssertPhase          = "phase"
	AssertHub            = "hub"
	AssertErrors         = "errors"
	AssertMovements      = "movements"
	AssertAuthorizations = "authorizations"
	AssertQueueDepth     = "queue_depth"
)

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	sc, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	sc.baseDir = filepath.Dir(path)
	if sc.Doctrine != "" && !filepath.IsAbs(sc.Doctrine) {
		sc.Doctrine = filepath.Join(sc.baseDir, sc.Doctrine)
	}
	return sc, nil
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&sc); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &sc, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, s Step) error {
	switch s.Kind() {
	case "":
		return fmt.Errorf("steps[%d]: exactly one action is required", i)
	case StepSignal:
		if s.Signal.EntityID == "" || s.Signal.SignalType == "" || s.Signal.SourceHub == "" {
			return fmt.Errorf("steps[%d].signal: entity_id, signal_type and source_hub are required", i)
		}
	case StepMetric:
		if s.Metric.Hub == "" || s.Metric.EntityID == "" {
			return fmt.Errorf("steps[%d].metric: hub and entity_id are required", i)
		}
	case StepAuthorize:
		if s.Authorize.EntityID == "" || s.Authorize.Action == "" {
			return fmt.Errorf("steps[%d].authorize: entity_id and action are required", i)
		}
	case StepAdvance:
		if s.Advance < 0 {
			return fmt.Errorf("steps[%d]: advance must be positive", i)
		}
	case StepSweep:
		if !sweeps[s.Sweep] {
			return fmt.Errorf("steps[%d]: unknown sweep %q", i, s.Sweep)
		}
	}
	return nil
}

func validateAssertion(i int, a Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", i)
	case AssertTraceContains, AssertTraceCount:
		if a.Step == "" {
			return fmt.Errorf("assertions[%d]: step is required for %s", i, a.Type)
		}
	case AssertTraceOrder:
		if len(a.Steps) == 0 {
			return fmt.Errorf("assertions[%d]: steps list is required for trace_order", i)
		}
	case AssertPhase:
		if a.EntityID == "" || len(a.Match) == 0 {
			return fmt.Errorf("assertions[%d]: entity_id and match are required for phase", i)
		}
	case AssertHub:
		if a.EntityID == "" || a.Hub == "" || len(a.Match) == 0 {
			return fmt.Errorf("assertions[%d]: entity_id, hub and match are required for hub", i)
		}
	case AssertErrors:
		if a.Hub == "" {
			return fmt.Errorf("assertions[%d]: hub is required for errors", i)
		}
	case AssertMovements, AssertAuthorizations:
		if a.EntityID == "" {
			return fmt.Errorf("assertions[%d]: entity_id is required for %s", i, a.Type)
		}
	case AssertQueueDepth:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", i, a.Type)
	}
	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", i)
	}
	return nil
}

package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/bitgate/internal/ir"
)

// Snapshot is the canonical JSON form of a result compared against golden
// files. Runs are deterministic because the clock and ids are fake.
func Snapshot(name string, result *Result) ([]byte, error) {
	trace := make([]any, len(result.Trace))
	for i, ev := range result.Trace {
		trace[i] = map[string]any{
			"seq":    ev.Seq,
			"step":   ev.Step,
			"at":     ev.At,
			"detail": ev.Detail,
		}
	}
	entities := make(map[string]any, len(result.Entities))
	for id, snap := range result.Entities {
		entities[id] = snap
	}
	return ir.MarshalCanonical(map[string]any{
		"scenario_name": name,
		"trace":         trace,
		"entities":      entities,
	})
}

// RunWithGolden runs a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden. Regenerate with:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, sc *Scenario) (*Result, error) {
	t.Helper()
	result, err := Run(context.Background(), sc)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, sc.Name, result)
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()
	data, err := Snapshot(name, result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}

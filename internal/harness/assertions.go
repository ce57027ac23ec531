package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/roach88/bitgate/internal/engine"
	"github.com/roach88/bitgate/internal/ir"
	"github.com/roach88/bitgate/internal/store"
)

// AssertionError describes a failed assertion with the trace for context.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s %v\n", ev.Seq, ev.At, ev.Step, ev.Detail)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns one message per
// failure.
func EvaluateAssertions(ctx context.Context, result *Result, assertions []Assertion, sys *engine.System) []string {
	var failures []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertPhase:
			err = assertPhase(ctx, sys.Store, a)
		case AssertHub:
			err = assertHub(ctx, sys, a)
		case AssertErrors:
			err = assertErrors(ctx, sys.Store, a)
		case AssertMovements:
			err = assertRows(ctx, a, func(ctx context.Context) ([]ir.MovementEvent, error) {
				return sys.Store.ListMovements(ctx, a.EntityID)
			})
		case AssertAuthorizations:
			err = assertRows(ctx, a, func(ctx context.Context) ([]ir.AuthorizationRecord, error) {
				return sys.Store.ListAuthorizations(ctx, a.EntityID, 0)
			})
		case AssertQueueDepth:
			err = assertQueueDepth(ctx, sys.Store, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return failures
}

func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if ev.Step == a.Step && matchFields(ev.Detail, a.Match) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("%s step matching %v", a.Step, a.Match),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the first occurrence of each step kind
// follows the previous one. Intervening steps are allowed.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	pos := -1
	for _, kind := range a.Steps {
		found := -1
		for i := pos + 1; i < len(trace); i++ {
			if trace[i].Step == kind {
				found = i
				break
			}
		}
		if found < 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("steps in order: %v", a.Steps),
				Actual:   fmt.Sprintf("no %s step after position %d", kind, pos+1),
				Trace:    trace,
			}
		}
		pos = found
	}
	return nil
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if ev.Step == a.Step && matchFields(ev.Detail, a.Match) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d %s steps matching %v", a.Count, a.Step, a.Match),
			Actual:   fmt.Sprintf("%d", count),
			Trace:    trace,
		}
	}
	return nil
}

func assertPhase(ctx context.Context, st *store.Store, a Assertion) error {
	phase, err := st.GetPhaseState(ctx, a.EntityID)
	if err != nil {
		return &AssertionError{Type: AssertPhase, Expected: "phase state for " + a.EntityID, Actual: err.Error()}
	}
	return matchRow(AssertPhase, phase, a.Match)
}

func assertHub(ctx context.Context, sys *engine.System, a Assertion) error {
	rows, err := sys.Hubs.Progress(ctx, a.EntityID)
	if err != nil {
		return err
	}
	for _, p := range rows {
		if p.HubID == a.Hub {
			return matchRow(AssertHub, p, a.Match)
		}
	}
	return &AssertionError{
		Type:     AssertHub,
		Expected: fmt.Sprintf("progress for %s at %s", a.EntityID, a.Hub),
		Actual:   "row not found",
	}
}

// assertErrors counts live and archived records of a hub matching the
// entity and match fields.
func assertErrors(ctx context.Context, st *store.Store, a Assertion) error {
	f := store.ErrorFilter{EntityID: a.EntityID}
	live, err := st.ListErrorRecords(ctx, a.Hub, f)
	if err != nil {
		return err
	}
	archived, err := st.ListArchivedErrors(ctx, a.Hub, f)
	if err != nil {
		return err
	}
	return countRows(AssertErrors, append(live, archived...), a)
}

func assertRows[T any](ctx context.Context, a Assertion, list func(context.Context) ([]T, error)) error {
	rows, err := list(ctx)
	if err != nil {
		return err
	}
	return countRows(a.Type, rows, a)
}

func countRows[T any](kind string, rows []T, a Assertion) error {
	count := 0
	for _, row := range rows {
		fields, err := toFields(row)
		if err != nil {
			return err
		}
		if matchFields(fields, a.Match) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     kind,
			Expected: fmt.Sprintf("%d rows matching %v", a.Count, a.Match),
			Actual:   fmt.Sprintf("%d of %d rows", count, len(rows)),
		}
	}
	return nil
}

func assertQueueDepth(ctx context.Context, st *store.Store, a Assertion) error {
	depth, err := st.QueueDepth(ctx)
	if err != nil {
		return err
	}
	if depth != a.Count {
		return &AssertionError{
			Type:     AssertQueueDepth,
			Expected: fmt.Sprintf("depth %d", a.Count),
			Actual:   fmt.Sprintf("depth %d", depth),
		}
	}
	return nil
}

func matchRow(kind string, row any, expected map[string]any) error {
	fields, err := toFields(row)
	if err != nil {
		return err
	}
	if !matchFields(fields, expected) {
		return &AssertionError{
			Type:     kind,
			Expected: fmt.Sprintf("%v", expected),
			Actual:   fmt.Sprintf("%v", pick(fields, expected)),
		}
	}
	return nil
}

// toFields projects a row onto its JSON field names.
func toFields(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// pick returns the fields of actual named in expected, for error messages.
func pick(actual, expected map[string]any) map[string]any {
	out := make(map[string]any, len(expected))
	for k := range expected {
		out[k] = actual[k]
	}
	return out
}

// matchFields reports whether actual holds every expected key with an
// equal value. Extra keys in actual are ignored.
func matchFields(actual, expected map[string]any) bool {
	for key, want := range expected {
		got, ok := actual[key]
		if !ok || !reflect.DeepEqual(normalize(got), normalize(want)) {
			return false
		}
	}
	return true
}

// normalize folds the numeric and time representations produced by YAML,
// JSON and Go values onto int64 and RFC 3339 strings.
func normalize(v any) any {
	switch val := v.(type) {
	case int:
		return int64(val)
	case int32:
		return int64(val)
	case ir.Band:
		return int64(val)
	case uint64:
		if val <= math.MaxInt64 {
			return int64(val)
		}
	case float64:
		if val == math.Trunc(val) {
			return int64(val)
		}
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n
		}
		return val.String()
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = normalize(e)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = e
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = normalize(e)
		}
		return out
	}
	return v
}

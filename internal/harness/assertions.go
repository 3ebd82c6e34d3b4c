package harness

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/roach88/tuplespace/internal/store"
	"github.com/roach88/tuplespace/internal/txn"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s -> %s\n", ev.Step, ev.Op, ev.Outcome)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns the failure
// messages.
func EvaluateAssertions(ctx context.Context, result *Result, assertions []Assertion, h *Harness) []string {
	var failures []string
	for _, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertFinalContents:
			err = h.assertFinalContents(ctx, a)
		case AssertFinalLog:
			err = assertFinalLog(ctx, h.log, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			failures = append(failures, err.Error())
		}
	}
	return failures
}

func selects(ev TraceEvent, a Assertion) bool {
	return ev.Op == a.Op && (a.Outcome == "" || ev.Outcome == a.Outcome)
}

// assertTraceContains checks that some step ran the op with the outcome.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if selects(ev, a) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("op %s with outcome %q", a.Op, a.Outcome),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the ops first appear in the given order.
// Other steps may run in between.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, ev := range trace {
		if _, seen := positions[ev.Op]; !seen {
			positions[ev.Op] = i + 1
		}
	}

	for _, op := range a.Ops {
		if positions[op] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all ops present: %v", a.Ops),
				Actual:   fmt.Sprintf("missing op: %s", op),
				Trace:    trace,
			}
		}
	}
	for i := 1; i < len(a.Ops); i++ {
		prev, curr := a.Ops[i-1], a.Ops[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("ops in order: %v", a.Ops),
				Actual: fmt.Sprintf("%s (step %d) should be before %s (step %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks how many steps ran the op with the outcome.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if selects(ev, a) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, a.Op),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalContents counts the entries visible outside any transaction
// that match the template.
func (h *Harness) assertFinalContents(ctx context.Context, a Assertion) error {
	tmpl, err := a.Template.template()
	if err != nil {
		return fmt.Errorf("final_contents template: %w", err)
	}
	n, err := h.space.Count(ctx, tmpl, txn.None)
	if err != nil {
		return fmt.Errorf("final_contents: %w", err)
	}
	if n != a.Count {
		return &AssertionError{
			Type:     AssertFinalContents,
			Expected: fmt.Sprintf("%d entries matching %s", a.Count, tmpl),
			Actual:   fmt.Sprintf("%d entries", n),
		}
	}
	return nil
}

// assertFinalLog compares the recovery log's record counts per kind.
func assertFinalLog(ctx context.Context, st *store.Store, a Assertion) error {
	counts, err := st.CountByKind(ctx)
	if err != nil {
		return fmt.Errorf("final_log: %w", err)
	}
	for _, kind := range slices.Sorted(maps.Keys(a.Records)) {
		want := a.Records[kind]
		if got := counts[store.Kind(kind)]; got != want {
			return &AssertionError{
				Type:     AssertFinalLog,
				Expected: fmt.Sprintf("%d %s records", want, kind),
				Actual:   fmt.Sprintf("%d %s records", got, kind),
			}
		}
	}
	return nil
}

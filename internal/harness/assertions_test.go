package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		{Step: 1, Op: OpWrite, Outcome: OutcomeOK},
		{Step: 2, Op: OpTake, Outcome: OutcomePending},
		{Step: 3, Op: OpWrite, Outcome: OutcomeOK},
		{Step: 4, Op: OpAwait, Outcome: OutcomeOK},
		{Step: 5, Op: OpTake, Outcome: OutcomeNone},
		{Step: 6, Op: OpCancel, Outcome: "UNKNOWN_RESOURCE"},
	}
}

func TestAssertTraceContains(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceContains(trace, Assertion{Op: OpTake}))
	assert.NoError(t, assertTraceContains(trace, Assertion{Op: OpTake, Outcome: OutcomeNone}))
	assert.NoError(t, assertTraceContains(trace, Assertion{Op: OpCancel, Outcome: "UNKNOWN_RESOURCE"}))

	err := assertTraceContains(trace, Assertion{Type: AssertTraceContains, Op: OpRead})
	var aerr *AssertionError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "not found in trace", aerr.Actual)
	assert.Contains(t, err.Error(), "[6] cancel -> UNKNOWN_RESOURCE")
}

func TestAssertTraceOrder(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceOrder(trace, Assertion{Ops: []string{OpWrite, OpTake, OpAwait}}))
	assert.NoError(t, assertTraceOrder(trace, Assertion{Ops: []string{OpTake, OpCancel}}))

	err := assertTraceOrder(trace, Assertion{Ops: []string{OpAwait, OpWrite}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "await (step 4) should be before write (step 1)")

	err = assertTraceOrder(trace, Assertion{Ops: []string{OpWrite, OpRestart}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing op: restart")
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceCount(trace, Assertion{Op: OpWrite, Count: 2}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Op: OpTake, Outcome: OutcomePending, Count: 1}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Op: OpRestart, Count: 0}))

	err := assertTraceCount(trace, Assertion{Type: AssertTraceCount, Op: OpTake, Count: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 occurrences")
}

func TestEvaluateAssertions_FinalState(t *testing.T) {
	result := runInline(t, `
steps:
  - op: write
    as: j1
    entry: {type: Job, fields: [1]}
  - op: write
    as: j2
    entry: {type: Job, fields: [2]}
  - op: take
    template: {type: Job, fields: [1]}
    expect: {match: j1}
assertions:
  - {type: final_contents, template: {type: Job, fields: [null]}, count: 1}
  - {type: final_contents, template: {type: Job, fields: [1]}, count: 0}
  - {type: final_log, records: {write: 2, take: 1}}
  - {type: trace_count, op: write, outcome: ok, count: 2}
`)
	assert.True(t, result.Pass, "%v", result.Errors)

	failing := runInline(t, `
steps:
  - op: write
    entry: {type: Job, fields: [1]}
assertions:
  - {type: final_contents, template: {type: Job, fields: [null]}, count: 4}
  - {type: final_log, records: {cancel: 1}}
`)
	assert.False(t, failing.Pass)
	require.Len(t, failing.Errors, 2)
	assert.Contains(t, failing.Errors[0], "1 entries")
	assert.Contains(t, failing.Errors[1], "0 cancel records")
}

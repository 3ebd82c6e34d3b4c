// Package harness runs scripted scenarios against a tuple space and checks
// the outcome of every step.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: take_removes_entry
//	description: "What this scenario validates"
//	types:
//	  - name: Task
//	    fields:
//	      - {name: name, kind: string}
//	      - {name: priority, kind: int}
//	steps:
//	  - op: write
//	    as: t1
//	    entry: {type: Task, fields: ["build", 1]}
//	    lease: 60s
//	  - op: take
//	    as: waiting
//	    async: true
//	    template: {type: Task, fields: ["deploy", null]}
//	    timeout: 10s
//	  - op: advance
//	    duration: 11s
//	  - op: await
//	    query: waiting
//	    expect: {match: none}
//	assertions:
//	  - {type: trace_count, op: take, outcome: none, count: 1}
//	  - {type: final_contents, template: {type: Task, fields: [null, null]}, count: 1}
//
// Steps name what they create with as: entries and registrations by
// cookie, transactions by id, async queries by handle. Later steps and
// expectations refer to those names. A null template field is a wildcard;
// a missing template matches every entry.
//
// # Assertion Types
//
//   - trace_contains: some step ran the op, optionally with the outcome
//   - trace_order: the ops first appear in the given order
//   - trace_count: the op ran exactly count times
//   - final_contents: count entries visible outside transactions match
//   - final_log: the recovery log holds the given records per kind
//
// # Deterministic Testing
//
// Every run uses a fake clock starting at Epoch, sequential cookies and
// transaction ids, and an in-memory recovery log, so traces are identical
// across runs and can be compared with golden files. Blocked queries only
// time out when an advance step moves the clock past their deadline.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/take_removes_entry.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(ctx, scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, msg := range result.Errors {
//	    log.Println(msg)
//	}
package harness

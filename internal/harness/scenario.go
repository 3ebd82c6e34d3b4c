package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/tuplespace/internal/tuple"
)

// Scenario is a scripted run against a fresh space.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Types are defined, in order, before the first step.
	Types []tuple.Schema `yaml:"types"`

	// Steps run in order. Each is one space, clock or coordinator operation.
	Steps []Step `yaml:"steps"`

	// Assertions are checked against the trace and the final space.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step is one operation of a scenario.
type Step struct {
	Op string `yaml:"op"`

	// As binds the step's product under a name: the cookie of a write or
	// notify, the id of a begun transaction, or a pending async query.
	As string `yaml:"as,omitempty"`

	Entry    *EntrySpec `yaml:"entry,omitempty"`
	Template *EntrySpec `yaml:"template,omitempty"`

	// Txn names a transaction bound by begin.
	Txn string `yaml:"txn,omitempty"`

	// Cookie names a bound cookie for renew and cancel.
	Cookie string `yaml:"cookie,omitempty"`

	// Lease is a Go duration or "any". Empty means "any".
	Lease string `yaml:"lease,omitempty"`

	// Timeout is a Go duration or "forever". Empty means no wait.
	Timeout  string `yaml:"timeout,omitempty"`
	IfExists bool   `yaml:"if_exists,omitempty"`

	// Async starts a read or take without waiting for it. The step
	// returns once the query has blocked; await collects it.
	Async bool `yaml:"async,omitempty"`

	// Query names the async query await collects.
	Query string `yaml:"query,omitempty"`

	Listener   string `yaml:"listener,omitempty"`
	Visibility string `yaml:"visibility,omitempty"`
	Handback   string `yaml:"handback,omitempty"`

	// Duration is how far advance moves the clock.
	Duration string `yaml:"duration,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// EntrySpec is an entry or template as written in a scenario. Fields are
// YAML scalars; null is a null field or a wildcard.
type EntrySpec struct {
	Type   string `yaml:"type"`
	Fields []any  `yaml:"fields"`
}

func (e *EntrySpec) entry() (tuple.Entry, error) {
	fields, err := tuple.ValuesFromAny(e.Fields)
	if err != nil {
		return tuple.Entry{}, err
	}
	return tuple.Entry{Type: e.Type, Fields: fields}, nil
}

func (e *EntrySpec) template() (tuple.Template, error) {
	if e == nil {
		return tuple.AnyTemplate, nil
	}
	fields, err := tuple.ValuesFromAny(e.Fields)
	if err != nil {
		return tuple.Template{}, err
	}
	return tuple.Template{Type: e.Type, Fields: fields}, nil
}

// Expect states what a step must produce. Unset fields are not checked;
// a step without Error must succeed.
type Expect struct {
	// Error is the expected error code, e.g. UNKNOWN_RESOURCE.
	Error string `yaml:"error,omitempty"`

	// Match is the bound name of the entry a read, take or await must
	// return, or "none".
	Match string `yaml:"match,omitempty"`

	// Entry is the content a read, take or await must return.
	Entry *EntrySpec `yaml:"entry,omitempty"`

	// Count is the number of events an events step must collect, or of
	// entries a count step must see.
	Count *int `yaml:"count,omitempty"`

	// Expires is the expected lease expiration as an offset from the
	// scenario epoch.
	Expires string `yaml:"expires,omitempty"`
}

// Step operations.
const (
	OpWrite    = "write"
	OpRead     = "read"
	OpTake     = "take"
	OpCount    = "count"
	OpNotify   = "notify"
	OpRenew    = "renew"
	OpCancel   = "cancel"
	OpAdvance  = "advance"
	OpBegin    = "begin"
	OpCommit   = "commit"
	OpAbort    = "abort"
	OpForget   = "forget"
	OpAwait    = "await"
	OpEvents   = "events"
	OpRestart  = "restart"
	OpSnapshot = "snapshot"
)

// Assertion validates the trace or the final space.
type Assertion struct {
	// Type is one of trace_contains, trace_order, trace_count,
	// final_contents or final_log.
	Type string `yaml:"type"`

	// Op and Outcome select trace events (trace_contains, trace_count).
	Op      string `yaml:"op,omitempty"`
	Outcome string `yaml:"outcome,omitempty"`

	// Ops is the expected order of operations (trace_order).
	Ops []string `yaml:"ops,omitempty"`

	// Count is the expected number of trace events or entries.
	Count int `yaml:"count,omitempty"`

	// Template selects entries for final_contents.
	Template *EntrySpec `yaml:"template,omitempty"`

	// Records is the expected number of log records per kind (final_log).
	Records map[string]int64 `yaml:"records,omitempty"`
}

// Assertion types.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalContents = "final_contents"
	AssertFinalLog      = "final_log"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "step:" vs "steps:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
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

	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d] (%s): %w", i, step.Op, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step) error {
	switch step.Op {
	case OpWrite:
		if step.Entry == nil {
			return fmt.Errorf("entry is required")
		}
		if err := checkLease(step.Lease); err != nil {
			return err
		}
	case OpRead, OpTake:
		if step.Template == nil {
			return fmt.Errorf("template is required")
		}
		if err := checkTimeout(step.Timeout); err != nil {
			return err
		}
		if step.Async && step.As == "" {
			return fmt.Errorf("async queries need a name in as")
		}
	case OpCount:
		if step.Template == nil {
			return fmt.Errorf("template is required")
		}
	case OpNotify:
		if step.Listener == "" {
			return fmt.Errorf("listener is required")
		}
		if err := checkLease(step.Lease); err != nil {
			return err
		}
	case OpRenew:
		if step.Cookie == "" {
			return fmt.Errorf("cookie is required")
		}
		if err := checkLease(step.Lease); err != nil {
			return err
		}
	case OpCancel:
		if step.Cookie == "" {
			return fmt.Errorf("cookie is required")
		}
	case OpAdvance:
		if _, err := time.ParseDuration(step.Duration); err != nil {
			return fmt.Errorf("duration: %w", err)
		}
	case OpBegin:
		if step.As == "" {
			return fmt.Errorf("as is required")
		}
		if step.Lease != "" {
			if _, err := time.ParseDuration(step.Lease); err != nil {
				return fmt.Errorf("lease: %w", err)
			}
		}
	case OpCommit, OpAbort, OpForget:
		if step.Txn == "" {
			return fmt.Errorf("txn is required")
		}
	case OpAwait:
		if step.Query == "" {
			return fmt.Errorf("query is required")
		}
	case OpEvents:
		if step.Listener == "" {
			return fmt.Errorf("listener is required")
		}
		if step.Expect == nil || step.Expect.Count == nil {
			return fmt.Errorf("expect.count is required")
		}
	case OpRestart, OpSnapshot:
	case "":
		return fmt.Errorf("op is required")
	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}
	if step.Expect != nil && step.Expect.Expires != "" {
		if _, err := time.ParseDuration(step.Expect.Expires); err != nil {
			return fmt.Errorf("expect.expires: %w", err)
		}
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		if a.Op == "" {
			return fmt.Errorf("op is required for trace_contains")
		}
	case AssertTraceOrder:
		if len(a.Ops) == 0 {
			return fmt.Errorf("ops list is required for trace_order")
		}
	case AssertTraceCount:
		if a.Op == "" {
			return fmt.Errorf("op is required for trace_count")
		}
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative for trace_count")
		}
	case AssertFinalContents:
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative for final_contents")
		}
	case AssertFinalLog:
		if len(a.Records) == 0 {
			return fmt.Errorf("records is required for final_log")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

func checkLease(s string) error {
	if s == "" || s == "any" {
		return nil
	}
	if _, err := time.ParseDuration(s); err != nil {
		return fmt.Errorf("lease: %w", err)
	}
	return nil
}

func checkTimeout(s string) error {
	if s == "" || s == "forever" {
		return nil
	}
	if _, err := time.ParseDuration(s); err != nil {
		return fmt.Errorf("timeout: %w", err)
	}
	return nil
}

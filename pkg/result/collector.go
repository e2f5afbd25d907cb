package result

import (
	"fmt"
	"sync"
	"time"

	"github.com/httprunner/TestAgent/pkg/invocation"
)

// RunState is the position of a Collector in the run protocol.
type RunState int

const (
	RunIdle RunState = iota
	RunStarted
	RunTestStarted
	RunTestTerminal
)

func (s RunState) String() string {
	switch s {
	case RunIdle:
		return "idle"
	case RunStarted:
		return "run_started"
	case RunTestStarted:
		return "test_started"
	case RunTestTerminal:
		return "test_terminal"
	default:
		return "unknown"
	}
}

// TestResult is the outcome of one test.
type TestResult struct {
	ID      TestIdentifier
	Status  TestStatus
	Trace   string
	Start   time.Time
	End     time.Time
	Metrics Metrics
}

// Duration returns End-Start, or zero when the test never ended.
func (r TestResult) Duration() time.Duration {
	if r.End.IsZero() || r.Start.IsZero() {
		return 0
	}
	return r.End.Sub(r.Start)
}

// RunResult aggregates one test run.
type RunResult struct {
	Name          string
	Module        string
	ExpectedCount int
	Tests         []*TestResult
	RunFailure    string
	Stopped       bool
	Complete      bool
	Elapsed       time.Duration
	Metrics       Metrics
}

// Count returns the number of tests with status.
func (r *RunResult) Count(status TestStatus) int {
	n := 0
	for _, t := range r.Tests {
		if t.Status == status {
			n++
		}
	}
	return n
}

// Collector follows the run protocol and accumulates results. Protocol
// violations are recorded in Violations instead of failing the caller.
type Collector struct {
	mu sync.Mutex

	invocationID string
	started      bool
	ended        bool
	failure      error
	elapsed      time.Duration

	module  string
	state   RunState
	current *RunResult
	test    *TestResult
	starts  map[TestIdentifier]time.Time
	runs    []*RunResult
	logs    []string

	violations []string
}

// NewCollector returns an idle collector.
func NewCollector() *Collector {
	return &Collector{starts: make(map[TestIdentifier]time.Time)}
}

func (c *Collector) violate(format string, args ...any) {
	c.violations = append(c.violations, fmt.Sprintf(format, args...))
}

func (c *Collector) InvocationStarted(ictx *invocation.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		c.violate("invocation started twice")
	}
	c.started = true
	if ictx != nil {
		c.invocationID = ictx.ID()
	}
}

func (c *Collector) TestModuleStarted(module *invocation.Module) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != RunIdle {
		c.violate("module started inside run %s", c.current.Name)
	}
	if c.module != "" {
		c.violate("module %s started before %s ended", moduleName(module), c.module)
	}
	c.module = moduleName(module)
}

func moduleName(m *invocation.Module) string {
	if m == nil {
		return "<unnamed>"
	}
	return m.Name
}

func (c *Collector) TestModuleEnded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.module == "" {
		c.violate("module ended without start")
	}
	if c.state != RunIdle {
		c.violate("module ended inside run %s", c.current.Name)
	}
	c.module = ""
}

func (c *Collector) TestRunStarted(name string, testCount int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != RunIdle {
		c.violate("run %s started while %s is open", name, c.current.Name)
	}
	c.current = &RunResult{Name: name, Module: c.module, ExpectedCount: testCount}
	c.runs = append(c.runs, c.current)
	c.state = RunStarted
	c.test = nil
}

func (c *Collector) TestStarted(id TestIdentifier, start time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		c.violate("test %s started outside a run", id)
		return
	}
	if c.state == RunTestStarted || c.state == RunTestTerminal {
		c.violate("test %s started before %s ended", id, c.test.ID)
	}
	if start.IsZero() {
		start = time.Now()
	}
	c.starts[id] = start
	c.test = &TestResult{ID: id, Status: StatusIncomplete, Start: start}
	c.current.Tests = append(c.current.Tests, c.test)
	c.state = RunTestStarted
}

func (c *Collector) terminal(id TestIdentifier, status TestStatus, trace string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.test == nil || c.test.ID != id || c.state != RunTestStarted {
		c.violate("%s reported for %s without a matching start", status, id)
		return
	}
	c.test.Status = status
	c.test.Trace = trace
	c.state = RunTestTerminal
}

func (c *Collector) TestFailed(id TestIdentifier, trace string) {
	c.terminal(id, StatusFailed, trace)
}

func (c *Collector) TestAssumptionFailure(id TestIdentifier, trace string) {
	c.terminal(id, StatusAssumptionFailure, trace)
}

func (c *Collector) TestIgnored(id TestIdentifier) {
	c.terminal(id, StatusIgnored, "")
}

func (c *Collector) TestEnded(id TestIdentifier, end time.Time, metrics Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.test == nil || c.test.ID != id {
		c.violate("test %s ended without a matching start", id)
		return
	}
	if c.state == RunTestStarted {
		c.test.Status = StatusPassed
	}
	if end.IsZero() {
		end = time.Now()
	}
	if start, ok := c.starts[id]; ok {
		c.test.Start = start
		delete(c.starts, id)
	}
	c.test.End = end
	c.test.Metrics = metrics.Clone()
	c.test = nil
	c.state = RunStarted
}

func (c *Collector) TestRunFailed(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		c.violate("run failure %q outside a run", message)
		return
	}
	c.current.RunFailure = message
}

func (c *Collector) TestRunStopped(elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.Stopped = true
		c.current.Elapsed = elapsed
	}
}

func (c *Collector) TestRunEnded(elapsed time.Duration, metrics Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.state == RunIdle {
		c.violate("run ended without start")
		return
	}
	if c.state == RunTestStarted || c.state == RunTestTerminal {
		c.violate("run %s ended while test %s is open", c.current.Name, c.test.ID)
	}
	c.current.Elapsed = elapsed
	c.current.Metrics.Merge(metrics)
	c.current.Complete = true
	c.state = RunIdle
	c.test = nil
}

func (c *Collector) TestLog(name string, dataType LogDataType, source LogSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, name)
}

func (c *Collector) InvocationFailed(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failure == nil {
		c.failure = cause
	}
}

func (c *Collector) InvocationEnded(elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		c.violate("invocation ended twice")
	}
	if c.state != RunIdle {
		c.violate("invocation ended inside run %s", c.current.Name)
	}
	c.ended = true
	c.elapsed = elapsed
}

// State returns the current run protocol state.
func (c *Collector) State() RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Runs returns the collected runs in start order.
func (c *Collector) Runs() []*RunResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*RunResult(nil), c.runs...)
}

// TestCount returns the number of tests seen across all runs.
func (c *Collector) TestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.runs {
		n += len(r.Tests)
	}
	return n
}

// CountStatus returns the number of tests with status across all runs.
func (c *Collector) CountStatus(status TestStatus) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.runs {
		n += r.Count(status)
	}
	return n
}

// Modules lists module names in first-seen order.
func (c *Collector) Modules() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	seen := make(map[string]struct{})
	for _, r := range c.runs {
		if r.Module == "" {
			continue
		}
		if _, ok := seen[r.Module]; ok {
			continue
		}
		seen[r.Module] = struct{}{}
		out = append(out, r.Module)
	}
	return out
}

// Logs returns the names of attached logs.
func (c *Collector) Logs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.logs...)
}

// InvocationID returns the id seen in InvocationStarted.
func (c *Collector) InvocationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invocationID
}

// Failure returns the first invocation failure.
func (c *Collector) Failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// Ended reports whether InvocationEnded was seen.
func (c *Collector) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

// Elapsed returns the invocation duration from InvocationEnded.
func (c *Collector) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsed
}

// Violations returns the recorded protocol violations.
func (c *Collector) Violations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.violations...)
}

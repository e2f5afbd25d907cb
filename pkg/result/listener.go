package result

import (
	"time"

	"github.com/httprunner/TestAgent/pkg/invocation"
)

// Listener consumes invocation, module, run and test lifecycle events.
// Test-level failures are reported here and never returned as errors.
type Listener interface {
	InvocationStarted(ictx *invocation.Context)
	TestModuleStarted(module *invocation.Module)
	TestRunStarted(name string, testCount int)
	TestStarted(id TestIdentifier, start time.Time)
	TestFailed(id TestIdentifier, trace string)
	TestAssumptionFailure(id TestIdentifier, trace string)
	TestIgnored(id TestIdentifier)
	TestEnded(id TestIdentifier, end time.Time, metrics Metrics)
	TestRunFailed(message string)
	TestRunStopped(elapsed time.Duration)
	TestRunEnded(elapsed time.Duration, metrics Metrics)
	TestModuleEnded()
	TestLog(name string, dataType LogDataType, source LogSource)
	InvocationFailed(cause error)
	InvocationEnded(elapsed time.Duration)
}

// Base implements Listener with no-ops; embed it to handle a subset of events.
type Base struct{}

func (Base) InvocationStarted(*invocation.Context)        {}
func (Base) TestModuleStarted(*invocation.Module)         {}
func (Base) TestRunStarted(string, int)                   {}
func (Base) TestStarted(TestIdentifier, time.Time)        {}
func (Base) TestFailed(TestIdentifier, string)            {}
func (Base) TestAssumptionFailure(TestIdentifier, string) {}
func (Base) TestIgnored(TestIdentifier)                   {}
func (Base) TestEnded(TestIdentifier, time.Time, Metrics) {}
func (Base) TestRunFailed(string)                         {}
func (Base) TestRunStopped(time.Duration)                 {}
func (Base) TestRunEnded(time.Duration, Metrics)          {}
func (Base) TestModuleEnded()                             {}
func (Base) TestLog(string, LogDataType, LogSource)       {}
func (Base) InvocationFailed(error)                       {}
func (Base) InvocationEnded(time.Duration)                {}

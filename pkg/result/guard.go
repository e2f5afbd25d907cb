package result

import (
	"sync"
	"time"

	"github.com/httprunner/TestAgent/pkg/invocation"
)

// Guard forwards events to its delegate and remembers which module, run and
// test are still open, so an aborted invocation can close them.
type Guard struct {
	delegate Listener

	mu         sync.Mutex
	moduleOpen bool
	runOpen    bool
	runStart   time.Time
	openTest   *TestIdentifier
	terminal   bool
}

// NewGuard wraps delegate.
func NewGuard(delegate Listener) *Guard {
	return &Guard{delegate: delegate}
}

// CloseOpen emits the terminal events missing from the current stream, innermost first.
// It returns true when anything was closed.
func (g *Guard) CloseOpen(reason error) bool {
	g.mu.Lock()
	test, terminal, runOpen, runStart, moduleOpen := g.openTest, g.terminal, g.runOpen, g.runStart, g.moduleOpen
	g.openTest, g.terminal, g.runOpen, g.moduleOpen = nil, false, false, false
	g.mu.Unlock()

	msg := "invocation aborted"
	if reason != nil {
		msg = reason.Error()
	}
	closed := false
	if test != nil {
		if !terminal {
			g.delegate.TestFailed(*test, msg)
		}
		g.delegate.TestEnded(*test, time.Now(), Metrics{})
		closed = true
	}
	if runOpen {
		g.delegate.TestRunFailed(msg)
		g.delegate.TestRunEnded(time.Since(runStart), Metrics{})
		closed = true
	}
	if moduleOpen {
		g.delegate.TestModuleEnded()
		closed = true
	}
	return closed
}

func (g *Guard) InvocationStarted(ictx *invocation.Context) {
	g.delegate.InvocationStarted(ictx)
}

func (g *Guard) TestModuleStarted(module *invocation.Module) {
	g.mu.Lock()
	g.moduleOpen = true
	g.mu.Unlock()
	g.delegate.TestModuleStarted(module)
}

func (g *Guard) TestRunStarted(name string, testCount int) {
	g.mu.Lock()
	g.runOpen = true
	g.runStart = time.Now()
	g.mu.Unlock()
	g.delegate.TestRunStarted(name, testCount)
}

func (g *Guard) TestStarted(id TestIdentifier, start time.Time) {
	g.mu.Lock()
	g.openTest = &id
	g.terminal = false
	g.mu.Unlock()
	g.delegate.TestStarted(id, start)
}

func (g *Guard) markTerminal() {
	g.mu.Lock()
	g.terminal = true
	g.mu.Unlock()
}

func (g *Guard) TestFailed(id TestIdentifier, trace string) {
	g.markTerminal()
	g.delegate.TestFailed(id, trace)
}

func (g *Guard) TestAssumptionFailure(id TestIdentifier, trace string) {
	g.markTerminal()
	g.delegate.TestAssumptionFailure(id, trace)
}

func (g *Guard) TestIgnored(id TestIdentifier) {
	g.markTerminal()
	g.delegate.TestIgnored(id)
}

func (g *Guard) TestEnded(id TestIdentifier, end time.Time, metrics Metrics) {
	g.mu.Lock()
	g.openTest = nil
	g.terminal = false
	g.mu.Unlock()
	g.delegate.TestEnded(id, end, metrics)
}

func (g *Guard) TestRunFailed(message string) {
	g.delegate.TestRunFailed(message)
}

func (g *Guard) TestRunStopped(elapsed time.Duration) {
	g.delegate.TestRunStopped(elapsed)
}

func (g *Guard) TestRunEnded(elapsed time.Duration, metrics Metrics) {
	g.mu.Lock()
	g.runOpen = false
	g.openTest = nil
	g.mu.Unlock()
	g.delegate.TestRunEnded(elapsed, metrics)
}

func (g *Guard) TestModuleEnded() {
	g.mu.Lock()
	g.moduleOpen = false
	g.mu.Unlock()
	g.delegate.TestModuleEnded()
}

func (g *Guard) TestLog(name string, dataType LogDataType, source LogSource) {
	g.delegate.TestLog(name, dataType, source)
}

func (g *Guard) InvocationFailed(cause error) {
	g.delegate.InvocationFailed(cause)
}

func (g *Guard) InvocationEnded(elapsed time.Duration) {
	g.delegate.InvocationEnded(elapsed)
}

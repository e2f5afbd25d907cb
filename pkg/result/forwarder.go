package result

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/httprunner/TestAgent/pkg/invocation"
)

// ListenerFailure records one listener that panicked during delivery.
type ListenerFailure struct {
	Method   string
	Index    int
	Listener string
	Panic    any
}

func (f ListenerFailure) String() string {
	return fmt.Sprintf("listener %d (%s) failed in %s: %v", f.Index, f.Listener, f.Method, f.Panic)
}

// Forwarder delivers every event to its listeners in registration order.
// Calls are serialized, so concurrent shards may share one Forwarder.
// A panicking listener is logged and skipped; the remaining listeners still
// receive the event.
type Forwarder struct {
	mu        sync.Mutex
	listeners []Listener
	failures  []ListenerFailure
}

// NewForwarder returns a forwarder over listeners, skipping nil entries.
func NewForwarder(listeners ...Listener) *Forwarder {
	f := &Forwarder{}
	for _, l := range listeners {
		f.Add(l)
	}
	return f
}

// Add registers l at the end of the delivery order.
func (f *Forwarder) Add(l Listener) {
	if l == nil {
		return
	}
	f.mu.Lock()
	f.listeners = append(f.listeners, l)
	f.mu.Unlock()
}

// Listeners returns the registered listeners.
func (f *Forwarder) Listeners() []Listener {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Listener(nil), f.listeners...)
}

// Failures returns every isolated listener failure seen so far.
func (f *Forwarder) Failures() []ListenerFailure {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ListenerFailure(nil), f.failures...)
}

func (f *Forwarder) each(method string, call func(Listener)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, l := range f.listeners {
		if failure, ok := deliver(method, i, l, call); !ok {
			f.failures = append(f.failures, failure)
		}
	}
}

func deliver(method string, index int, l Listener, call func(Listener)) (failure ListenerFailure, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			failure = ListenerFailure{Method: method, Index: index, Listener: fmt.Sprintf("%T", l), Panic: r}
			ok = false
			log.Error().
				Str("method", method).
				Int("listener", index).
				Str("type", failure.Listener).
				Interface("panic", r).
				Msg("result listener failed, continuing fan-out")
		}
	}()
	call(l)
	return ListenerFailure{}, true
}

func (f *Forwarder) InvocationStarted(ictx *invocation.Context) {
	f.each(MethodInvocationStarted, func(l Listener) { l.InvocationStarted(ictx) })
}

func (f *Forwarder) TestModuleStarted(module *invocation.Module) {
	f.each(MethodTestModuleStarted, func(l Listener) { l.TestModuleStarted(module) })
}

func (f *Forwarder) TestRunStarted(name string, testCount int) {
	f.each(MethodTestRunStarted, func(l Listener) { l.TestRunStarted(name, testCount) })
}

func (f *Forwarder) TestStarted(id TestIdentifier, start time.Time) {
	f.each(MethodTestStarted, func(l Listener) { l.TestStarted(id, start) })
}

func (f *Forwarder) TestFailed(id TestIdentifier, trace string) {
	f.each(MethodTestFailed, func(l Listener) { l.TestFailed(id, trace) })
}

func (f *Forwarder) TestAssumptionFailure(id TestIdentifier, trace string) {
	f.each(MethodTestAssumptionFailure, func(l Listener) { l.TestAssumptionFailure(id, trace) })
}

func (f *Forwarder) TestIgnored(id TestIdentifier) {
	f.each(MethodTestIgnored, func(l Listener) { l.TestIgnored(id) })
}

func (f *Forwarder) TestEnded(id TestIdentifier, end time.Time, metrics Metrics) {
	f.each(MethodTestEnded, func(l Listener) { l.TestEnded(id, end, metrics.Clone()) })
}

func (f *Forwarder) TestRunFailed(message string) {
	f.each(MethodTestRunFailed, func(l Listener) { l.TestRunFailed(message) })
}

func (f *Forwarder) TestRunStopped(elapsed time.Duration) {
	f.each(MethodTestRunStopped, func(l Listener) { l.TestRunStopped(elapsed) })
}

func (f *Forwarder) TestRunEnded(elapsed time.Duration, metrics Metrics) {
	f.each(MethodTestRunEnded, func(l Listener) { l.TestRunEnded(elapsed, metrics.Clone()) })
}

func (f *Forwarder) TestModuleEnded() {
	f.each(MethodTestModuleEnded, func(l Listener) { l.TestModuleEnded() })
}

func (f *Forwarder) TestLog(name string, dataType LogDataType, source LogSource) {
	f.each(MethodTestLog, func(l Listener) { l.TestLog(name, dataType, source) })
}

func (f *Forwarder) InvocationFailed(cause error) {
	f.each(MethodInvocationFailed, func(l Listener) { l.InvocationFailed(cause) })
}

func (f *Forwarder) InvocationEnded(elapsed time.Duration) {
	f.each(MethodInvocationEnded, func(l Listener) { l.InvocationEnded(elapsed) })
}

package result

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/TestAgent/pkg/invocation"
)

// Event method names, shared by Buffer, Forwarder and reporters.
const (
	MethodInvocationStarted     = "InvocationStarted"
	MethodTestModuleStarted     = "TestModuleStarted"
	MethodTestRunStarted        = "TestRunStarted"
	MethodTestStarted           = "TestStarted"
	MethodTestFailed            = "TestFailed"
	MethodTestAssumptionFailure = "TestAssumptionFailure"
	MethodTestIgnored           = "TestIgnored"
	MethodTestEnded             = "TestEnded"
	MethodTestRunFailed         = "TestRunFailed"
	MethodTestRunStopped        = "TestRunStopped"
	MethodTestRunEnded          = "TestRunEnded"
	MethodTestModuleEnded       = "TestModuleEnded"
	MethodTestLog               = "TestLog"
	MethodInvocationFailed      = "InvocationFailed"
	MethodInvocationEnded       = "InvocationEnded"
)

// ErrAlreadyReplayed is returned by a second Replay of the same Buffer.
var ErrAlreadyReplayed = errors.New("buffered events already replayed")

// Event is one recorded listener call.
type Event struct {
	Method string
	Args   []any
}

// Buffer records every call verbatim so it can be replayed later, once.
type Buffer struct {
	mu       sync.Mutex
	events   []Event
	replayed bool
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

func (b *Buffer) record(method string, args ...any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.replayed {
		log.Warn().Str("method", method).Msg("event recorded after replay is dropped")
		return
	}
	b.events = append(b.events, Event{Method: method, Args: args})
}

// Events returns a copy of the recorded calls.
func (b *Buffer) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.events...)
}

// Len returns the number of recorded calls.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Replayed reports whether Replay already ran.
func (b *Buffer) Replayed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.replayed
}

// Replay re-issues every recorded call against target in original order.
// It may run at most once; later calls return ErrAlreadyReplayed.
func (b *Buffer) Replay(target Listener) error {
	return b.ReplayFiltered(target, nil)
}

// ReplayFiltered replays the events accepted by keep (all when keep is nil).
func (b *Buffer) ReplayFiltered(target Listener, keep func(Event) bool) error {
	b.mu.Lock()
	if b.replayed {
		b.mu.Unlock()
		return ErrAlreadyReplayed
	}
	b.replayed = true
	events := b.events
	b.events = nil
	b.mu.Unlock()

	if target == nil {
		return nil
	}
	for _, ev := range events {
		if keep != nil && !keep(ev) {
			continue
		}
		if err := Dispatch(target, ev); err != nil {
			return err
		}
	}
	return nil
}

// Dispatch invokes the listener method described by ev.
func Dispatch(l Listener, ev Event) error {
	arg := func(i int) any {
		if i < len(ev.Args) {
			return ev.Args[i]
		}
		return nil
	}
	switch ev.Method {
	case MethodInvocationStarted:
		ictx, _ := arg(0).(*invocation.Context)
		l.InvocationStarted(ictx)
	case MethodTestModuleStarted:
		module, _ := arg(0).(*invocation.Module)
		l.TestModuleStarted(module)
	case MethodTestRunStarted:
		name, _ := arg(0).(string)
		count, _ := arg(1).(int)
		l.TestRunStarted(name, count)
	case MethodTestStarted:
		id, _ := arg(0).(TestIdentifier)
		start, _ := arg(1).(time.Time)
		l.TestStarted(id, start)
	case MethodTestFailed:
		id, _ := arg(0).(TestIdentifier)
		trace, _ := arg(1).(string)
		l.TestFailed(id, trace)
	case MethodTestAssumptionFailure:
		id, _ := arg(0).(TestIdentifier)
		trace, _ := arg(1).(string)
		l.TestAssumptionFailure(id, trace)
	case MethodTestIgnored:
		id, _ := arg(0).(TestIdentifier)
		l.TestIgnored(id)
	case MethodTestEnded:
		id, _ := arg(0).(TestIdentifier)
		end, _ := arg(1).(time.Time)
		metrics, _ := arg(2).(Metrics)
		l.TestEnded(id, end, metrics.Clone())
	case MethodTestRunFailed:
		msg, _ := arg(0).(string)
		l.TestRunFailed(msg)
	case MethodTestRunStopped:
		elapsed, _ := arg(0).(time.Duration)
		l.TestRunStopped(elapsed)
	case MethodTestRunEnded:
		elapsed, _ := arg(0).(time.Duration)
		metrics, _ := arg(1).(Metrics)
		l.TestRunEnded(elapsed, metrics.Clone())
	case MethodTestModuleEnded:
		l.TestModuleEnded()
	case MethodTestLog:
		name, _ := arg(0).(string)
		dataType, _ := arg(1).(LogDataType)
		source, _ := arg(2).(LogSource)
		l.TestLog(name, dataType, source)
	case MethodInvocationFailed:
		cause, _ := arg(0).(error)
		l.InvocationFailed(cause)
	case MethodInvocationEnded:
		elapsed, _ := arg(0).(time.Duration)
		l.InvocationEnded(elapsed)
	default:
		return errors.Errorf("unknown listener method %q", ev.Method)
	}
	return nil
}

// IsInvocationEvent reports whether ev belongs to the invocation envelope
// rather than to a module, run or test.
func IsInvocationEvent(ev Event) bool {
	switch ev.Method {
	case MethodInvocationStarted, MethodInvocationFailed, MethodInvocationEnded:
		return true
	}
	return false
}

func (b *Buffer) InvocationStarted(ictx *invocation.Context) {
	b.record(MethodInvocationStarted, ictx)
}

func (b *Buffer) TestModuleStarted(module *invocation.Module) {
	b.record(MethodTestModuleStarted, module)
}

func (b *Buffer) TestRunStarted(name string, testCount int) {
	b.record(MethodTestRunStarted, name, testCount)
}

func (b *Buffer) TestStarted(id TestIdentifier, start time.Time) {
	b.record(MethodTestStarted, id, start)
}

func (b *Buffer) TestFailed(id TestIdentifier, trace string) {
	b.record(MethodTestFailed, id, trace)
}

func (b *Buffer) TestAssumptionFailure(id TestIdentifier, trace string) {
	b.record(MethodTestAssumptionFailure, id, trace)
}

func (b *Buffer) TestIgnored(id TestIdentifier) {
	b.record(MethodTestIgnored, id)
}

func (b *Buffer) TestEnded(id TestIdentifier, end time.Time, metrics Metrics) {
	b.record(MethodTestEnded, id, end, metrics.Clone())
}

func (b *Buffer) TestRunFailed(message string) {
	b.record(MethodTestRunFailed, message)
}

func (b *Buffer) TestRunStopped(elapsed time.Duration) {
	b.record(MethodTestRunStopped, elapsed)
}

func (b *Buffer) TestRunEnded(elapsed time.Duration, metrics Metrics) {
	b.record(MethodTestRunEnded, elapsed, metrics.Clone())
}

func (b *Buffer) TestModuleEnded() {
	b.record(MethodTestModuleEnded)
}

func (b *Buffer) TestLog(name string, dataType LogDataType, source LogSource) {
	b.record(MethodTestLog, name, dataType, source)
}

func (b *Buffer) InvocationFailed(cause error) {
	b.record(MethodInvocationFailed, cause)
}

func (b *Buffer) InvocationEnded(elapsed time.Duration) {
	b.record(MethodInvocationEnded, elapsed)
}

package testagent

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/httprunner/TestAgent/pkg/device"
	"github.com/httprunner/TestAgent/pkg/invoker"
)

// ErrSchedulerShutdown is returned for commands submitted after shutdown.
var ErrSchedulerShutdown = errors.New("scheduler is shutting down")

// ConfigFactory turns a command argument vector into a configuration.
type ConfigFactory interface {
	CreateConfiguration(args []string) (*invoker.Configuration, error)
}

// ConfigFactoryFunc adapts a function to ConfigFactory.
type ConfigFactoryFunc func(args []string) (*invoker.Configuration, error)

func (f ConfigFactoryFunc) CreateConfiguration(args []string) (*invoker.Configuration, error) {
	return f(args)
}

// Metrics receives scheduler observations.
type Metrics interface {
	ObserveQueueDepth(depth int)
	ObserveAllocation(result string, wait time.Duration)
	ObserveInvocation(result string, elapsed time.Duration)
	SetInFlight(n int)
	ObserveDeviceStates(counts map[device.AllocationState]int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveQueueDepth(int)                              {}
func (noopMetrics) ObserveAllocation(string, time.Duration)            {}
func (noopMetrics) ObserveInvocation(string, time.Duration)            {}
func (noopMetrics) SetInFlight(int)                                    {}
func (noopMetrics) ObserveDeviceStates(map[device.AllocationState]int) {}

// Command is an immutable queued unit of work.
type Command struct {
	ID          string
	Args        []string
	Config      *invoker.Configuration
	Rescheduled bool
	ShardIndex  int
	ShardCount  int
	CreatedAt   time.Time
}

// AllocationTimeoutError surfaces a command that never got its devices.
type AllocationTimeoutError struct {
	CommandID string
	Config    string
	Attempts  int
	Criteria  []device.Criteria
}

func (e *AllocationTimeoutError) Error() string {
	return fmt.Sprintf("command %s (%s): no matching device after %d allocation attempts", e.CommandID, e.Config, e.Attempts)
}

// Is lets errors.Is(err, device.ErrAllocationTimeout) match.
func (e *AllocationTimeoutError) Is(target error) bool {
	return target == device.ErrAllocationTimeout
}

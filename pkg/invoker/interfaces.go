// Package invoker drives one invocation through its phases:
// fetch build, shard, setup, execute, teardown and cleanup.
package invoker

import (
	"context"

	"github.com/httprunner/TestAgent/pkg/build"
	"github.com/httprunner/TestAgent/pkg/device"
	"github.com/httprunner/TestAgent/pkg/invocation"
	"github.com/httprunner/TestAgent/pkg/result"
)

// BuildProvider obtains the build a device should be tested against.
type BuildProvider interface {
	FetchBuild(ctx context.Context, dev *device.Device) (*build.Info, error)
	CleanUp(info *build.Info)
}

// DeviceBuildProvider is an optional BuildProvider capability: builds are
// looked up by the device slot name being fetched.
type DeviceBuildProvider interface {
	FetchDeviceBuild(ctx context.Context, name string, dev *device.Device) (*build.Info, error)
}

// Preparer sets up and tears down a single device.
type Preparer interface {
	SetUp(ctx context.Context, dev *device.Device, info *build.Info) error
	// TearDown receives the failure that ended the invocation, nil on a clean run.
	TearDown(ctx context.Context, dev *device.Device, info *build.Info, cause error) error
}

// MultiPreparer sets up state spanning every device of the invocation.
type MultiPreparer interface {
	SetUp(ctx context.Context, ictx *invocation.Context) error
	TearDown(ctx context.Context, ictx *invocation.Context, cause error) error
}

// Test runs against the invocation and reports through listener.
// Test failures are listener events; returning device.ErrDeviceNotAvailable
// aborts the remaining tests.
type Test interface {
	Name() string
	Run(ctx context.Context, ictx *invocation.Context, listener result.Listener) error
}

// ShardableTest can be divided into independent parts.
type ShardableTest interface {
	Test
	// Split returns at most shardCount parts, or nil when the test cannot be split.
	Split(shardCount int) []Test
}

// Rescheduler accepts configurations to be queued for independent execution.
type Rescheduler interface {
	ScheduleConfig(cfg *Configuration) error
}

// RescheduleFunc adapts a function to Rescheduler.
type RescheduleFunc func(cfg *Configuration) error

func (f RescheduleFunc) ScheduleConfig(cfg *Configuration) error { return f(cfg) }

package invoker

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/httprunner/TestAgent/pkg/device"
)

// ErrInvocationStopped wraps the context error when a stop was requested mid-invocation.
var ErrInvocationStopped = errors.New("invocation stopped")

// BuildRetrievalError means no device setup ran because a build could not be fetched.
type BuildRetrievalError struct {
	Serial string
	Err    error
}

func (e *BuildRetrievalError) Error() string {
	return fmt.Sprintf("build retrieval failed for %s: %v", e.Serial, e.Err)
}

func (e *BuildRetrievalError) Unwrap() error { return e.Err }

// TargetSetupError is a preparer failure on a device.
type TargetSetupError struct {
	Serial   string
	Preparer string
	Err      error
}

func (e *TargetSetupError) Error() string {
	if e.Serial == "" {
		return fmt.Sprintf("target setup %s failed: %v", e.Preparer, e.Err)
	}
	return fmt.Sprintf("target setup %s failed on %s: %v", e.Preparer, e.Serial, e.Err)
}

func (e *TargetSetupError) Unwrap() error { return e.Err }

// BuildError means the build under test is broken, e.g. it failed to install.
type BuildError struct {
	Serial string
	Err    error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build error on %s: %v", e.Serial, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// TearDownError is returned when teardown failed after an otherwise clean run.
type TearDownError struct {
	Errs []error
}

func (e *TearDownError) Error() string {
	if len(e.Errs) == 1 {
		return fmt.Sprintf("teardown failed: %v", e.Errs[0])
	}
	return fmt.Sprintf("teardown failed with %d errors, first: %v", len(e.Errs), e.Errs[0])
}

func (e *TearDownError) Unwrap() error {
	if len(e.Errs) == 0 {
		return nil
	}
	return e.Errs[0]
}

// IsSetupFailure reports whether err is a TargetSetupError or BuildError.
func IsSetupFailure(err error) bool {
	var setupErr *TargetSetupError
	var buildErr *BuildError
	return errors.As(err, &setupErr) || errors.As(err, &buildErr)
}

// IsBuildRetrievalFailure reports whether err is a BuildRetrievalError.
func IsBuildRetrievalFailure(err error) bool {
	var retrieval *BuildRetrievalError
	return errors.As(err, &retrieval)
}

// IsInfrastructureFailure reports whether err is a device loss.
func IsInfrastructureFailure(err error) bool {
	return device.IsNotAvailable(err)
}

// Classify names the failure category of an invocation error for logs and metrics.
func Classify(err error) string {
	switch {
	case err == nil:
		return "success"
	case IsInfrastructureFailure(err):
		return "device_not_available"
	case IsBuildRetrievalFailure(err):
		return "build_retrieval"
	case IsSetupFailure(err):
		return "setup"
	case errors.Is(err, ErrInvocationStopped):
		return "stopped"
	default:
		return "error"
	}
}

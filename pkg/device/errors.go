package device

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrDeviceNotAvailable is the infrastructure failure raised when a held device disappears.
	ErrDeviceNotAvailable = errors.New("device not available")
	// ErrAllocationTimeout is returned when no matching device could be claimed in time.
	ErrAllocationTimeout = errors.New("device allocation timed out")
	// ErrPoolClosed is returned by allocations against a closed pool.
	ErrPoolClosed = errors.New("device pool closed")
)

// NotAvailableError carries the serial of the lost device.
type NotAvailableError struct {
	Serial string
	Reason string
}

func (e *NotAvailableError) Error() string {
	if e.Serial == "" {
		return fmt.Sprintf("device not available: %s", e.Reason)
	}
	return fmt.Sprintf("device %s not available: %s", e.Serial, e.Reason)
}

// Is lets errors.Is(err, ErrDeviceNotAvailable) match.
func (e *NotAvailableError) Is(target error) bool {
	return target == ErrDeviceNotAvailable
}

// IsNotAvailable reports whether err is (or wraps) a device loss.
func IsNotAvailable(err error) bool {
	return err != nil && errors.Is(err, ErrDeviceNotAvailable)
}

// LostSerial extracts the lost device serial from err, if any.
func LostSerial(err error) string {
	var nae *NotAvailableError
	if errors.As(err, &nae) {
		return nae.Serial
	}
	return ""
}

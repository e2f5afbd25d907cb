package device

import (
	"strings"
	"time"
)

// AllocationState is the allocation state of a device in the pool.
type AllocationState string

const (
	StateAvailable   AllocationState = "available"
	StateAllocated   AllocationState = "allocated"
	StateUnavailable AllocationState = "unavailable"
	StateIgnored     AllocationState = "ignored"
)

// FreeState tells the pool how a holder left the device.
type FreeState int

const (
	// FreeAvailable returns the device to the pool.
	FreeAvailable FreeState = iota
	// FreeUnavailable marks the device dead (lost during the invocation).
	FreeUnavailable
	// FreeIgnore takes the device out of rotation without removing it.
	FreeIgnore
)

func (s FreeState) String() string {
	switch s {
	case FreeAvailable:
		return "available"
	case FreeUnavailable:
		return "unavailable"
	case FreeIgnore:
		return "ignore"
	default:
		return "unknown"
	}
}

// Properties holds static device information, fetched once on first discovery.
type Properties struct {
	Product     string
	Variant     string
	BuildID     string
	BuildFlavor string
	OSVersion   string
	Extra       map[string]string
}

// Device is a pool-owned handle. Its state only changes through pool transitions.
type Device struct {
	serial string
	props  Properties
	stub   bool

	pool *Pool
	// guarded by pool.mu
	state        AllocationState
	removeOnFree bool
	allocatedAt  time.Time
	lastSeen     time.Time
}

// Serial returns the device serial.
func (d *Device) Serial() string {
	if d == nil {
		return ""
	}
	return d.serial
}

// Properties returns a copy of the static properties.
func (d *Device) Properties() Properties {
	if d == nil {
		return Properties{}
	}
	props := d.props
	if len(d.props.Extra) > 0 {
		props.Extra = make(map[string]string, len(d.props.Extra))
		for k, v := range d.props.Extra {
			props.Extra[k] = v
		}
	}
	return props
}

// IsStub reports whether the device is a placeholder (null device) for host-only commands.
func (d *Device) IsStub() bool {
	return d != nil && d.stub
}

// State returns the current allocation state.
func (d *Device) State() AllocationState {
	if d == nil {
		return StateUnavailable
	}
	if d.pool == nil {
		return d.state
	}
	d.pool.mu.Lock()
	defer d.pool.mu.Unlock()
	return d.state
}

// CheckAvailable fails with a NotAvailableError once the pool has marked the
// device unavailable while it was held.
func (d *Device) CheckAvailable() error {
	if d == nil {
		return &NotAvailableError{Reason: "nil device"}
	}
	if d.State() == StateUnavailable {
		return &NotAvailableError{Serial: d.serial, Reason: "device disconnected"}
	}
	return nil
}

// Criteria selects devices for an allocation request. Zero value matches any real device.
type Criteria struct {
	Serials        []string
	ExcludeSerials []string
	Product        string
	Variant        string
	// NullDevice requests a placeholder device instead of a real one.
	NullDevice bool
	// Properties must all match Properties.Extra.
	Properties map[string]string
}

// Matches reports whether the device satisfies c.
func (c Criteria) Matches(d *Device) bool {
	if d == nil {
		return false
	}
	if c.NullDevice != d.stub {
		return false
	}
	if len(c.Serials) > 0 && !containsFold(c.Serials, d.serial) {
		return false
	}
	if containsFold(c.ExcludeSerials, d.serial) {
		return false
	}
	if p := strings.TrimSpace(c.Product); p != "" && !strings.EqualFold(p, d.props.Product) {
		return false
	}
	if v := strings.TrimSpace(c.Variant); v != "" && !strings.EqualFold(v, d.props.Variant) {
		return false
	}
	for key, want := range c.Properties {
		if d.props.Extra[key] != want {
			return false
		}
	}
	return true
}

func containsFold(values []string, target string) bool {
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), target) {
			return true
		}
	}
	return false
}

// Package invocation models the state carried by one invocation attempt.
package invocation

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/httprunner/TestAgent/pkg/build"
	"github.com/httprunner/TestAgent/pkg/device"
)

// Context aggregates allocated devices, their builds and invocation attributes.
// It is owned by a single invocation and is not safe for concurrent mutation.
type Context struct {
	id         string
	devices    []namedDevice
	builds     map[string]*build.Info
	attributes *Attributes
	modules    []*Module

	ShardIndex int
	ShardCount int
	// TestTag labels the invocation in reports.
	TestTag string
}

type namedDevice struct {
	name   string
	device *device.Device
}

// Module is a sub-context for one suite module.
type Module struct {
	Name       string
	Attributes *Attributes
}

// New creates a context with a random invocation id and no shard.
func New() *Context {
	return &Context{
		id:         uuid.NewString(),
		builds:     make(map[string]*build.Info),
		attributes: NewAttributes(),
		ShardIndex: -1,
	}
}

// ID returns the invocation id.
func (c *Context) ID() string { return c.id }

// SetID overrides the invocation id, e.g. for shards inheriting their parent's id.
func (c *Context) SetID(id string) {
	if id != "" {
		c.id = id
	}
}

// AddDevice attaches dev under name. Names must be unique.
func (c *Context) AddDevice(name string, dev *device.Device) error {
	if dev == nil {
		return errors.New("nil device")
	}
	for _, nd := range c.devices {
		if nd.name == name {
			return errors.Errorf("device name %q already used", name)
		}
	}
	c.devices = append(c.devices, namedDevice{name: name, device: dev})
	return nil
}

// Devices returns the devices in attachment order.
func (c *Context) Devices() []*device.Device {
	out := make([]*device.Device, 0, len(c.devices))
	for _, nd := range c.devices {
		out = append(out, nd.device)
	}
	return out
}

// DeviceNames returns the device names in attachment order.
func (c *Context) DeviceNames() []string {
	out := make([]string, 0, len(c.devices))
	for _, nd := range c.devices {
		out = append(out, nd.name)
	}
	return out
}

// Device returns the device attached under name.
func (c *Context) Device(name string) *device.Device {
	for _, nd := range c.devices {
		if nd.name == name {
			return nd.device
		}
	}
	return nil
}

// Serials returns the device serials in attachment order.
func (c *Context) Serials() []string {
	out := make([]string, 0, len(c.devices))
	for _, nd := range c.devices {
		out = append(out, nd.device.Serial())
	}
	return out
}

// AddBuild associates info with the named device. A device holds at most one
// build; the caller keeps ownership of info when an error is returned.
func (c *Context) AddBuild(name string, info *build.Info) error {
	if c.Device(name) == nil {
		return errors.Errorf("unknown device name %q", name)
	}
	if _, ok := c.builds[name]; ok {
		return errors.Errorf("device %q already has a build", name)
	}
	c.builds[name] = info
	return nil
}

// Build returns the build attached to the named device.
func (c *Context) Build(name string) *build.Info {
	return c.builds[name]
}

// BuildFor returns the build attached to dev.
func (c *Context) BuildFor(dev *device.Device) *build.Info {
	for _, nd := range c.devices {
		if nd.device == dev {
			return c.builds[nd.name]
		}
	}
	return nil
}

// Builds returns attached builds in device order.
func (c *Context) Builds() []*build.Info {
	out := make([]*build.Info, 0, len(c.builds))
	for _, nd := range c.devices {
		if b, ok := c.builds[nd.name]; ok {
			out = append(out, b)
		}
	}
	return out
}

// BuildsComplete reports whether every device has exactly one build.
func (c *Context) BuildsComplete() bool {
	if len(c.devices) == 0 {
		return false
	}
	for _, nd := range c.devices {
		if c.builds[nd.name] == nil {
			return false
		}
	}
	return true
}

// DropBuilds detaches every build and returns them in device order.
func (c *Context) DropBuilds() []*build.Info {
	out := c.Builds()
	c.builds = make(map[string]*build.Info)
	return out
}

// Attributes returns the invocation-level attributes.
func (c *Context) Attributes() *Attributes { return c.attributes }

// AddModule appends a module sub-context.
func (c *Context) AddModule(name string) *Module {
	m := &Module{Name: name, Attributes: NewAttributes()}
	c.modules = append(c.modules, m)
	return m
}

// Modules returns module sub-contexts in insertion order.
func (c *Context) Modules() []*Module {
	return append([]*Module(nil), c.modules...)
}

// IsSharded reports whether the context belongs to one shard of a split invocation.
func (c *Context) IsSharded() bool {
	return c.ShardCount > 1 && c.ShardIndex >= 0
}

// Attributes is an ordered multi-valued string map.
type Attributes struct {
	keys   []string
	values map[string][]string
}

// NewAttributes returns an empty attribute map.
func NewAttributes() *Attributes {
	return &Attributes{values: make(map[string][]string)}
}

// Add appends value to key, keeping first-insertion key order.
func (a *Attributes) Add(key, value string) {
	if _, ok := a.values[key]; !ok {
		a.keys = append(a.keys, key)
	}
	a.values[key] = append(a.values[key], value)
}

// Get returns the values of key in insertion order.
func (a *Attributes) Get(key string) []string {
	return append([]string(nil), a.values[key]...)
}

// First returns the first value of key.
func (a *Attributes) First(key string) string {
	if vals := a.values[key]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// Keys returns keys in insertion order.
func (a *Attributes) Keys() []string {
	return append([]string(nil), a.keys...)
}

// Len returns the number of distinct keys.
func (a *Attributes) Len() int { return len(a.keys) }

// Merge appends every value of other, preserving other's order.
func (a *Attributes) Merge(other *Attributes) {
	if other == nil {
		return
	}
	for _, key := range other.keys {
		for _, v := range other.values[key] {
			a.Add(key, v)
		}
	}
}

// Flatten copies the attributes into a plain map for reporters.
func (a *Attributes) Flatten() map[string][]string {
	out := make(map[string][]string, len(a.keys))
	for _, k := range a.keys {
		out[k] = append([]string(nil), a.values[k]...)
	}
	return out
}

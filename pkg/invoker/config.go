package invoker

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/httprunner/TestAgent/pkg/device"
	"github.com/httprunner/TestAgent/pkg/result"
)

// ShardPolicy selects how shard results reach the parent listeners.
type ShardPolicy string

const (
	// ShardReplay buffers each shard and replays them in shard-index order once all ended.
	ShardReplay ShardPolicy = "replay"
	// ShardLive forwards shard events as they happen, serialized.
	ShardLive ShardPolicy = "live"
)

// ParseShardPolicy maps a flag value to a policy; empty means replay.
func ParseShardPolicy(s string) (ShardPolicy, error) {
	switch ShardPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", ShardReplay:
		return ShardReplay, nil
	case ShardLive:
		return ShardLive, nil
	default:
		return "", errors.Errorf("unknown shard policy %q", s)
	}
}

// ShardOptions describes how a configuration is partitioned.
type ShardOptions struct {
	// Count > 1 requests sharding.
	Count int
	// Index >= 0 runs only that shard locally; -1 splits into Count rescheduled shards.
	Index  int
	Policy ShardPolicy
}

// DeviceRequirement names one device slot of the invocation.
type DeviceRequirement struct {
	Name     string
	Criteria device.Criteria
}

// Configuration is the validated, explicit description of one command.
type Configuration struct {
	Name string
	// Args is the original argument vector.
	Args []string

	Devices        []DeviceRequirement
	BuildProvider  BuildProvider
	Preparers      []Preparer
	MultiPreparers []MultiPreparer
	Tests          []Test
	Listeners      []result.Listener
	Sharding       ShardOptions

	// ParentID is set on shard configurations to the id of the invocation that split them.
	ParentID string
}

// Validate checks the configuration and fills defaults.
func (c *Configuration) Validate() error {
	if c == nil {
		return errors.New("nil configuration")
	}
	if c.BuildProvider == nil {
		return errors.New("configuration has no build provider")
	}
	if len(c.Devices) == 0 {
		c.Devices = []DeviceRequirement{{Name: "device0"}}
	}
	seen := make(map[string]struct{}, len(c.Devices))
	for i := range c.Devices {
		if c.Devices[i].Name == "" {
			c.Devices[i].Name = fmt.Sprintf("device%d", i)
		}
		if _, ok := seen[c.Devices[i].Name]; ok {
			return errors.Errorf("duplicate device name %q", c.Devices[i].Name)
		}
		seen[c.Devices[i].Name] = struct{}{}
	}
	if c.Sharding.Count < 0 {
		return errors.Errorf("invalid shard count %d", c.Sharding.Count)
	}
	if c.Sharding.Count <= 1 {
		c.Sharding.Count = 0
		c.Sharding.Index = -1
	} else if c.Sharding.Index >= c.Sharding.Count {
		return errors.Errorf("shard index %d out of range for %d shards", c.Sharding.Index, c.Sharding.Count)
	}
	if c.Sharding.Index < -1 {
		c.Sharding.Index = -1
	}
	if c.Sharding.Policy == "" {
		c.Sharding.Policy = ShardReplay
	}
	return nil
}

// Criteria returns the allocation criteria in device order.
func (c *Configuration) Criteria() []device.Criteria {
	out := make([]device.Criteria, 0, len(c.Devices))
	for _, req := range c.Devices {
		out = append(out, req.Criteria)
	}
	return out
}

// NeedsSplit reports whether the configuration should be divided into rescheduled shards.
func (c *Configuration) NeedsSplit() bool {
	return c.Sharding.Count > 1 && c.Sharding.Index < 0
}

// IsShard reports whether the configuration runs a single shard.
func (c *Configuration) IsShard() bool {
	return c.Sharding.Count > 1 && c.Sharding.Index >= 0
}

// ShardCopy returns the configuration of shard index, reporting to listeners
// and fetching from provider. Tests are shared and filtered when the shard runs.
func (c *Configuration) ShardCopy(index int, provider BuildProvider, listeners []result.Listener, parentID string) *Configuration {
	shard := *c
	shard.Name = fmt.Sprintf("%s[shard %d/%d]", c.Name, index, c.Sharding.Count)
	shard.Args = append([]string(nil), c.Args...)
	shard.Devices = append([]DeviceRequirement(nil), c.Devices...)
	shard.Preparers = append([]Preparer(nil), c.Preparers...)
	shard.MultiPreparers = append([]MultiPreparer(nil), c.MultiPreparers...)
	shard.Tests = append([]Test(nil), c.Tests...)
	shard.Listeners = append([]result.Listener(nil), listeners...)
	shard.BuildProvider = provider
	shard.Sharding.Index = index
	shard.ParentID = parentID
	return &shard
}

// Discard releases resources held by a configuration that will never run.
func (c *Configuration) Discard() {
	if c == nil {
		return
	}
	if d, ok := c.BuildProvider.(interface{ Discard() }); ok {
		d.Discard()
	}
}

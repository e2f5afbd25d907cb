package hostcmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/httprunner/TestAgent/pkg/build"
	"github.com/httprunner/TestAgent/pkg/device"
	"github.com/httprunner/TestAgent/pkg/invoker"
	"github.com/httprunner/TestAgent/pkg/result"
)

// Factory creates configurations from argument vectors such as
//
//	--name smoke --serial ABC --artifact apk=/tmp/app.apk \
//	  --setup "install -r ${artifact:apk}" --test "launch=am start -W com.example/.Main"
type Factory struct {
	Runner *Runner
	// Listeners returns the listeners attached to each new configuration.
	Listeners func(name string) []result.Listener
}

type commandFlags struct {
	name        string
	deviceCount int
	shardCount  int
	shardIndex  int
	shardPolicy string
	buildID     string
	buildFlavor string
	branch      string
	artifacts   []string
	stageDir    string
	serials     []string
	product     string
	nullDevice  bool
	setups      []string
	teardowns   []string
	tests       []string
}

func newFlagSet(f *commandFlags) *pflag.FlagSet {
	fs := pflag.NewFlagSet("command", pflag.ContinueOnError)
	fs.StringVar(&f.name, "name", "command", "Configuration name, also the test run name")
	fs.IntVar(&f.deviceCount, "device-count", 1, "Number of devices the invocation needs")
	fs.IntVar(&f.shardCount, "shard-count", 0, "Split the tests into this many shards")
	fs.IntVar(&f.shardIndex, "shard-index", -1, "Run only this shard locally")
	fs.StringVar(&f.shardPolicy, "shard-policy", "replay", "How shard results reach listeners: replay or live")
	fs.StringVar(&f.buildID, "build-id", "", "Build identifier")
	fs.StringVar(&f.buildFlavor, "build-flavor", "", "Build flavor")
	fs.StringVar(&f.branch, "branch", "", "Build branch")
	fs.StringArrayVar(&f.artifacts, "artifact", nil, "Build artifact as name=path, repeatable")
	fs.StringVar(&f.stageDir, "stage-dir", "", "Copy artifacts into a per-device directory below this path")
	fs.StringSliceVar(&f.serials, "serial", nil, "Only allocate these serials")
	fs.StringVar(&f.product, "product", "", "Only allocate devices of this product")
	fs.BoolVar(&f.nullDevice, "null-device", false, "Run on a placeholder device on the host")
	fs.StringArrayVar(&f.setups, "setup", nil, "Setup command, repeatable")
	fs.StringArrayVar(&f.teardowns, "teardown", nil, "Teardown command, repeatable")
	fs.StringArrayVar(&f.tests, "test", nil, "Test case as name=command, repeatable")
	return fs
}

// CreateConfiguration parses args into a validated configuration.
func (f *Factory) CreateConfiguration(args []string) (*invoker.Configuration, error) {
	var flags commandFlags
	fs := newFlagSet(&flags)
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return nil, errors.Wrap(err, "parse command args")
	}
	if fs.NArg() > 0 {
		return nil, errors.Errorf("unexpected positional arguments %q", fs.Args())
	}
	if len(flags.tests) == 0 {
		return nil, errors.New("command has no --test")
	}
	if flags.deviceCount < 1 {
		return nil, errors.Errorf("invalid device count %d", flags.deviceCount)
	}

	artifacts, err := parsePairs("artifact", flags.artifacts)
	if err != nil {
		return nil, err
	}
	provider, err := build.NewLocalProvider(build.LocalConfig{
		BuildID:   flags.buildID,
		Flavor:    flags.buildFlavor,
		Branch:    flags.branch,
		Artifacts: pairMap(artifacts),
		StageDir:  flags.stageDir,
	})
	if err != nil {
		return nil, err
	}
	policy, err := invoker.ParseShardPolicy(flags.shardPolicy)
	if err != nil {
		return nil, err
	}
	cases, err := parsePairs("test", flags.tests)
	if err != nil {
		return nil, err
	}

	runner := f.Runner
	if runner == nil {
		runner = &Runner{}
	}
	suite := &ShellSuite{SuiteName: flags.name, Runner: runner}
	for _, p := range cases {
		suite.Cases = append(suite.Cases, Case{Name: p.name, Command: p.value})
	}

	criteria := device.Criteria{
		Serials:    flags.serials,
		Product:    flags.product,
		NullDevice: flags.nullDevice,
	}
	cfg := &invoker.Configuration{
		Name:          flags.name,
		Args:          append([]string(nil), args...),
		BuildProvider: provider,
		Tests:         []invoker.Test{suite},
		Sharding: invoker.ShardOptions{
			Count:  flags.shardCount,
			Index:  flags.shardIndex,
			Policy: policy,
		},
	}
	for i := 0; i < flags.deviceCount; i++ {
		cfg.Devices = append(cfg.Devices, invoker.DeviceRequirement{
			Name:     fmt.Sprintf("device%d", i),
			Criteria: criteria,
		})
	}
	if len(flags.setups) > 0 || len(flags.teardowns) > 0 {
		cfg.Preparers = append(cfg.Preparers, &ShellPreparer{
			Runner:    runner,
			SetUps:    flags.setups,
			TearDowns: flags.teardowns,
		})
	}
	if f.Listeners != nil {
		cfg.Listeners = f.Listeners(flags.name)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type pair struct {
	name  string
	value string
}

func parsePairs(flag string, values []string) ([]pair, error) {
	out := make([]pair, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, raw := range values {
		name, value, ok := strings.Cut(raw, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" || strings.TrimSpace(value) == "" {
			return nil, errors.Errorf("--%s %q: expected name=value", flag, raw)
		}
		if _, dup := seen[name]; dup {
			return nil, errors.Errorf("--%s: duplicate name %q", flag, name)
		}
		seen[name] = struct{}{}
		out = append(out, pair{name: name, value: value})
	}
	return out, nil
}

func pairMap(pairs []pair) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		m[p.name] = p.value
	}
	return m
}

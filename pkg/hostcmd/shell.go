package hostcmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/TestAgent/pkg/build"
	"github.com/httprunner/TestAgent/pkg/device"
	"github.com/httprunner/TestAgent/pkg/invocation"
	"github.com/httprunner/TestAgent/pkg/invoker"
	"github.com/httprunner/TestAgent/pkg/result"
)

// ShellPreparer runs setup commands before the tests and teardown commands
// after them, on every allocated device.
type ShellPreparer struct {
	Runner    *Runner
	SetUps    []string
	TearDowns []string
}

var _ invoker.Preparer = (*ShellPreparer)(nil)

func (p *ShellPreparer) SetUp(ctx context.Context, dev *device.Device, info *build.Info) error {
	for _, cmdline := range p.SetUps {
		out, err := p.Runner.Run(ctx, dev, info, cmdline)
		if err != nil {
			log.Error().Err(err).Str("serial", dev.Serial()).Str("command", cmdline).
				Str("output", tail(out, 512)).Msg("setup command failed")
			return err
		}
		log.Debug().Str("serial", dev.Serial()).Str("command", cmdline).Msg("setup command done")
	}
	return nil
}

// TearDown runs every teardown command even when an earlier one fails and
// returns the first failure.
func (p *ShellPreparer) TearDown(ctx context.Context, dev *device.Device, info *build.Info, cause error) error {
	if cause != nil && device.IsNotAvailable(cause) {
		log.Warn().Str("serial", dev.Serial()).Msg("device lost, skipping teardown commands")
		return nil
	}
	var first error
	for _, cmdline := range p.TearDowns {
		if _, err := p.Runner.Run(ctx, dev, info, cmdline); err != nil {
			log.Warn().Err(err).Str("serial", dev.Serial()).Str("command", cmdline).Msg("teardown command failed")
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Case is one named shell command reported as a test.
type Case struct {
	Name    string
	Command string
}

// ShellSuite runs cases as one test run on the first device of the invocation.
// A case passes when its command exits zero.
type ShellSuite struct {
	SuiteName string
	Runner    *Runner
	Cases     []Case
}

var _ invoker.ShardableTest = (*ShellSuite)(nil)

func (s *ShellSuite) Name() string { return s.SuiteName }

// Split spreads cases across shardCount parts by name hash. Part i holds
// the cases of shard i and may be empty.
func (s *ShellSuite) Split(shardCount int) []invoker.Test {
	if shardCount <= 1 || len(s.Cases) <= 1 {
		return nil
	}
	parts := make([]invoker.Test, shardCount)
	buckets := make([][]Case, shardCount)
	for _, c := range s.Cases {
		idx := invoker.ShardOf(c.Name, shardCount)
		buckets[idx] = append(buckets[idx], c)
	}
	for i := range parts {
		parts[i] = &ShellSuite{SuiteName: s.SuiteName, Runner: s.Runner, Cases: buckets[i]}
	}
	return parts
}

func (s *ShellSuite) Run(ctx context.Context, ictx *invocation.Context, listener result.Listener) error {
	devs := ictx.Devices()
	if len(devs) == 0 {
		return errors.New("shell suite: invocation has no device")
	}
	dev := devs[0]
	info := ictx.BuildFor(dev)

	runStart := time.Now()
	listener.TestRunStarted(s.SuiteName, len(s.Cases))
	for _, c := range s.Cases {
		if err := ctx.Err(); err != nil {
			listener.TestRunStopped(time.Since(runStart))
			listener.TestRunEnded(time.Since(runStart), result.Metrics{})
			return errors.Wrap(invoker.ErrInvocationStopped, err.Error())
		}
		id := result.NewTestID(s.SuiteName, c.Name)
		start := time.Now()
		listener.TestStarted(id, start)
		out, err := s.Runner.Run(ctx, dev, info, c.Command)
		if err != nil {
			listener.TestFailed(id, fmt.Sprintf("%v\n%s", err, tail(out, 4096)))
		}
		if out != "" {
			listener.TestLog(c.Name+"-output", result.LogText, result.BytesSource(out))
		}
		end := time.Now()
		listener.TestEnded(id, end, result.NewMetrics("duration_ms", fmt.Sprint(end.Sub(start).Milliseconds())))

		if err != nil && device.IsNotAvailable(err) {
			listener.TestRunFailed(fmt.Sprintf("device %s not available", dev.Serial()))
			listener.TestRunEnded(time.Since(runStart), result.Metrics{})
			return err
		}
	}
	listener.TestRunEnded(time.Since(runStart), result.Metrics{})
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

package invoker

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/TestAgent/pkg/invocation"
	"github.com/httprunner/TestAgent/pkg/result"
)

// ShardCoordinator merges the event streams of a split invocation into the
// parent listeners. The parent sees one InvocationStarted, the shards'
// module and run events, and one InvocationEnded after the last shard ends.
type ShardCoordinator struct {
	ictx   *invocation.Context
	count  int
	policy ShardPolicy
	parent *result.Forwarder

	mu        sync.Mutex
	start     time.Time
	started   bool
	buffers   []*result.Buffer
	ended     []bool
	remaining int
	failures  []error
	done      chan struct{}
}

// NewShardCoordinator creates a coordinator for count shards reporting to listeners.
func NewShardCoordinator(ictx *invocation.Context, count int, policy ShardPolicy, listeners []result.Listener) *ShardCoordinator {
	if policy == "" {
		policy = ShardReplay
	}
	c := &ShardCoordinator{
		ictx:      ictx,
		count:     count,
		policy:    policy,
		parent:    result.NewForwarder(listeners...),
		buffers:   make([]*result.Buffer, count),
		ended:     make([]bool, count),
		remaining: count,
		done:      make(chan struct{}),
	}
	for i := range c.buffers {
		c.buffers[i] = result.NewBuffer()
	}
	return c
}

// Start emits InvocationStarted to the parent listeners once.
func (c *ShardCoordinator) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.start = time.Now()
	c.mu.Unlock()
	c.parent.InvocationStarted(c.ictx)
}

// ShardListener returns the listener shard index must report to.
func (c *ShardCoordinator) ShardListener(index int) result.Listener {
	var sink result.Listener = c.parent
	if c.policy == ShardReplay {
		sink = c.buffers[index]
	}
	return &shardListener{Listener: sink, coordinator: c, index: index}
}

// ShardDropped completes a shard that will never run.
func (c *ShardCoordinator) ShardDropped(index int, cause error) {
	c.shardFailed(index, cause)
	c.shardEnded(index)
}

// Done is closed once every shard ended and the parent stream was completed.
func (c *ShardCoordinator) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until all shards ended or ctx is done.
func (c *ShardCoordinator) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Failures returns the shard failures seen so far.
func (c *ShardCoordinator) Failures() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.failures...)
}

func (c *ShardCoordinator) shardFailed(index int, cause error) {
	if cause == nil {
		return
	}
	c.mu.Lock()
	c.failures = append(c.failures, errors.Wrapf(cause, "shard %d", index))
	c.mu.Unlock()
}

func (c *ShardCoordinator) shardEnded(index int) {
	c.mu.Lock()
	if index < 0 || index >= c.count || c.ended[index] {
		c.mu.Unlock()
		return
	}
	c.ended[index] = true
	c.remaining--
	last := c.remaining == 0
	c.mu.Unlock()

	log.Debug().Str("invocation", c.ictx.ID()).Int("shard_index", index).Bool("last", last).Msg("shard ended")
	if last {
		c.finish()
	}
}

func (c *ShardCoordinator) finish() {
	if c.policy == ShardReplay {
		for i, buf := range c.buffers {
			if err := buf.Replay(c.parent); err != nil {
				log.Error().Err(err).Int("shard_index", i).Msg("replay shard results failed")
			}
		}
	}
	c.mu.Lock()
	failures := append([]error(nil), c.failures...)
	elapsed := time.Since(c.start)
	c.mu.Unlock()

	if len(failures) > 0 {
		c.parent.InvocationFailed(failures[0])
	}
	c.parent.InvocationEnded(elapsed)
	log.Info().Str("invocation", c.ictx.ID()).Int("shards", c.count).Int("failed_shards", len(failures)).
		Dur("elapsed", elapsed).Msg("sharded invocation completed")
	close(c.done)
}

// shardListener keeps the invocation envelope of a shard away from the parent.
type shardListener struct {
	result.Listener
	coordinator *ShardCoordinator
	index       int
}

func (s *shardListener) InvocationStarted(*invocation.Context) {}

func (s *shardListener) InvocationFailed(cause error) {
	s.coordinator.shardFailed(s.index, cause)
}

func (s *shardListener) InvocationEnded(time.Duration) {
	s.coordinator.shardEnded(s.index)
}

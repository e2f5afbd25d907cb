package invoker

import (
	"context"
	"hash/fnv"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/TestAgent/pkg/build"
	"github.com/httprunner/TestAgent/pkg/invocation"
	"github.com/httprunner/TestAgent/pkg/result"
)

// NormalizeShardConfig sanitizes shard inputs to safe defaults.
func NormalizeShardConfig(index, count int) (int, int) {
	if count <= 0 {
		count = 1
	}
	if index < 0 || index >= count {
		index = 0
	}
	return index, count
}

// SplitTests partitions tests into shardCount lists. Shardable tests are split
// and their parts handed out by position; non-shardable tests land on shard 0
// so they run exactly once.
func SplitTests(tests []Test, shardCount int) [][]Test {
	_, shardCount = NormalizeShardConfig(0, shardCount)
	shards := make([][]Test, shardCount)
	for _, t := range tests {
		if t == nil {
			continue
		}
		st, ok := t.(ShardableTest)
		if !ok || shardCount == 1 {
			shards[0] = append(shards[0], t)
			continue
		}
		parts := st.Split(shardCount)
		if len(parts) == 0 {
			shards[0] = append(shards[0], t)
			continue
		}
		if len(parts) > shardCount {
			log.Warn().Str("test", t.Name()).Int("parts", len(parts)).Int("shards", shardCount).
				Msg("test split into more parts than shards, extra parts go to the last shard")
		}
		for i, part := range parts {
			idx := i
			if idx >= shardCount {
				idx = shardCount - 1
			}
			shards[idx] = append(shards[idx], part)
		}
	}
	return shards
}

// ShardOf returns the shard a named test case belongs to when cases are
// spread by name hash; used by shardable tests without natural ordering.
func ShardOf(name string, shardCount int) int {
	_, shardCount = NormalizeShardConfig(0, shardCount)
	if shardCount == 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return int(h.Sum32() % uint32(shardCount))
}

// ShardHelper decides whether an invocation runs locally or is split.
type ShardHelper struct{}

// ShardConfig applies cfg.Sharding to the invocation. With an explicit shard
// index it narrows cfg.Tests to that shard and returns false so the caller
// runs it. Without an index it reschedules one configuration per shard,
// wires their results into a ShardCoordinator and returns the coordinator;
// the caller must not run the tests itself.
func (h *ShardHelper) ShardConfig(ctx context.Context, ictx *invocation.Context, cfg *Configuration, rescheduler Rescheduler) (*ShardCoordinator, bool, error) {
	if cfg.Sharding.Count <= 1 {
		return nil, false, nil
	}
	if cfg.IsShard() {
		shards := SplitTests(cfg.Tests, cfg.Sharding.Count)
		cfg.Tests = shards[cfg.Sharding.Index]
		ictx.ShardCount = cfg.Sharding.Count
		ictx.ShardIndex = cfg.Sharding.Index
		log.Info().Str("invocation", ictx.ID()).Int("shard_index", ictx.ShardIndex).
			Int("shard_count", ictx.ShardCount).Int("tests", len(cfg.Tests)).Msg("running local shard")
		return nil, false, nil
	}
	if rescheduler == nil {
		log.Warn().Str("invocation", ictx.ID()).Int("shard_count", cfg.Sharding.Count).
			Msg("no rescheduler available, running all shards locally")
		return nil, false, nil
	}

	names := ictx.DeviceNames()
	if len(names) == 0 {
		return nil, false, errors.New("shard: invocation has no build to share")
	}
	for _, name := range names {
		if ictx.Build(name) == nil {
			return nil, false, errors.Errorf("shard: device %q has no build to share", name)
		}
	}
	coordinator := NewShardCoordinator(ictx, cfg.Sharding.Count, cfg.Sharding.Policy, cfg.Listeners)
	coordinator.Start()

	for i := 0; i < cfg.Sharding.Count; i++ {
		if err := ctx.Err(); err != nil {
			coordinator.ShardDropped(i, errors.Wrap(ErrInvocationStopped, err.Error()))
			continue
		}
		builds := make(map[string]*build.Info, len(names))
		for _, name := range names {
			builds[name] = ictx.Build(name).Clone()
		}
		provider := build.NewDeviceSetProvider(builds)
		shardCfg := cfg.ShardCopy(i, provider, []result.Listener{coordinator.ShardListener(i)}, ictx.ID())
		if err := rescheduler.ScheduleConfig(shardCfg); err != nil {
			log.Error().Err(err).Str("invocation", ictx.ID()).Int("shard_index", i).Msg("reschedule shard failed")
			shardCfg.Discard()
			coordinator.ShardDropped(i, errors.Wrapf(err, "reschedule shard %d", i))
		}
	}
	log.Info().Str("invocation", ictx.ID()).Int("shard_count", cfg.Sharding.Count).
		Str("policy", string(cfg.Sharding.Policy)).Msg("invocation split into shards")
	return coordinator, true, nil
}

package invoker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/httprunner/TestAgent/pkg/build"
	"github.com/httprunner/TestAgent/pkg/device"
	"github.com/httprunner/TestAgent/pkg/invocation"
	"github.com/httprunner/TestAgent/pkg/result"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type stubProvider struct {
	log     *eventLog
	fail    error
	mu      sync.Mutex
	cleaned int
}

func (p *stubProvider) FetchBuild(ctx context.Context, dev *device.Device) (*build.Info, error) {
	p.log.add("fetch:%s", dev.Serial())
	if p.fail != nil {
		return nil, p.fail
	}
	return build.NewInfo("100", "userdebug", "main"), nil
}

func (p *stubProvider) CleanUp(info *build.Info) {
	p.log.add("cleanup:%s", info.BuildID)
	p.mu.Lock()
	p.cleaned++
	p.mu.Unlock()
	_ = info.CleanUp()
}

type stubPreparer struct {
	name string
	log  *eventLog
	fail error
	// causes records the cause handed to each teardown
	causes []error
}

func (p *stubPreparer) SetUp(ctx context.Context, dev *device.Device, info *build.Info) error {
	p.log.add("setup:%s@%s", p.name, dev.Serial())
	return p.fail
}

func (p *stubPreparer) TearDown(ctx context.Context, dev *device.Device, info *build.Info, cause error) error {
	p.log.add("teardown:%s@%s", p.name, dev.Serial())
	p.causes = append(p.causes, cause)
	return nil
}

type stubMultiPreparer struct {
	log   *eventLog
	cause error
}

func (p *stubMultiPreparer) SetUp(ctx context.Context, ictx *invocation.Context) error {
	p.log.add("multi-setup")
	return nil
}

func (p *stubMultiPreparer) TearDown(ctx context.Context, ictx *invocation.Context, cause error) error {
	p.log.add("multi-teardown")
	p.cause = cause
	return nil
}

type funcTest struct {
	name string
	run  func(ctx context.Context, ictx *invocation.Context, l result.Listener) error
}

func (t *funcTest) Name() string { return t.name }

func (t *funcTest) Run(ctx context.Context, ictx *invocation.Context, l result.Listener) error {
	return t.run(ctx, ictx, l)
}

// suiteTest reports one module with one run holding its cases.
type suiteTest struct {
	name  string
	cases []string
	log   *eventLog
}

func (s *suiteTest) Name() string { return s.name }

func (s *suiteTest) Run(ctx context.Context, ictx *invocation.Context, l result.Listener) error {
	if s.log != nil {
		s.log.add("run:%s", s.name)
	}
	l.TestModuleStarted(&invocation.Module{Name: s.name})
	l.TestRunStarted(s.name, len(s.cases))
	for _, c := range s.cases {
		id := result.NewTestID(s.name, c)
		l.TestStarted(id, time.Time{})
		l.TestEnded(id, time.Time{}, result.Metrics{})
	}
	l.TestRunEnded(time.Millisecond, result.Metrics{})
	l.TestModuleEnded()
	return nil
}

func (s *suiteTest) Split(shardCount int) []Test {
	parts := make([]Test, 0, shardCount)
	for i := 0; i < shardCount && i < len(s.cases); i++ {
		part := &suiteTest{name: s.name, log: s.log}
		for j := i; j < len(s.cases); j += shardCount {
			part.cases = append(part.cases, s.cases[j])
		}
		parts = append(parts, part)
	}
	return parts
}

func allocate(t *testing.T, pool *device.Pool, criteria ...device.Criteria) *invocation.Context {
	t.Helper()
	if len(criteria) == 0 {
		criteria = []device.Criteria{{}}
	}
	devs, err := pool.AllocateAll(context.Background(), criteria, time.Second)
	require.NoError(t, err)
	ictx := invocation.New()
	for i, dev := range devs {
		require.NoError(t, ictx.AddDevice(fmt.Sprintf("device%d", i), dev))
	}
	return ictx
}

func newPool(t *testing.T, serials ...string) *device.Pool {
	t.Helper()
	pool := device.NewPool(device.PoolConfig{})
	for _, s := range serials {
		pool.AddDevice(s, device.Properties{})
	}
	t.Cleanup(pool.Close)
	return pool
}

func baseConfig(log *eventLog, tests ...Test) *Configuration {
	return &Configuration{
		Name:          "test-config",
		BuildProvider: &stubProvider{log: log},
		Tests:         tests,
		Sharding:      ShardOptions{Index: -1},
	}
}

func TestInvokeRunsPhasesInOrder(t *testing.T) {
	pool := newPool(t, "A")
	log := &eventLog{}
	p1 := &stubPreparer{name: "p1", log: log}
	p2 := &stubPreparer{name: "p2", log: log}
	mp := &stubMultiPreparer{log: log}
	collector := result.NewCollector()

	cfg := baseConfig(log, &suiteTest{name: "suite", cases: []string{"a"}, log: log})
	cfg.Preparers = []Preparer{p1, p2}
	cfg.MultiPreparers = []MultiPreparer{mp}
	cfg.Listeners = []result.Listener{collector}
	require.NoError(t, cfg.Validate())

	var phases []Phase
	inv := New()
	inv.PhaseHook = func(_ *invocation.Context, phase Phase) { phases = append(phases, phase) }

	err := inv.Invoke(context.Background(), allocate(t, pool), cfg, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"fetch:A",
		"setup:p1@A",
		"setup:p2@A",
		"multi-setup",
		"run:suite",
		"multi-teardown",
		"teardown:p2@A",
		"teardown:p1@A",
		"cleanup:100",
	}, log.list())
	assert.Equal(t, []Phase{PhaseFetch, PhaseShard, PhaseSetup, PhaseExecute, PhaseTearDown, PhaseCleanup}, phases)
	assert.Equal(t, []error{nil}, p1.causes)
	assert.Nil(t, mp.cause)
	assert.Empty(t, collector.Violations())
	assert.True(t, collector.Ended())
	assert.Nil(t, collector.Failure())
	assert.Equal(t, 1, collector.CountStatus(result.StatusPassed))
}

func TestSetupFailureTearsDownWithCauseAndSkipsTests(t *testing.T) {
	pool := newPool(t, "A")
	log := &eventLog{}
	p1 := &stubPreparer{name: "p1", log: log}
	p2 := &stubPreparer{name: "p2", log: log, fail: errors.New("install failed")}
	p3 := &stubPreparer{name: "p3", log: log}
	executed := false
	collector := result.NewCollector()

	cfg := baseConfig(log, &funcTest{name: "t", run: func(context.Context, *invocation.Context, result.Listener) error {
		executed = true
		return nil
	}})
	cfg.Preparers = []Preparer{p1, p2, p3}
	cfg.Listeners = []result.Listener{collector}
	require.NoError(t, cfg.Validate())

	err := New().Invoke(context.Background(), allocate(t, pool), cfg, nil)

	var setupErr *TargetSetupError
	require.ErrorAs(t, err, &setupErr)
	assert.Equal(t, "A", setupErr.Serial)
	assert.False(t, executed, "execute must not run after setup failure")
	assert.Equal(t, []string{"fetch:A", "setup:p1@A", "setup:p2@A", "teardown:p2@A", "teardown:p1@A", "cleanup:100"}, log.list())
	require.Len(t, p1.causes, 1)
	assert.Error(t, p1.causes[0])
	assert.Empty(t, p3.causes)
	assert.ErrorAs(t, collector.Failure(), &setupErr)
	assert.True(t, collector.Ended())
}

func TestBuildRetrievalFailureSkipsSetup(t *testing.T) {
	pool := newPool(t, "A")
	log := &eventLog{}
	p1 := &stubPreparer{name: "p1", log: log}
	collector := result.NewCollector()
	cfg := baseConfig(log)
	cfg.BuildProvider = &stubProvider{log: log, fail: errors.New("download 404")}
	cfg.Preparers = []Preparer{p1}
	cfg.Listeners = []result.Listener{collector}
	require.NoError(t, cfg.Validate())

	err := New().Invoke(context.Background(), allocate(t, pool), cfg, nil)
	assert.True(t, IsBuildRetrievalFailure(err))
	assert.Equal(t, "build_retrieval", Classify(err))
	assert.Equal(t, []string{"fetch:A"}, log.list())
	assert.Empty(t, p1.causes)
	assert.Error(t, collector.Failure())
	assert.True(t, collector.Ended())
}

func TestDeviceLossAbortsRemainingTests(t *testing.T) {
	pool := newPool(t, "A")
	log := &eventLog{}
	p1 := &stubPreparer{name: "p1", log: log}
	collector := result.NewCollector()
	secondRan := false

	lose := &funcTest{name: "lose", run: func(ctx context.Context, ictx *invocation.Context, l result.Listener) error {
		l.TestRunStarted("run", 2)
		l.TestStarted(result.NewTestID("c", "m"), time.Time{})
		pool.MarkUnavailable("A")
		return ictx.Devices()[0].CheckAvailable()
	}}
	second := &funcTest{name: "second", run: func(context.Context, *invocation.Context, result.Listener) error {
		secondRan = true
		return nil
	}}
	cfg := baseConfig(log, lose, second)
	cfg.Preparers = []Preparer{p1}
	cfg.Listeners = []result.Listener{collector}
	require.NoError(t, cfg.Validate())

	ictx := allocate(t, pool)
	out := New().Run(context.Background(), ictx, cfg, nil)

	assert.True(t, IsInfrastructureFailure(out.Err))
	assert.Equal(t, "A", out.LostSerial)
	assert.False(t, secondRan)
	require.Len(t, p1.causes, 1)
	assert.True(t, device.IsNotAvailable(p1.causes[0]))
	assert.Empty(t, collector.Violations())
	assert.Equal(t, 1, collector.CountStatus(result.StatusFailed))
	assert.True(t, collector.Ended())
}

func TestTestErrorIsReportedNotReturned(t *testing.T) {
	pool := newPool(t, "A")
	log := &eventLog{}
	collector := result.NewCollector()
	after := false
	cfg := baseConfig(log,
		&funcTest{name: "broken", run: func(context.Context, *invocation.Context, result.Listener) error {
			return errors.New("runner crashed")
		}},
		&funcTest{name: "after", run: func(context.Context, *invocation.Context, result.Listener) error {
			after = true
			return nil
		}},
	)
	cfg.Listeners = []result.Listener{collector}
	require.NoError(t, cfg.Validate())

	require.NoError(t, New().Invoke(context.Background(), allocate(t, pool), cfg, nil))
	assert.True(t, after)
	assert.Error(t, collector.Failure())
}

func TestStopRequestCheckedBetweenTests(t *testing.T) {
	pool := newPool(t, "A")
	log := &eventLog{}
	p1 := &stubPreparer{name: "p1", log: log}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	secondRan := false
	cfg := baseConfig(log,
		&funcTest{name: "first", run: func(context.Context, *invocation.Context, result.Listener) error {
			cancel()
			return nil
		}},
		&funcTest{name: "second", run: func(context.Context, *invocation.Context, result.Listener) error {
			secondRan = true
			return nil
		}},
	)
	cfg.Preparers = []Preparer{p1}
	require.NoError(t, cfg.Validate())

	err := New().Invoke(ctx, allocate(t, pool), cfg, nil)
	assert.ErrorIs(t, err, ErrInvocationStopped)
	assert.False(t, secondRan)
	require.Len(t, p1.causes, 1, "teardown runs after a stop request")
	assert.ErrorIs(t, p1.causes[0], ErrInvocationStopped)
}

type tearDownFailure struct{ stubPreparer }

func (p *tearDownFailure) TearDown(context.Context, *device.Device, *build.Info, error) error {
	return errors.New("uninstall failed")
}

func TestTearDownErrorAfterCleanRun(t *testing.T) {
	pool := newPool(t, "A")
	log := &eventLog{}
	cfg := baseConfig(log)
	cfg.Preparers = []Preparer{&tearDownFailure{stubPreparer{name: "td", log: log}}}
	require.NoError(t, cfg.Validate())

	err := New().Invoke(context.Background(), allocate(t, pool), cfg, nil)
	var tdErr *TearDownError
	require.ErrorAs(t, err, &tdErr)
	assert.Len(t, tdErr.Errs, 1)
}

type shardQueue struct {
	mu      sync.Mutex
	configs []*Configuration
	fail    map[int]error
}

func (q *shardQueue) ScheduleConfig(cfg *Configuration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.fail[cfg.Sharding.Index]; err != nil {
		return err
	}
	q.configs = append(q.configs, cfg)
	return nil
}

func TestTwoShardReplayScenario(t *testing.T) {
	pool := newPool(t, "A", "B", "C")
	log := &eventLog{}
	parent := result.NewCollector()
	parentOrder := result.NewBuffer()

	cfg := baseConfig(log, &suiteTest{name: "CtsSuite", cases: []string{"one", "two"}})
	cfg.Listeners = []result.Listener{parent, parentOrder}
	cfg.Sharding = ShardOptions{Count: 2, Index: -1, Policy: ShardReplay}
	require.NoError(t, cfg.Validate())

	queue := &shardQueue{}
	inv := New()
	out := inv.Run(context.Background(), allocate(t, pool, device.Criteria{Serials: []string{"A"}}), cfg, queue)
	require.NoError(t, out.Err)
	require.True(t, out.Split)
	require.Len(t, queue.configs, 2)
	assert.Equal(t, 0, parent.TestCount(), "parent must not see results before shards end")

	// run shard 1 first; replay is still in shard-index order
	for _, idx := range []int{1, 0} {
		shardCfg := queue.configs[idx]
		assert.Equal(t, idx, shardCfg.Sharding.Index)
		require.NoError(t, shardCfg.Validate())
		ictx := allocate(t, pool, device.Criteria{ExcludeSerials: []string{"A"}})
		require.NoError(t, inv.Invoke(context.Background(), ictx, shardCfg, queue))
		assert.Equal(t, idx, ictx.ShardIndex)
		assert.Equal(t, out.InvocationID, ictx.Attributes().First("parent_invocation"))
		for _, dev := range ictx.Devices() {
			pool.Free(dev, device.FreeAvailable)
		}
	}

	select {
	case <-out.Coordinator.Done():
	case <-time.After(time.Second):
		t.Fatalf("coordinator did not complete")
	}
	assert.Empty(t, parent.Violations())
	assert.Equal(t, 2, parent.TestCount())
	assert.Equal(t, 2, parent.CountStatus(result.StatusPassed))
	assert.Equal(t, []string{"CtsSuite"}, parent.Modules())
	assert.True(t, parent.Ended())
	assert.Nil(t, parent.Failure())

	runs := parent.Runs()
	require.Len(t, runs, 2)
	assert.Equal(t, "one", runs[0].Tests[0].ID.TestName)
	assert.Equal(t, "two", runs[1].Tests[0].ID.TestName)

	var envelope []string
	for _, ev := range parentOrder.Events() {
		if result.IsInvocationEvent(ev) {
			envelope = append(envelope, ev.Method)
		}
	}
	assert.Equal(t, []string{result.MethodInvocationStarted, result.MethodInvocationEnded}, envelope)
}

type serialBuildProvider struct{}

func (serialBuildProvider) FetchBuild(ctx context.Context, dev *device.Device) (*build.Info, error) {
	return build.NewInfo("build-for-"+dev.Serial(), "userdebug", "main"), nil
}

func (serialBuildProvider) CleanUp(info *build.Info) { _ = info.CleanUp() }

func TestSplitKeepsBuildPerDevice(t *testing.T) {
	pool := newPool(t, "A", "B", "C", "D")
	cfg := &Configuration{
		Name:          "two-devices",
		BuildProvider: serialBuildProvider{},
		Devices: []DeviceRequirement{
			{Name: "device0", Criteria: device.Criteria{Serials: []string{"A"}}},
			{Name: "device1", Criteria: device.Criteria{Serials: []string{"B"}}},
		},
		Tests:    []Test{&suiteTest{name: "S", cases: []string{"x", "y"}}},
		Sharding: ShardOptions{Count: 2, Index: -1, Policy: ShardReplay},
	}
	require.NoError(t, cfg.Validate())

	queue := &shardQueue{}
	inv := New()
	parentCtx := allocate(t, pool, cfg.Criteria()...)
	out := inv.Run(context.Background(), parentCtx, cfg, queue)
	require.NoError(t, out.Err)
	require.True(t, out.Split)
	require.Len(t, queue.configs, 2)

	shardCfg := queue.configs[0]
	require.NoError(t, shardCfg.Validate())
	shardCtx := allocate(t, pool,
		device.Criteria{Serials: []string{"C"}},
		device.Criteria{Serials: []string{"D"}},
	)
	require.NoError(t, inv.fetchBuilds(context.Background(), shardCtx, shardCfg))
	assert.Equal(t, "build-for-A", shardCtx.Build("device0").BuildID)
	assert.Equal(t, "build-for-B", shardCtx.Build("device1").BuildID)

	inv.cleanup(shardCtx, shardCfg)
	queue.configs[1].Discard()
}

func TestShardLivePolicyForwardsImmediately(t *testing.T) {
	pool := newPool(t, "A", "B")
	log := &eventLog{}
	parent := result.NewCollector()
	cfg := baseConfig(log, &suiteTest{name: "S", cases: []string{"x", "y"}})
	cfg.Listeners = []result.Listener{parent}
	cfg.Sharding = ShardOptions{Count: 2, Index: -1, Policy: ShardLive}
	require.NoError(t, cfg.Validate())

	queue := &shardQueue{}
	inv := New()
	out := inv.Run(context.Background(), allocate(t, pool, device.Criteria{Serials: []string{"A"}}), cfg, queue)
	require.True(t, out.Split)

	require.NoError(t, inv.Invoke(context.Background(), allocate(t, pool, device.Criteria{Serials: []string{"B"}}), queue.configs[0], nil))
	assert.Equal(t, 1, parent.TestCount())
	assert.False(t, parent.Ended())
}

func TestDroppedShardCompletesParent(t *testing.T) {
	pool := newPool(t, "A", "B")
	log := &eventLog{}
	parent := result.NewCollector()
	cfg := baseConfig(log, &suiteTest{name: "S", cases: []string{"x", "y"}})
	cfg.Listeners = []result.Listener{parent}
	cfg.Sharding = ShardOptions{Count: 2, Index: -1}
	require.NoError(t, cfg.Validate())

	queue := &shardQueue{fail: map[int]error{1: errors.New("scheduler shut down")}}
	inv := New()
	out := inv.Run(context.Background(), allocate(t, pool, device.Criteria{Serials: []string{"A"}}), cfg, queue)
	require.Len(t, queue.configs, 1)

	require.NoError(t, inv.Invoke(context.Background(), allocate(t, pool, device.Criteria{Serials: []string{"B"}}), queue.configs[0], nil))
	<-out.Coordinator.Done()
	assert.True(t, parent.Ended())
	assert.Error(t, parent.Failure())
	assert.Equal(t, 1, parent.TestCount())
}

func TestStrictShardIndexRunsLocally(t *testing.T) {
	pool := newPool(t, "A")
	log := &eventLog{}
	plain := &funcTest{name: "plain", run: func(context.Context, *invocation.Context, result.Listener) error {
		log.add("run:plain")
		return nil
	}}
	cfg := baseConfig(log, plain, &suiteTest{name: "S", cases: []string{"x", "y", "z"}, log: log})
	cfg.Sharding = ShardOptions{Count: 2, Index: 1}
	require.NoError(t, cfg.Validate())

	queue := &shardQueue{}
	ictx := allocate(t, pool)
	require.NoError(t, New().Invoke(context.Background(), ictx, cfg, queue))
	assert.Empty(t, queue.configs, "an explicit index never reschedules")
	assert.Equal(t, 1, ictx.ShardIndex)
	assert.Equal(t, []string{"fetch:A", "run:S", "cleanup:100"}, log.list())
}

func TestSplitTestsKeepsNonShardableOnFirstShard(t *testing.T) {
	plain := &funcTest{name: "plain"}
	suite := &suiteTest{name: "S", cases: []string{"a", "b", "c"}}
	shards := SplitTests([]Test{plain, suite}, 3)
	require.Len(t, shards, 3)
	assert.Len(t, shards[0], 2)
	assert.Len(t, shards[1], 1)
	assert.Len(t, shards[2], 1)
	assert.Same(t, plain, shards[0][0])

	small := SplitTests([]Test{&suiteTest{name: "S", cases: []string{"a"}}}, 2)
	assert.Len(t, small[0], 1)
	assert.Empty(t, small[1])
}

func TestNormalizeShardConfig(t *testing.T) {
	idx, total := NormalizeShardConfig(5, 3)
	assert.Equal(t, 0, idx)
	assert.Equal(t, 3, total)
	idx, total = NormalizeShardConfig(1, 0)
	assert.Equal(t, 0, idx)
	assert.Equal(t, 1, total)
	assert.Equal(t, ShardOf("case", 4), ShardOf("case", 4))
	assert.Less(t, ShardOf("case", 4), 4)
}

func TestConfigurationValidate(t *testing.T) {
	cfg := &Configuration{BuildProvider: &stubProvider{log: &eventLog{}}, Sharding: ShardOptions{Count: 2, Index: 2}}
	assert.Error(t, cfg.Validate())

	cfg = &Configuration{BuildProvider: &stubProvider{log: &eventLog{}}, Sharding: ShardOptions{Count: 1, Index: 0}}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, -1, cfg.Sharding.Index)
	assert.Equal(t, "device0", cfg.Devices[0].Name)
	assert.False(t, cfg.NeedsSplit())

	assert.Error(t, (&Configuration{}).Validate())
	policy, err := ParseShardPolicy("LIVE")
	require.NoError(t, err)
	assert.Equal(t, ShardLive, policy)
	_, err = ParseShardPolicy("random")
	assert.Error(t, err)
}

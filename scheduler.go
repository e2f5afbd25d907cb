package testagent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/httprunner/TestAgent/pkg/device"
	"github.com/httprunner/TestAgent/pkg/invocation"
	"github.com/httprunner/TestAgent/pkg/invoker"
	"github.com/httprunner/TestAgent/pkg/result"
)

// Config controls Scheduler behavior.
type Config struct {
	// Pool is required; the scheduler never owns device discovery itself.
	Pool          *device.Pool
	ConfigFactory ConfigFactory
	Invoker       *invoker.Invoker

	// AllocationTimeout bounds one allocation attempt for the head command.
	AllocationTimeout time.Duration
	// MaxAllocationAttempts drops a command after that many timed out attempts.
	MaxAllocationAttempts int
	// MaxConcurrentInvocations caps in-flight invocations; 0 means unlimited.
	MaxConcurrentInvocations int
	// RefreshInterval drives Pool.Refresh; <= 0 disables the refresh loop.
	RefreshInterval time.Duration

	// RequeueOnDeviceLoss re-parses and queues a command whose device was lost.
	RequeueOnDeviceLoss bool
	MaxRequeues         int

	AgentVersion string
	Recorder     DeviceRecorder
	Metrics      Metrics
}

// Scheduler queues commands, allocates devices for them and dispatches invocations.
type Scheduler struct {
	cfg      Config
	pool     *device.Pool
	invoker  *invoker.Invoker
	recorder DeviceRecorder
	metrics  Metrics
	sem      *semaphore.Weighted
	hostUUID string

	mu         sync.Mutex
	queue      []*queuedCommand
	inflight   map[string]*runningInvocation
	accepting  bool
	drain      bool
	stopped    bool
	started    bool
	loopCancel context.CancelFunc

	wake        chan struct{}
	loopDone    chan struct{}
	invocations sync.WaitGroup
	invCtx      context.Context
	invCancel   context.CancelFunc
	group       *errgroup.Group
	seq         atomic.Int64
}

type queuedCommand struct {
	cmd      *Command
	attempts int
	requeues int
}

type runningInvocation struct {
	cmd     *Command
	ictx    *invocation.Context
	devices []*device.Device
	startAt time.Time
}

// NewScheduler validates cfg and applies defaults.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Pool == nil {
		return nil, errors.New("device pool cannot be nil")
	}
	if cfg.AllocationTimeout <= 0 {
		cfg.AllocationTimeout = 30 * time.Second
	}
	if cfg.MaxAllocationAttempts <= 0 {
		cfg.MaxAllocationAttempts = 10
	}
	if cfg.MaxRequeues <= 0 {
		cfg.MaxRequeues = 1
	}
	if cfg.Invoker == nil {
		cfg.Invoker = invoker.New()
	}
	s := &Scheduler{
		cfg:       cfg,
		pool:      cfg.Pool,
		invoker:   cfg.Invoker,
		recorder:  cfg.Recorder,
		metrics:   cfg.Metrics,
		inflight:  make(map[string]*runningInvocation),
		accepting: true,
		wake:      make(chan struct{}, 1),
		loopDone:  make(chan struct{}),
		hostUUID:  HostUUID(),
	}
	if s.recorder == nil {
		s.recorder = noopRecorder{}
	}
	if s.metrics == nil {
		s.metrics = noopMetrics{}
	}
	if cfg.MaxConcurrentInvocations > 0 {
		s.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrentInvocations))
	}
	s.invCtx, s.invCancel = context.WithCancel(context.Background())
	s.pool.AddObserver(device.ObserverFunc(s.recordDeviceChange))
	return s, nil
}

// Start launches the dispatch loop and the device refresh loop. It returns
// immediately; use Join to wait for completion.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context cannot be nil")
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.loopCancel = cancel
	s.mu.Unlock()

	log.Info().
		Dur("allocation_timeout", s.cfg.AllocationTimeout).
		Int("max_allocation_attempts", s.cfg.MaxAllocationAttempts).
		Int("max_concurrent", s.cfg.MaxConcurrentInvocations).
		Msg("start command scheduler")

	s.group = &errgroup.Group{}
	if s.cfg.RefreshInterval > 0 {
		GroupGoSafe(loopCtx, s.group, "device-refresh", s.refreshLoop)
	}
	go func() {
		defer close(s.loopDone)
		defer cancel()
		if err := s.dispatchLoop(loopCtx); err != nil {
			log.Error().Err(err).Msg("dispatch loop exited with error")
		}
	}()
	return nil
}

// AddCommand parses args through the ConfigFactory and queues the command.
func (s *Scheduler) AddCommand(args []string) (*Command, error) {
	if s.cfg.ConfigFactory == nil {
		return nil, errors.New("no config factory configured")
	}
	s.mu.Lock()
	accepting := s.accepting
	s.mu.Unlock()
	if !accepting {
		return nil, ErrSchedulerShutdown
	}
	cfg, err := s.cfg.ConfigFactory.CreateConfiguration(args)
	if err != nil {
		return nil, errors.Wrapf(err, "create configuration from %q", strings.Join(args, " "))
	}
	cfg.Args = append([]string(nil), args...)
	return s.AddConfiguration(cfg)
}

// AddConfiguration queues an already built configuration as a new command.
func (s *Scheduler) AddConfiguration(cfg *invoker.Configuration) (*Command, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	cmd := s.newCommand(cfg, false)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.accepting {
		return nil, ErrSchedulerShutdown
	}
	s.enqueueLocked(&queuedCommand{cmd: cmd})
	log.Info().Str("command", cmd.ID).Str("config", cfg.Name).Int("shard_count", cmd.ShardCount).Msg("command queued")
	return cmd, nil
}

// ScheduleConfig queues a rescheduled configuration, e.g. one shard of a
// split invocation. It keeps working while draining on ShutdownOnEmpty.
func (s *Scheduler) ScheduleConfig(cfg *invoker.Configuration) error {
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid rescheduled configuration")
	}
	cmd := s.newCommand(cfg, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrSchedulerShutdown
	}
	s.enqueueLocked(&queuedCommand{cmd: cmd})
	log.Info().Str("command", cmd.ID).Str("config", cfg.Name).Int("shard_index", cmd.ShardIndex).Msg("configuration rescheduled")
	return nil
}

func (s *Scheduler) newCommand(cfg *invoker.Configuration, rescheduled bool) *Command {
	return &Command{
		ID:          fmt.Sprintf("cmd-%d", s.seq.Add(1)),
		Args:        append([]string(nil), cfg.Args...),
		Config:      cfg,
		Rescheduled: rescheduled,
		ShardIndex:  cfg.Sharding.Index,
		ShardCount:  cfg.Sharding.Count,
		CreatedAt:   time.Now(),
	}
}

func (s *Scheduler) enqueueLocked(qc *queuedCommand) {
	s.queue = append(s.queue, qc)
	s.metrics.ObserveQueueDepth(len(s.queue))
	s.signal()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// QueueLength returns the number of waiting commands.
func (s *Scheduler) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// InFlight returns the number of running invocations.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

func (s *Scheduler) dispatchLoop(ctx context.Context) error {
	for {
		qc, ok := s.next(ctx)
		if !ok {
			return nil
		}
		s.dispatch(ctx, qc)
	}
}

// next blocks until a command is queued or the loop should exit.
func (s *Scheduler) next(ctx context.Context) (*queuedCommand, bool) {
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return nil, false
		}
		if len(s.queue) > 0 {
			qc := s.queue[0]
			s.queue = s.queue[1:]
			s.metrics.ObserveQueueDepth(len(s.queue))
			s.mu.Unlock()
			return qc, true
		}
		if s.drain && len(s.inflight) == 0 {
			s.mu.Unlock()
			log.Info().Msg("command queue drained, stopping dispatch")
			return nil, false
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-s.wake:
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, qc *queuedCommand) {
	cmd := qc.cmd
	if s.sem != nil {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.dropCommand(qc, ErrSchedulerShutdown)
			return
		}
	}
	release := s.releaseSlot

	waitStart := time.Now()
	devices, err := s.pool.AllocateAll(ctx, cmd.Config.Criteria(), 0)
	if errors.Is(err, device.ErrAllocationTimeout) {
		// commands behind the head may fit devices that are free right now
		s.dispatchReady(ctx)
		devices, err = s.pool.AllocateAll(ctx, cmd.Config.Criteria(), s.cfg.AllocationTimeout)
	}
	wait := time.Since(waitStart)
	if err != nil {
		release()
		switch {
		case errors.Is(err, device.ErrAllocationTimeout):
			s.metrics.ObserveAllocation("timeout", wait)
			s.handleAllocationTimeout(qc)
		default:
			s.metrics.ObserveAllocation("aborted", wait)
			s.dropCommand(qc, errors.Wrapf(ErrSchedulerShutdown, "allocation aborted: %v", err))
		}
		return
	}
	s.metrics.ObserveAllocation("ok", wait)
	s.launch(qc, devices, wait, release)
}

// dispatchReady makes one non-blocking allocation attempt for every queued
// command and launches those whose devices are free now.
func (s *Scheduler) dispatchReady(ctx context.Context) {
	s.mu.Lock()
	pending := append([]*queuedCommand(nil), s.queue...)
	s.mu.Unlock()
	for _, qc := range pending {
		if ctx.Err() != nil {
			return
		}
		if s.sem != nil && !s.sem.TryAcquire(1) {
			return
		}
		devices, err := s.pool.AllocateAll(ctx, qc.cmd.Config.Criteria(), 0)
		if err != nil {
			s.releaseSlot()
			continue
		}
		if !s.takeQueued(qc) {
			// dropped by a concurrent shutdown
			s.freeDevices(devices, "")
			s.releaseSlot()
			continue
		}
		s.metrics.ObserveAllocation("ok", 0)
		s.launch(qc, devices, 0, s.releaseSlot)
	}
}

// takeQueued removes qc from the queue, reporting whether it was still queued.
func (s *Scheduler) takeQueued(qc *queuedCommand) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, queued := range s.queue {
		if queued == qc {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.metrics.ObserveQueueDepth(len(s.queue))
			return true
		}
	}
	return false
}

func (s *Scheduler) releaseSlot() {
	if s.sem != nil {
		s.sem.Release(1)
	}
}

// launch starts the invocation of qc on devices, or frees them when the
// scheduler stopped in the meantime.
func (s *Scheduler) launch(qc *queuedCommand, devices []*device.Device, wait time.Duration, release func()) {
	cmd := qc.cmd
	ictx := invocation.New()
	for i, dev := range devices {
		_ = ictx.AddDevice(cmd.Config.Devices[i].Name, dev)
	}
	run := &runningInvocation{cmd: cmd, ictx: ictx, devices: devices, startAt: time.Now()}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		// allocated but never dispatched
		s.freeDevices(devices, "")
		release()
		s.dropCommand(qc, ErrSchedulerShutdown)
		return
	}
	s.inflight[ictx.ID()] = run
	s.metrics.SetInFlight(len(s.inflight))
	s.invocations.Add(1)
	s.mu.Unlock()

	log.Info().
		Str("command", cmd.ID).
		Str("invocation", ictx.ID()).
		Strs("serials", ictx.Serials()).
		Dur("allocation_wait", wait).
		Msg("dispatch invocation")
	go s.runInvocation(qc, run, release)
}

func (s *Scheduler) handleAllocationTimeout(qc *queuedCommand) {
	qc.attempts++
	if qc.attempts < s.cfg.MaxAllocationAttempts {
		s.mu.Lock()
		stopped := s.stopped
		if !stopped {
			// rotate so the head command cannot starve the rest of the queue
			s.enqueueLocked(qc)
		}
		s.mu.Unlock()
		if stopped {
			s.dropCommand(qc, ErrSchedulerShutdown)
			return
		}
		log.Debug().Str("command", qc.cmd.ID).Int("attempts", qc.attempts).Msg("no matching device yet, command re-queued")
		return
	}
	err := &AllocationTimeoutError{
		CommandID: qc.cmd.ID,
		Config:    qc.cmd.Config.Name,
		Attempts:  qc.attempts,
		Criteria:  qc.cmd.Config.Criteria(),
	}
	log.Error().Err(err).Str("command", qc.cmd.ID).Msg("command dropped after allocation timeouts")
	s.failCommand(qc.cmd, err, InvocationStateAllocationTimeout)
}

// dropCommand completes a command that will not run.
func (s *Scheduler) dropCommand(qc *queuedCommand, cause error) {
	log.Warn().Err(cause).Str("command", qc.cmd.ID).Str("config", qc.cmd.Config.Name).Msg("command dropped")
	s.failCommand(qc.cmd, cause, InvocationStateDropped)
}

// failCommand reports cause to the command's listeners so that every
// submitted command ends with InvocationEnded, then releases its config.
func (s *Scheduler) failCommand(cmd *Command, cause error, state string) {
	ictx := invocation.New()
	fwd := result.NewForwarder(cmd.Config.Listeners...)
	fwd.InvocationStarted(ictx)
	fwd.InvocationFailed(cause)
	fwd.InvocationEnded(0)
	cmd.Config.Discard()

	now := time.Now()
	var zero int64
	s.recordInvocationStart(cmd, ictx, now)
	_ = s.recorder.UpdateInvocation(context.Background(), ictx.ID(), &InvocationUpdate{
		State:          state,
		EndAt:          &now,
		ElapsedSeconds: &zero,
		ErrorClass:     state,
		ErrorMessage:   errString(cause),
	})
	s.metrics.ObserveInvocation(state, 0)
}

func (s *Scheduler) runInvocation(qc *queuedCommand, run *runningInvocation, release func()) {
	cmd := run.cmd
	var out invoker.Outcome
	defer s.invocations.Done()
	defer s.finishInvocation(run)
	defer release()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("invocation", run.ictx.ID()).Msg("invocation panicked")
			out.Err = errors.Errorf("invocation panicked: %v", r)
		}
		s.freeDevices(run.devices, out.LostSerial)
		s.recordInvocationEnd(run, out)
		s.maybeRequeue(qc, out)
	}()

	s.recordInvocationStart(cmd, run.ictx, run.startAt)
	out = s.invoker.Run(s.invCtx, run.ictx, cmd.Config, s)
}

func (s *Scheduler) finishInvocation(run *runningInvocation) {
	s.mu.Lock()
	delete(s.inflight, run.ictx.ID())
	s.metrics.SetInFlight(len(s.inflight))
	s.mu.Unlock()
	s.signal()
}

// freeDevices returns devices to the pool; a lost device goes back unavailable.
func (s *Scheduler) freeDevices(devices []*device.Device, lostSerial string) {
	for _, dev := range devices {
		end := device.FreeAvailable
		if (lostSerial != "" && dev.Serial() == lostSerial) || dev.CheckAvailable() != nil {
			end = device.FreeUnavailable
		}
		s.pool.Free(dev, end)
	}
}

func (s *Scheduler) maybeRequeue(qc *queuedCommand, out invoker.Outcome) {
	if !s.cfg.RequeueOnDeviceLoss || out.LostSerial == "" {
		return
	}
	cmd := qc.cmd
	if cmd.Rescheduled || len(cmd.Args) == 0 || s.cfg.ConfigFactory == nil {
		log.Warn().Str("command", cmd.ID).Msg("device lost, command cannot be rebuilt for requeue")
		return
	}
	if qc.requeues >= s.cfg.MaxRequeues {
		log.Warn().Str("command", cmd.ID).Int("requeues", qc.requeues).Msg("device lost, requeue limit reached")
		return
	}
	cfg, err := s.cfg.ConfigFactory.CreateConfiguration(cmd.Args)
	if err == nil {
		cfg.Args = append([]string(nil), cmd.Args...)
		err = cfg.Validate()
	}
	if err != nil {
		log.Error().Err(err).Str("command", cmd.ID).Msg("rebuild configuration for requeue failed")
		return
	}
	next := &queuedCommand{cmd: s.newCommand(cfg, false), requeues: qc.requeues + 1}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		cfg.Discard()
		return
	}
	s.enqueueLocked(next)
	log.Info().Str("command", next.cmd.ID).Str("previous", cmd.ID).Str("lost_serial", out.LostSerial).Msg("command re-queued after device loss")
}

func (s *Scheduler) recordInvocationStart(cmd *Command, ictx *invocation.Context, at time.Time) {
	rec := &InvocationRecord{
		InvocationID: ictx.ID(),
		CommandID:    cmd.ID,
		ParentID:     cmd.Config.ParentID,
		Config:       cmd.Config.Name,
		Serials:      ictx.Serials(),
		ShardIndex:   cmd.ShardIndex,
		ShardCount:   cmd.ShardCount,
		State:        InvocationStateRunning,
		StartAt:      at,
	}
	if err := s.recorder.CreateInvocation(context.Background(), rec); err != nil {
		log.Error().Err(err).Str("invocation", rec.InvocationID).Msg("device recorder create invocation failed")
	}
}

func (s *Scheduler) recordInvocationEnd(run *runningInvocation, out invoker.Outcome) {
	state := InvocationStateSuccess
	switch {
	case out.Split:
		state = InvocationStateSharded
	case out.LostSerial != "":
		state = InvocationStateDeviceLost
	case out.Err != nil:
		state = InvocationStateFailed
	}
	endAt := time.Now()
	elapsed := endAt.Sub(run.startAt)
	secs := int64(elapsed.Seconds())
	if err := s.recorder.UpdateInvocation(context.Background(), run.ictx.ID(), &InvocationUpdate{
		State:          state,
		EndAt:          &endAt,
		ElapsedSeconds: &secs,
		ErrorClass:     invoker.Classify(out.Err),
		ErrorMessage:   errString(out.Err),
	}); err != nil {
		log.Error().Err(err).Str("invocation", run.ictx.ID()).Msg("device recorder update invocation failed")
	}
	s.metrics.ObserveInvocation(state, elapsed)
}

func (s *Scheduler) recordDeviceChange(change device.StateChange) {
	status := string(change.To)
	if change.Removed {
		status = "removed"
	}
	update := DeviceInfoUpdate{
		DeviceSerial: change.Serial,
		Status:       status,
		Product:      change.Props.Product,
		OSVersion:    change.Props.OSVersion,
		AgentVersion: s.cfg.AgentVersion,
		ProviderUUID: s.hostUUID,
		Removed:      change.Removed,
		LastSeenAt:   change.At,
	}
	if err := s.recorder.UpsertDevices(context.Background(), []DeviceInfoUpdate{update}); err != nil {
		log.Error().Err(err).Str("serial", change.Serial).Msg("device recorder upsert failed")
	}
}

func (s *Scheduler) refreshLoop(ctx context.Context) error {
	refresh := func() {
		if err := s.pool.Refresh(ctx); err != nil {
			log.Error().Err(err).Msg("refresh devices failed")
		}
		s.metrics.ObserveDeviceStates(s.pool.Counts())
	}
	refresh()

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			refresh()
		}
	}
}

// Shutdown stops accepting commands and drops the queued ones. Running
// invocations continue; devices allocated but not yet dispatched are freed.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.stopped = true
	dropped := s.queue
	s.queue = nil
	cancel := s.loopCancel
	s.mu.Unlock()

	log.Info().Int("dropped_commands", len(dropped)).Msg("scheduler shutdown requested")
	if cancel != nil {
		cancel()
	}
	s.signal()
	for _, qc := range dropped {
		s.dropCommand(qc, ErrSchedulerShutdown)
	}
}

// ShutdownOnEmpty stops accepting new commands and lets the dispatch loop
// exit once the queue is empty and no invocation is running. Rescheduled
// shards are still accepted until then.
func (s *Scheduler) ShutdownOnEmpty() {
	s.mu.Lock()
	s.accepting = false
	s.drain = true
	s.mu.Unlock()
	log.Info().Msg("scheduler will stop once the queue drains")
	s.signal()
}

// ShutdownHard shuts down and cancels every running invocation.
func (s *Scheduler) ShutdownHard() {
	s.Shutdown()
	s.invCancel()
	log.Warn().Msg("scheduler hard shutdown, running invocations cancelled")
}

// Join waits up to timeout (forever when <= 0) for the dispatch loop and
// every running invocation to finish. It reports whether they did.
func (s *Scheduler) Join(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.mu.Lock()
		started := s.started
		s.mu.Unlock()
		if started {
			<-s.loopDone
		}
		s.invocations.Wait()
		if s.group != nil {
			if s.loopCancel != nil {
				s.loopCancel()
			}
			_ = s.group.Wait()
		}
		close(done)
	}()
	if timeout <= 0 {
		<-done
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

package invoker

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/TestAgent/pkg/build"
	"github.com/httprunner/TestAgent/pkg/device"
	"github.com/httprunner/TestAgent/pkg/invocation"
	"github.com/httprunner/TestAgent/pkg/result"
)

// Phase names an invocation phase.
type Phase string

const (
	PhaseFetch    Phase = "fetch"
	PhaseShard    Phase = "shard"
	PhaseSetup    Phase = "setup"
	PhaseExecute  Phase = "execute"
	PhaseTearDown Phase = "teardown"
	PhaseCleanup  Phase = "cleanup"
)

// Outcome summarizes a finished invocation.
type Outcome struct {
	InvocationID string
	Err          error
	// Split is true when the invocation was divided into rescheduled shards.
	Split       bool
	Coordinator *ShardCoordinator
	// LostSerial is the serial of the device lost during the invocation, if any.
	LostSerial string
	Elapsed    time.Duration
}

// Invoker runs invocations. It holds no per-invocation state and is safe for concurrent use.
type Invoker struct {
	shards ShardHelper
	// PhaseHook, if set, observes every phase as it starts.
	PhaseHook func(ictx *invocation.Context, phase Phase)
}

// New returns an Invoker.
func New() *Invoker {
	return &Invoker{}
}

// Invoke drives ictx through the phases of cfg. Only build retrieval, setup,
// device loss, teardown-after-clean-run and stop requests are returned as
// errors; test failures are listener events.
func (inv *Invoker) Invoke(ctx context.Context, ictx *invocation.Context, cfg *Configuration, rescheduler Rescheduler) error {
	return inv.Run(ctx, ictx, cfg, rescheduler).Err
}

// Run is Invoke with the full outcome.
func (inv *Invoker) Run(ctx context.Context, ictx *invocation.Context, cfg *Configuration, rescheduler Rescheduler) Outcome {
	start := time.Now()
	out := Outcome{InvocationID: ictx.ID()}
	if cfg.ParentID != "" {
		ictx.Attributes().Add("parent_invocation", cfg.ParentID)
	}
	logger := log.With().Str("invocation", ictx.ID()).Str("config", cfg.Name).Strs("serials", ictx.Serials()).Logger()

	forwarder := result.NewForwarder(cfg.Listeners...)
	defer func() {
		if failures := forwarder.Failures(); len(failures) > 0 {
			logger.Warn().Int("listener_failures", len(failures)).Msg("listeners failed during invocation")
		}
	}()

	// fetch
	inv.enter(ictx, PhaseFetch)
	if err := inv.fetchBuilds(ctx, ictx, cfg); err != nil {
		logger.Error().Err(err).Msg("build retrieval failed, skipping setup")
		forwarder.InvocationStarted(ictx)
		forwarder.InvocationFailed(err)
		forwarder.InvocationEnded(time.Since(start))
		out.Err = err
		out.Elapsed = time.Since(start)
		return out
	}

	// shard
	inv.enter(ictx, PhaseShard)
	coordinator, split, err := inv.shards.ShardConfig(ctx, ictx, cfg, rescheduler)
	if err != nil {
		logger.Error().Err(err).Msg("shard decision failed")
		forwarder.InvocationStarted(ictx)
		forwarder.InvocationFailed(err)
		inv.cleanup(ictx, cfg)
		forwarder.InvocationEnded(time.Since(start))
		out.Err = err
		out.Elapsed = time.Since(start)
		return out
	}
	if split {
		// shards hold clones; the parent only releases its own reference
		inv.enter(ictx, PhaseCleanup)
		inv.cleanup(ictx, cfg)
		out.Split = true
		out.Coordinator = coordinator
		out.Elapsed = time.Since(start)
		return out
	}

	forwarder.InvocationStarted(ictx)
	guard := result.NewGuard(forwarder)
	runErr := inv.runPhases(ctx, ictx, cfg, guard)
	if runErr != nil {
		if guard.CloseOpen(runErr) {
			logger.Warn().Err(runErr).Msg("closed open result events after abort")
		}
		forwarder.InvocationFailed(runErr)
		out.LostSerial = device.LostSerial(runErr)
	}

	inv.enter(ictx, PhaseCleanup)
	inv.cleanup(ictx, cfg)
	out.Elapsed = time.Since(start)
	forwarder.InvocationEnded(out.Elapsed)
	out.Err = runErr

	ev := logger.Info()
	if runErr != nil {
		ev = logger.Warn().Err(runErr)
	}
	ev.Str("result", Classify(runErr)).Dur("elapsed", out.Elapsed).Msg("invocation finished")
	return out
}

func (inv *Invoker) enter(ictx *invocation.Context, phase Phase) {
	log.Debug().Str("invocation", ictx.ID()).Str("phase", string(phase)).Msg("invocation phase")
	if inv.PhaseHook != nil {
		inv.PhaseHook(ictx, phase)
	}
}

func (inv *Invoker) fetchBuilds(ctx context.Context, ictx *invocation.Context, cfg *Configuration) error {
	perDevice, _ := cfg.BuildProvider.(DeviceBuildProvider)
	abort := func() {
		inv.cleanup(ictx, cfg)
		// builds still held for slots that were never fetched
		cfg.Discard()
	}
	for _, name := range ictx.DeviceNames() {
		dev := ictx.Device(name)
		if err := ctx.Err(); err != nil {
			abort()
			return errors.Wrap(ErrInvocationStopped, err.Error())
		}
		var (
			info *build.Info
			err  error
		)
		if perDevice != nil {
			info, err = perDevice.FetchDeviceBuild(ctx, name, dev)
		} else {
			info, err = cfg.BuildProvider.FetchBuild(ctx, dev)
		}
		if err == nil && info == nil {
			err = errors.New("provider returned no build")
		}
		if err != nil {
			abort()
			return &BuildRetrievalError{Serial: dev.Serial(), Err: err}
		}
		if err := ictx.AddBuild(name, info); err != nil {
			cfg.BuildProvider.CleanUp(info)
			abort()
			return &BuildRetrievalError{Serial: dev.Serial(), Err: err}
		}
	}
	return nil
}

type setUpDevice struct {
	dev      *device.Device
	info     *build.Info
	preparer Preparer
}

// runPhases runs setup, execute and teardown. Teardown runs whenever setup was attempted.
func (inv *Invoker) runPhases(ctx context.Context, ictx *invocation.Context, cfg *Configuration, listener *result.Guard) error {
	if err := stopped(ctx); err != nil {
		return err
	}

	inv.enter(ictx, PhaseSetup)
	prepared, multiPrepared, setupErr := inv.setUp(ctx, ictx, cfg)

	var cause error = setupErr
	if setupErr == nil {
		inv.enter(ictx, PhaseExecute)
		cause = inv.execute(ctx, ictx, cfg, listener)
	}
	if cause != nil && device.IsNotAvailable(cause) {
		// close the stream before teardown so listeners see the run fail first
		listener.CloseOpen(cause)
	}

	inv.enter(ictx, PhaseTearDown)
	tearDownErr := inv.tearDown(ictx, prepared, multiPrepared, cause)
	if cause != nil {
		return cause
	}
	return tearDownErr
}

func (inv *Invoker) setUp(ctx context.Context, ictx *invocation.Context, cfg *Configuration) ([]setUpDevice, []MultiPreparer, error) {
	var prepared []setUpDevice
	for _, dev := range ictx.Devices() {
		info := ictx.BuildFor(dev)
		for _, p := range cfg.Preparers {
			if err := stopped(ctx); err != nil {
				return prepared, nil, err
			}
			if err := dev.CheckAvailable(); err != nil {
				return prepared, nil, err
			}
			// a preparer that fails still gets its teardown
			prepared = append(prepared, setUpDevice{dev: dev, info: info, preparer: p})
			if err := p.SetUp(ctx, dev, info); err != nil {
				return prepared, nil, classifySetupError(dev, p, err)
			}
		}
	}
	var multi []MultiPreparer
	for _, mp := range cfg.MultiPreparers {
		if err := stopped(ctx); err != nil {
			return prepared, multi, err
		}
		multi = append(multi, mp)
		if err := mp.SetUp(ctx, ictx); err != nil {
			return prepared, multi, classifySetupError(nil, mp, err)
		}
	}
	return prepared, multi, nil
}

func classifySetupError(dev *device.Device, p any, err error) error {
	if device.IsNotAvailable(err) || IsSetupFailure(err) || errors.Is(err, ErrInvocationStopped) {
		return err
	}
	return &TargetSetupError{Serial: dev.Serial(), Preparer: fmt.Sprintf("%T", p), Err: err}
}

func (inv *Invoker) execute(ctx context.Context, ictx *invocation.Context, cfg *Configuration, listener *result.Guard) error {
	for _, test := range cfg.Tests {
		if err := stopped(ctx); err != nil {
			return err
		}
		for _, dev := range ictx.Devices() {
			if err := dev.CheckAvailable(); err != nil {
				return err
			}
		}
		err := test.Run(ctx, ictx, listener)
		if err == nil {
			continue
		}
		if device.IsNotAvailable(err) {
			log.Error().Err(err).Str("invocation", ictx.ID()).Str("test", test.Name()).Msg("device lost, aborting remaining tests")
			return err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctxErr := stopped(ctx); ctxErr != nil {
				return ctxErr
			}
		}
		// anything else is a test-level failure and stays a reported event
		log.Warn().Err(err).Str("invocation", ictx.ID()).Str("test", test.Name()).Msg("test returned error")
		listener.CloseOpen(err)
		listener.InvocationFailed(errors.Wrapf(err, "test %s", test.Name()))
	}
	return nil
}

func (inv *Invoker) tearDown(ictx *invocation.Context, prepared []setUpDevice, multi []MultiPreparer, cause error) error {
	// teardown must run even after a stop request
	ctx := context.Background()
	var errs []error
	for i := len(multi) - 1; i >= 0; i-- {
		if err := safeTearDown(func() error { return multi[i].TearDown(ctx, ictx, cause) }); err != nil {
			log.Warn().Err(err).Str("invocation", ictx.ID()).Str("preparer", fmt.Sprintf("%T", multi[i])).Msg("multi preparer teardown failed")
			errs = append(errs, err)
		}
	}
	for i := len(prepared) - 1; i >= 0; i-- {
		p := prepared[i]
		if err := safeTearDown(func() error { return p.preparer.TearDown(ctx, p.dev, p.info, cause) }); err != nil {
			log.Warn().Err(err).Str("invocation", ictx.ID()).Str("serial", p.dev.Serial()).
				Str("preparer", fmt.Sprintf("%T", p.preparer)).Msg("preparer teardown failed")
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return &TearDownError{Errs: errs}
}

func safeTearDown(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("teardown panicked: %v", r)
		}
	}()
	return fn()
}

// cleanup releases every build attached to ictx. Errors are logged only.
func (inv *Invoker) cleanup(ictx *invocation.Context, cfg *Configuration) {
	for _, info := range ictx.DropBuilds() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Str("invocation", ictx.ID()).Msg("build cleanup panicked")
				}
			}()
			cfg.BuildProvider.CleanUp(info)
		}()
	}
}

func stopped(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(ErrInvocationStopped, err.Error())
	}
	return nil
}

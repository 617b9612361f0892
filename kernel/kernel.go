// Package kernel provides the lifecycle controller for the embedded
// interactive kernel. It owns the start/stop state machine, the engine
// singleton, and the installation of the process-wide stream and hook
// bridges that keep the host console and the attached client simultaneously
// functional.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"revkernel/config"
	"revkernel/engine"
	"revkernel/events"
	"revkernel/hooks"
	"revkernel/host"
	"revkernel/hostio"
	"revkernel/iostream"
	"revkernel/logger"
	"revkernel/metrics"
	"revkernel/runloop"
	"revkernel/scope"
)

// ErrAlreadyRunning is returned by Start when the kernel is already running.
var ErrAlreadyRunning = errors.New("kernel is already running")

// Mode identifies the run-loop strategy a running kernel uses. The
// controller branches once at start time and never mixes strategies within
// one instance lifetime.
type Mode string

const (
	// ModeStopped means no run-loop strategy is active.
	ModeStopped Mode = "stopped"
	// ModePoll means the host scheduler pumps the engine.
	ModePoll Mode = "poll"
	// ModeNative means the engine runs its own processing loop.
	ModeNative Mode = "native"
)

// Kernel event types.
const (
	StartedEventType = "kernel.started"
	StoppedEventType = "kernel.stopped"
)

// StartedEvent is published when the kernel starts.
type StartedEvent struct {
	Engine     string
	Mode       Mode
	Connection engine.Info
}

func (e StartedEvent) EventType() string { return StartedEventType }

// StoppedEvent is published when the kernel stops.
type StoppedEvent struct {
	Engine string
}

func (e StoppedEvent) EventType() string { return StoppedEventType }

// The engine instance is created at most once per process, and the hook
// chains are installed exactly once, on first-ever creation. Both outlive
// stop/start cycles: hook composition is one-way and cheap to leave in
// place, and re-wrapping on every start would grow the chain without bound.
// The tee sinks built during creation are kept so every start can reinstall
// them as the active process-wide streams.
var (
	engineMu  sync.Mutex
	shared    engine.Engine
	sharedOut io.Writer
	sharedErr io.Writer
)

// Controller owns the embedded kernel's start/stop state machine. One
// controller is expected per process; restarting reuses the process-wide
// engine singleton.
type Controller struct {
	mu      sync.Mutex
	sched   host.Scheduler
	factory func() engine.Engine
	cfg     *config.Config
	bus     events.Bus

	// timer is present iff a periodic callback is registered with the host
	// scheduler, which implies conn is present.
	timer host.Timer
	conn  *engine.Info
	mode  Mode
}

// New returns a stopped controller. It captures the host's active output
// sinks as the saved host handles; construct the controller after the host
// console is installed and before anything can overwrite the streams.
func New(sched host.Scheduler, factory func() engine.Engine, cfg *config.Config, bus events.Bus) *Controller {
	hostio.Capture()
	if cfg == nil {
		cfg = &config.Config{}
	}
	if bus == nil {
		bus = events.New()
	}
	return &Controller{
		sched:   sched,
		factory: factory,
		cfg:     cfg,
		bus:     bus,
		mode:    ModeStopped,
	}
}

// Events returns the bus the controller publishes lifecycle events on.
func (c *Controller) Events() events.Bus { return c.bus }

// Start initializes the engine (first start only), installs the stream and
// hook bridges, and begins message processing under the strategy selected by
// the engine's capability probe. Starting an already-started controller
// fails with ErrAlreadyRunning and leaves the running instance untouched.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tracer := otel.Tracer("revkernel")
	ctx, span := tracer.Start(ctx, "Kernel.Start")
	defer span.End()

	if c.timer != nil || c.mode == ModeNative {
		metrics.KernelStartCounter.WithLabelValues(c.engineName(), "already_running").Inc()
		span.SetStatus(codes.Error, ErrAlreadyRunning.Error())
		return ErrAlreadyRunning
	}

	eng, firstCreation, err := c.obtainEngine(ctx)
	if err != nil {
		metrics.KernelStartCounter.WithLabelValues("none", "failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error(ctx, "engine initialization failed", zap.Error(err))
		return fmt.Errorf("initialize engine: %w", err)
	}
	span.SetAttributes(
		attribute.String("engine.name", eng.Name()),
		attribute.String("engine.version", eng.Version()),
		attribute.Bool("engine.first_creation", firstCreation),
	)

	// Point completion at the live scope on every start; the host namespace
	// may have been replaced since the last run.
	eng.BindCompleter(scope.MustMain())

	if engine.HasNativeLoop(eng) {
		if err := c.startNative(ctx, tracer, eng); err != nil {
			metrics.KernelStartCounter.WithLabelValues(eng.Name(), "failed").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	} else {
		if err := c.startPolling(ctx, tracer, eng); err != nil {
			metrics.KernelStartCounter.WithLabelValues(eng.Name(), "failed").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}
	span.SetAttributes(attribute.String("kernel.mode", string(c.mode)))

	installSharedStreams()

	info := eng.ConnectionInfo()
	c.conn = &info
	fmt.Fprintf(hostio.Stdout(), "[revkernel] kernel ready, %s\n", info.Describe())
	logger.Info(ctx, "kernel started",
		zap.String("engine", eng.Name()),
		zap.String("mode", string(c.mode)),
		zap.String("endpoint", info.Endpoint),
	)
	metrics.KernelStartCounter.WithLabelValues(eng.Name(), "success").Inc()
	c.bus.Publish(ctx, StartedEventType, StartedEvent{Engine: eng.Name(), Mode: c.mode, Connection: info})
	return nil
}

// startNative hands control to the engine's own processing loop.
func (c *Controller) startNative(ctx context.Context, tracer trace.Tracer, eng engine.Engine) error {
	ctx, span := tracer.Start(ctx, "Kernel.StartNativeLoop",
		trace.WithAttributes(attribute.String("engine.name", eng.Name())))
	defer span.End()
	if err := eng.(engine.NativeLoop).StartLoop(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("start native loop: %w", err)
	}
	c.mode = ModeNative
	return nil
}

// startPolling flushes the startup handshake with one immediate iteration,
// then registers the run-loop adapter with the host scheduler at the
// engine's recommended poll interval.
func (c *Controller) startPolling(ctx context.Context, tracer trace.Tracer, eng engine.Engine) error {
	ctx, span := tracer.Start(ctx, "Kernel.StartPolling",
		trace.WithAttributes(attribute.String("engine.name", eng.Name())))
	defer span.End()

	adapter, err := runloop.New(eng)
	if err != nil {
		return fmt.Errorf("run-loop adapter: %w", err)
	}
	if err := adapter.Iterate(ctx); err != nil {
		// The handshake flush is best-effort; the scheduled loop retries.
		logger.Warn(ctx, "initial iteration failed", zap.String("engine", eng.Name()), zap.Error(err))
	}

	interval := eng.PollInterval()
	if override := c.cfg.PollInterval(); override > 0 {
		interval = override
	}
	span.SetAttributes(attribute.Int64("poll_interval_ms", interval.Milliseconds()))

	timer, err := c.sched.Register(interval, adapter.Callback())
	if err != nil {
		return fmt.Errorf("register with host scheduler: %w", err)
	}
	c.timer = timer
	c.mode = ModePoll
	return nil
}

// obtainEngine returns the process-wide engine singleton, creating and
// initializing it on first use. First-ever creation also restores the host's
// "main" namespace registration displaced by engine initialization and
// installs the chained exception and display hooks.
func (c *Controller) obtainEngine(ctx context.Context) (engine.Engine, bool, error) {
	engineMu.Lock()
	defer engineMu.Unlock()
	if shared != nil {
		return shared, false, nil
	}

	eng := c.factory()
	opts := engine.Options{
		Sinks:          recordingSinkFactory,
		Logger:         logger.Engine(),
		InitScripts:    c.cfg.InitScripts(),
		ConnectionFile: c.cfg.ConnectionFile,
		Extra:          c.cfg.EngineOptions(eng.Name()),
	}

	prevMain, lookupErr := scope.Lookup(scope.Main)
	if err := eng.Initialize(ctx, opts); err != nil {
		return nil, false, err
	}
	// The engine registers its own namespace under "main" during
	// initialization. Subsequently loaded host code must keep resolving
	// "main" to the host's namespace, so put the original entry back.
	if lookupErr == nil && prevMain != nil {
		scope.Register(scope.Main, prevMain)
	}

	hooks.SetExcept(hooks.WrapExcept(eng.ExceptHook()))
	hooks.SetDisplay(hooks.WrapDisplay(eng.DisplayHook()))

	shared = eng
	return eng, true, nil
}

// recordingSinkFactory builds the engine's tee sinks and remembers them per
// role. It runs during engine initialization, under engineMu.
func recordingSinkFactory(role iostream.Role, client io.Writer) io.Writer {
	w := iostream.SinkFactory(role, client)
	switch role {
	case iostream.RoleStderr:
		sharedErr = w
	default:
		sharedOut = w
	}
	return w
}

// installSharedStreams points the active process-wide streams at the engine's
// tees. Stop restores the saved host handles, so every successful start has
// to reinstall; initialization alone only covers the first.
func installSharedStreams() {
	engineMu.Lock()
	out, errW := sharedOut, sharedErr
	engineMu.Unlock()
	if out != nil || errW != nil {
		hostio.SetStreams(out, errW)
	}
}

// Stop cancels the scheduled callback if one is registered, clears the
// lifecycle state, and restores the active output streams to the saved host
// handles. Stopping a stopped controller is a no-op apart from the stream
// restoration. The hook chains and the engine singleton stay installed;
// restarting reuses them.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tracer := otel.Tracer("revkernel")
	ctx, span := tracer.Start(ctx, "Kernel.Stop")
	defer span.End()

	name := c.engineName()
	if c.timer != nil {
		if err := c.sched.Unregister(c.timer); err != nil {
			logger.Warn(ctx, "unregister host timer failed", zap.Error(err))
		}
	}
	if c.mode == ModeNative {
		engineMu.Lock()
		eng := shared
		engineMu.Unlock()
		if nl, ok := eng.(engine.NativeLoop); ok {
			if err := nl.StopLoop(ctx); err != nil {
				logger.Warn(ctx, "stop native loop failed", zap.Error(err))
			}
		}
	}
	wasRunning := c.timer != nil || c.mode == ModeNative
	c.timer = nil
	c.conn = nil
	c.mode = ModeStopped

	hostio.RestoreSaved()

	metrics.KernelStopCounter.WithLabelValues(name).Inc()
	if wasRunning {
		logger.Info(ctx, "kernel stopped", zap.String("engine", name))
		c.bus.Publish(ctx, StoppedEventType, StoppedEvent{Engine: name})
	}
	return nil
}

// Started reports whether a scheduler callback is currently registered.
// Under ModeNative no timer is ever created, so this is an incomplete
// liveness signal for native-loop engines; check Mode as well.
func (c *Controller) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}

// Mode returns the run-loop strategy of the current instance lifetime.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// ConnectionInfo returns the connection descriptor of the running kernel, or
// nil when stopped.
func (c *Controller) ConnectionInfo() *engine.Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	info := *c.conn
	return &info
}

func (c *Controller) engineName() string {
	engineMu.Lock()
	defer engineMu.Unlock()
	if shared == nil {
		return "none"
	}
	return shared.Name()
}

// DoOneIteration performs one manual iteration on the process-wide engine.
// It fails with engine.ErrNotInitialized when no engine has been created and
// with runloop.ErrNativeLoop when the engine runs its own loop.
func DoOneIteration(ctx context.Context) error {
	engineMu.Lock()
	eng := shared
	engineMu.Unlock()
	if eng == nil {
		return engine.ErrNotInitialized
	}
	return runloop.DoOne(ctx, eng)
}

// Initialized reports whether the process-wide engine singleton exists and
// has completed initialization.
func Initialized() bool {
	engineMu.Lock()
	defer engineMu.Unlock()
	return shared != nil && shared.Initialized()
}

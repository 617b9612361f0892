// Package runloop bridges the engine's "process one batch of pending
// messages" primitive into the host's cooperative timer scheduler, for
// engines that do not run their own loop.
package runloop

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"revkernel/engine"
	"revkernel/host"
	"revkernel/logger"
	"revkernel/metrics"
)

// ErrNativeLoop is returned when the manual-iteration path is used with an
// engine that manages its own loop. The two run-loop strategies are mutually
// exclusive per process.
var ErrNativeLoop = errors.New("engine manages its own run loop")

// Adapter exposes an engine's manual iteration as a host scheduler callback.
// Host scheduler callbacks run on the host's single main thread, so the
// adapter holds no locks of its own.
type Adapter struct {
	eng engine.Engine
}

// New returns an adapter for eng, or ErrNativeLoop if eng manages its own
// loop.
func New(eng engine.Engine) (*Adapter, error) {
	if engine.HasNativeLoop(eng) {
		return nil, ErrNativeLoop
	}
	return &Adapter{eng: eng}, nil
}

// Callback returns the zero-argument callback to register with the host
// scheduler. Each invocation performs exactly one bounded iteration and
// returns the engine's poll interval for rescheduling. Iteration errors are
// logged and do not stop rescheduling; an uninitialized engine does, since
// there is nothing left to pump.
func (a *Adapter) Callback() host.Callback {
	return func() time.Duration {
		if !a.eng.Initialized() {
			logger.Warn(context.Background(), "run-loop fired for uninitialized engine, cancelling",
				zap.String("engine", a.eng.Name()))
			return -1
		}
		if err := a.iterate(context.Background()); err != nil {
			logger.Error(context.Background(), "run-loop iteration failed",
				zap.String("engine", a.eng.Name()), zap.Error(err))
		}
		return a.eng.PollInterval()
	}
}

// Iterate performs one processing iteration immediately. The controller uses
// it to flush the startup handshake before the first scheduled tick.
func (a *Adapter) Iterate(ctx context.Context) error {
	if !a.eng.Initialized() {
		return engine.ErrNotInitialized
	}
	return a.iterate(ctx)
}

func (a *Adapter) iterate(ctx context.Context) error {
	name := a.eng.Name()
	started := time.Now()
	err := a.eng.ProcessOne(ctx)
	metrics.IterationDuration.WithLabelValues(name).Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.IterationCounter.WithLabelValues(name, "failed").Inc()
		return err
	}
	metrics.IterationCounter.WithLabelValues(name, "success").Inc()
	return nil
}

// DoOne performs one manual iteration on eng. It fails with ErrNativeLoop
// for engines that run their own loop, and with engine.ErrNotInitialized
// when eng has not been initialized yet.
func DoOne(ctx context.Context, eng engine.Engine) error {
	if eng == nil {
		return engine.ErrNotInitialized
	}
	if engine.HasNativeLoop(eng) {
		return ErrNativeLoop
	}
	if !eng.Initialized() {
		return engine.ErrNotInitialized
	}
	return eng.ProcessOne(ctx)
}

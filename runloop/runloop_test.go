package runloop_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"revkernel/engine"
	"revkernel/hooks"
	"revkernel/runloop"
	"revkernel/scope"
)

// stubEngine is the smallest engine.Engine the adapter can drive.
type stubEngine struct {
	name       string
	version    string
	inited     bool
	poll       time.Duration
	iterations int
	processErr error
}

func (e *stubEngine) Name() string {
	if e.name == "" {
		return "stub"
	}
	return e.name
}

func (e *stubEngine) Version() string {
	if e.version == "" {
		return "1.0.0"
	}
	return e.version
}

func (e *stubEngine) Initialize(context.Context, engine.Options) error {
	e.inited = true
	return nil
}

func (e *stubEngine) Initialized() bool              { return e.inited }
func (e *stubEngine) ConnectionInfo() engine.Info    { return engine.Info{} }
func (e *stubEngine) BindCompleter(*scope.Namespace) {}
func (e *stubEngine) PollInterval() time.Duration    { return e.poll }
func (e *stubEngine) ExceptHook() hooks.ExceptHook   { return func(error, string) {} }
func (e *stubEngine) DisplayHook() hooks.DisplayHook { return func(any) {} }
func (e *stubEngine) Shutdown(context.Context) error { return nil }

func (e *stubEngine) ProcessOne(context.Context) error {
	e.iterations++
	return e.processErr
}

// nativeStub additionally claims a native loop at a qualifying version.
type nativeStub struct {
	stubEngine
}

func (e *nativeStub) StartLoop(context.Context) error { return nil }
func (e *nativeStub) StopLoop(context.Context) error  { return nil }

func TestNewRejectsNativeLoopEngine(t *testing.T) {
	eng := &nativeStub{stubEngine: stubEngine{version: "2.0.0"}}
	if _, err := runloop.New(eng); !errors.Is(err, runloop.ErrNativeLoop) {
		t.Fatalf("New = %v, want ErrNativeLoop", err)
	}
}

func TestNewAcceptsOldNativeLoopVersions(t *testing.T) {
	// Engines below the native-loop version range expose the loop methods
	// but still need host-driven polling.
	eng := &nativeStub{stubEngine: stubEngine{version: "1.9.3"}}
	if _, err := runloop.New(eng); err != nil {
		t.Fatalf("New rejected a pre-native-loop engine: %v", err)
	}
}

func TestCallbackIteratesAndReschedules(t *testing.T) {
	eng := &stubEngine{inited: true, poll: 50 * time.Millisecond}
	adapter, err := runloop.New(eng)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cb := adapter.Callback()
	if next := cb(); next != 50*time.Millisecond {
		t.Fatalf("callback returned %v, want 50ms", next)
	}
	if eng.iterations != 1 {
		t.Fatalf("iterations = %d, want 1", eng.iterations)
	}
}

func TestCallbackKeepsReschedulingOnIterationError(t *testing.T) {
	eng := &stubEngine{inited: true, poll: 25 * time.Millisecond, processErr: errors.New("transient")}
	adapter, err := runloop.New(eng)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if next := adapter.Callback()(); next != 25*time.Millisecond {
		t.Fatalf("callback returned %v on iteration error, want rescheduling at 25ms", next)
	}
}

func TestCallbackCancelsForUninitializedEngine(t *testing.T) {
	eng := &stubEngine{inited: false}
	adapter, err := runloop.New(eng)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if next := adapter.Callback()(); next >= 0 {
		t.Fatalf("callback returned %v for uninitialized engine, want a cancelling interval", next)
	}
	if eng.iterations != 0 {
		t.Fatalf("iterations = %d for uninitialized engine, want 0", eng.iterations)
	}
}

func TestIterateRequiresInitialization(t *testing.T) {
	eng := &stubEngine{}
	adapter, err := runloop.New(eng)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := adapter.Iterate(context.Background()); !errors.Is(err, engine.ErrNotInitialized) {
		t.Fatalf("Iterate = %v, want ErrNotInitialized", err)
	}
}

func TestIteratePropagatesProcessingErrors(t *testing.T) {
	boom := errors.New("decode failed")
	eng := &stubEngine{inited: true, processErr: boom}
	adapter, err := runloop.New(eng)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := adapter.Iterate(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Iterate = %v, want %v", err, boom)
	}
}

func TestDoOne(t *testing.T) {
	t.Run("nil engine", func(t *testing.T) {
		if err := runloop.DoOne(context.Background(), nil); !errors.Is(err, engine.ErrNotInitialized) {
			t.Fatalf("DoOne(nil) = %v, want ErrNotInitialized", err)
		}
	})
	t.Run("native engine", func(t *testing.T) {
		eng := &nativeStub{stubEngine: stubEngine{version: "2.1.0", inited: true}}
		if err := runloop.DoOne(context.Background(), eng); !errors.Is(err, runloop.ErrNativeLoop) {
			t.Fatalf("DoOne = %v, want ErrNativeLoop", err)
		}
	})
	t.Run("uninitialized engine", func(t *testing.T) {
		if err := runloop.DoOne(context.Background(), &stubEngine{}); !errors.Is(err, engine.ErrNotInitialized) {
			t.Fatalf("DoOne = %v, want ErrNotInitialized", err)
		}
	})
	t.Run("initialized engine", func(t *testing.T) {
		eng := &stubEngine{inited: true}
		if err := runloop.DoOne(context.Background(), eng); err != nil {
			t.Fatalf("DoOne = %v", err)
		}
		if eng.iterations != 1 {
			t.Fatalf("iterations = %d, want 1", eng.iterations)
		}
	})
}

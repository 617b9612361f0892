// Package goeval is the reference Go-evaluating engine, built on the yaegi
// interpreter. It evaluates client code against the process's shared "main"
// namespace, routes its output through the configured sink factory, and runs
// its own message-processing loop (engine API 2.x).
package goeval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"

	"revkernel/engine"
	"revkernel/engines/internal/endpoint"
	"revkernel/hooks"
	"revkernel/hostio"
	"revkernel/iostream"
	"revkernel/scope"
)

const (
	engineName    = "goeval"
	engineVersion = "2.1.0"

	defaultPollInterval = 50 * time.Millisecond
	defaultBatchSize    = 16
)

// settings are the free-form options goeval understands.
type settings struct {
	PollIntervalMS int `mapstructure:"poll_interval_ms"`
	BatchSize      int `mapstructure:"batch_size"`
}

// Engine implements engine.Engine and engine.NativeLoop.
type Engine struct {
	mu   sync.Mutex
	log  *zap.Logger
	intp *interp.Interpreter
	ep   *endpoint.Endpoint
	ns   *scope.Namespace

	out       io.Writer // teed stdout
	errW      io.Writer // teed stderr
	clientOut io.Writer // client-facing only, for hook output
	clientErr io.Writer

	completer   *scope.Namespace
	poll        time.Duration
	batch       int
	initialized bool

	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// New returns an uninitialized goeval engine.
func New() *Engine {
	return &Engine{poll: defaultPollInterval, batch: defaultBatchSize}
}

// Name implements engine.Engine.
func (e *Engine) Name() string { return engineName }

// Version implements engine.Engine.
func (e *Engine) Version() string { return engineVersion }

// Initialized implements engine.Engine.
func (e *Engine) Initialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialized
}

// Initialize opens the attach endpoint, builds the interpreter, and registers
// the engine's namespace under "main" (the controller restores the host's
// entry afterwards).
func (e *Engine) Initialize(ctx context.Context, opts engine.Options) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return engine.ErrAlreadyInitialized
	}
	if opts.Sinks == nil {
		return errors.New("goeval: sink factory is required")
	}
	e.log = opts.Logger
	if e.log == nil {
		e.log = zap.NewNop()
	}

	var cfg settings
	if opts.Extra != nil {
		if err := mapstructure.Decode(opts.Extra, &cfg); err != nil {
			return fmt.Errorf("goeval: decode options: %w", err)
		}
	}
	if cfg.PollIntervalMS > 0 {
		e.poll = time.Duration(cfg.PollIntervalMS) * time.Millisecond
	}
	if cfg.BatchSize > 0 {
		e.batch = cfg.BatchSize
	}

	ep, err := endpoint.Listen(engineName, engineVersion, opts.ConnectionFile, e.log)
	if err != nil {
		return fmt.Errorf("goeval: attach endpoint: %w", err)
	}
	e.ep = ep
	e.clientOut = ep.StreamWriter(string(iostream.RoleStdout))
	e.clientErr = ep.StreamWriter(string(iostream.RoleStderr))
	e.out = opts.Sinks(iostream.RoleStdout, e.clientOut)
	e.errW = opts.Sinks(iostream.RoleStderr, e.clientErr)

	// The interpreter's stdlib setup probes the process's standard streams
	// and expects ordinary file-backed handles; the host's console writers
	// are not that, so the step runs against the canonical handles.
	err = hostio.WithCanonicalStreams(func() error {
		i := interp.New(interp.Options{Stdout: e.out, Stderr: e.errW})
		if err := i.Use(stdlib.Symbols); err != nil {
			return fmt.Errorf("goeval: load stdlib: %w", err)
		}
		e.intp = i
		return nil
	})
	if err != nil {
		_ = ep.Close(ctx)
		return err
	}

	// The engine evaluates against the shared "main" namespace and exposes
	// it to interpreted code as the hostscope package.
	e.ns = scope.MustMain()
	if err := e.intp.Use(interp.Exports{
		"hostscope/hostscope": {
			"Get": reflect.ValueOf(func(name string) any {
				v, _ := e.ns.Get(name)
				return v
			}),
			"Set":   reflect.ValueOf(e.ns.Set),
			"Names": reflect.ValueOf(e.ns.Names),
		},
	}); err != nil {
		_ = ep.Close(ctx)
		return fmt.Errorf("goeval: export host scope: %w", err)
	}
	// Engine initialization owns the "main" registration from here; the
	// lifecycle controller puts the host's entry back.
	scope.Register(scope.Main, e.ns)
	e.completer = e.ns

	for _, script := range opts.InitScripts {
		src, err := os.ReadFile(script)
		if err != nil {
			e.log.Warn("init script unreadable", zap.String("path", script), zap.Error(err))
			continue
		}
		if _, err := e.intp.Eval(string(src)); err != nil {
			e.log.Warn("init script failed", zap.String("path", script), zap.Error(err))
		}
	}

	e.initialized = true
	return nil
}

// ConnectionInfo implements engine.Engine.
func (e *Engine) ConnectionInfo() engine.Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ep == nil {
		return engine.Info{Engine: engineName}
	}
	return e.ep.Info()
}

// BindCompleter implements engine.Engine.
func (e *Engine) BindCompleter(ns *scope.Namespace) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ns != nil {
		e.completer = ns
	}
}

// PollInterval implements engine.Engine.
func (e *Engine) PollInterval() time.Duration { return e.poll }

// ProcessOne drains the messages currently queued, up to the batch bound.
func (e *Engine) ProcessOne(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return engine.ErrNotInitialized
	}
	for n := 0; n < e.batch; n++ {
		select {
		case req := <-e.ep.Queue():
			e.handle(req)
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	return nil
}

// handle serves one client request. Callers hold e.mu or run on the loop
// goroutine.
func (e *Engine) handle(req endpoint.Request) {
	switch req.Op {
	case "execute":
		val, err := e.intp.Eval(req.Code)
		if err != nil {
			hooks.Except(err, "")
			e.ep.Reply(req, endpoint.Response{ID: req.ID, Status: "error", Error: err.Error()})
			return
		}
		var rendered string
		if val.IsValid() && val.CanInterface() {
			result := val.Interface()
			hooks.Display(result)
			rendered = fmt.Sprintf("%v", result)
		}
		e.ep.Reply(req, endpoint.Response{ID: req.ID, Status: "ok", Result: rendered})
	case "complete":
		e.ep.Reply(req, endpoint.Response{ID: req.ID, Status: "ok", Matches: e.complete(req.Code)})
	default:
		e.ep.Reply(req, endpoint.Response{ID: req.ID, Status: "error", Error: "unknown op: " + req.Op})
	}
}

// complete returns scope names with the given prefix.
func (e *Engine) complete(prefix string) []string {
	ns := e.completer
	if ns == nil {
		return nil
	}
	var matches []string
	for _, name := range ns.Names() {
		if strings.HasPrefix(name, prefix) {
			matches = append(matches, name)
		}
	}
	return matches
}

// StartLoop implements engine.NativeLoop: a goroutine owned by the engine
// serves requests as they arrive.
func (e *Engine) StartLoop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return engine.ErrNotInitialized
	}
	if e.loopCancel != nil {
		return errors.New("goeval: loop already running")
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	e.loopCancel = cancel
	e.loopDone = make(chan struct{})
	go e.loop(loopCtx)
	return nil
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-e.ep.Queue():
			e.mu.Lock()
			e.handle(req)
			e.mu.Unlock()
		}
	}
}

// StopLoop implements engine.NativeLoop.
func (e *Engine) StopLoop(ctx context.Context) error {
	e.mu.Lock()
	cancel, done := e.loopCancel, e.loopDone
	e.loopCancel, e.loopDone = nil, nil
	e.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExceptHook implements engine.Engine: failures are reported to attached
// clients on the stderr stream.
func (e *Engine) ExceptHook() hooks.ExceptHook {
	return func(err error, trace string) {
		if e.clientErr == nil {
			return
		}
		fmt.Fprintf(e.clientErr, "%v\n", err)
		if trace != "" {
			fmt.Fprintln(e.clientErr, trace)
		}
	}
}

// DisplayHook implements engine.Engine: expression results are rendered to
// attached clients on the stdout stream.
func (e *Engine) DisplayHook() hooks.DisplayHook {
	return func(value any) {
		if e.clientOut == nil || value == nil {
			return
		}
		fmt.Fprintf(e.clientOut, "%v\n", value)
	}
}

// Shutdown stops the loop if running and releases the attach endpoint.
func (e *Engine) Shutdown(ctx context.Context) error {
	if err := e.StopLoop(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	ep := e.ep
	e.ep = nil
	e.initialized = false
	e.mu.Unlock()
	if ep == nil {
		return nil
	}
	return ep.Close(ctx)
}

// Package jseval is the JavaScript-evaluating engine, built on the goja
// runtime. It is an engine API 1.x generation: it has no loop of its own and
// relies on the host scheduler pumping ProcessOne at its poll interval.
package jseval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	"revkernel/engine"
	"revkernel/engines/internal/endpoint"
	"revkernel/hooks"
	"revkernel/iostream"
	"revkernel/scope"
)

const (
	engineName    = "jseval"
	engineVersion = "1.4.2"

	defaultPollInterval = 50 * time.Millisecond
	defaultBatchSize    = 16
)

type settings struct {
	PollIntervalMS int `mapstructure:"poll_interval_ms"`
	BatchSize      int `mapstructure:"batch_size"`
}

// Engine implements engine.Engine. It deliberately does not implement
// engine.NativeLoop.
type Engine struct {
	mu  sync.Mutex
	log *zap.Logger
	vm  *goja.Runtime
	ep  *endpoint.Endpoint
	ns  *scope.Namespace

	out       io.Writer
	errW      io.Writer
	clientOut io.Writer
	clientErr io.Writer

	completer   *scope.Namespace
	poll        time.Duration
	batch       int
	initialized bool
}

// New returns an uninitialized jseval engine.
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

// Initialize opens the attach endpoint and builds a persistent runtime so
// client sessions keep their state across evaluations.
func (e *Engine) Initialize(ctx context.Context, opts engine.Options) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return engine.ErrAlreadyInitialized
	}
	if opts.Sinks == nil {
		return errors.New("jseval: sink factory is required")
	}
	e.log = opts.Logger
	if e.log == nil {
		e.log = zap.NewNop()
	}

	var cfg settings
	if opts.Extra != nil {
		if err := mapstructure.Decode(opts.Extra, &cfg); err != nil {
			return fmt.Errorf("jseval: decode options: %w", err)
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
		return fmt.Errorf("jseval: attach endpoint: %w", err)
	}
	e.ep = ep
	e.clientOut = ep.StreamWriter(string(iostream.RoleStdout))
	e.clientErr = ep.StreamWriter(string(iostream.RoleStderr))
	e.out = opts.Sinks(iostream.RoleStdout, e.clientOut)
	e.errW = opts.Sinks(iostream.RoleStderr, e.clientErr)

	e.ns = scope.MustMain()
	vm := goja.New()
	if err := e.bindRuntime(vm); err != nil {
		_ = ep.Close(ctx)
		return err
	}
	e.vm = vm
	scope.Register(scope.Main, e.ns)
	e.completer = e.ns

	for _, script := range opts.InitScripts {
		src, err := os.ReadFile(script)
		if err != nil {
			e.log.Warn("init script unreadable", zap.String("path", script), zap.Error(err))
			continue
		}
		if _, err := vm.RunString(string(src)); err != nil {
			e.log.Warn("init script failed", zap.String("path", script), zap.Error(err))
		}
	}

	e.initialized = true
	return nil
}

// bindRuntime wires the host scope and the teed print function into the VM.
func (e *Engine) bindRuntime(vm *goja.Runtime) error {
	if err := vm.Set("print", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, arg.String())
		}
		fmt.Fprintln(e.out, strings.Join(parts, " "))
		return goja.Undefined()
	}); err != nil {
		return fmt.Errorf("jseval: bind print: %w", err)
	}
	hostObj := map[string]any{
		"get": func(name string) any {
			v, _ := e.ns.Get(name)
			return v
		},
		"set":   e.ns.Set,
		"names": e.ns.Names,
	}
	if err := vm.Set("hostscope", hostObj); err != nil {
		return fmt.Errorf("jseval: bind hostscope: %w", err)
	}
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
// It runs on the host's main thread; no internal locking is needed beyond
// the engine mutex.
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

func (e *Engine) handle(req endpoint.Request) {
	switch req.Op {
	case "execute":
		val, err := e.vm.RunString(req.Code)
		if err != nil {
			hooks.Except(err, "")
			e.ep.Reply(req, endpoint.Response{ID: req.ID, Status: "error", Error: err.Error()})
			return
		}
		var rendered string
		if val != nil && !goja.IsUndefined(val) {
			result := val.Export()
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

// ExceptHook implements engine.Engine.
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

// DisplayHook implements engine.Engine.
func (e *Engine) DisplayHook() hooks.DisplayHook {
	return func(value any) {
		if e.clientOut == nil || value == nil {
			return
		}
		fmt.Fprintf(e.clientOut, "%v\n", value)
	}
}

// Shutdown releases the attach endpoint.
func (e *Engine) Shutdown(ctx context.Context) error {
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

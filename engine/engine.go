// Package engine declares the surface the lifecycle controller needs from an
// underlying interactive-execution engine. Engines own code evaluation,
// completion, display formatting, and the client attach endpoint; the
// controller only starts them, stops them, and keeps the host's process-wide
// state intact around them.
package engine

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"revkernel/hooks"
	"revkernel/iostream"
	"revkernel/scope"
)

// Common engine errors.
var (
	ErrNotInitialized     = errors.New("engine is not initialized")
	ErrAlreadyInitialized = errors.New("engine is already initialized")
)

// Info is the connection descriptor identifying the transport endpoint a
// client uses to attach. It is engine-defined and opaque to the controller
// besides the file path and the human-readable rendering.
type Info struct {
	// ID uniquely identifies this kernel session.
	ID string `yaml:"id"`
	// Engine names the engine that allocated the descriptor.
	Engine string `yaml:"engine"`
	// Endpoint is the transport address a client dials.
	Endpoint string `yaml:"endpoint"`
	// File is the on-disk path of the connection file, when one was written.
	File string `yaml:"-"`
}

// Describe renders attach instructions for the user.
func (i Info) Describe() string {
	s := "connect using: " + i.Endpoint
	if i.File != "" {
		s += "\nconnection file: " + i.File
	}
	return s
}

// SinkFactory builds the output sink the engine writes a given stream role
// to. The controller passes iostream.SinkFactory so every engine write is
// teed to the host console.
type SinkFactory func(role iostream.Role, client io.Writer) io.Writer

// Options configures engine initialization.
type Options struct {
	// Sinks wraps the engine's client-facing writers. Required.
	Sinks SinkFactory
	// Logger is the dedicated engine logger. It must not assume the
	// process-wide error stream is a regular file. Required.
	Logger *zap.Logger
	// InitScripts are paths of user init scripts evaluated into the kernel
	// namespace during creation, in order. Optional.
	InitScripts []string
	// ConnectionFile, when non-empty, names a pre-existing connection
	// descriptor to bind to instead of allocating a fresh one.
	ConnectionFile string
	// Extra carries free-form per-engine settings (decoded by each engine
	// with mapstructure).
	Extra map[string]any
}

// Engine is an interactive-execution engine the controller can embed.
// Initialize is called at most once per process; the controller owns that
// guarantee.
type Engine interface {
	// Name returns the engine's identifier ("goeval", "jseval", ...).
	Name() string
	// Version returns the engine's semantic version. The controller gates
	// run-loop strategy selection on it.
	Version() string
	// Initialize allocates the attach endpoint, binds the namespace, and
	// prepares evaluation. It must not start processing messages.
	Initialize(ctx context.Context, opts Options) error
	// Initialized reports whether Initialize has completed successfully.
	Initialized() bool
	// ConnectionInfo returns the descriptor allocated by Initialize.
	ConnectionInfo() Info
	// BindCompleter points code completion at ns. Called on every start so
	// completion follows the live scope.
	BindCompleter(ns *scope.Namespace)
	// ProcessOne performs one bounded, non-blocking processing iteration
	// over the messages currently queued.
	ProcessOne(ctx context.Context) error
	// PollInterval returns the engine's recommended poll interval for
	// host-driven scheduling.
	PollInterval() time.Duration
	// ExceptHook returns the engine's exception-report callback, suitable
	// for chaining with the host's.
	ExceptHook() hooks.ExceptHook
	// DisplayHook returns the engine's result-display callback, suitable
	// for chaining with the host's.
	DisplayHook() hooks.DisplayHook
	// Shutdown releases the attach endpoint. The controller does not call
	// this on Stop (the singleton outlives stop/start cycles); it exists
	// for process teardown and tests.
	Shutdown(ctx context.Context) error
}

// NativeLoop is implemented by engines that run their own message-processing
// loop instead of relying on host-driven polling. The two strategies are
// mutually exclusive for the lifetime of a controller instance.
type NativeLoop interface {
	// StartLoop begins the engine-owned processing loop.
	StartLoop(ctx context.Context) error
	// StopLoop halts the engine-owned processing loop.
	StopLoop(ctx context.Context) error
}

// nativeLoopConstraint is the minimum engine version at which an engine-owned
// loop is trusted. Older engine generations expose StopLoop/StartLoop stubs
// but still expect the host to pump messages.
var nativeLoopConstraint = mustConstraint(">= 2.0.0")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// HasNativeLoop reports whether e manages its own message-processing loop:
// it must implement NativeLoop and declare a version inside the supported
// range. An unparseable version disables the native path rather than risking
// a kernel nobody pumps.
func HasNativeLoop(e Engine) bool {
	if _, ok := e.(NativeLoop); !ok {
		return false
	}
	v, err := semver.NewVersion(e.Version())
	if err != nil {
		return false
	}
	return nativeLoopConstraint.Check(v)
}

// Package hooks owns the two process-wide singleton callbacks the host and
// the embedded engine both want to install: the exception-report hook and the
// expression-result display hook. Either side overwriting the other's hook
// silently breaks that side's console, so installation goes through chain
// wrappers that keep both behaviors alive.
package hooks

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"revkernel/hostio"
	"revkernel/logger"
	"revkernel/metrics"
)

// ExceptHook reports an execution failure. The host's hook renders it in the
// host console; the engine's hook sends it to the attached client.
type ExceptHook func(err error, trace string)

// DisplayHook renders the result value of an evaluated expression.
type DisplayHook func(value any)

var (
	mu      sync.RWMutex
	except  ExceptHook
	display DisplayHook
)

func init() {
	// Host-flavored defaults: render on whatever console sink is active.
	except = func(err error, trace string) {
		fmt.Fprintf(hostio.Stderr(), "%v\n", err)
		if trace != "" {
			fmt.Fprintln(hostio.Stderr(), trace)
		}
	}
	display = func(value any) {
		if value != nil {
			fmt.Fprintf(hostio.Stdout(), "%v\n", value)
		}
	}
}

// CurrentExcept returns the currently-installed exception hook.
func CurrentExcept() ExceptHook {
	mu.RLock()
	defer mu.RUnlock()
	return except
}

// SetExcept installs h as the process-wide exception hook.
func SetExcept(h ExceptHook) {
	if h == nil {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	except = h
}

// CurrentDisplay returns the currently-installed display hook.
func CurrentDisplay() DisplayHook {
	mu.RLock()
	defer mu.RUnlock()
	return display
}

// SetDisplay installs h as the process-wide display hook.
func SetDisplay(h DisplayHook) {
	if h == nil {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	display = h
}

// WrapExcept captures the currently-installed exception hook and returns a
// composed hook that calls the previous one, then next, with the same
// arguments. Both links always run: a panic in one is recovered, counted and
// logged, and never prevents the other from seeing the failure.
func WrapExcept(next ExceptHook) ExceptHook {
	prev := CurrentExcept()
	return func(err error, trace string) {
		callExcept("previous", prev, err, trace)
		callExcept("next", next, err, trace)
	}
}

// WrapDisplay is WrapExcept for the result-display hook.
func WrapDisplay(next DisplayHook) DisplayHook {
	prev := CurrentDisplay()
	return func(value any) {
		callDisplay("previous", prev, value)
		callDisplay("next", next, value)
	}
}

func callExcept(link string, h ExceptHook, err error, trace string) {
	if h == nil {
		return
	}
	defer recoverHook("except", link)
	h(err, trace)
}

func callDisplay(link string, h DisplayHook, value any) {
	if h == nil {
		return
	}
	defer recoverHook("display", link)
	h(value)
}

func recoverHook(hook, link string) {
	if r := recover(); r != nil {
		metrics.HookFailures.WithLabelValues(hook, link).Inc()
		logger.Warn(context.Background(), "hook callback panicked",
			zap.String("hook", hook),
			zap.String("link", link),
			zap.Any("panic", r),
		)
	}
}

// Except invokes the currently-installed exception hook.
func Except(err error, trace string) {
	CurrentExcept()(err, trace)
}

// Display invokes the currently-installed display hook.
func Display(value any) {
	CurrentDisplay()(value)
}

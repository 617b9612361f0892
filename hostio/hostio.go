// Package hostio owns the process-wide output stream state shared between the
// host application's console and the embedded kernel. The host overrides the
// active stdout/stderr sinks with its own console writers; the engine will
// override them again. This package captures the host's writers once, keeps
// the canonical (pre-override) file handles usable, and restores everything on
// teardown.
package hostio

import (
	"io"
	"os"
	"sync"
)

var (
	mu sync.RWMutex

	// canonicalOut/Err are the process's real file-backed handles, recorded
	// at package load. If the process was launched without usable standard
	// handles (a GUI host on Windows, for example), they are substituted
	// with the null device so low-level probing of them cannot fail.
	canonicalOut *os.File
	canonicalErr *os.File

	// activeOut/Err are the process-wide active sinks. The host installs its
	// console here via SetStreams; everything written through Stdout/Stderr
	// lands on whatever is installed.
	activeOut io.Writer
	activeErr io.Writer

	// savedOut/Err are the host's sinks captured by Capture. Captured
	// exactly once, never mutated afterwards, process-lifetime scope.
	savedOut    io.Writer
	savedErr    io.Writer
	captureOnce sync.Once
)

func init() {
	canonicalOut = usableHandle(os.Stdout)
	canonicalErr = usableHandle(os.Stderr)
	// Keep the os-level handles pointing at something writable too; engine
	// internals may reach for them directly.
	os.Stdout = canonicalOut
	os.Stderr = canonicalErr
	activeOut = canonicalOut
	activeErr = canonicalErr
}

// usableHandle returns f when it refers to a valid descriptor, or a handle on
// the null device when it does not.
func usableHandle(f *os.File) *os.File {
	if f != nil && int(f.Fd()) >= 0 {
		return f
	}
	null, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		// No null device either; keep whatever we had rather than crash the
		// host at load time.
		return f
	}
	return null
}

// Capture records the currently-active stdout and stderr sinks as the saved
// host handles. The first call wins; later calls are no-ops. It must run
// before any kernel start so the tee has a host destination to forward to.
func Capture() {
	captureOnce.Do(func() {
		mu.Lock()
		defer mu.Unlock()
		savedOut = activeOut
		savedErr = activeErr
	})
}

// SavedStdout returns the host stdout sink captured by Capture, or nil if
// Capture has not run.
func SavedStdout() io.Writer {
	mu.RLock()
	defer mu.RUnlock()
	return savedOut
}

// SavedStderr returns the host stderr sink captured by Capture, or nil if
// Capture has not run.
func SavedStderr() io.Writer {
	mu.RLock()
	defer mu.RUnlock()
	return savedErr
}

// Stdout returns the currently-active process-wide stdout sink.
func Stdout() io.Writer {
	mu.RLock()
	defer mu.RUnlock()
	return activeOut
}

// Stderr returns the currently-active process-wide stderr sink.
func Stderr() io.Writer {
	mu.RLock()
	defer mu.RUnlock()
	return activeErr
}

// SetStreams installs out and err as the active process-wide sinks. The host
// calls this when it takes over the console; the engine's tee is installed
// through the same slot.
func SetStreams(out, err io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if out != nil {
		activeOut = out
	}
	if err != nil {
		activeErr = err
	}
}

// RestoreSaved resets the active sinks to the saved host handles. It is the
// teardown half of the bridge: after it returns, host console output flows
// exactly as it did before the kernel was started. A no-op when Capture has
// not run.
func RestoreSaved() {
	mu.Lock()
	defer mu.Unlock()
	if savedOut != nil {
		activeOut = savedOut
	}
	if savedErr != nil {
		activeErr = savedErr
	}
}

// CanonicalStdout returns the original file-backed stdout handle (or its null
// substitute).
func CanonicalStdout() *os.File { return canonicalOut }

// CanonicalStderr returns the original file-backed stderr handle (or its null
// substitute).
func CanonicalStderr() *os.File { return canonicalErr }

// WithCanonicalStreams runs fn with the active sinks temporarily pointing at
// the canonical file handles, then puts the previous sinks back. Engine setup
// steps that probe the standard streams expect ordinary file objects with
// descriptors; the host's console writers are not that, so those steps run
// under this guard.
func WithCanonicalStreams(fn func() error) error {
	mu.Lock()
	prevOut, prevErr := activeOut, activeErr
	activeOut, activeErr = canonicalOut, canonicalErr
	mu.Unlock()
	defer func() {
		mu.Lock()
		activeOut, activeErr = prevOut, prevErr
		mu.Unlock()
	}()
	return fn()
}

// resetForTest clears the captured handles and reinstalls the canonical ones.
// Only tests use this; the production rule is capture-once for the process
// lifetime.
func resetForTest() {
	mu.Lock()
	defer mu.Unlock()
	savedOut = nil
	savedErr = nil
	captureOnce = sync.Once{}
	activeOut = canonicalOut
	activeErr = canonicalErr
}

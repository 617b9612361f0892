// Package iostream provides the tee output stream the engine is configured
// to write to. Everything the engine emits is duplicated: first to the host
// console sink captured at bridge load, then to the engine's client-facing
// sink, so attaching a client never makes output disappear from the host.
package iostream

import (
	"context"
	"io"

	"go.uber.org/zap"

	"revkernel/hostio"
	"revkernel/logger"
	"revkernel/metrics"
)

// Role identifies which standard stream a tee stands in for.
type Role string

const (
	// RoleStdout marks the standard-output tee.
	RoleStdout Role = "stdout"
	// RoleStderr marks the standard-error tee.
	RoleStderr Role = "stderr"
)

// Tee is a write-only sink that forwards every write to the saved host sink
// for its role before handing it to the client-facing sink. Write never
// returns an error: a stale or closed destination loses output on that side
// only, and must not take the other side (or the host process) down with it.
type Tee struct {
	role   Role
	client io.Writer
}

// NewTee returns a tee for role whose client-facing destination is client.
// The host-facing destination is resolved per write from the handles captured
// by hostio.Capture, so a tee built before capture still forwards correctly.
func NewTee(role Role, client io.Writer) *Tee {
	return &Tee{role: role, client: client}
}

// Role returns the stream role this tee stands in for.
func (t *Tee) Role() Role { return t.role }

// Write duplicates p to the host sink and then the client sink, in that
// order. It always reports full delivery; per-destination failures are
// isolated, counted, and logged.
func (t *Tee) Write(p []byte) (int, error) {
	t.forward(t.hostSink(), "host", p)
	if t.client != nil {
		t.forward(t.client, "client", p)
	}
	return len(p), nil
}

func (t *Tee) hostSink() io.Writer {
	if t.role == RoleStderr {
		return hostio.SavedStderr()
	}
	return hostio.SavedStdout()
}

// forward writes p to w, swallowing errors and panics. The host sink can be
// torn down underneath us when the host closes its console widget; that must
// not stop delivery to the client.
func (t *Tee) forward(w io.Writer, destination string, p []byte) {
	if w == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			metrics.TeeForwardFailures.WithLabelValues(string(t.role)).Inc()
			logger.Warn(context.Background(), "tee destination panicked",
				zap.String("role", string(t.role)),
				zap.String("destination", destination),
				zap.Any("panic", r),
			)
		}
	}()
	if _, err := w.Write(p); err != nil {
		metrics.TeeForwardFailures.WithLabelValues(string(t.role)).Inc()
		logger.Debug(context.Background(), "tee write failed",
			zap.String("role", string(t.role)),
			zap.String("destination", destination),
			zap.Error(err),
		)
		return
	}
	metrics.TeeWriteCounter.WithLabelValues(string(t.role), destination).Inc()
}

// SinkFactory builds the tee pair the engine is configured with. The engine
// passes its own client-facing writer for each role.
func SinkFactory(role Role, client io.Writer) io.Writer {
	return NewTee(role, client)
}

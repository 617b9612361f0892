package iostream_test

import (
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"revkernel/hostio"
	"revkernel/iostream"
)

// recordingWriter appends every write, tagged with its name, to a shared log
// so tests can assert cross-writer ordering.
type recordingWriter struct {
	name string
	log  *writeLog

	mu      sync.Mutex
	failErr error
	panicOn bool
}

type writeLog struct {
	mu      sync.Mutex
	entries []logEntry
}

type logEntry struct {
	writer string
	data   string
}

func (l *writeLog) record(writer, data string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{writer: writer, data: data})
}

func (l *writeLog) all() []logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]logEntry(nil), l.entries...)
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	failErr, panicOn := w.failErr, w.panicOn
	w.mu.Unlock()
	if panicOn {
		panic("console widget is gone")
	}
	if failErr != nil {
		return 0, failErr
	}
	w.log.record(w.name, string(p))
	return len(p), nil
}

func (w *recordingWriter) setFailure(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failErr = err
}

func (w *recordingWriter) setPanic(on bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.panicOn = on
}

// The host writers are installed and captured once for the whole package;
// captured host handles are process-lifetime state.
var (
	teeLog     = &writeLog{}
	hostStdout = &recordingWriter{name: "host-out", log: teeLog}
	hostStderr = &recordingWriter{name: "host-err", log: teeLog}
)

func TestMain(m *testing.M) {
	hostio.SetStreams(hostStdout, hostStderr)
	hostio.Capture()
	os.Exit(m.Run())
}

func TestWriteForwardsHostFirstThenClient(t *testing.T) {
	client := &recordingWriter{name: "client", log: teeLog}
	tee := iostream.NewTee(iostream.RoleStdout, client)

	before := len(teeLog.all())
	n, err := tee.Write([]byte("result: 42\n"))
	require.NoError(t, err)
	require.Equal(t, len("result: 42\n"), n)

	entries := teeLog.all()[before:]
	require.Len(t, entries, 2)
	assert.Equal(t, logEntry{writer: "host-out", data: "result: 42\n"}, entries[0])
	assert.Equal(t, logEntry{writer: "client", data: "result: 42\n"}, entries[1])
}

func TestStderrRoleForwardsToSavedStderr(t *testing.T) {
	client := &recordingWriter{name: "client", log: teeLog}
	tee := iostream.NewTee(iostream.RoleStderr, client)
	require.Equal(t, iostream.RoleStderr, tee.Role())

	before := len(teeLog.all())
	_, err := tee.Write([]byte("oops\n"))
	require.NoError(t, err)

	entries := teeLog.all()[before:]
	require.Len(t, entries, 2)
	assert.Equal(t, "host-err", entries[0].writer)
}

func TestWriteSucceedsWhenHostSinkFails(t *testing.T) {
	client := &recordingWriter{name: "client", log: teeLog}
	tee := iostream.NewTee(iostream.RoleStdout, client)

	hostStdout.setFailure(errors.New("console closed"))
	defer hostStdout.setFailure(nil)

	before := len(teeLog.all())
	n, err := tee.Write([]byte("still here\n"))
	require.NoError(t, err)
	require.Equal(t, len("still here\n"), n)

	entries := teeLog.all()[before:]
	require.Len(t, entries, 1)
	assert.Equal(t, logEntry{writer: "client", data: "still here\n"}, entries[0])
}

func TestWriteSucceedsWhenHostSinkPanics(t *testing.T) {
	client := &recordingWriter{name: "client", log: teeLog}
	tee := iostream.NewTee(iostream.RoleStdout, client)

	hostStdout.setPanic(true)
	defer hostStdout.setPanic(false)

	before := len(teeLog.all())
	n, err := tee.Write([]byte("survives\n"))
	require.NoError(t, err)
	require.Equal(t, len("survives\n"), n)

	entries := teeLog.all()[before:]
	require.Len(t, entries, 1)
	assert.Equal(t, "client", entries[0].writer)
}

func TestWriteSucceedsWhenClientSinkFails(t *testing.T) {
	client := &recordingWriter{name: "client", log: teeLog}
	client.setFailure(errors.New("peer went away"))
	tee := iostream.NewTee(iostream.RoleStdout, client)

	before := len(teeLog.all())
	n, err := tee.Write([]byte("host still sees this\n"))
	require.NoError(t, err)
	require.Equal(t, len("host still sees this\n"), n)

	entries := teeLog.all()[before:]
	require.Len(t, entries, 1)
	assert.Equal(t, "host-out", entries[0].writer)
}

func TestWriteWithNilClient(t *testing.T) {
	tee := iostream.NewTee(iostream.RoleStdout, nil)
	n, err := tee.Write([]byte("host only\n"))
	require.NoError(t, err)
	assert.Equal(t, len("host only\n"), n)
}

func TestSinkFactoryBuildsTee(t *testing.T) {
	client := &recordingWriter{name: "client", log: teeLog}
	w := iostream.SinkFactory(iostream.RoleStderr, client)
	tee, ok := w.(*iostream.Tee)
	require.True(t, ok)
	assert.Equal(t, iostream.RoleStderr, tee.Role())
}

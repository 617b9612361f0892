package endpoint_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"revkernel/engine"
	"revkernel/engines/internal/endpoint"
)

func listen(t *testing.T, connectionFile string) *endpoint.Endpoint {
	t.Helper()
	e, err := endpoint.Listen("testengine", "1.0.0", connectionFile, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func dial(t *testing.T, e *endpoint.Endpoint) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.Info().Endpoint, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestListenWritesConnectionFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.yaml")
	e := listen(t, path)

	info := e.Info()
	assert.Equal(t, "testengine", info.Engine)
	assert.NotEmpty(t, info.ID)
	assert.Contains(t, info.Endpoint, "ws://127.0.0.1:")
	assert.Equal(t, path, info.File)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk engine.Info
	require.NoError(t, yaml.Unmarshal(data, &onDisk))
	assert.Equal(t, info.ID, onDisk.ID)
	assert.Equal(t, info.Endpoint, onDisk.Endpoint)
}

func TestListenBindsToExistingConnectionFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.yaml")
	first := listen(t, path)
	firstInfo := first.Info()
	require.NoError(t, first.Close(context.Background()))

	// A second listener on the same file must come up on the recorded
	// address with the recorded session id, without rewriting the file.
	before, err := os.ReadFile(path)
	require.NoError(t, err)
	second := listen(t, path)
	secondInfo := second.Info()

	assert.Equal(t, firstInfo.ID, secondInfo.ID)
	assert.Equal(t, firstInfo.Endpoint, secondInfo.Endpoint)
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestListenRejectsMalformedConnectionFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(":\nnot yaml {"), 0o600))

	_, err := endpoint.Listen("testengine", "1.0.0", path, nil)
	require.Error(t, err)
}

func TestRequestQueueAndReply(t *testing.T) {
	e := listen(t, filepath.Join(t.TempDir(), "kernel.yaml"))
	conn := dial(t, e)

	require.NoError(t, conn.WriteJSON(map[string]string{
		"id": "req-1", "op": "execute", "code": "1+2",
	}))

	var req endpoint.Request
	select {
	case req = <-e.Queue():
	case <-time.After(5 * time.Second):
		t.Fatal("request never reached the queue")
	}
	assert.Equal(t, "req-1", req.ID)
	assert.Equal(t, "execute", req.Op)
	assert.Equal(t, "1+2", req.Code)

	e.Reply(req, endpoint.Response{ID: req.ID, Status: "ok", Result: "3"})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp endpoint.Response
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "req-1", resp.ID)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "3", resp.Result)
}

func TestStreamWriterBroadcasts(t *testing.T) {
	e := listen(t, filepath.Join(t.TempDir(), "kernel.yaml"))
	conn := dial(t, e)

	// The attach handler registers the client asynchronously; wait for the
	// broadcast to land rather than racing the registration.
	w := e.StreamWriter("stdout")
	deadline := time.Now().Add(5 * time.Second)
	received := make(chan map[string]any, 1)
	go func() {
		conn.SetReadDeadline(deadline)
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg["op"] == "stream" {
				received <- msg
				return
			}
		}
	}()

	for time.Now().Before(deadline) {
		n, err := w.Write([]byte("hello\n"))
		require.NoError(t, err)
		require.Equal(t, 6, n)
		select {
		case msg := <-received:
			assert.Equal(t, "stdout", msg["role"])
			assert.Equal(t, "hello\n", msg["text"])
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
	t.Fatal("stream message never delivered")
}

func TestReplyWithoutClientIsNoOp(t *testing.T) {
	e := listen(t, filepath.Join(t.TempDir(), "kernel.yaml"))
	e.Reply(endpoint.Request{ID: "orphan"}, endpoint.Response{ID: "orphan", Status: "ok"})
}

func TestCloseDisconnectsClients(t *testing.T) {
	e := listen(t, filepath.Join(t.TempDir(), "kernel.yaml"))
	conn := dial(t, e)

	require.NoError(t, e.Close(context.Background()))
	// Close is idempotent.
	require.NoError(t, e.Close(context.Background()))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg json.RawMessage
	err := conn.ReadJSON(&msg)
	require.Error(t, err, "client connection must be torn down by Close")
}

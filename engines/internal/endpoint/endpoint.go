// Package endpoint provides the local attach endpoint shared by the
// reference engines. The websocket library owns message framing; this
// package only queues inbound requests for the engine's processing
// iterations, fans stream output out to attached clients, and reads/writes
// the on-disk connection file clients discover the endpoint through.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"revkernel/engine"
)

// queueDepth bounds the number of requests waiting for an iteration. A full
// queue rejects new requests instead of blocking the reader; the client gets
// a busy error.
const queueDepth = 256

// Request is one queued client message.
type Request struct {
	ID   string `json:"id"`
	Op   string `json:"op"` // "execute" or "complete"
	Code string `json:"code"`

	conn *client
}

// Response is the engine's answer to a request.
type Response struct {
	ID      string   `json:"id"`
	Status  string   `json:"status"` // "ok" or "error"
	Result  string   `json:"result,omitempty"`
	Matches []string `json:"matches,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// streamMsg carries teed output to attached clients.
type streamMsg struct {
	Op   string `json:"op"` // always "stream"
	Role string `json:"role"`
	Text string `json:"text"`
}

type client struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *client) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// Endpoint is a listening attach endpoint.
type Endpoint struct {
	info  engine.Info
	log   *zap.Logger
	srv   *http.Server
	ln    net.Listener
	queue chan Request

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// Listen opens an attach endpoint for the named engine. When connectionFile
// names an existing descriptor, the endpoint binds to the address recorded
// there and reuses its session id; otherwise a fresh descriptor is allocated
// and written to connectionFile (or a per-session file under the user runtime
// directory when connectionFile is empty).
func Listen(engineName, version, connectionFile string, log *zap.Logger) (*Endpoint, error) {
	if log == nil {
		log = zap.NewNop()
	}
	info := engine.Info{
		ID:     uuid.NewString(),
		Engine: engineName,
	}
	bind := "127.0.0.1:0"
	writeFile := true

	if connectionFile != "" {
		if data, err := os.ReadFile(connectionFile); err == nil {
			var existing engine.Info
			if err := yaml.Unmarshal(data, &existing); err != nil {
				return nil, fmt.Errorf("parse connection file %s: %w", connectionFile, err)
			}
			addr, err := endpointAddr(existing.Endpoint)
			if err != nil {
				return nil, fmt.Errorf("connection file %s: %w", connectionFile, err)
			}
			bind = addr
			info.ID = existing.ID
			writeFile = false
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read connection file %s: %w", connectionFile, err)
		}
	}

	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", bind, err)
	}
	info.Endpoint = fmt.Sprintf("ws://%s/kernel", ln.Addr().String())

	e := &Endpoint{
		info:    info,
		log:     log,
		ln:      ln,
		queue:   make(chan Request, queueDepth),
		clients: make(map[*client]struct{}),
	}

	if connectionFile == "" {
		connectionFile = defaultConnectionFile(info.ID)
	}
	if writeFile {
		if err := writeConnectionFile(connectionFile, info); err != nil {
			ln.Close()
			return nil, err
		}
	}
	e.info.File = connectionFile

	mux := http.NewServeMux()
	mux.HandleFunc("/kernel", e.handleAttach)
	e.srv = &http.Server{Handler: mux}
	go func() {
		if err := e.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("attach endpoint stopped", zap.Error(err))
		}
	}()
	return e, nil
}

// endpointAddr extracts host:port from a ws:// endpoint URL.
func endpointAddr(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("endpoint %q has no address", endpoint)
	}
	return u.Host, nil
}

func defaultConnectionFile(id string) string {
	dir := os.TempDir()
	if cache, err := os.UserCacheDir(); err == nil {
		dir = filepath.Join(cache, "revkernel")
	}
	return filepath.Join(dir, fmt.Sprintf("kernel-%s.yaml", id))
}

func writeConnectionFile(path string, info engine.Info) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create connection dir: %w", err)
	}
	data, err := yaml.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal connection info: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write connection file: %w", err)
	}
	return nil
}

var upgrader = websocket.Upgrader{
	// Local-only endpoint; the listener is bound to loopback.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (e *Endpoint) handleAttach(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.log.Warn("attach upgrade failed", zap.Error(err))
		return
	}
	c := &client{conn: conn}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		conn.Close()
		return
	}
	e.clients[c] = struct{}{}
	e.mu.Unlock()
	go e.readLoop(c)
}

func (e *Endpoint) readLoop(c *client) {
	defer func() {
		e.mu.Lock()
		delete(e.clients, c)
		e.mu.Unlock()
		c.conn.Close()
	}()
	for {
		var req Request
		if err := c.conn.ReadJSON(&req); err != nil {
			return
		}
		req.conn = c
		select {
		case e.queue <- req:
		default:
			// Queue full: the host thread is not keeping up. Refuse rather
			// than block the read loop.
			_ = c.writeJSON(Response{ID: req.ID, Status: "error", Error: "kernel busy"})
		}
	}
}

// Queue returns the channel of pending requests. Processing iterations drain
// it without blocking.
func (e *Endpoint) Queue() <-chan Request { return e.queue }

// Reply sends resp to the client that issued req.
func (e *Endpoint) Reply(req Request, resp Response) {
	if req.conn == nil {
		return
	}
	if err := req.conn.writeJSON(resp); err != nil {
		e.log.Warn("reply failed", zap.String("request", req.ID), zap.Error(err))
	}
}

// Info returns the endpoint's connection descriptor.
func (e *Endpoint) Info() engine.Info { return e.info }

// StreamWriter returns a writer that broadcasts output for the given stream
// role to every attached client. It is the client-facing half of the tee.
func (e *Endpoint) StreamWriter(role string) io.Writer {
	return &streamWriter{e: e, role: role}
}

type streamWriter struct {
	e    *Endpoint
	role string
}

func (w *streamWriter) Write(p []byte) (int, error) {
	msg := streamMsg{Op: "stream", Role: w.role, Text: string(p)}
	w.e.mu.Lock()
	clients := make([]*client, 0, len(w.e.clients))
	for c := range w.e.clients {
		clients = append(clients, c)
	}
	w.e.mu.Unlock()
	for _, c := range clients {
		if err := c.writeJSON(msg); err != nil {
			w.e.log.Debug("stream broadcast failed", zap.Error(err))
		}
	}
	return len(p), nil
}

// Close shuts the endpoint down and disconnects attached clients.
func (e *Endpoint) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	clients := make([]*client, 0, len(e.clients))
	for c := range e.clients {
		clients = append(clients, c)
	}
	e.clients = make(map[*client]struct{})
	e.mu.Unlock()
	for _, c := range clients {
		c.conn.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return e.srv.Shutdown(shutdownCtx)
}

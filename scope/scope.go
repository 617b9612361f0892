// Package scope provides the process-wide registry of named scripting
// namespaces. The host registers its top-level namespace under "main"; the
// embedded engine evaluates code against it so client code shares the host's
// in-memory state (loaded binary, analysis handles, user variables).
package scope

import (
	"fmt"
	"sort"
	"sync"
)

// Main is the registry entry for the host's top-level scripting namespace.
// Engine initialization replaces it with the engine's own namespace; the
// lifecycle controller restores the host's entry afterwards so subsequently
// loaded code does not resolve "main" to the kernel.
const Main = "main"

// Namespace is a concurrency-safe variable map shared between the host and
// the engine.
type Namespace struct {
	mu   sync.RWMutex
	vars map[string]any
}

// NewNamespace returns an empty namespace.
func NewNamespace() *Namespace {
	return &Namespace{vars: make(map[string]any)}
}

// Set binds name to value in the namespace.
func (n *Namespace) Set(name string, value any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.vars[name] = value
}

// Get returns the value bound to name and whether it exists.
func (n *Namespace) Get(name string) (any, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	v, ok := n.vars[name]
	return v, ok
}

// Delete removes name from the namespace.
func (n *Namespace) Delete(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.vars, name)
}

// Names returns the sorted variable names. Completion is built on this.
func (n *Namespace) Names() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	names := make([]string, 0, len(n.vars))
	for name := range n.vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var (
	regMu      sync.RWMutex
	namespaces = make(map[string]*Namespace)
)

// Register binds a namespace under name, replacing any previous entry. The
// previous entry (possibly nil) is returned so callers can restore it.
func Register(name string, ns *Namespace) *Namespace {
	regMu.Lock()
	defer regMu.Unlock()
	prev := namespaces[name]
	if ns == nil {
		delete(namespaces, name)
	} else {
		namespaces[name] = ns
	}
	return prev
}

// Lookup returns the namespace registered under name.
func Lookup(name string) (*Namespace, error) {
	regMu.RLock()
	defer regMu.RUnlock()
	ns, ok := namespaces[name]
	if !ok {
		return nil, fmt.Errorf("namespace %q not registered", name)
	}
	return ns, nil
}

// MustMain returns the "main" namespace, registering an empty one if the host
// has not provided its own yet.
func MustMain() *Namespace {
	regMu.Lock()
	defer regMu.Unlock()
	ns, ok := namespaces[Main]
	if !ok {
		ns = NewNamespace()
		namespaces[Main] = ns
	}
	return ns
}

// Package runner defines the execution runner interface used by the engine
// to run one playbook attempt against one host, along with the registry
// that routes a host's connection transport to a registered runner
// implementation.
package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tgrahn/anvil/internal/inventory"
)

// Spec describes one execution attempt: a playbook run against exactly
// one host.
type Spec struct {
	JobID    string
	Host     string
	Playbook string
	Conn     inventory.ConnectionDescriptor
	Timeout  time.Duration

	// LineWriter receives each multiplexed stdout/stderr line as it is
	// produced. Calls are serialized; no calls happen after Execute returns.
	LineWriter func(line string)
}

// Result holds the outcome of one execution attempt.
type Result struct {
	ExitCode   int
	DurationMS int

	// TimedOut is set when the process was forcibly terminated because the
	// wall-clock timeout expired. Cancelled is set when termination was
	// requested by the caller. At most one of the two is set.
	TimedOut  bool
	Cancelled bool
}

// Runner executes one external process per call.
type Runner interface {
	// Execute spawns the process described by spec and blocks until it
	// exits or is forcibly terminated. The returned error is non-nil only
	// for spawn-level failures; a process that ran and exited nonzero
	// reports through Result.ExitCode.
	Execute(ctx context.Context, spec Spec) (Result, error)
}

// Registry holds registered runners keyed by connection transport.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

// NewRegistry creates an empty runner registry.
func NewRegistry() *Registry {
	return &Registry{
		runners: make(map[string]Runner),
	}
}

// Register adds a runner for the given transport.
func (r *Registry) Register(transport string, rn Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[transport] = rn
}

// Resolve returns the runner for the given transport. An empty transport
// resolves to the default.
func (r *Registry) Resolve(transport string) (Runner, error) {
	if transport == "" {
		transport = inventory.DefaultTransport
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	rn, ok := r.runners[transport]
	if !ok {
		return nil, fmt.Errorf("no runner registered for transport %q", transport)
	}
	return rn, nil
}

// Transports returns the registered transport names, sorted for stable
// API responses.
func (r *Registry) Transports() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.runners))
	for name := range r.runners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

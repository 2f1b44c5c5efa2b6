// Package backends adapts configured analysis services to a common
// submission interface.
//
// A backend receives one artifact at a time and answers in one of two
// ways. Synchronous backends return a verdict immediately and the job is
// done. Asynchronous backends return opaque metadata (a task handle) and
// later call back on our web API with the verdict; the metadata is
// persisted with the job so handles survive restarts.
package backends

import (
	"context"
	"fmt"
	"sort"

	"github.com/swarmwatch/arbiter/pkg/config"
)

// Task is one artifact handed to a backend for analysis.
type Task struct {
	VerdictID  uint64
	ArtifactID uint64
	Name       string
	Hash       string

	// URL serves the artifact body from our own API; backends fetch it
	// with their bearer token.
	URL string

	// Path is the local cache path, for backends that upload the body
	// instead of fetching it.
	Path string
}

// Result is a backend's answer to a submission. Exactly one of Verdict
// and Meta is set: Verdict for synchronous backends, Meta (the task
// handle for the eventual callback) for asynchronous ones.
type Result struct {
	Verdict *int
	Meta    map[string]interface{}
}

// AnalysisBackend is one configured analysis service.
type AnalysisBackend interface {
	Name() string
	Trusted() bool
	Weight() int

	// SubmitArtifact hands one artifact to the service.
	SubmitArtifact(ctx context.Context, task Task) (*Result, error)

	// HealthCheck probes the service; the returned map is surfaced on
	// the dashboard as-is.
	HealthCheck(ctx context.Context) (map[string]interface{}, error)
}

// base carries the identity fields every adapter shares.
type base struct {
	name    string
	trusted bool
	weight  int
}

func (b base) Name() string  { return b.name }
func (b base) Trusted() bool { return b.trusted }
func (b base) Weight() int   { return b.weight }

// Registry is the immutable set of configured backends, built once at
// startup.
type Registry struct {
	backends map[string]AnalysisBackend
}

// Env carries the arbiter-side settings adapters need: the shared token
// secret and our externally reachable API base URL.
type Env struct {
	Secret  string
	SelfURL string
}

// builders maps plugin names to adapter constructors.
var builders = map[string]func(base, config.BackendConfig, Env) (AnalysisBackend, error){
	"http":   newHTTPBackend,
	"cuckoo": newCuckooBackend,
}

// Load instantiates every configured backend. Unknown plugins fail hard;
// a misconfigured arbiter must not silently vote with fewer opinions.
func Load(configs []config.BackendConfig, env Env) (*Registry, error) {
	reg := &Registry{backends: make(map[string]AnalysisBackend, len(configs))}
	for _, bc := range configs {
		build, ok := builders[bc.Plugin]
		if !ok {
			return nil, fmt.Errorf("backend %s: unknown plugin %q", bc.Name, bc.Plugin)
		}
		ab, err := build(base{name: bc.Name, trusted: bc.Trusted, weight: bc.Weight}, bc, env)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", bc.Name, err)
		}
		reg.backends[bc.Name] = ab
	}
	return reg, nil
}

// Get returns a backend by name, nil when it is no longer configured.
func (r *Registry) Get(name string) AnalysisBackend {
	return r.backends[name]
}

// Names returns the configured backend names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns every configured backend in name order.
func (r *Registry) All() []AnalysisBackend {
	all := make([]AnalysisBackend, 0, len(r.backends))
	for _, name := range r.Names() {
		all = append(all, r.backends[name])
	}
	return all
}

// Len returns the number of configured backends.
func (r *Registry) Len() int { return len(r.backends) }

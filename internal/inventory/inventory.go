// Package inventory resolves managed host identifiers into connection
// descriptors. The registry is read-only from the engine's point of view:
// it is loaded once at startup and only ever queried afterwards.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ErrUnknownHost is returned when a host id cannot be resolved.
var ErrUnknownHost = errors.New("unknown host")

// DefaultPort is the SSH port used when the inventory omits one.
const DefaultPort = 22

// DefaultTransport is the connection transport used when the inventory
// omits one.
const DefaultTransport = "ssh"

// ConnectionDescriptor holds everything needed to reach one managed host.
// Credentials are referenced, never embedded.
type ConnectionDescriptor struct {
	Host          string   `json:"host" yaml:"-"`
	Addr          string   `json:"addr" yaml:"addr"`
	Port          int      `json:"port" yaml:"port"`
	User          string   `json:"user" yaml:"user"`
	Transport     string   `json:"transport" yaml:"transport"`
	CredentialRef string   `json:"credential_ref,omitempty" yaml:"credential"`
	Groups        []string `json:"groups,omitempty" yaml:"groups"`
}

// Registry resolves host ids to connection descriptors.
type Registry interface {
	// Resolve maps each given host id to its descriptor. It fails with an
	// error wrapping ErrUnknownHost if any id is unresolvable; no partial
	// results are returned in that case.
	Resolve(ctx context.Context, hostIDs []string) (map[string]ConnectionDescriptor, error)

	// Hosts lists all known descriptors, sorted by host id.
	Hosts() []ConnectionDescriptor
}

// inventoryFile is the on-disk YAML layout.
type inventoryFile struct {
	Hosts map[string]ConnectionDescriptor `yaml:"hosts"`
}

// FileRegistry is a Registry backed by a YAML inventory file loaded at
// construction time. Safe for concurrent use; it never mutates after Load.
type FileRegistry struct {
	hosts map[string]ConnectionDescriptor
}

// Compile-time interface satisfaction check.
var _ Registry = (*FileRegistry)(nil)

// Load reads and parses the inventory file at path.
func Load(path string) (*FileRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}

	var f inventoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse inventory: %w", err)
	}
	if len(f.Hosts) == 0 {
		return nil, fmt.Errorf("inventory %s defines no hosts", path)
	}

	return NewStatic(f.Hosts), nil
}

// NewStatic builds a registry from an in-memory host map. The map is
// copied; host ids and default ports are filled in on each descriptor.
func NewStatic(hosts map[string]ConnectionDescriptor) *FileRegistry {
	m := make(map[string]ConnectionDescriptor, len(hosts))
	for id, d := range hosts {
		d.Host = id
		if d.Port == 0 {
			d.Port = DefaultPort
		}
		if d.Transport == "" {
			d.Transport = DefaultTransport
		}
		m[id] = d
	}
	return &FileRegistry{hosts: m}
}

// Resolve implements Registry.
func (r *FileRegistry) Resolve(_ context.Context, hostIDs []string) (map[string]ConnectionDescriptor, error) {
	out := make(map[string]ConnectionDescriptor, len(hostIDs))
	for _, id := range hostIDs {
		d, ok := r.hosts[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownHost, id)
		}
		out[id] = d
	}
	return out, nil
}

// Hosts implements Registry.
func (r *FileRegistry) Hosts() []ConnectionDescriptor {
	out := make([]ConnectionDescriptor, 0, len(r.hosts))
	for _, d := range r.hosts {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

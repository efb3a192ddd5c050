// Package registry holds the loaded vulnerability-case catalog: a Case
// is metadata plus a verify/cleanup pair, loaded either at compile time
// via Register or at runtime via LoadFromDirectory.
package registry

import (
	"context"
	"path/filepath"
	"plugin"
	"strings"
	"sync"

	"github.com/cuemby/vulnscan/pkg/log"
	"github.com/cuemby/vulnscan/pkg/types"
)

// Case is the fixed capability set a vulnerability-case plugin exposes.
type Case interface {
	Metadata() types.CaseMetadata
	Verify(ctx context.Context, target string, session any, fingerprints []types.Fingerprint) (types.VulnResult, error)
	Cleanup(ctx context.Context, target string, session any) error
}

// Registry is the catalog of loaded cases, guarded by an RWMutex so it is
// safe for concurrent use. Cases are only ever added, by Register and
// LoadFromDirectory; there is no reload or removal operation.
type Registry struct {
	mu    sync.RWMutex
	cases map[string]Case
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{cases: make(map[string]Case)}
}

// Register links a case at compile time (cases.RegisterBuiltin calls it
// for the built-in set) and is also used by LoadFromDirectory. Duplicate
// ids: last-registered wins, with a warning.
func (r *Registry) Register(c Case) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := c.Metadata().ID
	if _, exists := r.cases[id]; exists {
		log.Logger.Warn().Str("case_id", id).Msg("duplicate case id, overwriting")
	}
	r.cases[id] = c
}

// LoadFromDirectory scans the top level of dir (not its subdirectories)
// for Go plugin (.so) files, skipping names starting with "_", and
// registers each one's exported "Case" symbol.
func (r *Registry) LoadFromDirectory(dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.so"))
	if err != nil {
		return 0, err
	}

	loaded := 0
	for _, path := range matches {
		base := filepath.Base(path)
		if strings.HasPrefix(base, "_") {
			continue
		}

		p, err := plugin.Open(path)
		if err != nil {
			log.Logger.Error().Err(err).Str("path", path).Msg("failed to load case plugin")
			continue
		}

		sym, err := p.Lookup("Case")
		if err != nil {
			log.Logger.Error().Err(err).Str("path", path).Msg("plugin has no exported Case symbol")
			continue
		}

		c, ok := sym.(Case)
		if !ok {
			casePtr, ok := sym.(*Case)
			if !ok {
				log.Logger.Error().Str("path", path).Msg("plugin's Case symbol does not satisfy the Case interface")
				continue
			}
			c = *casePtr
		}

		r.Register(c)
		loaded++
	}
	return loaded, nil
}

// Lookup returns the case registered under id.
func (r *Registry) Lookup(id string) (Case, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cases[id]
	return c, ok
}

// Metadata returns the metadata of every loaded case.
func (r *Registry) Metadata() []types.CaseMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.CaseMetadata, 0, len(r.cases))
	for _, c := range r.cases {
		out = append(out, c.Metadata())
	}
	return out
}

// Matching returns the case ids that should run for a given fingerprint
// set under policy. It is pure: the result depends only on the loaded
// metadata, fingerprints, policy and specifiedIDs.
//
// - specified: intersection of specifiedIDs with the registry; no
//   fingerprint filter is applied.
// - redline: only severity ∈ {critical, high} pass.
// - full / smart: no severity filter (smart is reserved for future
//   heuristic pruning; today it behaves like full).
// - Then, for redline/full/smart, the fingerprint filter: a case matches universally if it
//   declares neither RequiredTags nor RequiredService.
func (r *Registry) Matching(fingerprints []types.Fingerprint, policy types.Policy, specifiedIDs []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if policy == types.PolicySpecified {
		var out []string
		for _, id := range specifiedIDs {
			if _, ok := r.cases[id]; ok {
				out = append(out, id)
			}
		}
		return out
	}

	tags := make(map[string]bool)
	names := make(map[string]bool)
	for _, fp := range fingerprints {
		for _, t := range fp.Tags {
			tags[t] = true
		}
		names[strings.ToLower(fp.Name)] = true
	}

	var out []string
	for id, c := range r.cases {
		meta := c.Metadata()

		if policy == types.PolicyRedline {
			if meta.Severity != types.SeverityCritical && meta.Severity != types.SeverityHigh {
				continue
			}
		}

		if len(meta.Fingerprint.RequiredTags) > 0 {
			matched := false
			for _, rt := range meta.Fingerprint.RequiredTags {
				if tags[rt] {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}

		if meta.Fingerprint.RequiredService != "" {
			if !names[strings.ToLower(meta.Fingerprint.RequiredService)] {
				continue
			}
		}

		out = append(out, id)
	}
	return out
}

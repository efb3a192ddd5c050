package task

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/vulnscan/pkg/types"
)

// Manifest is the YAML shape operators use to declare scan tasks in a
// file instead of posting them one by one.
type Manifest struct {
	Tasks []ManifestTask `yaml:"tasks"`
}

// ManifestTask is one declared task.
type ManifestTask struct {
	Name     string                         `yaml:"name"`
	Targets  []string                       `yaml:"targets"`
	Auth     map[string]ManifestCredentials `yaml:"auth,omitempty"`
	Policy   string                         `yaml:"policy,omitempty"`
	VulnIDs  []string                       `yaml:"vuln_ids,omitempty"`
	Priority int                            `yaml:"priority,omitempty"`
	Options  map[string]string              `yaml:"options,omitempty"`
}

// ManifestCredentials is a login-point credential bundle as written in a
// manifest.
type ManifestCredentials struct {
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	LoginURL string            `yaml:"login_url,omitempty"`
	Method   string            `yaml:"method,omitempty"`
	Extra    map[string]string `yaml:"extra,omitempty"`
}

// LoadManifest reads and parses a task manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return &m, nil
}

// ApplyManifest creates every task the manifest declares. Creation stops
// at the first invalid entry; tasks created before it stay created and
// are returned together with the error.
func (m *Manager) ApplyManifest(manifest *Manifest) ([]*types.Task, error) {
	created := make([]*types.Task, 0, len(manifest.Tasks))
	for i, mt := range manifest.Tasks {
		priority := mt.Priority
		if priority == 0 {
			priority = 5
		}

		var auth map[string]*types.Credentials
		if len(mt.Auth) > 0 {
			auth = make(map[string]*types.Credentials, len(mt.Auth))
			for lp, c := range mt.Auth {
				auth[lp] = &types.Credentials{
					Username: c.Username,
					Password: c.Password,
					LoginURL: c.LoginURL,
					Method:   c.Method,
					Extra:    c.Extra,
				}
			}
		}

		t, err := m.Create(mt.Name, mt.Targets, auth, types.Policy(mt.Policy), mt.VulnIDs, priority, mt.Options)
		if err != nil {
			return created, fmt.Errorf("manifest task %d (%s): %w", i, mt.Name, err)
		}
		created = append(created, t)
	}
	return created, nil
}

// Package cases carries the vulnerability checks linked into the scanner
// at compile time. Each case implements registry.Case; RegisterBuiltin
// installs the whole set into a registry. Checks here are intentionally
// non-destructive: read-only requests whose response alone proves or
// disproves exposure.
package cases

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/cuemby/vulnscan/pkg/auth"
	"github.com/cuemby/vulnscan/pkg/fingerprint"
	"github.com/cuemby/vulnscan/pkg/registry"
	"github.com/cuemby/vulnscan/pkg/types"
)

// RegisterBuiltin installs every compiled-in case into r. The tool
// registry is handed to each case so checks can share helpers instead of
// constructing their own.
func RegisterBuiltin(r *registry.Registry, tools *registry.ToolRegistry) {
	r.Register(&tomcatManagerWeakCreds{tools: tools})
	r.Register(&jenkinsUnauthScript{tools: tools})
	r.Register(&gitConfigExposure{tools: tools})
	r.Register(&phpMyAdminSetup{tools: tools})
}

// fetch issues a GET through the session when one is provided, falling
// back to a bare request for non-HTTP sessions. The response body is
// capped at 1MiB.
func fetch(ctx context.Context, session any, target, path string) (int, string, error) {
	var base string
	var do func(*http.Request) (*http.Response, error)

	if s, ok := session.(*auth.Session); ok && s != nil {
		base = s.BaseURL
		do = s.Do
	} else {
		base = fingerprint.BaseURL(target, 0)
		client := &http.Client{}
		do = client.Do
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return 0, "", err
	}
	resp, err := do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, "", err
	}
	return resp.StatusCode, string(body), nil
}

// tomcatManagerWeakCreds checks whether the Tomcat manager application
// accepts a factory-default credential pair.
type tomcatManagerWeakCreds struct {
	tools *registry.ToolRegistry
}

func (c *tomcatManagerWeakCreds) Metadata() types.CaseMetadata {
	return types.CaseMetadata{
		ID:       "VULN-TOMCAT-MANAGER-WEAK-CREDS",
		Severity: types.SeverityHigh,
		Fingerprint: types.FingerprintPredicate{
			RequiredTags: []string{"manager"},
		},
	}
}

func (c *tomcatManagerWeakCreds) Verify(ctx context.Context, target string, session any, fps []types.Fingerprint) (types.VulnResult, error) {
	result := types.VulnResult{CaseID: c.Metadata().ID, Target: target}

	base := fingerprint.BaseURL(target, 0)
	if s, ok := session.(*auth.Session); ok && s != nil {
		base = s.BaseURL
	}

	client := &http.Client{}
	for _, cred := range [][2]string{{"tomcat", "tomcat"}, {"admin", "admin"}, {"admin", ""}} {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/manager/html", nil)
		if err != nil {
			return result, err
		}
		req.SetBasicAuth(cred[0], cred[1])

		resp, err := client.Do(req)
		if err != nil {
			return result, err
		}
		resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			result.Vulnerable = true
			result.Description = "Tomcat manager accessible with default credentials"
			result.Evidence = map[string]string{"username": cred[0]}
			return result, nil
		}
	}
	return result, nil
}

func (c *tomcatManagerWeakCreds) Cleanup(ctx context.Context, target string, session any) error {
	return nil
}

// jenkinsUnauthScript checks whether the Jenkins script console is
// reachable without authentication.
type jenkinsUnauthScript struct {
	tools *registry.ToolRegistry
}

func (c *jenkinsUnauthScript) Metadata() types.CaseMetadata {
	return types.CaseMetadata{
		ID:       "VULN-JENKINS-UNAUTH-SCRIPT",
		Severity: types.SeverityCritical,
		Fingerprint: types.FingerprintPredicate{
			RequiredService: "Jenkins",
		},
	}
}

func (c *jenkinsUnauthScript) Verify(ctx context.Context, target string, session any, fps []types.Fingerprint) (types.VulnResult, error) {
	result := types.VulnResult{CaseID: c.Metadata().ID, Target: target}

	status, body, err := fetch(ctx, session, target, "/script")
	if err != nil {
		return result, err
	}
	if status == http.StatusOK && strings.Contains(body, "Groovy") {
		result.Vulnerable = true
		result.Description = "Jenkins script console reachable without authentication"
		result.Evidence = map[string]string{"path": "/script"}
	}
	return result, nil
}

func (c *jenkinsUnauthScript) Cleanup(ctx context.Context, target string, session any) error {
	return nil
}

// gitConfigExposure checks for a web-served .git directory. Declares no
// fingerprint predicate: any web target is worth the single request.
type gitConfigExposure struct {
	tools *registry.ToolRegistry
}

func (c *gitConfigExposure) Metadata() types.CaseMetadata {
	return types.CaseMetadata{
		ID:       "VULN-GIT-CONFIG-EXPOSURE",
		Severity: types.SeverityMedium,
	}
}

func (c *gitConfigExposure) Verify(ctx context.Context, target string, session any, fps []types.Fingerprint) (types.VulnResult, error) {
	result := types.VulnResult{CaseID: c.Metadata().ID, Target: target}

	status, body, err := fetch(ctx, session, target, "/.git/config")
	if err != nil {
		return result, err
	}
	if status == http.StatusOK && strings.Contains(body, "[core]") {
		result.Vulnerable = true
		result.Description = "Git repository metadata served over HTTP"
		result.Evidence = map[string]string{"path": "/.git/config"}
	}
	return result, nil
}

func (c *gitConfigExposure) Cleanup(ctx context.Context, target string, session any) error {
	return nil
}

// phpMyAdminSetup checks whether the phpMyAdmin setup wizard is still
// deployed and reachable.
type phpMyAdminSetup struct {
	tools *registry.ToolRegistry
}

func (c *phpMyAdminSetup) Metadata() types.CaseMetadata {
	return types.CaseMetadata{
		ID:       "VULN-PHPMYADMIN-SETUP-EXPOSED",
		Severity: types.SeverityHigh,
		Fingerprint: types.FingerprintPredicate{
			RequiredService: "phpMyAdmin",
		},
	}
}

func (c *phpMyAdminSetup) Verify(ctx context.Context, target string, session any, fps []types.Fingerprint) (types.VulnResult, error) {
	result := types.VulnResult{CaseID: c.Metadata().ID, Target: target}

	status, body, err := fetch(ctx, session, target, "/phpmyadmin/setup/index.php")
	if err != nil {
		return result, err
	}
	if status == http.StatusOK && strings.Contains(strings.ToLower(body), "phpmyadmin") {
		result.Vulnerable = true
		result.Description = "phpMyAdmin setup wizard exposed"
		result.Evidence = map[string]string{"path": "/phpmyadmin/setup/index.php"}
	}
	return result, nil
}

func (c *phpMyAdminSetup) Cleanup(ctx context.Context, target string, session any) error {
	return nil
}

package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/vulnscan/pkg/types"
)

type fakeCase struct {
	meta types.CaseMetadata
}

func (f fakeCase) Metadata() types.CaseMetadata { return f.meta }
func (f fakeCase) Verify(ctx context.Context, target string, session any, fps []types.Fingerprint) (types.VulnResult, error) {
	return types.VulnResult{CaseID: f.meta.ID, Target: target}, nil
}
func (f fakeCase) Cleanup(ctx context.Context, target string, session any) error { return nil }

func newFixture() *Registry {
	r := New()
	r.Register(fakeCase{meta: types.CaseMetadata{ID: "cve-critical", Severity: types.SeverityCritical}})
	r.Register(fakeCase{meta: types.CaseMetadata{ID: "cve-high", Severity: types.SeverityHigh}})
	r.Register(fakeCase{meta: types.CaseMetadata{ID: "cve-medium", Severity: types.SeverityMedium}})
	r.Register(fakeCase{meta: types.CaseMetadata{ID: "cve-low", Severity: types.SeverityLow}})
	return r
}

func TestMatchingRedlineFiltersToCriticalAndHigh(t *testing.T) {
	r := newFixture()
	ids := r.Matching(nil, types.PolicyRedline, nil)
	assert.ElementsMatch(t, []string{"cve-critical", "cve-high"}, ids)
}

func TestMatchingFullReturnsAllWithNoFingerprintPredicate(t *testing.T) {
	r := newFixture()
	ids := r.Matching(nil, types.PolicyFull, nil)
	assert.ElementsMatch(t, []string{"cve-critical", "cve-high", "cve-medium", "cve-low"}, ids)
}

func TestMatchingSpecifiedIntersectsRegistry(t *testing.T) {
	r := newFixture()
	ids := r.Matching(nil, types.PolicySpecified, []string{"cve-high", "nonexistent"})
	assert.Equal(t, []string{"cve-high"}, ids)
}

func TestMatchingRequiredTagsFilter(t *testing.T) {
	r := New()
	r.Register(fakeCase{meta: types.CaseMetadata{
		ID: "needs-manager", Severity: types.SeverityMedium,
		Fingerprint: types.FingerprintPredicate{RequiredTags: []string{"manager"}},
	}})

	noTag := r.Matching([]types.Fingerprint{{Name: "Tomcat"}}, types.PolicyFull, nil)
	assert.Empty(t, noTag)

	withTag := r.Matching([]types.Fingerprint{{Name: "Tomcat", Tags: []string{"manager"}}}, types.PolicyFull, nil)
	assert.Equal(t, []string{"needs-manager"}, withTag)
}

func TestMatchingRequiredServiceIsCaseInsensitive(t *testing.T) {
	r := New()
	r.Register(fakeCase{meta: types.CaseMetadata{
		ID: "nginx-only",
		Fingerprint: types.FingerprintPredicate{RequiredService: "NGINX"},
	}})

	ids := r.Matching([]types.Fingerprint{{Name: "nginx"}}, types.PolicyFull, nil)
	assert.Equal(t, []string{"nginx-only"}, ids)
}

func TestRegisterDuplicateIDOverwrites(t *testing.T) {
	r := New()
	r.Register(fakeCase{meta: types.CaseMetadata{ID: "dup", Severity: types.SeverityLow}})
	r.Register(fakeCase{meta: types.CaseMetadata{ID: "dup", Severity: types.SeverityCritical}})

	c, ok := r.Lookup("dup")
	assert.True(t, ok)
	assert.Equal(t, types.SeverityCritical, c.Metadata().Severity)
}

func TestToolRegistry(t *testing.T) {
	tr := NewToolRegistry()
	tr.Register("wordlist", []string{"admin", "root"})

	tool, ok := tr.Lookup("wordlist")
	assert.True(t, ok)
	assert.Equal(t, []string{"admin", "root"}, tool)

	_, ok = tr.Lookup("missing")
	assert.False(t, ok)
}

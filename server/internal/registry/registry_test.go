package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dockmon/server/internal/domain"
)

func TestParseReferenceDefaultsToDockerHubLibrary(t *testing.T) {
	ref := ParseReference("nginx:1.25")
	assert.Equal(t, defaultRegistryHost, ref.Registry)
	assert.Equal(t, "library/nginx", ref.Repository)
	assert.Equal(t, "1.25", ref.Tag)
}

func TestParseReferenceExplicitRegistry(t *testing.T) {
	ref := ParseReference("ghcr.io/user/app:latest")
	assert.Equal(t, "ghcr.io", ref.Registry)
	assert.Equal(t, "user/app", ref.Repository)
	assert.Equal(t, "latest", ref.Tag)
}

func TestParseReferencePortedRegistry(t *testing.T) {
	ref := ParseReference("registry.example.com:5000/app:v1")
	assert.Equal(t, "registry.example.com:5000", ref.Registry)
	assert.Equal(t, "app", ref.Repository)
	assert.Equal(t, "v1", ref.Tag)
}

func TestParseReferenceNoTagDefaultsLatest(t *testing.T) {
	ref := ParseReference("redis")
	assert.Equal(t, "library/redis", ref.Repository)
	assert.Equal(t, "latest", ref.Tag)
}

func TestNormalizedCredentialHost(t *testing.T) {
	assert.Equal(t, dockerHubIndexURL, ParseReference("nginx").NormalizedCredentialHost())
	assert.Equal(t, "ghcr.io", ParseReference("ghcr.io/user/app").NormalizedCredentialHost())
}

func TestFloatingTagExactAndLatest(t *testing.T) {
	ref := ParseReference("nginx:1.25.3")
	tag, err := FloatingTag(nil, nil, ref, domain.TagModeExact)
	assert.NoError(t, err)
	assert.Equal(t, "1.25.3", tag)

	tag, err = FloatingTag(nil, nil, ref, domain.TagModeLatest)
	assert.NoError(t, err)
	assert.Equal(t, "latest", tag)
}

func TestParseSemver(t *testing.T) {
	cases := map[string]struct {
		major, minor, patch int
		ok                  bool
	}{
		"v1.2.3":    {1, 2, 3, true},
		"1.2":       {1, 2, 0, true},
		"1":         {1, 0, 0, true},
		"1.2.3-rc1": {1, 2, 3, true},
		"latest":    {0, 0, 0, false},
		"alpine":    {0, 0, 0, false},
	}
	for tag, want := range cases {
		v, ok := parseSemver(tag)
		assert.Equal(t, want.ok, ok, tag)
		if ok {
			assert.Equal(t, want.major, v.major, tag)
			assert.Equal(t, want.minor, v.minor, tag)
			assert.Equal(t, want.patch, v.patch, tag)
		}
	}
}

func TestSemverLess(t *testing.T) {
	a, _ := parseSemver("1.2.3")
	b, _ := parseSemver("1.10.0")
	assert.True(t, a.less(b))
	assert.False(t, b.less(a))
}

// Package registry resolves image references to manifest digests and
// computes floating tags (C3), grounded on
// original_source/backend/updates/update_checker.py's
// "_get_registry_credentials"/tracking-mode logic and the Docker Registry
// HTTP API V2 manifest contract it talks to.
package registry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/cli/cli/config/types"
	"github.com/sirupsen/logrus"

	"github.com/dockmon/server/internal/domain"
)

// defaultRegistryHost is docker.io's actual registry hostname, matching
// update_checker.py's "docker.io -> lookup credentials for docker.io"
// default before normalizing to the v2 API host below.
const defaultRegistryHost = "docker.io"
const dockerHubAPIHost = "registry-1.docker.io"
const dockerHubAuthHost = "auth.docker.io"
const dockerHubIndexURL = "https://index.docker.io/v1/"

// Reference is a parsed image reference split into registry/repository/tag.
type Reference struct {
	Registry   string
	Repository string
	Tag        string
}

// ParseReference splits an image string into its registry host, repository
// path, and tag, applying the same "first path segment contains '.' or ':'"
// heuristic update_checker.py's _get_registry_credentials and
// shared/compose/service.go's createComposeService both use to decide
// whether a reference names an explicit registry.
func ParseReference(image string) Reference {
	ref := Reference{Registry: defaultRegistryHost, Tag: "latest"}

	name := image
	if at := strings.LastIndex(name, "@"); at != -1 {
		name = name[:at] // digest pinned refs have no floating tag to resolve
	}
	if colon := strings.LastIndex(name, ":"); colon != -1 && !strings.Contains(name[colon:], "/") {
		ref.Tag = name[colon+1:]
		name = name[:colon]
	}

	if slash := strings.Index(name, "/"); slash != -1 {
		first := name[:slash]
		if strings.Contains(first, ".") || strings.Contains(first, ":") {
			ref.Registry = first
			ref.Repository = name[slash+1:]
			return ref
		}
	}
	ref.Repository = name
	if !strings.Contains(ref.Repository, "/") {
		ref.Repository = "library/" + ref.Repository
	}
	return ref
}

// NormalizedCredentialHost maps a reference's registry to the key used to
// look up stored credentials, normalizing docker.io to the index host the
// way update_checker.py's heuristic and the Docker CLI's credential store
// both key on.
func (r Reference) NormalizedCredentialHost() string {
	if r.Registry == defaultRegistryHost {
		return dockerHubIndexURL
	}
	return strings.ToLower(r.Registry)
}

// apiHost is the actual v2 API host to talk to, which differs from
// docker.io's credential-store key.
func (r Reference) apiHost() string {
	if r.Registry == defaultRegistryHost {
		return dockerHubAPIHost
	}
	return r.Registry
}

// FloatingTag computes the tag to track under mode, per the glossary:
// exact = unchanged, minor = same major/latest minor, major = latest major,
// latest = ":latest". Resolving "minor"/"major" requires listing tags from
// the registry, since the floating tag is a function of what versions
// actually exist there.
func FloatingTag(ctx context.Context, adapter *Adapter, ref Reference, mode domain.FloatingTagMode) (string, error) {
	switch mode {
	case domain.TagModeExact, "":
		return ref.Tag, nil
	case domain.TagModeLatest:
		return "latest", nil
	case domain.TagModeMinor, domain.TagModeMajor:
		return adapter.resolveSemverFloat(ctx, ref, mode)
	default:
		return "", fmt.Errorf("registry: unknown floating tag mode %q", mode)
	}
}

// Credentials is the decrypted username/password pair for one registry host.
type Credentials struct {
	Username string
	Password string
}

// CredentialLookup resolves stored, decrypted credentials for a registry
// host. Implementations sit on top of C1 (credential rows) and C2 (vault
// decrypt); a miss is not an error — anonymous pulls are normal.
type CredentialLookup interface {
	CredentialsFor(ctx context.Context, registryHost string) (*Credentials, bool, error)
}

// Adapter resolves image references against the Docker Registry HTTP API
// V2, the same contract shared/compose/service.go's pullSingleImage already
// authenticates against for pulls.
type Adapter struct {
	creds      CredentialLookup
	httpClient *http.Client
	log        *logrus.Logger
}

// New builds an Adapter. If creds is nil, all lookups are treated as
// anonymous (no stored credentials).
func New(creds CredentialLookup, log *logrus.Logger) *Adapter {
	return &Adapter{
		creds: creds,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
		log: log,
	}
}

type manifestDigestResponse struct {
	Digest string
}

// Digest resolves ref's tag to a manifest digest, performing the standard
// v2 bearer-token handshake (HEAD/GET on /v2/<repo>/manifests/<tag>,
// WWW-Authenticate challenge -> token endpoint -> retry with Bearer token)
// the same way a `docker pull` or `docker manifest inspect` would.
func (a *Adapter) Digest(ctx context.Context, ref Reference) (string, error) {
	token, err := a.bearerToken(ctx, ref)
	if err != nil {
		a.logDebug("registry: anonymous manifest request (token fetch failed)", err)
	}

	url := fmt.Sprintf("https://%s/v2/%s/manifests/%s", ref.apiHost(), ref.Repository, ref.Tag)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return "", fmt.Errorf("registry: building manifest request: %w", err)
	}
	req.Header.Set("Accept", strings.Join([]string{
		"application/vnd.docker.distribution.manifest.v2+json",
		"application/vnd.docker.distribution.manifest.list.v2+json",
		"application/vnd.oci.image.manifest.v1+json",
		"application/vnd.oci.image.index.v1+json",
	}, ", "))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("registry: manifest request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("registry: manifest request returned %d", resp.StatusCode)
	}
	digest := resp.Header.Get("Docker-Content-Digest")
	if digest == "" {
		return "", fmt.Errorf("registry: response missing Docker-Content-Digest header")
	}
	return digest, nil
}

// tagListResponse is the v2 /tags/list response shape.
type tagListResponse struct {
	Tags []string `json:"tags"`
}

// resolveSemverFloat lists all tags and picks the highest semver-compatible
// tag matching the same major (mode=minor) or any major (mode=major),
// falling back to ref.Tag unchanged if no semver-shaped tags are found.
func (a *Adapter) resolveSemverFloat(ctx context.Context, ref Reference, mode domain.FloatingTagMode) (string, error) {
	token, _ := a.bearerToken(ctx, ref)

	url := fmt.Sprintf("https://%s/v2/%s/tags/list", ref.apiHost(), ref.Repository)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ref.Tag, fmt.Errorf("registry: building tags request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return ref.Tag, fmt.Errorf("registry: tags request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ref.Tag, fmt.Errorf("registry: tags request returned %d", resp.StatusCode)
	}

	var parsed tagListResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return ref.Tag, fmt.Errorf("registry: decoding tags response: %w", err)
	}

	base, ok := parseSemver(ref.Tag)
	if !ok {
		return ref.Tag, nil // non-semver tag: nothing to float toward
	}

	var candidates []semver
	for _, t := range parsed.Tags {
		v, ok := parseSemver(t)
		if !ok {
			continue
		}
		if mode == domain.TagModeMinor && v.major != base.major {
			continue
		}
		candidates = append(candidates, v)
	}
	if len(candidates) == 0 {
		return ref.Tag, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].less(candidates[j]) })
	return candidates[len(candidates)-1].raw, nil
}

type semver struct {
	major, minor, patch int
	raw                 string
}

func (s semver) less(o semver) bool {
	if s.major != o.major {
		return s.major < o.major
	}
	if s.minor != o.minor {
		return s.minor < o.minor
	}
	return s.patch < o.patch
}

// parseSemver accepts "v1.2.3", "1.2.3", "1.2", "1" — anything with a
// leading numeric major component, which covers the overwhelming majority
// of floating-tag-eligible image tags in the wild.
func parseSemver(tag string) (semver, bool) {
	raw := tag
	t := strings.TrimPrefix(tag, "v")
	parts := strings.SplitN(t, "-", 2)[0] // drop -alpine, -rc1, etc. suffixes
	segs := strings.Split(parts, ".")
	if len(segs) == 0 || segs[0] == "" {
		return semver{}, false
	}
	major, err := strconv.Atoi(segs[0])
	if err != nil {
		return semver{}, false
	}
	v := semver{major: major, raw: raw}
	if len(segs) > 1 {
		if n, err := strconv.Atoi(segs[1]); err == nil {
			v.minor = n
		}
	}
	if len(segs) > 2 {
		if n, err := strconv.Atoi(segs[2]); err == nil {
			v.patch = n
		}
	}
	return v, true
}

// bearerToken performs the registry auth challenge for a pull-scoped token.
// Docker Hub's auth.docker.io is hardcoded as a fallback for the default
// registry; other registries are assumed to either be anonymous-pull or to
// answer the same token endpoint shape (the common case for private
// registries fronted by Harbor/GitLab/ECR-compatible proxies).
func (a *Adapter) bearerToken(ctx context.Context, ref Reference) (string, error) {
	authHost := dockerHubAuthHost
	if ref.Registry != defaultRegistryHost {
		authHost = ref.Registry
	}

	var basicAuth *Credentials
	if a.creds != nil {
		if creds, ok, err := a.creds.CredentialsFor(ctx, ref.NormalizedCredentialHost()); err == nil && ok {
			basicAuth = creds
		}
	}

	url := fmt.Sprintf("https://%s/token?service=%s&scope=repository:%s:pull",
		authHost, ref.apiHost(), ref.Repository)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	if basicAuth != nil {
		req.SetBasicAuth(basicAuth.Username, basicAuth.Password)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("registry: token endpoint returned %d", resp.StatusCode)
	}
	var parsed struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	if parsed.Token != "" {
		return parsed.Token, nil
	}
	return parsed.AccessToken, nil
}

func (a *Adapter) logDebug(msg string, err error) {
	if a.log != nil {
		a.log.WithError(err).Debug(msg)
	}
}

// AuthConfigFor builds a docker/cli AuthConfig for the given credentials,
// the wire format C2's vault envelope decrypts into and that
// shared/compose.RegistryCredential / shared/update.RegistryAuth both carry
// onward to the Docker/Moby client's pull call.
func AuthConfigFor(host string, creds *Credentials) types.AuthConfig {
	if creds == nil {
		return types.AuthConfig{ServerAddress: host}
	}
	return types.AuthConfig{
		Username:      creds.Username,
		Password:      creds.Password,
		ServerAddress: host,
	}
}

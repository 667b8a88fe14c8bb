// Copyright (c) 2025, the orbit contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package update

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"net/http"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/orbit-app/orbit/pkg/version"
)

const (
	releaseCacheTTL      = time.Hour
	metadataTimeout      = 30 * time.Second
	downloadTimeout      = 5 * time.Minute
	latestCacheKey       = "latest"
	githubAPIBase        = "https://api.github.com"
	maxDownloadRedirects = 1
)

// ReleaseDescriptor describes one published release.
type ReleaseDescriptor struct {
	Version      string    `json:"version"`
	ReleaseDate  time.Time `json:"releaseDate"`
	Changelog    string    `json:"changelog"`
	DownloadURL  string    `json:"downloadUrl"`
	Checksum     string    `json:"checksum,omitempty"`
	ChecksumAlgo string    `json:"checksumAlgo,omitempty"`
	Prerelease   bool      `json:"prerelease"`
	Draft        bool      `json:"draft"`
}

// ReleaseSource fetches release descriptors and artifacts from a remote
// release listing.
type ReleaseSource interface {
	// FetchLatest returns the most recent release, or nil when the remote
	// has none published.
	FetchLatest(ctx context.Context, forceRefresh bool) (*ReleaseDescriptor, error)
	// FetchByVersion returns the release tagged with the given version, or
	// nil when no such release exists.
	FetchByVersion(ctx context.Context, v string) (*ReleaseDescriptor, error)
	// Download streams the artifact at url into memory.
	Download(ctx context.Context, url string) ([]byte, error)
	// VerifyChecksum compares data against an expected digest. An empty
	// expected value passes (logged); a present mismatch always fails.
	VerifyChecksum(data []byte, expected, algo string) bool
	// ParseChangelog strips markdown for display.
	ParseChangelog(markdown string) string
}

// githubRelease mirrors the GitHub releases API response.
type githubRelease struct {
	TagName     string        `json:"tag_name"`
	Name        *string       `json:"name"`
	Body        *string       `json:"body"`
	Draft       bool          `json:"draft"`
	Prerelease  bool          `json:"prerelease"`
	PublishedAt time.Time     `json:"published_at"`
	Assets      []githubAsset `json:"assets"`
}

type githubAsset struct {
	Name               string `json:"name"`
	ContentType        string `json:"content_type"`
	Digest             string `json:"digest"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

type cachedRelease struct {
	release   *ReleaseDescriptor
	fetchedAt time.Time
}

// GitHubReleaseSource implements ReleaseSource against the GitHub releases
// API with an in-memory TTL cache. The cache is process-local only.
type GitHubReleaseSource struct {
	Owner     string
	Repo      string
	Token     string
	UserAgent string

	apiBase        string
	metadataClient *http.Client
	downloadClient *http.Client
	log            zerolog.Logger

	group singleflight.Group

	cacheMu sync.RWMutex
	cache   map[string]cachedRelease
	now     func() time.Time
}

// NewGitHubReleaseSource constructs a release source for owner/repo. Token
// may be empty; it only raises rate limits.
func NewGitHubReleaseSource(owner, repo, token, userAgent string, log zerolog.Logger) *GitHubReleaseSource {
	return &GitHubReleaseSource{
		Owner:     owner,
		Repo:      repo,
		Token:     token,
		UserAgent: userAgent,
		apiBase:   githubAPIBase,
		metadataClient: &http.Client{
			Timeout: metadataTimeout,
		},
		downloadClient: &http.Client{
			Timeout: downloadTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) > maxDownloadRedirects {
					return errors.Errorf("stopped after %d redirects", maxDownloadRedirects)
				}
				return nil
			},
		},
		log:   log.With().Str("component", "release-source").Logger(),
		cache: make(map[string]cachedRelease),
		now:   time.Now,
	}
}

// FetchLatest returns the most recent published release. Cached entries are
// served until they go stale or forceRefresh is set. A nil descriptor with a
// nil error means the remote has no releases.
func (s *GitHubReleaseSource) FetchLatest(ctx context.Context, forceRefresh bool) (*ReleaseDescriptor, error) {
	if !forceRefresh {
		if cached, ok := s.fromCache(latestCacheKey); ok {
			return cached, nil
		}
	}
	return s.fetchAndCache(ctx, latestCacheKey, fmt.Sprintf("%s/repos/%s/%s/releases/latest", s.apiBase, s.Owner, s.Repo))
}

// FetchByVersion returns the release tagged v. The requested version must be
// a valid semantic version.
func (s *GitHubReleaseSource) FetchByVersion(ctx context.Context, v string) (*ReleaseDescriptor, error) {
	if !version.Validate(v) {
		return nil, errors.Wrapf(version.ErrInvalidVersion, "%q", v)
	}

	if cached, ok := s.fromCache(v); ok {
		return cached, nil
	}
	return s.fetchAndCache(ctx, v, fmt.Sprintf("%s/repos/%s/%s/releases/tags/v%s", s.apiBase, s.Owner, s.Repo, strings.TrimPrefix(v, "v")))
}

func (s *GitHubReleaseSource) fromCache(key string) (*ReleaseDescriptor, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()

	entry, ok := s.cache[key]
	if !ok || s.now().Sub(entry.fetchedAt) >= releaseCacheTTL {
		return nil, false
	}
	return entry.release, true
}

// fetchAndCache performs the network fetch; concurrent fetches for the same
// key collapse onto one request via singleflight.
func (s *GitHubReleaseSource) fetchAndCache(ctx context.Context, key, url string) (*ReleaseDescriptor, error) {
	result, err, _ := s.group.Do(key, func() (any, error) {
		release, err := s.fetchRelease(ctx, url)
		if err != nil {
			return nil, err
		}

		s.cacheMu.Lock()
		s.cache[key] = cachedRelease{release: release, fetchedAt: s.now()}
		s.cacheMu.Unlock()

		return release, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*ReleaseDescriptor), nil
}

// fetchRelease calls the release-listing endpoint. Transient 5xx responses
// are retried a few times; the artifact download path never retries.
func (s *GitHubReleaseSource) fetchRelease(ctx context.Context, url string) (*ReleaseDescriptor, error) {
	var release *ReleaseDescriptor

	err := retry.Do(
		func() error {
			fetched, err := s.fetchReleaseOnce(ctx, url)
			if err != nil {
				return err
			}
			release = fetched
			return nil
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var transient *transientError
			return errors.As(err, &transient)
		}),
	)
	if err != nil {
		var transient *transientError
		if errors.As(err, &transient) {
			return nil, transient.err
		}
		return nil, err
	}

	return release, nil
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func (s *GitHubReleaseSource) fetchReleaseOnce(ctx context.Context, url string) (*ReleaseDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", s.UserAgent)
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	resp, err := s.metadataClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "release request failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		s.log.Debug().Str("url", url).Msg("no release published")
		return nil, nil
	case resp.StatusCode >= 500:
		return nil, &transientError{err: errors.Errorf("release endpoint returned status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, errors.Errorf("release endpoint returned status %d", resp.StatusCode)
	}

	var gh githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&gh); err != nil {
		return nil, errors.Wrap(err, "could not decode release response")
	}

	return s.toDescriptor(&gh)
}

// toDescriptor maps the API payload to a ReleaseDescriptor, rejecting
// releases whose tag is not a valid semantic version.
func (s *GitHubReleaseSource) toDescriptor(gh *githubRelease) (*ReleaseDescriptor, error) {
	tag := strings.TrimPrefix(gh.TagName, "v")
	if !version.Validate(tag) {
		return nil, errors.Wrapf(version.ErrInvalidVersion, "release tag %q", gh.TagName)
	}

	desc := &ReleaseDescriptor{
		Version:     tag,
		ReleaseDate: gh.PublishedAt,
		Prerelease:  gh.Prerelease,
		Draft:       gh.Draft,
	}
	if gh.Body != nil {
		desc.Changelog = *gh.Body
	}

	if asset := pickAsset(gh.Assets); asset != nil {
		desc.DownloadURL = asset.BrowserDownloadURL
		if algo, sum, ok := parseDigest(asset.Digest); ok {
			desc.ChecksumAlgo = algo
			desc.Checksum = sum
		}
	}

	return desc, nil
}

// pickAsset chooses the artifact for the running platform, falling back to
// the first archive-looking asset.
func pickAsset(assets []githubAsset) *githubAsset {
	platform := fmt.Sprintf("%s_%s", runtime.GOOS, runtime.GOARCH)

	for i := range assets {
		name := strings.ToLower(assets[i].Name)
		if strings.Contains(name, platform) {
			return &assets[i]
		}
	}

	for i := range assets {
		name := strings.ToLower(assets[i].Name)
		if strings.HasSuffix(name, ".tar.gz") || strings.HasSuffix(name, ".zip") || strings.HasSuffix(name, ".tgz") {
			return &assets[i]
		}
	}

	if len(assets) > 0 {
		return &assets[0]
	}
	return nil
}

// parseDigest splits GitHub's "sha256:<hex>" asset digest form.
func parseDigest(digest string) (algo, sum string, ok bool) {
	parts := strings.SplitN(digest, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return strings.ToLower(parts[0]), parts[1], true
}

// Download streams the artifact at url into memory. At most one redirect is
// followed; any non-success status is a DownloadFailed error.
func (s *GitHubReleaseSource) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(ErrDownloadFailed, err.Error())
	}
	req.Header.Set("User-Agent", s.UserAgent)
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := s.downloadClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(ErrDownloadFailed, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Wrapf(ErrDownloadFailed, "status %d from %s", resp.StatusCode, url)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(ErrDownloadFailed, err.Error())
	}

	s.log.Debug().Int("bytes", len(data)).Str("url", url).Msg("downloaded release artifact")
	return data, nil
}

// VerifyChecksum computes the digest of data under algo and compares it,
// case-insensitively, to expected. A missing expected checksum passes with a
// log line; an unsupported algorithm with a checksum present fails.
func (s *GitHubReleaseSource) VerifyChecksum(data []byte, expected, algo string) bool {
	if strings.TrimSpace(expected) == "" {
		s.log.Warn().Msg("release carries no checksum, skipping verification")
		return true
	}

	var h hash.Hash
	switch strings.ToLower(strings.TrimSpace(algo)) {
	case "", "sha256":
		h = sha256.New()
	case "sha512":
		h = sha512.New()
	case "sha1":
		h = sha1.New()
	default:
		s.log.Error().Str("algo", algo).Msg("unsupported checksum algorithm")
		return false
	}

	h.Write(data)
	actual := hex.EncodeToString(h.Sum(nil))

	if !strings.EqualFold(actual, strings.TrimSpace(expected)) {
		s.log.Error().Str("expected", expected).Str("actual", actual).Msg("checksum verification failed")
		return false
	}

	return true
}

var (
	changelogHeaderRe     = regexp.MustCompile(`(?m)^#{1,6}\s*`)
	changelogCodeFenceRe  = regexp.MustCompile("(?s)```[a-zA-Z0-9]*\n?|```")
	changelogInlineCodeRe = regexp.MustCompile("`([^`]*)`")
	changelogLinkRe       = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	changelogEmphasisRe   = regexp.MustCompile(`(\*\*|__|\*|_)([^*_]+)(\*\*|__|\*|_)`)
	changelogBlankRunRe   = regexp.MustCompile(`\n{3,}`)
)

// ParseChangelog reduces release-note markdown to plain text for display.
// Headers and emphasis markers are stripped, links keep their text, code
// markers go away, and runs of blank lines collapse.
func (s *GitHubReleaseSource) ParseChangelog(markdown string) string {
	text := changelogCodeFenceRe.ReplaceAllString(markdown, "")
	text = changelogHeaderRe.ReplaceAllString(text, "")
	text = changelogLinkRe.ReplaceAllString(text, "$1")
	text = changelogInlineCodeRe.ReplaceAllString(text, "$1")
	text = changelogEmphasisRe.ReplaceAllString(text, "$2")
	text = changelogBlankRunRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

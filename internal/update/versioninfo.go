// Copyright (c) 2025, the orbit contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package update

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/orbit-app/orbit/internal/buildinfo"
	"github.com/orbit-app/orbit/pkg/version"
)

const (
	versionInfoTTL   = time.Hour
	metadataFileName = "metadata.yaml"
)

// VersionInfo is the resolved identity of the running installation.
type VersionInfo struct {
	Version   string    `json:"version"`
	Commit    string    `json:"commit"`
	Branch    string    `json:"branch"`
	BuildDate time.Time `json:"buildDate"`
}

// buildMetadata mirrors the metadata.yaml side-channel file written into the
// install tree at release time.
type buildMetadata struct {
	Version   string    `yaml:"version"`
	Commit    string    `yaml:"commit"`
	Branch    string    `yaml:"branch"`
	BuildDate time.Time `yaml:"buildDate"`
}

// VersionResolver resolves the current VersionInfo. Resolution order per
// field: environment override, then the metadata.yaml in the install dir,
// then ldflags build info, then a safe default. Resolution never fails; bad
// inputs are logged and replaced with the next candidate. Results are cached
// for an hour.
type VersionResolver struct {
	installDir string
	log        zerolog.Logger
	now        func() time.Time

	mu       sync.Mutex
	cached   *VersionInfo
	cachedAt time.Time
}

func NewVersionResolver(installDir string, log zerolog.Logger) *VersionResolver {
	return &VersionResolver{
		installDir: installDir,
		log:        log.With().Str("component", "version-resolver").Logger(),
		now:        time.Now,
	}
}

// Current returns the resolved VersionInfo, from cache when fresh.
func (r *VersionResolver) Current() VersionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cached != nil && r.now().Sub(r.cachedAt) < versionInfoTTL {
		return *r.cached
	}

	info := r.resolve()
	r.cached = &info
	r.cachedAt = r.now()
	return info
}

// ClearCache forces recomputation on the next Current call.
func (r *VersionResolver) ClearCache() {
	r.mu.Lock()
	r.cached = nil
	r.mu.Unlock()
}

func (r *VersionResolver) resolve() VersionInfo {
	meta := r.readMetadata()

	info := VersionInfo{
		Version:   r.resolveVersion(meta),
		Commit:    firstNonEmpty(os.Getenv("ORBIT_COMMIT"), meta.Commit, buildinfo.Commit, "unknown"),
		Branch:    firstNonEmpty(os.Getenv("ORBIT_BRANCH"), meta.Branch, buildinfo.Branch, "main"),
		BuildDate: r.resolveBuildDate(meta),
	}

	return info
}

func (r *VersionResolver) resolveVersion(meta buildMetadata) string {
	for _, candidate := range []struct {
		source string
		value  string
	}{
		{"environment", os.Getenv("ORBIT_VERSION")},
		{"metadata file", meta.Version},
		{"build info", buildinfo.Version},
	} {
		if candidate.value == "" || version.IsDevelop(candidate.value) {
			continue
		}

		normalized, err := version.Normalize(candidate.value)
		if err != nil {
			r.log.Warn().Str("source", candidate.source).Str("value", candidate.value).Msg("ignoring unparseable version")
			continue
		}
		return normalized
	}

	return "0.0.0"
}

func (r *VersionResolver) resolveBuildDate(meta buildMetadata) time.Time {
	if v := os.Getenv("ORBIT_BUILD_DATE"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
		r.log.Warn().Str("value", v).Msg("ignoring unparseable build date override")
	}
	if !meta.BuildDate.IsZero() {
		return meta.BuildDate
	}
	if buildinfo.Date != "" {
		if t, err := time.Parse(time.RFC3339, buildinfo.Date); err == nil {
			return t
		}
	}
	return r.now().UTC()
}

func (r *VersionResolver) readMetadata() buildMetadata {
	var meta buildMetadata

	if r.installDir == "" {
		return meta
	}

	path := filepath.Join(r.installDir, metadataFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.log.Debug().Err(err).Str("path", path).Msg("could not read build metadata")
		}
		return meta
	}

	if err := yaml.Unmarshal(data, &meta); err != nil {
		r.log.Warn().Err(err).Str("path", path).Msg("could not parse build metadata")
		return buildMetadata{}
	}

	return meta
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

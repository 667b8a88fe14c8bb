// Copyright (c) 2025, the orbit contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package version implements semantic version validation and comparison for
// the update pipeline. Comparison follows SemVer 2.0.0 ordering: major, minor,
// patch, then prerelease (a release without a prerelease tag sorts above one
// with it). Build metadata never participates in ordering.
package version

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	goversion "github.com/hashicorp/go-version"
)

// ErrInvalidVersion is returned when a version string does not parse as
// strict semantic versioning.
var ErrInvalidVersion = errors.New("invalid semantic version")

// Validate reports whether v is a strict semantic version
// (MAJOR.MINOR.PATCH with optional -PRERELEASE and +BUILD). A leading "v"
// is tolerated, matching release tags.
func Validate(v string) bool {
	_, err := parse(v)
	return err == nil
}

// Compare returns -1, 0 or 1 ordering a against b. Both inputs must
// validate; a malformed input yields ErrInvalidVersion rather than a silent
// wrong answer.
func Compare(a, b string) (int, error) {
	va, err := parse(a)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidVersion, a)
	}
	vb, err := parse(b)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidVersion, b)
	}
	return va.Compare(vb), nil
}

// Newer reports whether candidate is strictly newer than current.
func Newer(current, candidate string) (bool, error) {
	c, err := Compare(current, candidate)
	if err != nil {
		return false, err
	}
	return c < 0, nil
}

// Normalize coerces lenient version strings into strict SemVer. Manifest and
// override values in the wild frequently omit segments ("1.2") or carry a
// "v" prefix; go-version accepts those, and the segment triple is rebuilt
// into a canonical MAJOR.MINOR.PATCH. Prerelease and build metadata survive
// normalization. Strings that not even go-version can parse return
// ErrInvalidVersion.
func Normalize(v string) (string, error) {
	trimmed := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(v), "v"))
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty string", ErrInvalidVersion)
	}

	if sv, err := semver.StrictNewVersion(trimmed); err == nil {
		return sv.String(), nil
	}

	gv, err := goversion.NewVersion(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidVersion, v)
	}

	segments := gv.Segments()
	for len(segments) < 3 {
		segments = append(segments, 0)
	}

	normalized := fmt.Sprintf("%d.%d.%d", segments[0], segments[1], segments[2])
	if pre := gv.Prerelease(); pre != "" {
		normalized += "-" + pre
	}
	if meta := gv.Metadata(); meta != "" {
		normalized += "+" + meta
	}

	if _, err := semver.StrictNewVersion(normalized); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidVersion, v)
	}

	return normalized, nil
}

// IsDevelop reports whether the version string identifies a development
// build that should never be compared against published releases.
func IsDevelop(v string) bool {
	switch v {
	case "", "dev", "develop", "main", "latest":
		return true
	}

	if strings.HasPrefix(v, "pr-") {
		return true
	}
	if strings.HasSuffix(v, "-dev") || strings.HasSuffix(v, "-develop") {
		return true
	}

	return false
}

func parse(v string) (*semver.Version, error) {
	return semver.StrictNewVersion(strings.TrimPrefix(strings.TrimSpace(v), "v"))
}

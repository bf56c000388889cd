// Copyright (c) 2025-2026 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package version reports the semantic version of the binaries.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Set at link time for releases, e.g.
// -ldflags "-X github.com/hemilabs/txdb/version.PreRelease=rc1".
var (
	Major = "0"
	Minor = "1"
	Patch = "0"

	// PreRelease and BuildMetadata may only contain characters from the
	// semver alphabet, anything else is dropped.
	PreRelease    = "dev"
	BuildMetadata = ""

	// Brand identifies who built the binary.
	Brand string

	// Component names the binary and is set in the main package init.
	Component string
)

const semverAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-."

func init() {
	if BuildMetadata == "" {
		BuildMetadata = vcsRevision(debug.ReadBuildInfo())
	}
}

// String returns the version as a semver 2.0.0 string.
func String() string {
	v := Major + "." + Minor + "." + Patch
	if pr := normalize(PreRelease); pr != "" {
		v += "-" + pr
	}
	if bm := normalize(BuildMetadata); bm != "" {
		v += "+" + bm
	}
	return v
}

func normalize(s string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(semverAlphabet, r) {
			return r
		}
		return -1
	}, s)
}

// BuildInfo returns the version followed by brand, component and platform.
func BuildInfo() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{Brand, Component} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	parts = append(parts, fmt.Sprintf("%v %v/%v", runtime.Version(),
		runtime.GOOS, runtime.GOARCH))
	return fmt.Sprintf("v%v (%v)", String(), strings.Join(parts, ", "))
}

// vcsRevision returns the abbreviated git revision the binary was built from.
func vcsRevision(bi *debug.BuildInfo, ok bool) string {
	if !ok {
		return ""
	}
	var vcs, revision string
	for _, bs := range bi.Settings {
		switch bs.Key {
		case "vcs":
			vcs = bs.Value
		case "vcs.revision":
			revision = bs.Value
		}
	}
	if vcs == "" {
		return ""
	}
	if vcs == "git" && len(revision) > 9 {
		revision = revision[:9]
	}
	return revision
}

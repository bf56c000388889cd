// Copyright (c) 2025-2026 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	defer func(pr, bm string) {
		PreRelease, BuildMetadata = pr, bm
	}(PreRelease, BuildMetadata)

	tests := []struct {
		preRelease    string
		buildMetadata string
		want          string
	}{
		{want: "0.1.0"},
		{preRelease: "rc1", want: "0.1.0-rc1"},
		{preRelease: "rc_1!", buildMetadata: "abc def", want: "0.1.0-rc1+abcdef"},
		{buildMetadata: "0123456789a", want: "0.1.0+0123456789a"},
		{preRelease: "@@", buildMetadata: "##", want: "0.1.0"},
	}
	for _, tt := range tests {
		PreRelease, BuildMetadata = tt.preRelease, tt.buildMetadata
		if got := String(); got != tt.want {
			t.Errorf("String() = %v, want %v", got, tt.want)
		}
	}
}

func TestBuildInfo(t *testing.T) {
	defer func(c string) { Component = c }(Component)
	Component = "txdbctl"
	bi := BuildInfo()
	if !strings.HasPrefix(bi, "v"+String()+" (txdbctl, ") ||
		!strings.HasSuffix(bi, runtime.GOOS+"/"+runtime.GOARCH+")") {
		t.Fatalf("unexpected build info %q", bi)
	}
}

func TestVCSRevision(t *testing.T) {
	bi := &debug.BuildInfo{Settings: []debug.BuildSetting{
		{Key: "vcs", Value: "git"},
		{Key: "vcs.revision", Value: "0123456789abcdef"},
	}}
	if got := vcsRevision(bi, true); got != "012345678" {
		t.Fatalf("got %v", got)
	}
	if got := vcsRevision(bi, false); got != "" {
		t.Fatalf("got %v", got)
	}
	if got := vcsRevision(&debug.BuildInfo{}, true); got != "" {
		t.Fatalf("got %v", got)
	}
}

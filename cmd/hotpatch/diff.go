package main

import (
	"strings"

	"github.com/ankur-anand/hotpatch/blobstore"
	"github.com/ankur-anand/hotpatch/manifest"
	"github.com/pmezard/go-difflib/difflib"
)

// manifestPatch renders a unified diff between two manifests in their
// canonical encoding. An empty string means the documents are identical.
func manifestPatch(local, server *manifest.Manifest, contextLines int) (string, error) {
	a, err := manifest.Encode(local)
	if err != nil {
		return "", err
	}
	b, err := manifest.Encode(server)
	if err != nil {
		return "", err
	}
	if contextLines <= 0 {
		contextLines = 3
	}
	u := difflib.UnifiedDiff{
		A:        splitLinesKeepNL(string(a) + "\n"),
		B:        splitLinesKeepNL(string(b) + "\n"),
		FromFile: "local/" + blobstore.VersionFile,
		ToFile:   "server/" + blobstore.VersionFile,
		Context:  contextLines,
	}
	return difflib.GetUnifiedDiffString(u)
}

func splitLinesKeepNL(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// Package updatemanifest implements the JSON update-manifest format the
// autoupdate checker consumes: entry selection by platform/arch/kernel
// version, dotted-quad "newer" comparison, and the fast-fail UNC probe
// local-file manifests need before a blocking read (§6). Triggering a
// check (a UI checkbox, a startup timer, a manual "check for updates"
// button) is an external collaborator's job; this package only answers
// "given this manifest and this client, is there an update".
package updatemanifest

import (
	"encoding/json"
	"fmt"

	"github.com/streamdeck/core/httpclient"
)

// Entry is one manifest record. KernelVersionAtLeast is optional; an
// empty string means no kernel version floor.
type Entry struct {
	Platform             string `json:"platform"`
	Arch                 string `json:"arch"`
	Version              string `json:"version"`
	BrowserURL           string `json:"browser_url"`
	KernelVersionAtLeast string `json:"kernel_version_at_least"`
}

func (e Entry) valid() bool {
	return e.Platform != "" && e.Arch != "" && e.Version != "" && e.BrowserURL != ""
}

// ErrManifestEmpty is returned by ParseManifest when the document
// contains neither an object nor a non-empty array.
var ErrManifestEmpty = fmt.Errorf("updatemanifest: manifest is empty")

// ParseManifest decodes a manifest document, which is either a JSON
// array of entries or a single JSON object (treated as a one-entry
// array), matching AutoUpdateChecker::onUpdateManifestReceived. Entries
// missing a vital field, or malformed, are silently skipped rather than
// failing the whole parse.
func ParseManifest(data []byte) ([]Entry, error) {
	var raw json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("updatemanifest: malformed manifest: %w", err)
	}

	var rawEntries []json.RawMessage
	trimmed := skipSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(raw, &rawEntries); err != nil {
			return nil, fmt.Errorf("updatemanifest: malformed manifest array: %w", err)
		}
	} else if len(trimmed) > 0 && trimmed[0] == '{' {
		rawEntries = []json.RawMessage{raw}
	} else {
		return nil, ErrManifestEmpty
	}
	if len(rawEntries) == 0 {
		return nil, ErrManifestEmpty
	}

	entries := make([]Entry, 0, len(rawEntries))
	for _, r := range rawEntries {
		var e Entry
		if err := json.Unmarshal(r, &e); err != nil {
			continue
		}
		if !e.valid() {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func skipSpace(b []byte) []byte {
	i := 0
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\n', '\r':
			i++
			continue
		}
		break
	}
	return b[i:]
}

// SelectEntry returns the first entry matching platform and arch whose
// KernelVersionAtLeast, if set, is satisfied by kernelVersion, matching
// the linear scan in onUpdateManifestReceived.
func SelectEntry(entries []Entry, platform, arch, kernelVersion string) (Entry, bool) {
	for _, e := range entries {
		if e.Arch != arch || e.Platform != platform {
			continue
		}
		if e.KernelVersionAtLeast != "" {
			required := httpclient.ParseVersion(e.KernelVersionAtLeast)
			actual := httpclient.ParseVersion(kernelVersion)
			if httpclient.CompareVersions(actual, required) < 0 {
				continue
			}
		}
		return e, true
	}
	return Entry{}, false
}

// IsNewer reports whether candidate's dotted-quad version compares
// greater than current's, treating missing trailing components as 0.
func IsNewer(current, candidate string) bool {
	return httpclient.CompareVersions(httpclient.ParseVersion(candidate), httpclient.ParseVersion(current)) > 0
}

package sandbox

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"vx/pkg/descriptor"
	"vx/pkg/toolspec"
)

// staticProvider serves tools declared with [versions], [download] and
// [layout] rules instead of a script.
type staticProvider struct {
	exec *Executor
	spec *toolspec.Spec
}

func (p *staticProvider) Tool() string { return p.spec.Name }

func (p *staticProvider) Capabilities() descriptor.Capabilities { return p.spec.Capabilities }

func (p *staticProvider) Versions(ctx context.Context) ([]descriptor.VersionRecord, error) {
	rules := p.spec.Versions
	if rules.Source == toolspec.SourceStatic {
		records := make([]descriptor.VersionRecord, 0, len(rules.List))
		for _, raw := range rules.List {
			records = append(records, descriptor.ParseVersion(raw, false, time.Time{}))
		}
		return records, nil
	}

	if err := checkURL(p.spec.Name, p.spec.Capabilities, rules.URL); err != nil {
		return nil, err
	}
	body, err := p.exec.fetcher.Fetch(GuardRedirects(ctx, p.spec.Name, p.spec.Capabilities), rules.URL)
	if err != nil {
		return nil, err
	}
	switch rules.Source {
	case toolspec.SourceGitHubReleases:
		return parseGitHubReleases(p.spec.Name, body, rules.TagPrefix)
	default:
		return parseJSONList(p.spec.Name, body, rules.TagPrefix)
	}
}

func (p *staticProvider) DownloadURL(_ context.Context, version string, plat descriptor.Platform) (string, bool, error) {
	rules := p.spec.Download
	if !rules.Supported(plat) {
		return "", false, nil
	}
	return descriptor.Expand(rules.URL, rules.Vars(p.spec.Name, version, plat)), true, nil
}

func (p *staticProvider) InstallLayout(_ context.Context, version string, plat descriptor.Platform) (descriptor.InstallDescriptor, error) {
	return p.spec.Layout.Descriptor(p.spec.Download.Vars(p.spec.Name, version, plat))
}

func (p *staticProvider) Fallbacks(_ context.Context, plat descriptor.Platform) ([]descriptor.FallbackStrategy, error) {
	return staticFallbacks(p.spec, plat), nil
}

// staticFallbacks returns the document's fallback rules that apply to plat.
func staticFallbacks(spec *toolspec.Spec, plat descriptor.Platform) []descriptor.FallbackStrategy {
	var out []descriptor.FallbackStrategy
	for _, rule := range spec.Fallbacks {
		if !platformMatches(rule.Platforms, plat) {
			continue
		}
		out = append(out, descriptor.FallbackStrategy{Manager: rule.Manager, Package: rule.Package, Priority: rule.Priority})
	}
	return out
}

func platformMatches(keys []string, plat descriptor.Platform) bool {
	if len(keys) == 0 {
		return true
	}
	for _, key := range keys {
		key = strings.ToLower(strings.TrimSpace(key))
		if key == plat.OS || key == plat.String() {
			return true
		}
	}
	return false
}

type githubRelease struct {
	TagName     string    `json:"tag_name"`
	Prerelease  bool      `json:"prerelease"`
	Draft       bool      `json:"draft"`
	PublishedAt time.Time `json:"published_at"`
}

func parseGitHubReleases(tool string, body []byte, tagPrefix string) ([]descriptor.VersionRecord, error) {
	var releases []githubRelease
	if err := json.Unmarshal(body, &releases); err != nil {
		return nil, &descriptor.SchemaError{Source: tool, Field: "versions", Message: "decode github releases: " + err.Error()}
	}
	records := make([]descriptor.VersionRecord, 0, len(releases))
	for _, rel := range releases {
		if rel.Draft || strings.TrimSpace(rel.TagName) == "" {
			continue
		}
		raw := strings.TrimPrefix(rel.TagName, tagPrefix)
		records = append(records, descriptor.ParseVersion(raw, rel.Prerelease, rel.PublishedAt))
	}
	return records, nil
}

type listEntry struct {
	Version    string `json:"version"`
	Prerelease bool   `json:"prerelease"`
	Date       string `json:"date"`
}

// parseJSONList accepts ["1.0.0", ...] or [{"version": ..., "prerelease": ..., "date": ...}, ...].
func parseJSONList(tool string, body []byte, tagPrefix string) ([]descriptor.VersionRecord, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &descriptor.SchemaError{Source: tool, Field: "versions", Message: "decode version list: " + err.Error()}
	}
	records := make([]descriptor.VersionRecord, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			records = append(records, descriptor.ParseVersion(strings.TrimPrefix(s, tagPrefix), false, time.Time{}))
			continue
		}
		var entry listEntry
		if err := json.Unmarshal(item, &entry); err != nil || strings.TrimSpace(entry.Version) == "" {
			return nil, &descriptor.SchemaError{Source: tool, Field: "versions", Message: "entries must be strings or objects with a version"}
		}
		records = append(records, descriptor.ParseVersion(strings.TrimPrefix(entry.Version, tagPrefix), entry.Prerelease, parseDate(entry.Date)))
	}
	return records, nil
}

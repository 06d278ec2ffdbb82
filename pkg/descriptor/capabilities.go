package descriptor

import (
	"crypto/sha256"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Capabilities is the allow-list granted to a tool's provider.
type Capabilities struct {
	Hosts []string `json:"hosts,omitempty" toml:"hosts" yaml:"hosts"`
	Paths []string `json:"paths,omitempty" toml:"paths" yaml:"paths"`
	Exec  []string `json:"exec,omitempty" toml:"exec" yaml:"exec"`
}

// AllowsHost matches host against the declared hosts. A "*.example.com"
// entry matches example.com and any of its subdomains.
func (c Capabilities) AllowsHost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
	if host == "" {
		return false
	}
	for _, allowed := range c.Hosts {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if allowed == "" {
			continue
		}
		if suffix, ok := strings.CutPrefix(allowed, "*."); ok {
			if host == suffix || strings.HasSuffix(host, "."+suffix) {
				return true
			}
			continue
		}
		if host == allowed {
			return true
		}
	}
	return false
}

// AllowsPath reports whether path lives inside one of the declared roots.
func (c Capabilities) AllowsPath(path string) bool {
	if !filepath.IsAbs(path) {
		return false
	}
	path = filepath.Clean(path)
	for _, root := range c.Paths {
		root = filepath.Clean(strings.TrimSpace(root))
		if root == "." || root == "" {
			continue
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			continue
		}
		if rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)) {
			return true
		}
	}
	return false
}

// AllowsExec matches a program by base name, ignoring a windows .exe suffix.
func (c Capabilities) AllowsExec(program string) bool {
	name := programName(program)
	if name == "" {
		return false
	}
	for _, allowed := range c.Exec {
		if programName(allowed) == name {
			return true
		}
	}
	return false
}

func programName(program string) string {
	base := filepath.Base(strings.ReplaceAll(strings.TrimSpace(program), "\\", "/"))
	if base == "." || base == "/" {
		return ""
	}
	return strings.ToLower(strings.TrimSuffix(strings.ToLower(base), ".exe"))
}

// Fingerprint returns a stable hash of the capability set, used to key caches
// whose contents depend on what the provider may reach.
func (c Capabilities) Fingerprint() string {
	h := sha256.New()
	for _, group := range [][]string{c.Hosts, c.Paths, c.Exec} {
		sorted := append([]string(nil), group...)
		sort.Strings(sorted)
		for _, v := range sorted {
			fmt.Fprintf(h, "%s\x00", strings.ToLower(strings.TrimSpace(v)))
		}
		h.Write([]byte{0xff})
	}
	return fmt.Sprintf("%x", h.Sum(nil))[:16]
}

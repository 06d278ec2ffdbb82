package descriptor

import (
	"crypto/sha256"
	"fmt"
)

// Origin records where an installed artifact came from.
type Origin string

const (
	OriginStore                Origin = "store"
	OriginSystemPackageManager Origin = "system_package_manager"
	OriginSystemPath           Origin = "system_path"
)

// InstalledArtifact is a resolved, executable tool on disk.
type InstalledArtifact struct {
	ID             string   `json:"id,omitempty"`
	Tool           string   `json:"tool"`
	Version        string   `json:"version"`
	Platform       Platform `json:"platform"`
	RootPath       string   `json:"root_path"`
	ExecutablePath string   `json:"executable_path"`
	Origin         Origin   `json:"origin"`
}

// FallbackStrategy names an external package manager able to provide a tool.
type FallbackStrategy struct {
	Manager  string `json:"manager"`
	Package  string `json:"package"`
	Priority int    `json:"priority"`
}

// IdentityHash returns the store key for (tool, version, platform).
func IdentityHash(tool, version string, p Platform) string {
	sum := sha256.Sum256([]byte(tool + "\x00" + version + "\x00" + p.String()))
	return fmt.Sprintf("%x", sum[:])[:24]
}

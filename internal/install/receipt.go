package install

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"vx/internal/netx"
)

// ReceiptFile is written at the root of every interpreted layout.
const ReceiptFile = ".vx-layout.json"

// Receipt records what produced a layout so a repeated interpretation can
// be skipped when nothing changed.
type Receipt struct {
	Tool             string    `json:"tool"`
	Version          string    `json:"version"`
	Platform         string    `json:"platform"`
	DescriptorHash   string    `json:"descriptor_hash"`
	ArtifactSHA256   string    `json:"artifact_sha256"`
	Executable       string    `json:"executable"`
	ExecutableSHA256 string    `json:"executable_sha256"`
	InterpretedAt    time.Time `json:"interpreted_at"`
}

// ReadReceipt loads the receipt under root.
func ReadReceipt(root string) (Receipt, error) {
	var rec Receipt
	data, err := os.ReadFile(filepath.Join(root, ReceiptFile))
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decode layout receipt: %w", err)
	}
	return rec, nil
}

func writeReceipt(root string, rec Receipt) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode layout receipt: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, ReceiptFile), data, 0o644); err != nil {
		return fmt.Errorf("write layout receipt: %w", err)
	}
	return nil
}

// ExecutablePath resolves the receipt's executable against root. Absolute
// executables (binaries placed in a declared system path) are returned as is.
func (r Receipt) ExecutablePath(root string) string {
	if filepath.IsAbs(r.Executable) {
		return r.Executable
	}
	return filepath.Join(root, filepath.FromSlash(r.Executable))
}

// Verify reports whether the executable still hashes to the recorded value.
func (r Receipt) Verify(root string) bool {
	if r.Executable == "" || r.ExecutableSHA256 == "" {
		return false
	}
	sum, err := netx.FileSHA256(r.ExecutablePath(root))
	if err != nil {
		return false
	}
	return sum == r.ExecutableSHA256
}

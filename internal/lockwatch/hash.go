// Package lockwatch detects changes to test artifacts that were frozen when
// the TEST_IMPL checkpoint was approved.
package lockwatch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/pmezard/go-difflib/difflib"
)

// Tamper describes one locked artifact whose content no longer matches the
// hash taken at lock time.
type Tamper struct {
	TaskID   string `json:"task_id"`
	Path     string `json:"path"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"` // empty when the file is gone
	Diff     string `json:"diff,omitempty"`
}

func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ReadAndHash returns the content of path and its hex SHA-256.
func ReadAndHash(path string) ([]byte, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", path, err)
	}
	return data, HashBytes(data), nil
}

// UnifiedDiff renders the change from the locked snapshot to the current
// content.
func UnifiedDiff(path string, locked, current []byte) (string, error) {
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(locked)),
		B:        difflib.SplitLines(string(current)),
		FromFile: path + " (locked)",
		ToFile:   path,
		Context:  3,
	})
}

// Package security provides path validation for files loaded from
// operator-supplied directories.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidatePathWithinDirectory checks that filePath resolves inside
// safeDir. Symlinks are resolved on both sides, so an asset that links
// out of the directory is rejected even when its lexical path looks
// contained.
func ValidatePathWithinDirectory(filePath, safeDir string) error {
	absPath, err := filepath.Abs(filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	absSafeDir, err := filepath.Abs(safeDir)
	if err != nil {
		return fmt.Errorf("failed to resolve safe directory path: %w", err)
	}

	canonicalPath := absPath
	if resolved, err := filepath.EvalSymlinks(absPath); err == nil {
		canonicalPath = resolved
	}
	canonicalSafeDir := absSafeDir
	if resolved, err := filepath.EvalSymlinks(absSafeDir); err == nil {
		canonicalSafeDir = resolved
	}

	rel, err := filepath.Rel(canonicalSafeDir, canonicalPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes directory %q", filePath, safeDir)
	}
	return nil
}

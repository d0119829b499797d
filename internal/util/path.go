package util

import (
	"fmt"
	"path/filepath"
	"strings"
)

const tombstoneDir = ".removed"

// WorkDir returns the working directory of a snapshot under root. Names
// that would escape root are rejected, as are dot names, which are
// reserved for bookkeeping below root.
func WorkDir(root, name string) (string, error) {
	if name == "" || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid snapshot name %q", name)
	}
	return filepath.Join(root, name), nil
}

// TombstoneDir returns where the working directory of name is moved
// before it is deleted. It never collides with a working directory.
func TombstoneDir(root, name string) (string, error) {
	if _, err := WorkDir(root, name); err != nil {
		return "", err
	}
	return filepath.Join(root, tombstoneDir, name), nil
}

// ObjectPath maps a content id onto a file below base. Content ids use
// "/" as separator regardless of platform.
func ObjectPath(base, contentID string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(contentID))
	if contentID == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid content id %q", contentID)
	}
	return filepath.Join(base, clean), nil
}

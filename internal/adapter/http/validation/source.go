package validation

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bnema/reencode/internal/domain"
)

// SourceFile checks that path names an existing video file inside mount
// and returns its cleaned form. Symlinks are resolved before the
// containment check so a link cannot escape the mount.
func SourceFile(mount, path string) (string, error) {
	const field = "source_file"

	if strings.TrimSpace(path) == "" {
		return "", domain.NewValidationError(field, "is required")
	}
	if strings.ContainsRune(path, 0) {
		return "", domain.NewValidationError(field, "contains a null byte")
	}
	if !filepath.IsAbs(path) {
		return "", domain.NewValidationError(field, "must be an absolute path")
	}

	clean := filepath.Clean(path)
	resolved, err := filepath.EvalSymlinks(clean)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", domain.NewValidationError(field, "%s does not exist", clean)
		}
		return "", domain.NewValidationError(field, "cannot access %s", clean)
	}

	root, err := filepath.EvalSymlinks(filepath.Clean(mount))
	if err != nil {
		root = filepath.Clean(mount)
	}
	if !within(root, resolved) {
		return "", domain.NewValidationError(field, "must be inside %s", mount)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", domain.NewValidationError(field, "cannot access %s", clean)
	}
	if !info.Mode().IsRegular() {
		return "", domain.NewValidationError(field, "%s is not a regular file", clean)
	}

	f, err := os.Open(resolved)
	if err != nil {
		return "", domain.NewValidationError(field, "cannot read %s", clean)
	}
	defer f.Close() //nolint:errcheck

	mime, allowed, err := DetectContainer(f)
	if err != nil {
		return "", domain.NewValidationError(field, "cannot read %s", clean)
	}
	if !allowed {
		return "", domain.NewValidationError(field, "%s: %s (%s)", clean, ErrDisallowedFileType, mime)
	}

	return clean, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "."
}

// Package security checks the file paths the driver reads or writes on an
// operator's behalf. Failures carry the driver's file error codes.
package security

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/banshee-data/depthkit/internal/sensorerr"
)

// canonical resolves path to an absolute, symlink-free form. For a path that
// does not exist yet, the deepest existing ancestor is resolved and the rest
// appended, so a new file under a symlinked directory is still caught.
func canonical(path string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	for dir := filepath.Dir(abs); ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			rel, _ := filepath.Rel(dir, abs)
			return filepath.Join(resolved, rel), nil
		}
		if dir == filepath.Dir(dir) {
			return abs, nil
		}
	}
}

// ValidatePathWithinDirectory reports an error when filePath, after
// resolving symlinks, lies outside safeDir.
func ValidatePathWithinDirectory(filePath, safeDir string) error {
	path, err := canonical(filePath)
	if err != nil {
		return sensorerr.Wrap(sensorerr.FileWriteInvalidFileName, err, "resolve %s", filePath)
	}
	dir, err := filepath.Abs(safeDir)
	if err == nil {
		dir, err = filepath.EvalSymlinks(dir)
	}
	if err != nil {
		return sensorerr.Wrap(sensorerr.FileWriteInvalidFileName, err, "resolve directory %s", safeDir)
	}
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return sensorerr.New(sensorerr.FileWriteInvalidFileName, "path traversal detected: %s escapes %s", filePath, safeDir)
	}
	return nil
}

// CheckOutputFile reports whether path can name a file to be written: it
// must have a base name and an extension, must not be a directory, and its
// parent directory must exist.
func CheckOutputFile(path string) error {
	base := filepath.Base(path)
	if path == "" || base == "." || base == string(filepath.Separator) || filepath.Ext(base) == "" {
		return sensorerr.New(sensorerr.FileWriteInvalidFileName, "%q is not a usable file name", path)
	}
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		return sensorerr.New(sensorerr.FileWriteInvalidFileName, "%s is a directory", path)
	}
	if fi, err := os.Stat(filepath.Dir(path)); err != nil || !fi.IsDir() {
		return sensorerr.New(sensorerr.FileWriteInvalidFileName, "directory of %s does not exist", path)
	}
	return nil
}

// CheckInputFile reports whether path names an existing regular file.
func CheckInputFile(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return sensorerr.Wrap(sensorerr.FileNoSuchFile, err, "%s", path)
	}
	if !fi.Mode().IsRegular() {
		return sensorerr.New(sensorerr.FileNoSuchFile, "%s is not a regular file", path)
	}
	return nil
}

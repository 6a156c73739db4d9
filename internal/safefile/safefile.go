// Package safefile reads and writes operator-supplied files (config,
// policies, device keys, measurement lists) without following symlinks
// and with a hard size cap per file kind.
package safefile

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Size caps per file kind.
const (
	MaxConfig       = 1 << 20
	MaxPolicies     = 4 << 20
	MaxKey          = 64 << 10
	MaxMeasurements = 1 << 20
)

// RejectSymlink returns an error if path is a symbolic link.
func RejectSymlink(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("%s is a symbolic link (rejected for security)", path)
	}
	return nil
}

// ReadFileMax reads path if it is a regular file no larger than maxBytes.
// The size is enforced on the bytes actually read, so a file that grows
// after the check is still rejected.
func ReadFileMax(path string, maxBytes int64) ([]byte, error) {
	if err := RejectSymlink(path); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck // read-only

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", path)
	}
	if info.Size() > maxBytes {
		return nil, fmt.Errorf("%s is too large (%d bytes, max %d)", path, info.Size(), maxBytes)
	}

	data, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%s is too large (max %d bytes)", path, maxBytes)
	}
	return data, nil
}

// WriteFile atomically replaces path with data: it writes a temp file in
// the same directory, syncs it, and renames it over path. An existing
// symlink at path is refused rather than replaced.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	if err := RejectSymlink(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	cleanup := func() { _ = os.Remove(name) }

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(name, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

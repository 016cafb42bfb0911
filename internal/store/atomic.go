package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/weftworks/weft/internal/werr"
)

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place, so readers never observe a partial file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return werr.Wrap(werr.CodeIOError, err, "creating directory %s", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return werr.Wrap(werr.CodeIOError, err, "creating temp file in %s", dir)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return werr.Wrap(werr.CodeIOError, err, "writing %s", tmpName)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return werr.Wrap(werr.CodeIOError, err, "syncing %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return werr.Wrap(werr.CodeIOError, err, "closing %s", tmpName)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		_ = os.Remove(tmpName)
		return werr.Wrap(werr.CodeIOError, err, "chmod %s", tmpName)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return werr.Wrap(werr.CodeIOError, err, "renaming %s to %s", tmpName, path)
	}
	return nil
}

// writeJSONAtomic marshals v with indentation and writes it atomically.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path, err)
	}
	return writeFileAtomic(path, append(data, '\n'), 0644)
}

// readJSON unmarshals the file at path into v.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: paths come from the workspace layout
	if err != nil {
		return werr.Wrap(werr.CodeIOError, err, "reading %s", path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return werr.Wrap(werr.CodeIOError, err, "parsing %s", path)
	}
	return nil
}

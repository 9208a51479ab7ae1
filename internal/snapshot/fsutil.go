// Package snapshot implements point-in-time state files and the MANIFEST.
//
// What: Sectioned snapshot files (`snapshot_<n>.chk`), the MANIFEST that
// names the current snapshot and WAL frontier, and the atomic-write
// discipline both share.
// How: Every file is produced write-to-tmp → fsync → rename → fsync(parent).
// Snapshot payloads are opaque per-primitive sections; this package never
// depends on the primitives — the engine hands it byte sections and a
// callback consumes them on load.
// Why: The manifest is the single commit point for "which state is
// authoritative"; the rename discipline means a crash leaves either the old
// or the new state file, never a half-written one.
package snapshot

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/stratadb-labs/strata/internal/core"
)

// writeFileAtomic writes data via a temp file, fsyncs it, renames it over
// path, and fsyncs the parent directory.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return core.StorageErr(errors.Wrap(err, "create temp file"), dir)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return core.StorageErr(errors.Wrap(err, "write temp file"), tmpName)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return core.StorageErr(errors.Wrap(err, "fsync temp file"), tmpName)
	}
	if err := tmp.Close(); err != nil {
		return core.StorageErr(errors.Wrap(err, "close temp file"), tmpName)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return core.StorageErr(errors.Wrap(err, "rename into place"), path)
	}
	d, err := os.Open(dir)
	if err != nil {
		return core.StorageErr(errors.Wrap(err, "open parent dir"), dir)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return core.StorageErr(errors.Wrap(err, "fsync parent dir"), dir)
	}
	return nil
}

// Package fsatomic is the single place the index touches the filesystem for
// record writes. Every write goes through a temp file in the destination
// directory followed by an atomic rename, so readers never observe a partial
// record no matter where the process dies.
package fsatomic

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"

	"github.com/orket/orket/pkg/canonical"
)

// WriteFile atomically writes data to path, creating parent directories on
// demand.
func WriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("atomic write %s: %w", path, err)
	}
	return nil
}

// WriteJSON atomically writes the canonical encoding of v to path. v may be
// a generic JSON tree or a struct with json tags; structs round-trip through
// encoding/json so integer fields keep their textual form. Records written
// this way keep all their fields; digest-stripped forms are the object
// store's business, not this package's.
func WriteJSON(path string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	tree, err := canonical.DecodeJSON(raw)
	if err != nil {
		return fmt.Errorf("reparse %s: %w", path, err)
	}
	data, err := canonical.Bytes(tree)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return WriteFile(path, data)
}

// ReadJSON reads and decodes the JSON value at path. A missing file reports
// fs.ErrNotExist so callers can treat absence as a state rather than a fault.
func ReadJSON(path string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", path, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	v, err := canonical.DecodeJSON(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return v, nil
}

// ReadJSONInto reads the JSON record at path into out. Absence reports
// fs.ErrNotExist like ReadJSON.
func ReadJSONInto(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("read %s: %w", path, fs.ErrNotExist)
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Exists reports whether path refers to an existing file or directory.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

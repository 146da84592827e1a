package internal

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// EnsureDir creates dir and any missing parents. It reports whether anything was created;
// an existing directory is not an error, anything else the filesystem refuses is an
// ErrStorageWrite.
func EnsureDir(dir string) (bool, error) {
	info, err := os.Stat(dir)
	if err == nil {
		if info.IsDir() {
			return false, nil
		}
		return false, StorageError("create directory", fmt.Errorf("%s exists and is not a directory", dir))
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return false, StorageError("create directory", err)
	}
	if err = os.MkdirAll(dir, 0o700); err != nil {
		return false, StorageError("create directory", err)
	}
	return true, nil
}

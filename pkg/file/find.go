package file

import (
	"errors"
	"os"
	"path/filepath"
)

// ListFiles returns the regular files directly inside dir.
// A missing dir yields an empty result.
func ListFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	return files, nil
}

// ClearDir removes every regular file directly inside dir. It keeps going
// after individual failures and returns them joined.
func ClearDir(dir string) (int, error) {
	files, err := ListFiles(dir)
	if err != nil {
		return 0, err
	}

	removed := 0
	var errs []error
	for _, path := range files {
		ok, err := RemoveIfExists(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			removed++
		}
	}
	return removed, errors.Join(errs...)
}

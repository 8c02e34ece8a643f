package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNetworkFilesystem marks a journal path whose mount cannot hold sqlite locks.
var ErrNetworkFilesystem = errors.New("journal is on a network filesystem")

var networkFilesystems = []string{"afpfs", "cifs", "nfs", "smbfs", "smb2", "webdav"}

// CheckJournalPath returns ErrNetworkFilesystem, wrapped with the mount type,
// when path or its nearest existing parent is remote. A path that does not
// exist yet is checked through the directory it would be created in.
func CheckJournalPath(path string) error {
	return checkJournalPath(path, detectFilesystemType)
}

func checkJournalPath(path string, detect func(string) (string, error)) error {
	if path == "" {
		return errors.New("journal path is empty")
	}

	existing, err := nearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve journal path %q: %w", path, err)
	}
	fsType, err := detect(existing)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", existing, err)
	}
	if isNetworkFilesystem(fsType) {
		return fmt.Errorf("%w (%s at %s)", ErrNetworkFilesystem, fsType, existing)
	}
	return nil
}

func nearestExistingPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for dir := abs; ; {
		_, err := os.Stat(dir)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no existing parent for %q", abs)
		}
		dir = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	fsType = strings.ToLower(strings.TrimSpace(fsType))
	for _, n := range networkFilesystems {
		if fsType == n {
			return true
		}
	}
	return false
}

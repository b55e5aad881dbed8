package validation

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/Ramkumar137/DesignMate/core"
)

// DiskSpaceInfo contains information about disk space.
type DiskSpaceInfo struct {
	Path           string
	Total          int64
	Free           int64
	TotalFormatted string
	FreeFormatted  string
}

// DiskSpaceError indicates a disk space problem.
type DiskSpaceError struct {
	Path      string
	Required  int64
	Available int64
	Message   string
}

func (e *DiskSpaceError) Error() string {
	return e.Message
}

// GetDiskSpace returns disk space information for the filesystem holding
// path. A path that does not exist yet is resolved through its parents.
func GetDiskSpace(path string) (*DiskSpaceInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			if parent := filepath.Dir(path); parent != path {
				return GetDiskSpace(parent)
			}
		}
		return nil, fmt.Errorf("cannot access path %s: %w", path, err)
	}
	if !info.IsDir() {
		path = filepath.Dir(path)
	}

	total, free, err := getDiskSpace(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get disk space for %s: %w", path, err)
	}

	return &DiskSpaceInfo{
		Path:           path,
		Total:          total,
		Free:           free,
		TotalFormatted: core.FormatBytes(total),
		FreeFormatted:  core.FormatBytes(free),
	}, nil
}

//go:build windows

package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/windows"
)

// CheckDiskSpace returns disk space information for the volume holding dir.
func CheckDiskSpace(dir string) (*DiskSpaceInfo, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		dir = filepath.Dir(dir)
	}

	pathPtr, err := windows.UTF16PtrFromString(dir)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to convert path: %w", err)
	}

	var available, total, free uint64
	if err := windows.GetDiskFreeSpaceEx(pathPtr, &available, &total, &free); err != nil {
		return nil, fmt.Errorf("storage: failed to get disk stats: %w", err)
	}
	return newDiskSpaceInfo(total, free, available), nil
}

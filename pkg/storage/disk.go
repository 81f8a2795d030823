package storage

// DiskSpaceInfo describes the filesystem holding a storage file.
type DiskSpaceInfo struct {
	Total     uint64
	Free      uint64
	Available uint64 // available to unprivileged users
	UsedPct   int
}

func newDiskSpaceInfo(total, free, available uint64) *DiskSpaceInfo {
	usedPct := 0
	if total > 0 {
		usedPct = int(100 * (total - free) / total)
	}
	return &DiskSpaceInfo{Total: total, Free: free, Available: available, UsedPct: usedPct}
}

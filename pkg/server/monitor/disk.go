package monitor

import (
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DiskMonitor reports data directory usage with caching to avoid
// expensive filesystem walks on every stats request.
type DiskMonitor struct {
	dataDir       string
	cachedUsage   int64
	lastCheck     time.Time
	cacheDuration time.Duration
	mu            sync.Mutex
}

// NewDiskMonitor creates a monitor for dataDir.
func NewDiskMonitor(dataDir string) *DiskMonitor {
	return &DiskMonitor{
		dataDir:       dataDir,
		cacheDuration: 10 * time.Second,
	}
}

// Usage returns current data directory usage in bytes (cached for 10s).
func (dm *DiskMonitor) Usage() (int64, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if !dm.lastCheck.IsZero() && time.Since(dm.lastCheck) < dm.cacheDuration {
		return dm.cachedUsage, nil
	}

	usage, err := dirSize(dm.dataDir)
	if err != nil {
		return 0, err
	}

	dm.cachedUsage = usage
	dm.lastCheck = time.Now()
	return usage, nil
}

// dirSize sums the allocated size of every file under path.
func dirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += allocatedSize(info)
		}
		return nil
	})
	return size, err
}

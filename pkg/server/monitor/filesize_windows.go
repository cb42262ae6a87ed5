//go:build windows

package monitor

import "os"

// allocatedSize returns the logical file size on Windows.
func allocatedSize(info os.FileInfo) int64 {
	return info.Size()
}

//go:build !windows

package monitor

import (
	"os"
	"syscall"
)

// allocatedSize returns actual disk usage, which is smaller than the
// logical size for sparse files such as badger's value log.
func allocatedSize(info os.FileInfo) int64 {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		// Blocks are 512 bytes on Unix systems
		return stat.Blocks * 512
	}
	return info.Size()
}

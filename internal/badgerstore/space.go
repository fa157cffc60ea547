package badgerstore

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/shirou/gopsutil/disk"
)

const bytesPerGB = 1024 * 1024 * 1024

// checkFreeSpace refuses to open the store when the volume holding the
// data directory is under the configured free-space floor. Badger keeps
// growing value logs between GC runs, so opening on a nearly full disk
// tends to corrupt the value log mid-compaction.
func checkFreeSpace(path string, minimumFreeGB uint, log *slog.Logger) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("badgerstore: create %s: %w", path, err)
	}
	usage, err := disk.Usage(path)
	if err != nil {
		return fmt.Errorf("badgerstore: disk usage for %s: %w", path, err)
	}
	freeGB := usage.Free / bytesPerGB
	log.Info("disk usage",
		"path", path,
		"freeGB", freeGB,
		"totalGB", usage.Total/bytesPerGB,
		"usedPercent", fmt.Sprintf("%.1f", usage.UsedPercent))
	if freeGB < uint64(minimumFreeGB) {
		return fmt.Errorf("badgerstore: %s has %d GB free, minimum is %d GB",
			path, freeGB, minimumFreeGB)
	}
	return nil
}

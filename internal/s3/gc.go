package s3

import (
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// StartMultipartGC launches a background sweep that removes abandoned
// multipart upload staging directories older than maxAge, the same reaper
// the teacher runs from main, now a method any caller (CLI or test) can
// start and stop.
func StartMultipartGC(dataDir string, interval, maxAge time.Duration, logger *zap.Logger) (stop func()) {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				CleanAbandonedUploads(dataDir, maxAge, logger)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}

// CleanAbandonedUploads removes every upload staging directory under
// dataDir/.uploads whose most recent modification is older than maxAge,
// logging one line per sweep that actually reclaims something.
func CleanAbandonedUploads(dataDir string, maxAge time.Duration, logger *zap.Logger) {
	uploadsRoot := filepath.Join(dataDir, uploadsDir)
	uploads, err := os.ReadDir(uploadsRoot)
	if err != nil {
		return
	}

	cutoff := time.Now().Add(-maxAge)
	var reclaimedCount int
	var reclaimedBytes int64

	for _, u := range uploads {
		if !u.IsDir() {
			continue
		}
		info, err := u.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			dir := filepath.Join(uploadsRoot, u.Name())
			reclaimedBytes += dirSize(dir)
			os.RemoveAll(dir)
			reclaimedCount++
		}
	}

	if reclaimedCount == 0 || logger == nil {
		return
	}
	logger.Info("reclaimed abandoned uploads",
		zap.Int("count", reclaimedCount),
		zap.String("size", humanize.Bytes(uint64(reclaimedBytes))),
	)
}

// dirSize sums the size of every regular file under dir, used to report how
// much space a GC sweep reclaimed.
func dirSize(dir string) int64 {
	var total int64
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total
}

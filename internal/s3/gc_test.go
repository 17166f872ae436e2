package s3

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestCleanAbandonedUploadsRemovesOldStagingDirs(t *testing.T) {
	dataDir := t.TempDir()
	s := NewFilesystemStorage(dataDir)
	require.NoError(t, s.CreateBucket("b"))

	uploadID, err := s.CreateMultipartUpload("b", "big.bin", "application/octet-stream")
	require.NoError(t, err)
	_, err = s.UploadPart(uploadID, 1, strings.NewReader("part-one"), "")
	require.NoError(t, err)

	stagingDir := s.uploadStagingPath(uploadID)
	oldTime := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(stagingDir, oldTime, oldTime))
	expectedBytes := dirSize(stagingDir)

	observedCore, observedLogs := observer.New(zap.InfoLevel)
	logger := zap.New(observedCore)

	CleanAbandonedUploads(dataDir, 24*time.Hour, logger)

	_, err = os.Stat(stagingDir)
	assert.True(t, os.IsNotExist(err))

	entries := observedLogs.FilterMessage("reclaimed abandoned uploads").All()
	require.Len(t, entries, 1)
	assert.EqualValues(t, 1, entries[0].ContextMap()["count"])
	assert.Equal(t, humanize.Bytes(uint64(expectedBytes)), entries[0].ContextMap()["size"])
}

func TestCleanAbandonedUploadsKeepsRecentStagingDirs(t *testing.T) {
	dataDir := t.TempDir()
	s := NewFilesystemStorage(dataDir)
	require.NoError(t, s.CreateBucket("b"))

	uploadID, err := s.CreateMultipartUpload("b", "big.bin", "")
	require.NoError(t, err)

	observedCore, observedLogs := observer.New(zap.InfoLevel)
	logger := zap.New(observedCore)

	CleanAbandonedUploads(dataDir, 24*time.Hour, logger)

	_, err = os.Stat(s.uploadStagingPath(uploadID))
	assert.NoError(t, err)
	assert.Empty(t, observedLogs.All())
}

func TestCleanAbandonedUploadsNoUploadsDirIsNoop(t *testing.T) {
	dataDir := t.TempDir()
	assert.NotPanics(t, func() {
		CleanAbandonedUploads(dataDir, 24*time.Hour, nil)
	})
}

func TestDirSizeSumsRegularFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("12345"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("67"), 0o644))

	assert.Equal(t, int64(7), dirSize(dir))
}

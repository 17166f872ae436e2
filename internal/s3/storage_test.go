package s3

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStorage(t *testing.T) *FilesystemStorage {
	t.Helper()
	return NewFilesystemStorage(t.TempDir())
}

func TestCreateBucketIdempotent(t *testing.T) {
	s := setupTestStorage(t)

	require.NoError(t, s.CreateBucket("mybucket"))
	require.NoError(t, s.CreateBucket("mybucket"))
	assert.True(t, s.BucketExists("mybucket"))
}

func TestBucketExistsNonExistent(t *testing.T) {
	s := setupTestStorage(t)
	assert.False(t, s.BucketExists("ghost"))
}

func TestDeleteNonExistentBucket(t *testing.T) {
	s := setupTestStorage(t)
	assert.Error(t, s.DeleteBucket("nope"))
}

func TestDeleteNonEmptyBucketFails(t *testing.T) {
	s := setupTestStorage(t)
	require.NoError(t, s.CreateBucket("full"))
	_, err := s.PutObject("full", "obj.txt", strings.NewReader("data"), nil)
	require.NoError(t, err)

	err = s.DeleteBucket("full")
	require.Error(t, err)
	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, "BucketNotEmpty", apiErr.Code)
}

func TestPutGetObjectRoundTrip(t *testing.T) {
	s := setupTestStorage(t)
	require.NoError(t, s.CreateBucket("b"))

	meta, err := s.PutObject("b", "k.txt", strings.NewReader("hello world"), &PutObjectInput{ContentType: "text/plain"})
	require.NoError(t, err)
	assert.Equal(t, int64(11), meta.Size)
	assert.Equal(t, "text/plain", meta.ContentType)

	reader, gotMeta, err := s.GetObject("b", "k.txt")
	require.NoError(t, err)
	defer reader.Close()

	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
	assert.Equal(t, meta.ETag, gotMeta.ETag)
}

func TestPutObjectNestedKey(t *testing.T) {
	s := setupTestStorage(t)
	require.NoError(t, s.CreateBucket("b"))

	_, err := s.PutObject("b", "a/b/c.txt", strings.NewReader("x"), nil)
	require.NoError(t, err)

	objects, err := s.ListObjects("b", "")
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, "a/b/c.txt", objects[0].Key)
}

func TestPutObjectBadDigestRejected(t *testing.T) {
	s := setupTestStorage(t)
	require.NoError(t, s.CreateBucket("b"))

	_, err := s.PutObject("b", "k.txt", strings.NewReader("hello"), &PutObjectInput{
		ExpectedSHA256: "0000000000000000000000000000000000000000000000000000000000000",
	})
	require.Error(t, err)
	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, "BadDigest", apiErr.Code)
}

func TestPutObjectValidSHA256Accepted(t *testing.T) {
	s := setupTestStorage(t)
	require.NoError(t, s.CreateBucket("b"))

	_, err := s.PutObject("b", "k.txt", strings.NewReader("hello"), &PutObjectInput{
		ExpectedSHA256: sha256Hex([]byte("hello")),
	})
	require.NoError(t, err)
}

func TestObjectPathRejectsTraversal(t *testing.T) {
	s := setupTestStorage(t)
	require.NoError(t, s.CreateBucket("b"))

	_, err := s.objectPath("b", "../../etc/passwd")
	assert.Error(t, err)
}

func TestBucketPathRejectsReservedName(t *testing.T) {
	s := setupTestStorage(t)
	_, err := s.bucketPath(uploadsDir)
	assert.Error(t, err)
}

func TestDeleteObjectMissingIsSuccess(t *testing.T) {
	s := setupTestStorage(t)
	require.NoError(t, s.CreateBucket("b"))
	assert.NoError(t, s.DeleteObject("b", "never-existed"))
}

func TestCopyObjectPreservesMetadataByDefault(t *testing.T) {
	s := setupTestStorage(t)
	require.NoError(t, s.CreateBucket("src"))
	require.NoError(t, s.CreateBucket("dst"))

	_, err := s.PutObject("src", "k.txt", strings.NewReader("payload"), &PutObjectInput{
		ContentType:    "text/csv",
		CustomMetadata: map[string]string{"owner": "alice"},
	})
	require.NoError(t, err)

	meta, err := s.CopyObject("src", "k.txt", "dst", "k2.txt", nil)
	require.NoError(t, err)
	assert.Equal(t, "text/csv", meta.ContentType)

	gotMeta, err := s.HeadObject("dst", "k2.txt")
	require.NoError(t, err)
	assert.Equal(t, "alice", gotMeta.CustomMetadata["owner"])
}

func TestCopyObjectReplaceDirectiveOverridesMetadata(t *testing.T) {
	s := setupTestStorage(t)
	require.NoError(t, s.CreateBucket("src"))
	require.NoError(t, s.CreateBucket("dst"))

	_, err := s.PutObject("src", "k.txt", strings.NewReader("payload"), &PutObjectInput{ContentType: "text/csv"})
	require.NoError(t, err)

	meta, err := s.CopyObject("src", "k.txt", "dst", "k2.txt", &PutObjectInput{ContentType: "application/json"})
	require.NoError(t, err)
	assert.Equal(t, "application/json", meta.ContentType)
}

func TestMultipartUploadLifecycle(t *testing.T) {
	s := setupTestStorage(t)
	require.NoError(t, s.CreateBucket("b"))

	uploadID, err := s.CreateMultipartUpload("b", "big.bin", "application/octet-stream")
	require.NoError(t, err)
	assert.Len(t, uploadID, 32)

	etag1, err := s.UploadPart(uploadID, 1, bytes.NewReader([]byte("part-one-")), "")
	require.NoError(t, err)
	assert.NotEmpty(t, etag1)

	etag2, err := s.UploadPart(uploadID, 2, bytes.NewReader([]byte("part-two")), "")
	require.NoError(t, err)

	meta, err := s.CompleteMultipartUpload(uploadID, []CompletedPart{
		{PartNumber: 1, ETag: etag1},
		{PartNumber: 2, ETag: etag2},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len("part-one-part-two")), meta.Size)

	reader, _, err := s.GetObject("b", "big.bin")
	require.NoError(t, err)
	defer reader.Close()
	data, _ := io.ReadAll(reader)
	assert.Equal(t, "part-one-part-two", string(data))
}

func TestAbortMultipartUploadRemovesStaging(t *testing.T) {
	s := setupTestStorage(t)
	require.NoError(t, s.CreateBucket("b"))

	uploadID, err := s.CreateMultipartUpload("b", "big.bin", "")
	require.NoError(t, err)

	require.NoError(t, s.AbortMultipartUpload(uploadID))
	assert.Error(t, s.AbortMultipartUpload(uploadID))
}

func TestParseRange(t *testing.T) {
	start, end, ok := parseRange("bytes=0-4", 10)
	require.True(t, ok)
	assert.Equal(t, int64(0), start)
	assert.Equal(t, int64(4), end)

	start, end, ok = parseRange("bytes=5-", 10)
	require.True(t, ok)
	assert.Equal(t, int64(5), start)
	assert.Equal(t, int64(9), end)

	_, _, ok = parseRange("bytes=20-30", 10)
	assert.False(t, ok)

	_, _, ok = parseRange("not-a-range", 10)
	assert.False(t, ok)
}

func TestListObjectsSortedAndPrefixFiltered(t *testing.T) {
	s := setupTestStorage(t)
	require.NoError(t, s.CreateBucket("b"))

	for _, key := range []string{"b.txt", "a.txt", "dir/c.txt"} {
		_, err := s.PutObject("b", key, strings.NewReader("x"), nil)
		require.NoError(t, err)
	}

	objects, err := s.ListObjects("b", "")
	require.NoError(t, err)
	require.Len(t, objects, 3)
	assert.Equal(t, "a.txt", objects[0].Key)
	assert.Equal(t, "b.txt", objects[1].Key)
	assert.Equal(t, "dir/c.txt", objects[2].Key)

	filtered, err := s.ListObjects("b", "dir/")
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "dir/c.txt", filtered[0].Key)
}

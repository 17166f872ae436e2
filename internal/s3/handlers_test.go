package s3

import (
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T) (*S3Handler, *FilesystemStorage) {
	t.Helper()
	storage := NewFilesystemStorage(t.TempDir())
	return NewS3Handler(storage, NoOpAuthenticator{}), storage
}

func doRequest(h *S3Handler, method, target string, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, target, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerHealthBypassesAuth(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := doRequest(h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestHandlerCreateAndHeadBucket(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(h, http.MethodPut, "/mybucket", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(h, http.MethodHead, "/mybucket", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(h, http.MethodHead, "/ghost", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerCreateBucketInvalidName(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := doRequest(h, http.MethodPut, "/AB", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var errResp ErrorResponse
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "InvalidBucketName", errResp.Code)
}

func TestHandlerPutAndGetObject(t *testing.T) {
	h, _ := newTestHandler(t)
	require.Equal(t, http.StatusOK, doRequest(h, http.MethodPut, "/b", "", nil).Code)

	rec := doRequest(h, http.MethodPut, "/b/key.txt", "hello world", map[string]string{"Content-Type": "text/plain"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("ETag"))

	rec = doRequest(h, http.MethodGet, "/b/key.txt", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello world", rec.Body.String())
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
}

func TestHandlerGetObjectNotFound(t *testing.T) {
	h, _ := newTestHandler(t)
	require.Equal(t, http.StatusOK, doRequest(h, http.MethodPut, "/b", "", nil).Code)

	rec := doRequest(h, http.MethodGet, "/b/missing.txt", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerGetObjectRangeRequest(t *testing.T) {
	h, _ := newTestHandler(t)
	require.Equal(t, http.StatusOK, doRequest(h, http.MethodPut, "/b", "", nil).Code)
	require.Equal(t, http.StatusOK, doRequest(h, http.MethodPut, "/b/key.txt", "0123456789", nil).Code)

	rec := doRequest(h, http.MethodGet, "/b/key.txt", "", map[string]string{"Range": "bytes=2-5"})
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "2345", rec.Body.String())
}

func TestHandlerGetObjectRangeInvalidReturnsBadRequest(t *testing.T) {
	h, _ := newTestHandler(t)
	require.Equal(t, http.StatusOK, doRequest(h, http.MethodPut, "/b", "", nil).Code)
	require.Equal(t, http.StatusOK, doRequest(h, http.MethodPut, "/b/key.txt", "0123456789", nil).Code)

	rec := doRequest(h, http.MethodGet, "/b/key.txt", "", map[string]string{"Range": "bytes=20-30"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var errResp ErrorResponse
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "InvalidArgument", errResp.Code)
}

func TestHandlerHeadObjectRangeRequest(t *testing.T) {
	h, _ := newTestHandler(t)
	require.Equal(t, http.StatusOK, doRequest(h, http.MethodPut, "/b", "", nil).Code)
	require.Equal(t, http.StatusOK, doRequest(h, http.MethodPut, "/b/key.txt", "0123456789", nil).Code)

	rec := doRequest(h, http.MethodHead, "/b/key.txt", "", map[string]string{"Range": "bytes=2-5"})
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 2-5/10", rec.Header().Get("Content-Range"))
	assert.Equal(t, "4", rec.Header().Get("Content-Length"))
	assert.Empty(t, rec.Body.String())
}

func TestHandlerHeadObjectRangeInvalidReturnsBadRequest(t *testing.T) {
	h, _ := newTestHandler(t)
	require.Equal(t, http.StatusOK, doRequest(h, http.MethodPut, "/b", "", nil).Code)
	require.Equal(t, http.StatusOK, doRequest(h, http.MethodPut, "/b/key.txt", "0123456789", nil).Code)

	rec := doRequest(h, http.MethodHead, "/b/key.txt", "", map[string]string{"Range": "bytes=20-30"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerDeleteObjectAndBucket(t *testing.T) {
	h, _ := newTestHandler(t)
	require.Equal(t, http.StatusOK, doRequest(h, http.MethodPut, "/b", "", nil).Code)
	require.Equal(t, http.StatusOK, doRequest(h, http.MethodPut, "/b/key.txt", "data", nil).Code)

	rec := doRequest(h, http.MethodDelete, "/b/key.txt", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(h, http.MethodDelete, "/b", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandlerListObjectsV2(t *testing.T) {
	h, _ := newTestHandler(t)
	require.Equal(t, http.StatusOK, doRequest(h, http.MethodPut, "/b", "", nil).Code)
	for _, key := range []string{"a.txt", "b.txt", "dir/c.txt"} {
		require.Equal(t, http.StatusOK, doRequest(h, http.MethodPut, "/b/"+key, "x", nil).Code)
	}

	rec := doRequest(h, http.MethodGet, "/b?list-type=2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result ListBucketResult
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 3, result.KeyCount)
	assert.False(t, result.IsTruncated)
}

func TestHandlerListObjectsV2WithDelimiter(t *testing.T) {
	h, _ := newTestHandler(t)
	require.Equal(t, http.StatusOK, doRequest(h, http.MethodPut, "/b", "", nil).Code)
	for _, key := range []string{"a.txt", "dir/c.txt", "dir/d.txt"} {
		require.Equal(t, http.StatusOK, doRequest(h, http.MethodPut, "/b/"+key, "x", nil).Code)
	}

	rec := doRequest(h, http.MethodGet, "/b?list-type=2&delimiter=/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result ListBucketResult
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &result))
	require.Len(t, result.Contents, 1)
	assert.Equal(t, "a.txt", result.Contents[0].Key)
	require.Len(t, result.CommonPrefixes, 1)
	assert.Equal(t, "dir/", result.CommonPrefixes[0].Prefix)
}

func TestHandlerListObjectsV2Pagination(t *testing.T) {
	h, _ := newTestHandler(t)
	require.Equal(t, http.StatusOK, doRequest(h, http.MethodPut, "/b", "", nil).Code)
	for _, key := range []string{"a.txt", "b.txt", "c.txt"} {
		require.Equal(t, http.StatusOK, doRequest(h, http.MethodPut, "/b/"+key, "x", nil).Code)
	}

	rec := doRequest(h, http.MethodGet, "/b?list-type=2&max-keys=2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var page1 ListBucketResult
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &page1))
	require.Len(t, page1.Contents, 2)
	assert.True(t, page1.IsTruncated)
	require.NotEmpty(t, page1.NextContinuationToken)

	rec = doRequest(h, http.MethodGet, "/b?list-type=2&max-keys=2&continuation-token="+page1.NextContinuationToken, "", nil)
	var page2 ListBucketResult
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &page2))
	require.Len(t, page2.Contents, 1)
	assert.Equal(t, "c.txt", page2.Contents[0].Key)
	assert.False(t, page2.IsTruncated)
}

func TestHandlerMultipartUploadFlow(t *testing.T) {
	h, _ := newTestHandler(t)
	require.Equal(t, http.StatusOK, doRequest(h, http.MethodPut, "/b", "", nil).Code)

	rec := doRequest(h, http.MethodPost, "/b/big.bin?uploads", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var initResp InitiateMultipartUploadResult
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &initResp))
	uploadID := initResp.UploadId
	require.NotEmpty(t, uploadID)

	rec = doRequest(h, http.MethodPut, "/b/big.bin?partNumber=1&uploadId="+uploadID, "part-one", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	etag1 := rec.Header().Get("ETag")

	completeBody := `<CompleteMultipartUpload><Part><PartNumber>1</PartNumber><ETag>` + etag1 + `</ETag></Part></CompleteMultipartUpload>`
	rec = doRequest(h, http.MethodPost, "/b/big.bin?uploadId="+uploadID, completeBody, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(h, http.MethodGet, "/b/big.bin", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "part-one", rec.Body.String())
}

func TestHandlerCopyObject(t *testing.T) {
	h, _ := newTestHandler(t)
	require.Equal(t, http.StatusOK, doRequest(h, http.MethodPut, "/src", "", nil).Code)
	require.Equal(t, http.StatusOK, doRequest(h, http.MethodPut, "/dst", "", nil).Code)
	require.Equal(t, http.StatusOK, doRequest(h, http.MethodPut, "/src/key.txt", "payload", nil).Code)

	rec := doRequest(h, http.MethodPut, "/dst/copy.txt", "", map[string]string{"x-amz-copy-source": "/src/key.txt"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(h, http.MethodGet, "/dst/copy.txt", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "payload", rec.Body.String())
}

func TestHandlerDeleteObjectsBatch(t *testing.T) {
	h, _ := newTestHandler(t)
	require.Equal(t, http.StatusOK, doRequest(h, http.MethodPut, "/b", "", nil).Code)
	require.Equal(t, http.StatusOK, doRequest(h, http.MethodPut, "/b/a.txt", "x", nil).Code)
	require.Equal(t, http.StatusOK, doRequest(h, http.MethodPut, "/b/c.txt", "x", nil).Code)

	body := `<Delete><Object><Key>a.txt</Key></Object><Object><Key>c.txt</Key></Object></Delete>`
	rec := doRequest(h, http.MethodPost, "/b?delete", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result DeleteResult
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &result))
	assert.Len(t, result.Deleted, 2)
}

func TestHandlerMethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := doRequest(h, http.MethodPatch, "/bucket", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandlerPutObjectControlByteKeyRejected(t *testing.T) {
	h, _ := newTestHandler(t)
	require.Equal(t, http.StatusOK, doRequest(h, http.MethodPut, "/b", "", nil).Code)

	rec := doRequest(h, http.MethodPut, "/b/key\x01name.txt", "x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var errResp ErrorResponse
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "InvalidKey", errResp.Code)
}

func TestIsValidKey(t *testing.T) {
	assert.True(t, isValidKey("normal/key.txt"))
	assert.False(t, isValidKey(""))
	assert.False(t, isValidKey("has\x01control"))
	assert.False(t, isValidKey("has\x7fdel"))
	assert.False(t, isValidKey("has\x00nul"))
}

func TestIsValidBucketName(t *testing.T) {
	assert.True(t, isValidBucketName("my-bucket.1"))
	assert.False(t, isValidBucketName("ab"))
	assert.False(t, isValidBucketName("-bad"))
	assert.False(t, isValidBucketName("bad-"))
	assert.False(t, isValidBucketName("has..dots"))
}

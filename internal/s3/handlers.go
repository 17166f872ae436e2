package s3

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// Storage is the interface S3Handler drives; FilesystemStorage is the sole
// production implementation, but tests swap in fakes against this surface.
type Storage interface {
	BucketExists(bucket string) bool
	CreateBucket(bucket string) error
	DeleteBucket(bucket string) error
	ListBuckets() ([]BucketInfo, error)
	ListObjects(bucket, prefix string) ([]ObjectInfo, error)

	PutObject(bucket, key string, reader io.Reader, input *PutObjectInput) (*ObjectMetadata, error)
	GetObject(bucket, key string) (ReadAtCloser, *ObjectMetadata, error)
	HeadObject(bucket, key string) (*ObjectMetadata, error)
	DeleteObject(bucket, key string) error
	CopyObject(srcBucket, srcKey, dstBucket, dstKey string, overrideMeta *PutObjectInput) (*ObjectMetadata, error)

	CreateMultipartUpload(bucket, key, contentType string) (string, error)
	UploadPart(uploadID string, partNumber int, reader io.Reader, expectedSHA256 string) (string, error)
	CompleteMultipartUpload(uploadID string, parts []CompletedPart) (*ObjectMetadata, error)
	AbortMultipartUpload(uploadID string) error
}

// ReadAtCloser is what GetObject hands back: something http.ServeContent can
// seek over for Range support, that the handler must remember to Close.
type ReadAtCloser interface {
	io.ReadSeeker
	io.Closer
}

// S3Handler is the C6 request-lifecycle component: it never touches the
// filesystem or a socket directly, only Storage and the Authenticator,
// exactly mirroring the teacher's separation of routing/XML-rendering from
// persistence.
type S3Handler struct {
	storage     Storage
	auth        Authenticator
	maxListKeys int
}

func NewS3Handler(storage Storage, auth Authenticator) *S3Handler {
	return &S3Handler{storage: storage, auth: auth, maxListKeys: 1000}
}

func (h *S3Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
		return
	}

	if apiErr := h.auth.Authenticate(r); apiErr != nil {
		h.writeAPIError(w, apiErr)
		return
	}

	bucket, key := parsePath(r.URL.Path)

	if bucket == "" {
		if r.Method == http.MethodGet {
			h.handleListBuckets(w, r)
		} else {
			h.writeAPIError(w, errMethodNotAllowed())
		}
		return
	}

	if key == "" {
		h.handleBucketOperation(w, r, bucket)
	} else {
		h.handleObjectOperation(w, r, bucket, key)
	}
}

func parsePath(path string) (bucket, key string) {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return "", ""
	}
	parts := strings.SplitN(path, "/", 2)
	bucket = parts[0]
	if len(parts) > 1 {
		key = parts[1]
	}
	return bucket, key
}

func (h *S3Handler) handleBucketOperation(w http.ResponseWriter, r *http.Request, bucket string) {
	switch r.Method {
	case http.MethodPut:
		h.handleCreateBucket(w, r, bucket)
	case http.MethodDelete:
		h.handleDeleteBucket(w, r, bucket)
	case http.MethodHead:
		h.handleHeadBucket(w, r, bucket)
	case http.MethodPost:
		if r.URL.Query().Get("delete") != "" || hasQuery(r.URL.RawQuery, "delete") {
			h.handleDeleteObjects(w, r, bucket)
		} else {
			h.writeAPIError(w, errInvalidArgument("Operation not supported"))
		}
	case http.MethodGet:
		if r.URL.Query().Get("list-type") == "2" {
			h.handleListObjectsV2(w, r, bucket)
		} else {
			h.handleListObjectsV1(w, r, bucket)
		}
	default:
		h.writeAPIError(w, errMethodNotAllowed())
	}
}

func (h *S3Handler) handleObjectOperation(w http.ResponseWriter, r *http.Request, bucket, key string) {
	query := r.URL.Query()

	switch r.Method {
	case http.MethodPost:
		if query.Has("uploads") {
			h.handleCreateMultipartUpload(w, r, bucket, key)
			return
		}
		if query.Has("uploadId") {
			h.handleCompleteMultipartUpload(w, r, bucket, key)
			return
		}
		h.writeAPIError(w, errInvalidArgument("Operation not supported"))

	case http.MethodPut:
		if query.Has("partNumber") && query.Has("uploadId") {
			h.handleUploadPart(w, r, bucket, key)
			return
		}
		if copySource := r.Header.Get("x-amz-copy-source"); copySource != "" {
			h.handleCopyObject(w, r, bucket, key, copySource)
		} else {
			h.handlePutObject(w, r, bucket, key)
		}

	case http.MethodGet:
		h.handleGetObject(w, r, bucket, key)
	case http.MethodHead:
		h.handleHeadObject(w, r, bucket, key)

	case http.MethodDelete:
		if query.Has("uploadId") {
			h.handleAbortMultipartUpload(w, r, query.Get("uploadId"))
			return
		}
		h.handleDeleteObject(w, r, bucket, key)

	default:
		h.writeAPIError(w, errMethodNotAllowed())
	}
}

// --- bucket handlers ------------------------------------------------------

func (h *S3Handler) handleCreateBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	if !isValidBucketName(bucket) {
		h.writeAPIError(w, errInvalidBucketName(bucket))
		return
	}
	if h.storage.BucketExists(bucket) {
		w.Header().Set("Location", "/"+bucket)
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := h.storage.CreateBucket(bucket); err != nil {
		h.writeAPIError(w, errInternal(err))
		return
	}
	w.Header().Set("Location", "/"+bucket)
	w.WriteHeader(http.StatusOK)
}

func (h *S3Handler) handleDeleteBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	if !h.storage.BucketExists(bucket) {
		h.writeAPIError(w, errNoSuchBucket())
		return
	}
	if err := h.storage.DeleteBucket(bucket); err != nil {
		if apiErr, ok := err.(*APIError); ok {
			h.writeAPIError(w, apiErr)
			return
		}
		h.writeAPIError(w, errInternal(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *S3Handler) handleHeadBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	if !h.storage.BucketExists(bucket) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *S3Handler) handleListBuckets(w http.ResponseWriter, r *http.Request) {
	buckets, err := h.storage.ListBuckets()
	if err != nil {
		h.writeAPIError(w, errInternal(err))
		return
	}
	entries := make([]xmlBucket, len(buckets))
	for i, b := range buckets {
		entries[i] = xmlBucket{Name: b.Name, CreationDate: formatISO8601Time(b.CreationDate)}
	}
	h.writeXML(w, http.StatusOK, ListAllMyBucketsResult{
		Xmlns:   xmlns,
		Buckets: xmlBuckets{Bucket: entries},
	})
}

// listPage is the shared §4.5 traversal: sorted, prefix-filtered keys from
// storage, resumed at the right boundary (inclusive for a continuation
// token, exclusive for a start-after/marker), grouped by delimiter, and cut
// off after maxKeys Contents+CommonPrefixes emissions.
type listPage struct {
	contents       []ObjectInfo
	commonPrefixes []CommonPrefix
	isTruncated    bool
	// lastIncludedKey is the last key actually emitted this page, the
	// exclusive resume point ListObjectsV1's Marker/NextMarker pair uses.
	lastIncludedKey string
	// nextKey is the first key not yet visited, the inclusive resume point
	// ListObjectsV2's NextContinuationToken encodes per §4.5 ("the next
	// key to visit").
	nextKey string
}

func (h *S3Handler) listPage(bucket, prefix, delimiter, resumeKey string, resumeInclusive bool, maxKeys int) (listPage, error) {
	objects, err := h.storage.ListObjects(bucket, prefix)
	if err != nil {
		return listPage{}, err
	}

	if resumeKey != "" {
		idx := sort.Search(len(objects), func(i int) bool {
			if resumeInclusive {
				return objects[i].Key >= resumeKey
			}
			return objects[i].Key > resumeKey
		})
		objects = objects[idx:]
	}

	var page listPage
	if delimiter == "" {
		if maxKeys == 0 {
			page.isTruncated = len(objects) > 0
			return page, nil
		}
		if len(objects) > maxKeys {
			page.isTruncated = true
			page.lastIncludedKey = objects[maxKeys-1].Key
			page.nextKey = objects[maxKeys].Key
			objects = objects[:maxKeys]
		}
		page.contents = objects
		return page, nil
	}

	seen := make(map[string]bool)
	count := 0
	for _, obj := range objects {
		if maxKeys > 0 && count >= maxKeys {
			page.isTruncated = true
			page.nextKey = obj.Key
			break
		}
		rest := strings.TrimPrefix(obj.Key, prefix)
		idx := strings.Index(rest, delimiter)
		if idx >= 0 {
			cp := prefix + rest[:idx+len(delimiter)]
			if seen[cp] {
				continue
			}
			seen[cp] = true
			page.commonPrefixes = append(page.commonPrefixes, CommonPrefix{Prefix: cp})
		} else {
			page.contents = append(page.contents, obj)
		}
		count++
		page.lastIncludedKey = obj.Key
	}
	return page, nil
}

func clampMaxKeys(raw string, fallback int) int {
	maxKeys := fallback
	if raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			maxKeys = parsed
		}
	}
	if maxKeys > 1000 {
		maxKeys = 1000
	}
	return maxKeys
}

func toXMLObjects(objects []ObjectInfo) []Object {
	out := make([]Object, len(objects))
	for i, obj := range objects {
		out[i] = Object{
			Key:          obj.Key,
			LastModified: formatISO8601Time(obj.LastModified),
			ETag:         obj.ETag,
			Size:         obj.Size,
			StorageClass: "STANDARD",
		}
	}
	return out
}

func (h *S3Handler) handleListObjectsV2(w http.ResponseWriter, r *http.Request, bucket string) {
	if !h.storage.BucketExists(bucket) {
		h.writeAPIError(w, errNoSuchBucket())
		return
	}

	q := r.URL.RawQuery
	prefix, _ := getQueryParam(q, "prefix")
	delimiter, _ := getQueryParam(q, "delimiter")
	startAfter, _ := getQueryParam(q, "start-after")
	continuationToken, _ := getQueryParam(q, "continuation-token")
	maxKeysRaw, _ := getQueryParam(q, "max-keys")
	maxKeys := clampMaxKeys(maxKeysRaw, h.maxListKeys)

	resumeKey := startAfter
	resumeInclusive := false
	if continuationToken != "" {
		if decoded, err := base64.StdEncoding.DecodeString(continuationToken); err == nil {
			resumeKey = string(decoded)
			resumeInclusive = true
		}
	}

	page, err := h.listPage(bucket, prefix, delimiter, resumeKey, resumeInclusive, maxKeys)
	if err != nil {
		h.writeAPIError(w, errInternal(err))
		return
	}

	var nextToken string
	if page.isTruncated {
		nextToken = base64.StdEncoding.EncodeToString([]byte(page.nextKey))
	}

	h.writeXML(w, http.StatusOK, ListBucketResult{
		Xmlns:                 xmlns,
		Name:                  bucket,
		Prefix:                prefix,
		Delimiter:             delimiter,
		MaxKeys:               maxKeys,
		IsTruncated:           page.isTruncated,
		KeyCount:              len(page.contents) + len(page.commonPrefixes),
		Contents:              toXMLObjects(page.contents),
		CommonPrefixes:        page.commonPrefixes,
		NextContinuationToken: nextToken,
		StartAfter:            startAfter,
		ContinuationToken:     continuationToken,
	})
}

func (h *S3Handler) handleListObjectsV1(w http.ResponseWriter, r *http.Request, bucket string) {
	if !h.storage.BucketExists(bucket) {
		h.writeAPIError(w, errNoSuchBucket())
		return
	}

	q := r.URL.RawQuery
	prefix, _ := getQueryParam(q, "prefix")
	delimiter, _ := getQueryParam(q, "delimiter")
	marker, _ := getQueryParam(q, "marker")
	maxKeysRaw, _ := getQueryParam(q, "max-keys")
	maxKeys := clampMaxKeys(maxKeysRaw, h.maxListKeys)

	page, err := h.listPage(bucket, prefix, delimiter, marker, false, maxKeys)
	if err != nil {
		h.writeAPIError(w, errInternal(err))
		return
	}

	response := ListBucketResultV1{
		Xmlns:          xmlns,
		Name:           bucket,
		Prefix:         prefix,
		Delimiter:      delimiter,
		Marker:         marker,
		MaxKeys:        maxKeys,
		IsTruncated:    page.isTruncated,
		Contents:       toXMLObjects(page.contents),
		CommonPrefixes: page.commonPrefixes,
	}
	if page.isTruncated {
		response.NextMarker = page.lastIncludedKey
	}
	h.writeXML(w, http.StatusOK, response)
}

// --- object handlers --------------------------------------------------

func customMetadataFromHeaders(h http.Header) map[string]string {
	const metaPrefix = "x-amz-meta-"
	custom := make(map[string]string)
	for name, values := range h {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, metaPrefix) && len(values) > 0 {
			custom[strings.TrimPrefix(lower, metaPrefix)] = values[0]
		}
	}
	if len(custom) == 0 {
		return nil
	}
	return custom
}

func (h *S3Handler) handlePutObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	if !h.storage.BucketExists(bucket) {
		h.writeAPIError(w, errNoSuchBucket())
		return
	}
	if !isValidKey(key) {
		h.writeAPIError(w, errInvalidKey(key))
		return
	}

	input := &PutObjectInput{
		ContentType:        r.Header.Get("Content-Type"),
		ContentEncoding:    r.Header.Get("Content-Encoding"),
		ContentDisposition: r.Header.Get("Content-Disposition"),
		CacheControl:       r.Header.Get("Cache-Control"),
		CustomMetadata:     customMetadataFromHeaders(r.Header),
	}

	sha := r.Header.Get("X-Amz-Content-Sha256")
	if sha != "" && sha != "UNSIGNED-PAYLOAD" && sha != "STREAMING-AWS4-HMAC-SHA256-PAYLOAD" {
		input.ExpectedSHA256 = sha
	}

	var body io.Reader = http.MaxBytesReader(w, r.Body, MaxBodySize)
	if isAWSChunked(r) {
		body = newAWSChunkedReader(body)
	}

	metadata, err := h.storage.PutObject(bucket, key, body, input)
	if err != nil {
		h.writeAPIError(w, storageError(err))
		return
	}

	w.Header().Set("ETag", metadata.ETag)
	w.WriteHeader(http.StatusOK)
}

func (h *S3Handler) handleGetObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	reader, metadata, err := h.storage.GetObject(bucket, key)
	if err != nil {
		h.writeAPIError(w, mapFSError(err, errNoSuchKey()))
		return
	}
	defer reader.Close()

	if metadata.ETag != "" {
		w.Header().Set("ETag", metadata.ETag)
	}
	ct := metadata.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	if metadata.ContentEncoding != "" {
		w.Header().Set("Content-Encoding", metadata.ContentEncoding)
	}
	if metadata.ContentDisposition != "" {
		w.Header().Set("Content-Disposition", metadata.ContentDisposition)
	}
	if metadata.CacheControl != "" {
		w.Header().Set("Cache-Control", metadata.CacheControl)
	}
	for k, v := range metadata.CustomMetadata {
		w.Header().Set("x-amz-meta-"+k, v)
	}
	w.Header().Set("Accept-Ranges", "bytes")

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		w.Header().Set("Content-Length", strconv.FormatInt(metadata.Size, 10))
		w.Header().Set("Last-Modified", formatHTTPDateTime(metadata.LastModified))
		w.WriteHeader(http.StatusOK)
		io.Copy(w, reader)
		return
	}

	start, end, ok := parseRange(rangeHeader, metadata.Size)
	if !ok {
		h.writeAPIError(w, errInvalidArgument("The requested range is not satisfiable"))
		return
	}

	if _, err := reader.Seek(start, io.SeekStart); err != nil {
		h.writeAPIError(w, errInternal(err))
		return
	}

	length := end - start + 1
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, metadata.Size))
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.Header().Set("Last-Modified", formatHTTPDateTime(metadata.LastModified))
	w.WriteHeader(http.StatusPartialContent)
	io.CopyN(w, reader, length)
}

func (h *S3Handler) handleHeadObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	metadata, err := h.storage.HeadObject(bucket, key)
	if err != nil {
		w.WriteHeader(mapFSError(err, errNoSuchKey()).Status)
		return
	}

	ct := metadata.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Last-Modified", formatHTTPDateTime(metadata.LastModified))
	w.Header().Set("ETag", metadata.ETag)
	w.Header().Set("Accept-Ranges", "bytes")
	if metadata.ContentEncoding != "" {
		w.Header().Set("Content-Encoding", metadata.ContentEncoding)
	}
	if metadata.ContentDisposition != "" {
		w.Header().Set("Content-Disposition", metadata.ContentDisposition)
	}
	if metadata.CacheControl != "" {
		w.Header().Set("Cache-Control", metadata.CacheControl)
	}
	for k, v := range metadata.CustomMetadata {
		w.Header().Set("x-amz-meta-"+k, v)
	}

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		w.Header().Set("Content-Length", strconv.FormatInt(metadata.Size, 10))
		w.WriteHeader(http.StatusOK)
		return
	}

	start, end, ok := parseRange(rangeHeader, metadata.Size)
	if !ok {
		h.writeAPIError(w, errInvalidArgument("The requested range is not satisfiable"))
		return
	}
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, metadata.Size))
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.WriteHeader(http.StatusPartialContent)
}

func (h *S3Handler) handleDeleteObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	if err := h.storage.DeleteObject(bucket, key); err != nil {
		h.writeAPIError(w, errInternal(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *S3Handler) handleCopyObject(w http.ResponseWriter, r *http.Request, dstBucket, dstKey, copySource string) {
	copySource = strings.TrimPrefix(copySource, "/")
	parts := strings.SplitN(copySource, "/", 2)
	if len(parts) < 2 || parts[1] == "" {
		h.writeAPIError(w, errInvalidArgument("Invalid x-amz-copy-source"))
		return
	}
	srcBucket, srcKey := parts[0], parts[1]

	if !h.storage.BucketExists(srcBucket) {
		h.writeAPIError(w, errNoSuchBucket())
		return
	}
	if !h.storage.BucketExists(dstBucket) {
		h.writeAPIError(w, errNoSuchBucket())
		return
	}

	var overrideMeta *PutObjectInput
	if strings.EqualFold(r.Header.Get("x-amz-metadata-directive"), "REPLACE") {
		overrideMeta = &PutObjectInput{
			ContentType:        r.Header.Get("Content-Type"),
			ContentEncoding:    r.Header.Get("Content-Encoding"),
			ContentDisposition: r.Header.Get("Content-Disposition"),
			CacheControl:       r.Header.Get("Cache-Control"),
			CustomMetadata:     customMetadataFromHeaders(r.Header),
		}
	}

	metadata, err := h.storage.CopyObject(srcBucket, srcKey, dstBucket, dstKey, overrideMeta)
	if err != nil {
		h.writeAPIError(w, mapFSError(err, errNoSuchKey()))
		return
	}

	h.writeXML(w, http.StatusOK, CopyObjectResult{
		LastModified: formatISO8601Time(metadata.LastModified),
		ETag:         metadata.ETag,
	})
}

func (h *S3Handler) handleDeleteObjects(w http.ResponseWriter, r *http.Request, bucket string) {
	if !h.storage.BucketExists(bucket) {
		h.writeAPIError(w, errNoSuchBucket())
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1*1024*1024))
	if err != nil {
		h.writeAPIError(w, errInternal(err))
		return
	}

	var deleteReq DeleteRequest
	if err := xml.Unmarshal(body, &deleteReq); err != nil {
		h.writeAPIError(w, errInvalidArgument("The XML you provided was not well-formed"))
		return
	}

	var deleted []DeletedObject
	var errs []DeleteError
	for _, obj := range deleteReq.Objects {
		if err := h.storage.DeleteObject(bucket, obj.Key); err != nil {
			errs = append(errs, DeleteError{Key: obj.Key, Code: "InternalError", Message: err.Error()})
			continue
		}
		if !deleteReq.Quiet {
			deleted = append(deleted, DeletedObject{Key: obj.Key})
		}
	}

	h.writeXML(w, http.StatusOK, DeleteResult{Xmlns: xmlns, Deleted: deleted, Errors: errs})
}

// --- multipart handlers -------------------------------------------------

func (h *S3Handler) handleCreateMultipartUpload(w http.ResponseWriter, r *http.Request, bucket, key string) {
	if !h.storage.BucketExists(bucket) {
		h.writeAPIError(w, errNoSuchBucket())
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	uploadID, err := h.storage.CreateMultipartUpload(bucket, key, contentType)
	if err != nil {
		h.writeAPIError(w, errInternal(err))
		return
	}

	h.writeXML(w, http.StatusOK, InitiateMultipartUploadResult{
		Xmlns: xmlns, Bucket: bucket, Key: key, UploadId: uploadID,
	})
}

func (h *S3Handler) handleUploadPart(w http.ResponseWriter, r *http.Request, bucket, key string) {
	query := r.URL.Query()
	uploadID := query.Get("uploadId")
	partNumber, err := strconv.Atoi(query.Get("partNumber"))
	if err != nil || partNumber < 1 || partNumber > 10000 {
		h.writeAPIError(w, errInvalidArgument("Invalid part number"))
		return
	}

	var expectedSHA string
	sha := r.Header.Get("X-Amz-Content-Sha256")
	if sha != "" && sha != "UNSIGNED-PAYLOAD" && !strings.HasPrefix(sha, "STREAMING-") {
		expectedSHA = sha
	}

	var body io.Reader = http.MaxBytesReader(w, r.Body, MaxBodySize)
	if isAWSChunked(r) {
		body = newAWSChunkedReader(body)
	}

	etag, err := h.storage.UploadPart(uploadID, partNumber, body, expectedSHA)
	if err != nil {
		h.writeAPIError(w, storageError(err))
		return
	}

	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

func (h *S3Handler) handleCompleteMultipartUpload(w http.ResponseWriter, r *http.Request, bucket, key string) {
	uploadID := r.URL.Query().Get("uploadId")

	body, err := io.ReadAll(io.LimitReader(r.Body, 1*1024*1024))
	if err != nil {
		h.writeAPIError(w, errInternal(err))
		return
	}

	var completeReq CompleteMultipartUploadRequest
	if err := xml.Unmarshal(body, &completeReq); err != nil {
		h.writeAPIError(w, errInvalidArgument("The XML you provided was not well-formed"))
		return
	}

	parts := make([]CompletedPart, len(completeReq.Parts))
	for i, p := range completeReq.Parts {
		parts[i] = CompletedPart{PartNumber: p.PartNumber, ETag: p.ETag}
	}

	metadata, err := h.storage.CompleteMultipartUpload(uploadID, parts)
	if err != nil {
		h.writeAPIError(w, mapFSError(err, errNoSuchUpload()))
		return
	}

	h.writeXML(w, http.StatusOK, CompleteMultipartUploadResultXML{
		Xmlns: xmlns, Bucket: bucket, Key: key, ETag: metadata.ETag,
	})
}

func (h *S3Handler) handleAbortMultipartUpload(w http.ResponseWriter, r *http.Request, uploadID string) {
	if err := h.storage.AbortMultipartUpload(uploadID); err != nil {
		h.writeAPIError(w, mapFSError(err, errNoSuchUpload()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- shared helpers -------------------------------------------------------

// storageError narrows a plain error from the storage layer into the
// typed APIError a handler should return to the client: a deliberate
// BadDigest stays BadDigest, anything else becomes an opaque InternalError.
func storageError(err error) *APIError {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr
	}
	return errInternal(err)
}

func (h *S3Handler) writeAPIError(w http.ResponseWriter, apiErr *APIError) {
	h.writeXML(w, apiErr.Status, ErrorResponse{Code: apiErr.Code, Message: apiErr.Message})
}

func (h *S3Handler) writeXML(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	w.Write([]byte(xml.Header))
	xml.NewEncoder(w).Encode(v)
}

// isValidBucketName enforces §3's DNS-compatible subset of the S3 naming
// rules: 3-63 lowercase alphanumerics/hyphens/dots, no leading/trailing
// hyphen or dot, no "..".
func isValidBucketName(name string) bool {
	if len(name) < MinBucketLength || len(name) > MaxBucketLength {
		return false
	}
	for _, c := range name {
		if !((c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '.') {
			return false
		}
	}
	if name[0] == '-' || name[0] == '.' || name[len(name)-1] == '-' || name[len(name)-1] == '.' {
		return false
	}
	return !strings.Contains(name, "..")
}

// isValidKey enforces §3's object key bound: non-empty, at most
// MaxKeyLength bytes, and every byte >= 0x20 and != 0x7F (no control bytes).
func isValidKey(key string) bool {
	if key == "" || len(key) > MaxKeyLength {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c < 0x20 || c == 0x7F {
			return false
		}
	}
	return true
}

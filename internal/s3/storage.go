package s3

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxScanLimit bounds the number of directory entries a single ListObjects
// traversal will collect, protecting against OOM on pathologically large
// buckets.
const MaxScanLimit = 100000

// uploadsDir is the reserved top-level directory holding in-progress
// multipart uploads; never a valid bucket name (§3 invariant).
const uploadsDir = ".uploads"

// tmpStagingDir is the hidden per-bucket directory used to stage temp files
// before an atomic rename, keeping partial writes out of listings and out of
// DeleteObject's empty-directory pruning.
const tmpStagingDir = ".geckos3-tmp"

// lockStripes bounds the lock-striping array used to serialize concurrent
// renames onto the same object path without per-key mutex growth.
const lockStripes = 256

// ObjectMetadata is everything tracked about a stored object beyond its raw
// bytes: its content negotiation headers and any x-amz-meta-* pairs,
// persisted in a small sidecar so GetObject/HeadObject can round-trip them.
type ObjectMetadata struct {
	Size               int64             `json:"size"`
	LastModified       time.Time         `json:"lastModified"`
	ETag               string            `json:"etag"`
	ContentType        string            `json:"contentType,omitempty"`
	ContentEncoding    string            `json:"contentEncoding,omitempty"`
	ContentDisposition string            `json:"contentDisposition,omitempty"`
	CacheControl       string            `json:"cacheControl,omitempty"`
	CustomMetadata     map[string]string `json:"customMetadata,omitempty"`
}

// PutObjectInput carries the request headers relevant to a PutObject or
// CompleteMultipartUpload call.
type PutObjectInput struct {
	ContentType        string
	ContentEncoding    string
	ContentDisposition string
	CacheControl       string
	CustomMetadata     map[string]string
	ExpectedSHA256     string
}

type BucketInfo struct {
	Name         string
	CreationDate time.Time
}

type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
}

// CompletedPart is one entry of a CompleteMultipartUpload part list.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// FilesystemStorage maps bucket/key operations onto a local directory tree,
// exactly per §3's "bucket = directory, object = file" layout. Lock
// striping (FNV-1a over the object path) serializes the directory-create +
// rename step of concurrent writers to the same key without unbounded
// per-key mutex growth.
type FilesystemStorage struct {
	dataDir string
	stripes [lockStripes]sync.Mutex
	fsync   bool
}

func NewFilesystemStorage(dataDir string) *FilesystemStorage {
	return &FilesystemStorage{dataDir: dataDir}
}

// SetFsync enables per-write fsync of files and parent directories. Off by
// default: writes rely on write-temp-then-rename atomicity and the OS page
// cache, matching common high-throughput object store behavior.
func (fs *FilesystemStorage) SetFsync(enabled bool) { fs.fsync = enabled }

func (fs *FilesystemStorage) stripe(path string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(path))
	return &fs.stripes[h.Sum32()%lockStripes]
}

// --- path mapping -----------------------------------------------------

// bucketPath maps a bucket name to its directory, rejecting traversal
// attempts before the filesystem is ever touched (§3 invariant).
func (fs *FilesystemStorage) bucketPath(bucket string) (string, error) {
	if bucket == "" || bucket == uploadsDir {
		return "", os.ErrInvalid
	}
	joined := filepath.Join(fs.dataDir, bucket)
	if !isWithin(fs.dataDir, joined) {
		return "", os.ErrInvalid
	}
	return joined, nil
}

// objectPath maps a (bucket, key) pair to its file, rejecting ".." segments
// and absolute-path prefixes before touching the filesystem (§3 invariant).
func (fs *FilesystemStorage) objectPath(bucket, key string) (string, error) {
	bp, err := fs.bucketPath(bucket)
	if err != nil {
		return "", err
	}
	if key == "" || strings.Contains(key, "\x00") {
		return "", os.ErrInvalid
	}
	joined := filepath.Join(bp, filepath.FromSlash(key))
	if !isWithin(bp, joined) {
		return "", os.ErrInvalid
	}
	return joined, nil
}

func (fs *FilesystemStorage) metadataPath(bucket, key string) (string, error) {
	op, err := fs.objectPath(bucket, key)
	if err != nil {
		return "", err
	}
	return op + ".metadata.json", nil
}

func isWithin(root, candidate string) bool {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	absCandidate, err := filepath.Abs(candidate)
	if err != nil {
		return false
	}
	if absCandidate == absRoot {
		return true
	}
	return strings.HasPrefix(absCandidate, absRoot+string(filepath.Separator))
}

// --- bucket operations --------------------------------------------------

func (fs *FilesystemStorage) BucketExists(bucket string) bool {
	path, err := fs.bucketPath(bucket)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func (fs *FilesystemStorage) CreateBucket(bucket string) error {
	path, err := fs.bucketPath(bucket)
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0o755)
}

// reservedBucketEntries are internal artifacts that don't count toward
// "bucket non-empty" on DeleteBucket.
var reservedBucketEntries = map[string]bool{
	tmpStagingDir: true,
	".DS_Store":   true,
	"Thumbs.db":   true,
}

func (fs *FilesystemStorage) DeleteBucket(bucket string) error {
	path, err := fs.bucketPath(bucket)
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !reservedBucketEntries[e.Name()] {
			return errBucketNotEmpty()
		}
	}
	return os.RemoveAll(path)
}

func (fs *FilesystemStorage) ListBuckets() ([]BucketInfo, error) {
	entries, err := os.ReadDir(fs.dataDir)
	if err != nil {
		return nil, err
	}
	buckets := make([]BucketInfo, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || e.Name() == uploadsDir {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		buckets = append(buckets, BucketInfo{Name: e.Name(), CreationDate: info.ModTime()})
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Name < buckets[j].Name })
	return buckets, nil
}

// ListObjects walks bucket depth-first and returns every key with the given
// prefix in lexicographic order. Delimiter grouping, continuation-token
// resumption, and max-keys truncation are applied by the caller (C6),
// exactly per the §4.5 algorithm, which operates over this sorted stream.
func (fs *FilesystemStorage) ListObjects(bucket, prefix string) ([]ObjectInfo, error) {
	bp, err := fs.bucketPath(bucket)
	if err != nil {
		return nil, err
	}

	var keys []string
	scanned := 0
	err = filepath.WalkDir(bp, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != bp && (d.Name() == tmpStagingDir) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(path, ".metadata.json") {
			return nil
		}
		rel, err := filepath.Rel(bp, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			return nil
		}
		scanned++
		if scanned > MaxScanLimit {
			return fmt.Errorf("bucket exceeds scan limit of %d objects", MaxScanLimit)
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)

	objects := make([]ObjectInfo, 0, len(keys))
	for _, key := range keys {
		objPath := filepath.Join(bp, filepath.FromSlash(key))
		info, err := os.Stat(objPath)
		if err != nil {
			continue
		}
		etag := ""
		if meta, err := fs.loadMetadata(bucket, key); err == nil {
			etag = meta.ETag
		}
		if etag == "" {
			etag = pseudoETag(info)
		}
		objects = append(objects, ObjectInfo{
			Key: key, Size: info.Size(), LastModified: info.ModTime(), ETag: etag,
		})
	}
	return objects, nil
}

// --- object operations --------------------------------------------------

// PutObject streams reader to a temp file outside any lock, verifies an
// optional expected SHA-256 before committing, then atomically renames into
// place under the object's lock stripe. Metadata is persisted best-effort:
// a metadata write failure never rolls back an already-committed object
// (the object's content is authoritative per §3).
func (fs *FilesystemStorage) PutObject(bucket, key string, reader io.Reader, input *PutObjectInput) (*ObjectMetadata, error) {
	objPath, err := fs.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}
	bp, _ := fs.bucketPath(bucket)

	stagingDir := filepath.Join(bp, tmpStagingDir)
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(stagingDir, ".put-*")
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()

	md5Hash := md5.New()
	writers := []io.Writer{tmp, md5Hash}

	var sha256Hash = sha256.New()
	var expectSHA string
	if input != nil && input.ExpectedSHA256 != "" {
		expectSHA = input.ExpectedSHA256
		writers = append(writers, sha256Hash)
	}

	size, err := io.Copy(io.MultiWriter(writers...), reader)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, err
	}
	if fs.fsync {
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return nil, err
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, err
	}

	if expectSHA != "" {
		if got := hex.EncodeToString(sha256Hash.Sum(nil)); got != expectSHA {
			os.Remove(tmpPath)
			return nil, errBadDigest()
		}
	}

	if err := fs.commitRename(objPath, tmpPath); err != nil {
		return nil, err
	}

	metadata := &ObjectMetadata{
		Size:         size,
		LastModified: time.Now().UTC(),
		ETag:         fmt.Sprintf("%q", hex.EncodeToString(md5Hash.Sum(nil))),
		ContentType:  "application/octet-stream",
	}
	if input != nil {
		if input.ContentType != "" {
			metadata.ContentType = input.ContentType
		}
		metadata.ContentEncoding = input.ContentEncoding
		metadata.ContentDisposition = input.ContentDisposition
		metadata.CacheControl = input.CacheControl
		metadata.CustomMetadata = input.CustomMetadata
	}

	_ = fs.saveMetadata(bucket, key, metadata)
	return metadata, nil
}

// commitRename creates the destination directory and atomically renames
// tmpPath into objPath under the object's lock stripe. Network/disk I/O for
// the write itself must already be done before this call — the stripe
// mutex only ever guards the rename, never the transfer.
func (fs *FilesystemStorage) commitRename(objPath, tmpPath string) error {
	mu := fs.stripe(objPath)
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, objPath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if fs.fsync {
		syncParentDir(objPath)
	}
	return nil
}

func (fs *FilesystemStorage) GetObject(bucket, key string) (ReadAtCloser, *ObjectMetadata, error) {
	objPath, err := fs.objectPath(bucket, key)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(objPath)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	metadata, err := fs.loadMetadata(bucket, key)
	if err != nil {
		metadata = &ObjectMetadata{Size: info.Size(), LastModified: info.ModTime(), ETag: pseudoETag(info)}
	}
	return f, metadata, nil
}

func (fs *FilesystemStorage) HeadObject(bucket, key string) (*ObjectMetadata, error) {
	objPath, err := fs.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(objPath)
	if err != nil {
		return nil, err
	}
	metadata, err := fs.loadMetadata(bucket, key)
	if err != nil {
		metadata = &ObjectMetadata{Size: info.Size(), LastModified: info.ModTime(), ETag: pseudoETag(info)}
	}
	return metadata, nil
}

// DeleteObject unlinks the object and its metadata sidecar; a missing
// object is success (§4.5). Empty parent directories are not pruned back up
// to the bucket root, simplifying concurrent-writer semantics (§5).
func (fs *FilesystemStorage) DeleteObject(bucket, key string) error {
	objPath, err := fs.objectPath(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(objPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if mp, err := fs.metadataPath(bucket, key); err == nil {
		os.Remove(mp)
	}
	return nil
}

// CopyObject reads the source object and writes it to the destination
// through PutObject, either preserving source metadata (COPY directive, the
// default) or replacing it with overrideMeta (REPLACE directive).
func (fs *FilesystemStorage) CopyObject(srcBucket, srcKey, dstBucket, dstKey string, overrideMeta *PutObjectInput) (*ObjectMetadata, error) {
	f, srcMeta, err := fs.GetObject(srcBucket, srcKey)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	input := overrideMeta
	if input == nil {
		input = &PutObjectInput{
			ContentType:        srcMeta.ContentType,
			ContentEncoding:    srcMeta.ContentEncoding,
			ContentDisposition: srcMeta.ContentDisposition,
			CacheControl:       srcMeta.CacheControl,
			CustomMetadata:     srcMeta.CustomMetadata,
		}
	}
	if input.ContentType == "" {
		input.ContentType = "application/octet-stream"
	}
	return fs.PutObject(dstBucket, dstKey, f, input)
}

// --- multipart upload operations ----------------------------------------

func (fs *FilesystemStorage) uploadStagingPath(uploadID string) string {
	return filepath.Join(fs.dataDir, uploadsDir, uploadID)
}

type uploadManifest struct {
	Bucket      string `json:"bucket"`
	Key         string `json:"key"`
	ContentType string `json:"contentType"`
}

// generateUploadID produces a 32 hex character upload identifier. google/uuid
// backs this with crypto/rand (the same entropy source §3 requires); the
// dashes of the canonical UUID form are stripped to match the 32-hex-char
// contract exactly.
func generateUploadID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

func (fs *FilesystemStorage) CreateMultipartUpload(bucket, key, contentType string) (string, error) {
	if _, err := fs.objectPath(bucket, key); err != nil {
		return "", err
	}
	uploadID := generateUploadID()
	dir := fs.uploadStagingPath(uploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	manifest := uploadManifest{Bucket: bucket, Key: key, ContentType: contentType}
	data, _ := json.Marshal(manifest)
	if err := os.WriteFile(filepath.Join(dir, ".meta"), data, 0o644); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return uploadID, nil
}

func (fs *FilesystemStorage) loadUploadManifest(uploadID string) (uploadManifest, string, error) {
	dir := fs.uploadStagingPath(uploadID)
	data, err := os.ReadFile(filepath.Join(dir, ".meta"))
	if err != nil {
		return uploadManifest{}, dir, err
	}
	var m uploadManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return uploadManifest{}, dir, err
	}
	return m, dir, nil
}

func partFileName(partNumber int) string {
	return fmt.Sprintf("part-%05d", partNumber)
}

// UploadPart stages one part's bytes under the upload's staging directory,
// verifying an optional expected SHA-256 before committing, and returns the
// part's ETag (hex MD5 of its bytes).
func (fs *FilesystemStorage) UploadPart(uploadID string, partNumber int, reader io.Reader, expectedSHA256 string) (string, error) {
	_, dir, err := fs.loadUploadManifest(uploadID)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(dir, ".part-*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()

	md5Hash := md5.New()
	sha256Hash := sha256.New()
	writers := []io.Writer{tmp, md5Hash}
	if expectedSHA256 != "" {
		writers = append(writers, sha256Hash)
	}

	if _, err := io.Copy(io.MultiWriter(writers...), reader); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if fs.fsync {
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return "", err
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", err
	}

	if expectedSHA256 != "" {
		if got := hex.EncodeToString(sha256Hash.Sum(nil)); got != expectedSHA256 {
			os.Remove(tmpPath)
			return "", errBadDigest()
		}
	}

	partPath := filepath.Join(dir, partFileName(partNumber))
	if err := os.Rename(tmpPath, partPath); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	return fmt.Sprintf("%q", hex.EncodeToString(md5Hash.Sum(nil))), nil
}

// CompleteMultipartUpload concatenates uploaded parts in ascending numeric
// order (§9: the client-supplied part list is parsed for well-formedness
// but filesystem order governs assembly — gaps are treated as empty),
// writes the result through the same write-temp-then-rename path PutObject
// uses, and removes the staging directory. The destination is never visible
// half-written (§3 invariant).
func (fs *FilesystemStorage) CompleteMultipartUpload(uploadID string, parts []CompletedPart) (*ObjectMetadata, error) {
	manifest, dir, err := fs.loadUploadManifest(uploadID)
	if err != nil {
		return nil, err
	}

	objPath, err := fs.objectPath(manifest.Bucket, manifest.Key)
	if err != nil {
		return nil, err
	}
	bp, _ := fs.bucketPath(manifest.Bucket)
	stagingDir := filepath.Join(bp, tmpStagingDir)
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(stagingDir, ".complete-*")
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()

	partNumbers := listPartNumbers(dir)
	hash := md5.New()
	mw := io.MultiWriter(tmp, hash)
	var total int64
	for _, n := range partNumbers {
		pf, err := os.Open(filepath.Join(dir, partFileName(n)))
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return nil, fmt.Errorf("part %d not found", n)
		}
		written, err := io.Copy(mw, pf)
		pf.Close()
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return nil, fmt.Errorf("failed to copy part %d: %w", n, err)
		}
		total += written
	}

	if fs.fsync {
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return nil, err
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, err
	}

	if err := fs.commitRename(objPath, tmpPath); err != nil {
		return nil, err
	}

	contentType := manifest.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	metadata := &ObjectMetadata{
		Size:         total,
		LastModified: time.Now().UTC(),
		ETag:         fmt.Sprintf("%q-%d", hex.EncodeToString(hash.Sum(nil)), len(partNumbers)),
		ContentType:  contentType,
	}
	_ = fs.saveMetadata(manifest.Bucket, manifest.Key, metadata)
	os.RemoveAll(dir)
	return metadata, nil
}

// listPartNumbers returns the ascending numeric part numbers present in an
// upload staging directory, tolerating gaps (§3: gaps are treated as empty
// during assembly, i.e. simply skipped — nothing fills them in).
func listPartNumbers(dir string) []int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var numbers []int
	for _, e := range entries {
		var n int
		if _, err := fmt.Sscanf(e.Name(), "part-%05d", &n); err == nil {
			numbers = append(numbers, n)
		}
	}
	sort.Ints(numbers)
	return numbers
}

func (fs *FilesystemStorage) AbortMultipartUpload(uploadID string) error {
	dir := fs.uploadStagingPath(uploadID)
	if _, err := os.Stat(dir); err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// --- metadata sidecar -----------------------------------------------------

func (fs *FilesystemStorage) saveMetadata(bucket, key string, metadata *ObjectMetadata) error {
	path, err := fs.metadataPath(bucket, key)
	if err != nil {
		return err
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".metadata-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

func (fs *FilesystemStorage) loadMetadata(bucket, key string) (*ObjectMetadata, error) {
	path, err := fs.metadataPath(bucket, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var metadata ObjectMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, err
	}
	return &metadata, nil
}

// pseudoETag derives a stand-in ETag from file attributes when no metadata
// sidecar is available (e.g. it was deleted out-of-band).
func pseudoETag(info os.FileInfo) string {
	data := fmt.Sprintf("%d-%d", info.Size(), info.ModTime().UnixNano())
	sum := md5.Sum([]byte(data))
	return fmt.Sprintf("%q", hex.EncodeToString(sum[:]))
}

// syncParentDir flushes the directory entry created by a rename to durable
// storage. Errors are ignored: some filesystems don't support fsync on
// directories at all.
func syncParentDir(path string) {
	d, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}

// parseRange parses a "bytes=A-B" or "bytes=A-" Range header value against
// an object of the given size. Returns ok=false for anything malformed or
// out of bounds, per §8's testable property.
func parseRange(header string, size int64) (start, end int64, ok bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) || size <= 0 {
		return 0, 0, false
	}
	spec := header[len(prefix):]
	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return 0, 0, false
	}
	startStr, endStr := spec[:dash], spec[dash+1:]

	a, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || a < 0 {
		return 0, 0, false
	}

	if endStr == "" {
		if a >= size {
			return 0, 0, false
		}
		return a, size - 1, true
	}

	b, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || b < a || b >= size {
		return 0, 0, false
	}
	return a, b, true
}

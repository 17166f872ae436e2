package s3

import (
	"net/http"
	"os"

	"github.com/zeebo/errs"
)

// Error classes, one per §7 taxonomy kind. Classing separates the
// client-facing Code/Message pair (carried on APIError) from the internal,
// stack-annotated cause a server log records — mirroring how storj-storj
// classes its internal/RPC errors with zeebo/errs rather than string-
// matching sentinel values.
var (
	classAccessDenied     = errs.Class("access denied")
	classInvalidBucket    = errs.Class("invalid bucket name")
	classInvalidKey       = errs.Class("invalid key")
	classInvalidArgument  = errs.Class("invalid argument")
	classNoSuchKey        = errs.Class("no such key")
	classNoSuchBucket     = errs.Class("no such bucket")
	classNoSuchUpload     = errs.Class("no such upload")
	classBucketNotEmpty   = errs.Class("bucket not empty")
	classMethodNotAllowed = errs.Class("method not allowed")
	classInternal         = errs.Class("internal error")
	classBadDigest        = errs.Class("bad digest")
)

// APIError is the typed failure every handler and storage call returns on
// a non-success path. The router (C7) translates it into the XML error
// envelope of §6; nothing downstream of a handler fabricates one directly —
// the SigV4 step is the sole place AccessDenied originates, per §7.
type APIError struct {
	Status  int
	Code    string
	Message string
	class   *errs.Class
	cause   error
}

func (e *APIError) Error() string {
	if e.cause != nil {
		return e.Code + ": " + e.Message + ": " + e.cause.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *APIError) Unwrap() error { return e.cause }

// LogValue renders the classed, stack-annotated form of the error for the
// server-side structured logger, keeping the wire Code/Message pair stable
// while internal logs retain the full cause chain.
func (e *APIError) LogValue() string {
	if e.cause == nil {
		return e.Error()
	}
	return e.class.Wrap(e.cause).Error()
}

func newAPIError(class *errs.Class, status int, code, message string, cause error) *APIError {
	return &APIError{Status: status, Code: code, Message: message, class: class, cause: cause}
}

func errAccessDenied(message string) *APIError {
	return newAPIError(&classAccessDenied, http.StatusForbidden, "AccessDenied", message, nil)
}

func errInvalidBucketName(bucket string) *APIError {
	return newAPIError(&classInvalidBucket, http.StatusBadRequest, "InvalidBucketName",
		"The specified bucket is not valid", errs.New("bucket=%q", bucket))
}

func errInvalidKey(key string) *APIError {
	return newAPIError(&classInvalidKey, http.StatusBadRequest, "InvalidKey",
		"The specified key is not valid", errs.New("key=%q", key))
}

func errInvalidArgument(message string) *APIError {
	return newAPIError(&classInvalidArgument, http.StatusBadRequest, "InvalidArgument", message, nil)
}

func errNoSuchKey() *APIError {
	return newAPIError(&classNoSuchKey, http.StatusNotFound, "NoSuchKey", "The specified key does not exist", nil)
}

func errNoSuchBucket() *APIError {
	return newAPIError(&classNoSuchBucket, http.StatusNotFound, "NoSuchBucket", "The specified bucket does not exist", nil)
}

func errNoSuchUpload() *APIError {
	return newAPIError(&classNoSuchUpload, http.StatusNotFound, "NoSuchUpload", "The specified upload does not exist", nil)
}

func errBucketNotEmpty() *APIError {
	return newAPIError(&classBucketNotEmpty, http.StatusConflict, "BucketNotEmpty", "The bucket you tried to delete is not empty", nil)
}

func errMethodNotAllowed() *APIError {
	return newAPIError(&classMethodNotAllowed, http.StatusMethodNotAllowed, "MethodNotAllowed", "The specified method is not allowed against this resource", nil)
}

func errBadDigest() *APIError {
	return newAPIError(&classBadDigest, http.StatusBadRequest, "BadDigest",
		"The Content-SHA256 you specified did not match what we received", nil)
}

func errInternal(cause error) *APIError {
	return newAPIError(&classInternal, http.StatusInternalServerError, "InternalError", "We encountered an internal error, please try again", cause)
}

// mapFSError classifies a filesystem error raised while servicing bucket
// bucket / key key: a not-found errno becomes notFound, anything else is
// wrapped as InternalError and logged server-side (per §7's propagation
// rule — "others -> InternalError with a stderr log line", here realized
// via the structured logger at the call site).
func mapFSError(err error, notFound *APIError) *APIError {
	if err == nil {
		return nil
	}
	if os.IsNotExist(err) {
		return notFound
	}
	return errInternal(err)
}

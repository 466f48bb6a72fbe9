package remote

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// ETag is the opaque version token of a remote blob. Services return etags
// with or without surrounding double quotes; Equals compares the unquoted
// values so callers can pass either form back in a condition.
type ETag string

// ETagAny is the wildcard etag. As an IfMatch condition it matches any
// existing blob; as an IfNoneMatch condition it matches only a missing blob
// (create-only semantics).
const ETagAny ETag = "*"

// Equals reports whether two etags identify the same blob version,
// ignoring surrounding quotes.
func (e ETag) Equals(other ETag) bool {
	return e.unquoted() == other.unquoted()
}

func (e ETag) unquoted() string {
	return strings.Trim(string(e), `"`)
}

// Metadata is the user-defined key/value set stored with a blob.
type Metadata map[string]string

// clone returns a copy of the metadata map, or nil for empty input.
func (m Metadata) clone() Metadata {
	if len(m) == 0 {
		return nil
	}
	cp := make(Metadata, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// Headers is the standard set of blob HTTP headers stored at upload time and
// returned on reads.
type Headers struct {
	CacheControl       string
	ContentDisposition string
	ContentEncoding    string
	ContentLanguage    string
	ContentType        string
	// ContentMD5 is the raw (not base64) MD5 digest of the blob content.
	ContentMD5 []byte
}

// CountToEnd as a Range.Count means "from Offset to the end of the blob".
const CountToEnd = int64(0)

// Range selects a contiguous byte range of a blob. A zero Range selects the
// whole blob.
type Range struct {
	// Offset is the first byte of the range. Must be non-negative.
	Offset int64
	// Count is the number of bytes in the range; CountToEnd (0) means
	// everything from Offset to the end of the blob.
	Count int64
}

// String renders the range in HTTP Range header form ("bytes=o-" or
// "bytes=o-e"). The zero Range renders as the empty string (no header).
func (r Range) String() string {
	if r.Offset == 0 && r.Count == CountToEnd {
		return ""
	}
	if r.Count == CountToEnd {
		return fmt.Sprintf("bytes=%d-", r.Offset)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Offset, r.Offset+r.Count-1)
}

// resolve maps the range onto a blob of the given size, returning the
// half-open byte interval [start, end). The zero Range selects the whole
// blob, valid even at size zero; any explicit range starting at or past the
// end is unsatisfiable.
func (r Range) resolve(size int64) (start, end int64, err error) {
	if r.Offset == 0 && r.Count == CountToEnd {
		return 0, size, nil
	}
	if r.Offset < 0 || r.Offset >= size {
		return 0, 0, ErrInvalidRange
	}
	end = size
	if r.Count != CountToEnd && r.Offset+r.Count < size {
		end = r.Offset + r.Count
	}
	return r.Offset, end, nil
}

// Conditions is the conditional-request parameter set attached to one remote
// call. Nil fields are absent. The combination is passed through unchanged to
// the service; which kinds a given backend can enforce is documented on the
// backend.
type Conditions struct {
	IfModifiedSince   *time.Time
	IfUnmodifiedSince *time.Time
	IfMatch           *ETag
	IfNoneMatch       *ETag
	LeaseID           *string
}

// IsZero reports whether no condition is set.
func (c Conditions) IsZero() bool {
	return c.IfModifiedSince == nil && c.IfUnmodifiedSince == nil &&
		c.IfMatch == nil && c.IfNoneMatch == nil && c.LeaseID == nil
}

// ConditionKind identifies which condition a precondition failure originated
// from.
type ConditionKind string

// Condition kinds carried by ServiceError for precondition violations.
const (
	ConditionIfMatch           ConditionKind = "if-match"
	ConditionIfNoneMatch       ConditionKind = "if-none-match"
	ConditionIfModifiedSince   ConditionKind = "if-modified-since"
	ConditionIfUnmodifiedSince ConditionKind = "if-unmodified-since"
	ConditionLease             ConditionKind = "lease"
)

// Properties is the blob state observed by GetProperties.
type Properties struct {
	ETag          ETag
	LastModified  time.Time
	ContentLength int64
	Headers       Headers
	Metadata      Metadata
}

// UploadInfo is the service's receipt for a whole-blob upload or a block
// list commit.
type UploadInfo struct {
	ETag         ETag
	LastModified time.Time
	// ContentMD5 is the digest recorded by the service, when it recorded one.
	ContentMD5 []byte
}

// DownloadResponse is one ranged read: the body stream plus the blob state
// observed on that response.
type DownloadResponse struct {
	Body         io.ReadCloser
	ETag         ETag
	LastModified time.Time
	// ContentLength is the number of bytes in this response, not the blob size.
	ContentLength int64
	// ContentRange is the Content-Range header value for ranged responses.
	ContentRange string
}

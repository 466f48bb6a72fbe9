package transfer

import "github.com/blockferry/blockferry/remote"

// UploadOptions tunes the upload engine. The zero value is valid and selects
// defaults throughout.
type UploadOptions struct {
	// Headers are stored on the committed blob.
	Headers remote.Headers

	// Metadata is stored on the committed blob.
	Metadata remote.Metadata

	// AccessConditions gate every remote write the transfer makes.
	AccessConditions AccessConditions

	// Parallelism bounds concurrent block staging. Zero selects the
	// default; it has no effect on single-shot uploads.
	Parallelism int
}

func (o UploadOptions) validate() error {
	if o.Parallelism < 0 {
		return &ArgumentError{Param: "parallelism", Reason: "must be at least 1 when set"}
	}
	return nil
}

// parallelism resolves the staging concurrency, applying the default.
func (o UploadOptions) parallelism() int {
	if o.Parallelism > 0 {
		return o.Parallelism
	}
	return defaultParallelism
}

// RetryPolicy bounds how often one chunk's interrupted body stream may be
// re-issued during a download.
type RetryPolicy struct {
	// MaxRetries is the re-issue budget over a chunk stream's lifetime.
	// Zero disables retries; negative is invalid.
	MaxRetries int
}

// DownloadOptions tunes the download engine. The zero value is valid and
// selects defaults throughout.
type DownloadOptions struct {
	// BlockSize is the ranged-chunk size. Zero selects the default.
	BlockSize int64

	// Parallelism bounds concurrent chunk fetches. Zero selects the
	// default.
	Parallelism int

	// AccessConditions gate the whole transfer. When zero, the engine
	// instead pins the etag it observes before the first chunk, so the
	// download fails rather than mix bytes from two blob versions.
	AccessConditions AccessConditions

	// RetryPolicy bounds mid-stream retries per chunk. Nil selects the
	// default budget.
	RetryPolicy *RetryPolicy

	// Progress, when set, receives the cumulative byte count as chunks
	// complete. Calls may arrive from any fetch goroutine; the callback
	// must be fast and safe for concurrent use.
	Progress func(bytesTransferred int64)
}

func (o DownloadOptions) validate() error {
	if o.BlockSize < 0 {
		return &ArgumentError{Param: "blockSize", Reason: "must be at least 1 when set"}
	}
	if o.Parallelism < 0 {
		return &ArgumentError{Param: "parallelism", Reason: "must be at least 1 when set"}
	}
	if o.RetryPolicy != nil && o.RetryPolicy.MaxRetries < 0 {
		return &ArgumentError{Param: "retryPolicy.maxRetries", Reason: "must be non-negative"}
	}
	return nil
}

// blockSize resolves the chunk size, applying the default.
func (o DownloadOptions) blockSize() int64 {
	if o.BlockSize > 0 {
		return o.BlockSize
	}
	return DefaultDownloadBlockSize
}

// parallelism resolves the fetch concurrency, applying the default.
func (o DownloadOptions) parallelism() int {
	if o.Parallelism > 0 {
		return o.Parallelism
	}
	return defaultParallelism
}

// maxRetries resolves the per-chunk stream retry budget, applying the
// default.
func (o DownloadOptions) maxRetries() int {
	if o.RetryPolicy != nil {
		return o.RetryPolicy.MaxRetries
	}
	return defaultMaxRetries
}

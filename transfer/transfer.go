// Package transfer moves byte payloads between local storage and a remote
// block blob with bounded parallelism.
//
// Uploads pick a strategy by size: sources at or under MaxUploadBlobBytes go
// up in one whole-blob call, larger sources are split into blocks, staged
// concurrently, and committed as an ordered block list. Downloads pin the
// blob's etag before the first byte moves and fetch ranged chunks in
// parallel, so a blob that mutates mid-transfer fails the whole download
// instead of yielding spliced content.
//
// All engine entry points validate their arguments synchronously and return
// an *ArgumentError before touching the network. Failures from the remote
// side keep their *remote.ServiceError classification through wrapping.
package transfer

import (
	"time"

	"github.com/blockferry/blockferry/remote"
)

const (
	// MaxUploadBlobBytes is the largest source a single whole-blob upload
	// call may carry. Larger sources use the multi-block strategy.
	MaxUploadBlobBytes = 256 * 1024 * 1024

	// MaxStageBlockBytes is the largest block the service accepts.
	MaxStageBlockBytes = 100 * 1024 * 1024

	// MaxBlocksPerBlob is the most blocks one committed blob may carry.
	MaxBlocksPerBlob = 50000

	// DefaultDownloadBlockSize is the ranged-chunk size used when
	// DownloadOptions does not choose one.
	DefaultDownloadBlockSize = 4 * 1024 * 1024
)

// defaultParallelism bounds concurrent block staging and chunk fetches when
// the caller does not choose a parallelism.
const defaultParallelism = 5

// maxSingleShotBytes is the ceiling the upload engine compares source sizes
// against when picking a strategy. It equals MaxUploadBlobBytes; tests lower
// it to drive the multi-block path without multi-hundred-megabyte fixtures.
var maxSingleShotBytes int64 = MaxUploadBlobBytes

// Strategy identifies which upload path moved the bytes.
type Strategy string

const (
	// StrategySingleShot is one whole-blob upload call.
	StrategySingleShot Strategy = "single_shot"

	// StrategyMultiBlock is parallel block staging followed by a block
	// list commit.
	StrategyMultiBlock Strategy = "multi_block"
)

// TransferResult reports a completed upload.
type TransferResult struct {
	// Strategy is the upload path taken.
	Strategy Strategy

	// ETag is the version the service assigned to the committed blob.
	ETag remote.ETag

	// LastModified is the committed blob's modification time.
	LastModified time.Time

	// ContentMD5 is the digest the service recorded, when it recorded
	// one. Whole-blob uploads carry a digest; block list commits do not,
	// because the service never sees the assembled payload in one piece.
	ContentMD5 []byte

	// BlockCount is the number of blocks staged. Zero for single-shot.
	BlockCount int

	// Size is the number of bytes uploaded.
	Size int64
}

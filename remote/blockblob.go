// Package remote defines the block-blob service surface the blockferry
// transfer engines drive, together with the backends that implement it:
// in-memory and directory-backed blobs with full conditional semantics for
// tests and offline use, and Azure Blob Storage, Amazon S3, and Google Cloud
// Storage backends for real transfers.
//
// One BlockBlob value addresses one remote blob. The service contract is the
// block-blob model: bytes either arrive in a single whole-blob upload, or as
// independently staged blocks that become visible only when an ordered block
// list is committed. Staged but uncommitted blocks are the service's to
// garbage-collect; no backend cleans them up on a failed transfer.
package remote

import (
	"context"
	"io"
)

// BlockBlob is a handle to a single remote block blob.
//
// Implementations must be safe for concurrent use: the transfer engines call
// StageBlock and Download from multiple goroutines against one value.
type BlockBlob interface {
	// Upload replaces the blob's content in one call and applies the given
	// headers and metadata. Any staged, uncommitted blocks are discarded.
	// If headers carries no ContentMD5 the service computes and stores one.
	Upload(ctx context.Context, body io.ReadSeeker, h Headers, md Metadata, cond Conditions) (*UploadInfo, error)

	// StageBlock uploads one block under the caller-chosen ID. Staged blocks
	// are invisible to reads until committed. Only the lease portion of cond
	// applies; etag and time conditions are not evaluated for staging.
	StageBlock(ctx context.Context, blockID string, body io.ReadSeeker, cond Conditions) error

	// CommitBlockList assembles previously staged blocks, in the order given,
	// into the blob's new content, applying headers and metadata. The staged
	// set is consumed. Unlike Upload, no ContentMD5 is computed server-side.
	CommitBlockList(ctx context.Context, blockIDs []string, h Headers, md Metadata, cond Conditions) (*UploadInfo, error)

	// GetProperties returns the blob's current etag, length, headers, and
	// metadata.
	GetProperties(ctx context.Context, cond Conditions) (*Properties, error)

	// Download opens a ranged read of the committed content. The zero Range
	// reads the whole blob. The caller owns the returned body.
	Download(ctx context.Context, rng Range, cond Conditions) (*DownloadResponse, error)
}

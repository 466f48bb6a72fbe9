package remote

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"sync"
	"time"
)

// MemoryBlob implements the BlockBlob interface entirely in memory, with the
// same conditional-request and block-visibility semantics as the real
// services: version-counter etags, infinite leases, staged blocks invisible
// until committed, MD5 computed server-side for whole-blob uploads only.
// It backs the transfer engine's own tests and works as a drop-in fake for
// consumers.
type MemoryBlob struct {
	mu sync.Mutex

	exists       bool
	data         []byte
	headers      Headers
	metadata     Metadata
	version      int64
	lastModified time.Time
	leaseID      string

	// staged holds uncommitted blocks by block ID.
	staged map[string][]byte
}

// NewMemoryBlob returns an empty in-memory blob handle. The blob itself does
// not exist until the first Upload or CommitBlockList.
func NewMemoryBlob() *MemoryBlob {
	return &MemoryBlob{staged: make(map[string][]byte)}
}

// state returns the current blob state for condition evaluation.
// Callers must hold mu.
func (m *MemoryBlob) state() blobState {
	return blobState{
		exists:       m.exists,
		etag:         m.etagLocked(),
		lastModified: m.lastModified,
		leaseID:      m.leaseID,
	}
}

// etagLocked derives the current etag from the version counter.
// Callers must hold mu.
func (m *MemoryBlob) etagLocked() ETag {
	return ETag(fmt.Sprintf(`"0x%X"`, m.version))
}

// Upload replaces the blob content in one call. If no ContentMD5 was supplied
// in the headers, one is computed and stored, as the real services do for
// whole-blob uploads. Any staged blocks are discarded.
func (m *MemoryBlob) Upload(ctx context.Context, body io.ReadSeeker, h Headers, md Metadata, cond Conditions) (*UploadInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("reading upload body: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := checkConditions(cond, m.state(), true); err != nil {
		return nil, err
	}

	if h.ContentMD5 == nil {
		sum := md5.Sum(data)
		h.ContentMD5 = sum[:]
	}

	m.exists = true
	m.data = data
	m.headers = h
	m.metadata = md.clone()
	m.version++
	m.lastModified = time.Now()
	m.staged = make(map[string][]byte)

	return &UploadInfo{ETag: m.etagLocked(), LastModified: m.lastModified, ContentMD5: h.ContentMD5}, nil
}

// StageBlock stores one uncommitted block. Only the lease condition applies.
func (m *MemoryBlob) StageBlock(ctx context.Context, blockID string, body io.ReadSeeker, cond Conditions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("reading block body: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := checkConditions(Conditions{LeaseID: cond.LeaseID}, m.state(), true); err != nil {
		return err
	}

	m.staged[blockID] = data
	return nil
}

// CommitBlockList assembles staged blocks, in the order given, into the new
// blob content. The staged set is consumed. No ContentMD5 is computed.
func (m *MemoryBlob) CommitBlockList(ctx context.Context, blockIDs []string, h Headers, md Metadata, cond Conditions) (*UploadInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := checkConditions(cond, m.state(), true); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	for _, id := range blockIDs {
		block, ok := m.staged[id]
		if !ok {
			return nil, ErrInvalidBlockList
		}
		buf.Write(block)
	}

	m.exists = true
	m.data = buf.Bytes()
	m.headers = h
	m.metadata = md.clone()
	m.version++
	m.lastModified = time.Now()
	m.staged = make(map[string][]byte)

	return &UploadInfo{ETag: m.etagLocked(), LastModified: m.lastModified, ContentMD5: h.ContentMD5}, nil
}

// GetProperties returns the blob's current state.
func (m *MemoryBlob) GetProperties(ctx context.Context, cond Conditions) (*Properties, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.exists {
		return nil, ErrBlobNotFound
	}
	if err := checkConditions(cond, m.state(), false); err != nil {
		return nil, err
	}

	return &Properties{
		ETag:          m.etagLocked(),
		LastModified:  m.lastModified,
		ContentLength: int64(len(m.data)),
		Headers:       m.headers,
		Metadata:      m.metadata.clone(),
	}, nil
}

// Download opens a ranged read of the committed content. The returned body is
// a snapshot: later writes replace the content slice and do not affect open
// readers.
func (m *MemoryBlob) Download(ctx context.Context, rng Range, cond Conditions) (*DownloadResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.exists {
		return nil, ErrBlobNotFound
	}
	if err := checkConditions(cond, m.state(), false); err != nil {
		return nil, err
	}

	size := int64(len(m.data))
	start, end, err := rng.resolve(size)
	if err != nil {
		return nil, err
	}
	var contentRange string
	if rng != (Range{}) {
		contentRange = fmt.Sprintf("bytes %d-%d/%d", start, end-1, size)
	}

	return &DownloadResponse{
		Body:          io.NopCloser(bytes.NewReader(m.data[start:end])),
		ETag:          m.etagLocked(),
		LastModified:  m.lastModified,
		ContentLength: end - start,
		ContentRange:  contentRange,
	}, nil
}

// AcquireLease takes an infinite lease with the given ID. Acquiring with the
// ID of the blob's own active lease renews it.
func (m *MemoryBlob) AcquireLease(leaseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.exists {
		return ErrBlobNotFound
	}
	if m.leaseID != "" && m.leaseID != leaseID {
		return ErrLeaseAlreadyPresent
	}
	m.leaseID = leaseID
	return nil
}

// ReleaseLease releases the blob's active lease.
func (m *MemoryBlob) ReleaseLease(leaseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.exists {
		return ErrBlobNotFound
	}
	if m.leaseID == "" {
		return ErrLeaseNotPresent
	}
	if m.leaseID != leaseID {
		return ErrLeaseIDMismatch
	}
	m.leaseID = ""
	return nil
}

// Ensure MemoryBlob implements BlockBlob at compile time.
var _ BlockBlob = (*MemoryBlob)(nil)

package remote

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blockferry/blockferry/internal/uid"
)

// FileBlob implements the BlockBlob interface on the local filesystem: one
// directory per blob, holding the committed content, a YAML metadata sidecar
// (etag version, headers, metadata, lease), and a staging area for
// uncommitted blocks. Writes use the crash-only pattern: temp file, sync,
// rename. Conditional semantics match MemoryBlob.
//
// Safe for concurrent use within one process; not across processes.
type FileBlob struct {
	mu sync.Mutex

	// Dir is the blob's directory.
	Dir string
}

// fileMeta is the YAML sidecar persisted next to the blob content.
type fileMeta struct {
	Version            int64             `yaml:"version"`
	LastModified       time.Time         `yaml:"last_modified"`
	ContentMD5         string            `yaml:"content_md5,omitempty"`
	LeaseID            string            `yaml:"lease_id,omitempty"`
	CacheControl       string            `yaml:"cache_control,omitempty"`
	ContentDisposition string            `yaml:"content_disposition,omitempty"`
	ContentEncoding    string            `yaml:"content_encoding,omitempty"`
	ContentLanguage    string            `yaml:"content_language,omitempty"`
	ContentType        string            `yaml:"content_type,omitempty"`
	Metadata           map[string]string `yaml:"metadata,omitempty"`
}

// NewFileBlob creates a FileBlob rooted at the given directory, creating the
// blocks and temp directories if needed. Temp files left behind by a crashed
// process are removed.
func NewFileBlob(dir string) (*FileBlob, error) {
	for _, d := range []string{dir, filepath.Join(dir, "blocks"), filepath.Join(dir, ".tmp")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("creating blob directory %q: %w", d, err)
		}
	}
	b := &FileBlob{Dir: dir}
	if err := b.cleanTempFiles(); err != nil {
		return nil, err
	}
	return b, nil
}

// cleanTempFiles removes leftovers from interrupted writes. Any temp files
// present indicate an incomplete write from a previous crash.
func (b *FileBlob) cleanTempFiles() error {
	tmpDir := filepath.Join(b.Dir, ".tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}

func (b *FileBlob) contentPath() string {
	return filepath.Join(b.Dir, "content")
}

func (b *FileBlob) metaPath() string {
	return filepath.Join(b.Dir, "meta.yaml")
}

// blockPath maps a block ID to a staged block file. IDs are hex-encoded:
// they are caller-chosen opaque strings and may not be filename-safe.
func (b *FileBlob) blockPath(blockID string) string {
	return filepath.Join(b.Dir, "blocks", hex.EncodeToString([]byte(blockID)))
}

// tempPath returns a unique temporary file path in the .tmp directory.
func (b *FileBlob) tempPath() string {
	return filepath.Join(b.Dir, ".tmp", "tmp-"+uid.New())
}

// writeFileAtomic writes data to path using the temp + sync + rename pattern.
func (b *FileBlob) writeFileAtomic(path string, data []byte) error {
	tmp := b.tempPath()
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming temp file into place: %w", err)
	}
	return nil
}

// loadMeta reads the sidecar. A missing sidecar means the blob does not exist.
func (b *FileBlob) loadMeta() (fileMeta, bool, error) {
	data, err := os.ReadFile(b.metaPath())
	if err != nil {
		if os.IsNotExist(err) {
			return fileMeta{}, false, nil
		}
		return fileMeta{}, false, fmt.Errorf("reading blob metadata: %w", err)
	}
	var m fileMeta
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fileMeta{}, false, fmt.Errorf("parsing blob metadata: %w", err)
	}
	return m, true, nil
}

// saveMeta writes the sidecar atomically.
func (b *FileBlob) saveMeta(m fileMeta) error {
	data, err := yaml.Marshal(&m)
	if err != nil {
		return fmt.Errorf("encoding blob metadata: %w", err)
	}
	return b.writeFileAtomic(b.metaPath(), data)
}

// state converts sidecar metadata to the condition-evaluation state.
func metaBlobState(m fileMeta, exists bool) blobState {
	if !exists {
		return blobState{}
	}
	return blobState{
		exists:       true,
		etag:         ETag(fmt.Sprintf(`"0x%X"`, m.Version)),
		lastModified: m.LastModified,
		leaseID:      m.LeaseID,
	}
}

// headers converts the sidecar back to blob headers.
func (m fileMeta) headers() Headers {
	var sum []byte
	if m.ContentMD5 != "" {
		sum, _ = hex.DecodeString(m.ContentMD5)
	}
	return Headers{
		CacheControl:       m.CacheControl,
		ContentDisposition: m.ContentDisposition,
		ContentEncoding:    m.ContentEncoding,
		ContentLanguage:    m.ContentLanguage,
		ContentType:        m.ContentType,
		ContentMD5:         sum,
	}
}

// metaFor builds the next sidecar generation after a write.
func metaFor(version int64, h Headers, md Metadata, leaseID string) fileMeta {
	return fileMeta{
		Version:            version,
		LastModified:       time.Now(),
		ContentMD5:         hex.EncodeToString(h.ContentMD5),
		LeaseID:            leaseID,
		CacheControl:       h.CacheControl,
		ContentDisposition: h.ContentDisposition,
		ContentEncoding:    h.ContentEncoding,
		ContentLanguage:    h.ContentLanguage,
		ContentType:        h.ContentType,
		Metadata:           md.clone(),
	}
}

// clearStaged removes all staged block files.
func (b *FileBlob) clearStaged() error {
	blocksDir := filepath.Join(b.Dir, "blocks")
	entries, err := os.ReadDir(blocksDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading blocks directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(blocksDir, entry.Name()))
		}
	}
	return nil
}

// Upload replaces the blob content in one call. If no ContentMD5 was supplied
// in the headers, one is computed and stored. Any staged blocks are discarded.
func (b *FileBlob) Upload(ctx context.Context, body io.ReadSeeker, h Headers, md Metadata, cond Conditions) (*UploadInfo, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("reading upload body: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	meta, exists, err := b.loadMeta()
	if err != nil {
		return nil, err
	}
	if err := checkConditions(cond, metaBlobState(meta, exists), true); err != nil {
		return nil, err
	}

	if h.ContentMD5 == nil {
		sum := md5.Sum(data)
		h.ContentMD5 = sum[:]
	}

	if err := b.writeFileAtomic(b.contentPath(), data); err != nil {
		return nil, fmt.Errorf("writing blob content: %w", err)
	}
	next := metaFor(meta.Version+1, h, md, meta.LeaseID)
	if err := b.saveMeta(next); err != nil {
		return nil, err
	}
	if err := b.clearStaged(); err != nil {
		return nil, err
	}

	return &UploadInfo{
		ETag:         ETag(fmt.Sprintf(`"0x%X"`, next.Version)),
		LastModified: next.LastModified,
		ContentMD5:   h.ContentMD5,
	}, nil
}

// StageBlock stores one uncommitted block file. Only the lease condition
// applies.
func (b *FileBlob) StageBlock(ctx context.Context, blockID string, body io.ReadSeeker, cond Conditions) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("reading block body: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	meta, exists, err := b.loadMeta()
	if err != nil {
		return err
	}
	if err := checkConditions(Conditions{LeaseID: cond.LeaseID}, metaBlobState(meta, exists), true); err != nil {
		return err
	}

	return b.writeFileAtomic(b.blockPath(blockID), data)
}

// CommitBlockList assembles staged block files, in the order given, into the
// new blob content. The staged set is consumed. No ContentMD5 is computed.
func (b *FileBlob) CommitBlockList(ctx context.Context, blockIDs []string, h Headers, md Metadata, cond Conditions) (*UploadInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	meta, exists, err := b.loadMeta()
	if err != nil {
		return nil, err
	}
	if err := checkConditions(cond, metaBlobState(meta, exists), true); err != nil {
		return nil, err
	}

	tmp := b.tempPath()
	f, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	abort := func() {
		f.Close()
		os.Remove(tmp)
	}
	for _, id := range blockIDs {
		block, err := os.ReadFile(b.blockPath(id))
		if err != nil {
			abort()
			if os.IsNotExist(err) {
				return nil, ErrInvalidBlockList
			}
			return nil, fmt.Errorf("reading staged block: %w", err)
		}
		if _, err := f.Write(block); err != nil {
			abort()
			return nil, fmt.Errorf("assembling blocks: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		abort()
		return nil, fmt.Errorf("syncing assembled content: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("closing assembled content: %w", err)
	}
	if err := os.Rename(tmp, b.contentPath()); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("renaming assembled content into place: %w", err)
	}

	next := metaFor(meta.Version+1, h, md, meta.LeaseID)
	if err := b.saveMeta(next); err != nil {
		return nil, err
	}
	if err := b.clearStaged(); err != nil {
		return nil, err
	}

	return &UploadInfo{
		ETag:         ETag(fmt.Sprintf(`"0x%X"`, next.Version)),
		LastModified: next.LastModified,
		ContentMD5:   h.ContentMD5,
	}, nil
}

// GetProperties returns the blob's current state from the sidecar and
// content file.
func (b *FileBlob) GetProperties(ctx context.Context, cond Conditions) (*Properties, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	meta, exists, err := b.loadMeta()
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrBlobNotFound
	}
	if err := checkConditions(cond, metaBlobState(meta, true), false); err != nil {
		return nil, err
	}

	fi, err := os.Stat(b.contentPath())
	if err != nil {
		return nil, fmt.Errorf("reading blob content size: %w", err)
	}

	return &Properties{
		ETag:          ETag(fmt.Sprintf(`"0x%X"`, meta.Version)),
		LastModified:  meta.LastModified,
		ContentLength: fi.Size(),
		Headers:       meta.headers(),
		Metadata:      Metadata(meta.Metadata).clone(),
	}, nil
}

// fileRangeBody is a ranged view of the content file that closes the
// underlying handle with the body.
type fileRangeBody struct {
	*io.SectionReader
	f *os.File
}

func (r *fileRangeBody) Close() error {
	return r.f.Close()
}

// Download opens a ranged read of the committed content. The returned body
// reads from the open file handle, so a concurrent commit (which renames a
// new file into place) does not affect it.
func (b *FileBlob) Download(ctx context.Context, rng Range, cond Conditions) (*DownloadResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	meta, exists, err := b.loadMeta()
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrBlobNotFound
	}
	if err := checkConditions(cond, metaBlobState(meta, true), false); err != nil {
		return nil, err
	}

	f, err := os.Open(b.contentPath())
	if err != nil {
		return nil, fmt.Errorf("opening blob content: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("reading blob content size: %w", err)
	}

	size := fi.Size()
	start, end, err := rng.resolve(size)
	if err != nil {
		f.Close()
		return nil, err
	}
	var contentRange string
	if rng != (Range{}) {
		contentRange = fmt.Sprintf("bytes %d-%d/%d", start, end-1, size)
	}

	return &DownloadResponse{
		Body:          &fileRangeBody{SectionReader: io.NewSectionReader(f, start, end-start), f: f},
		ETag:          ETag(fmt.Sprintf(`"0x%X"`, meta.Version)),
		LastModified:  meta.LastModified,
		ContentLength: end - start,
		ContentRange:  contentRange,
	}, nil
}

// AcquireLease takes an infinite lease with the given ID. Acquiring with the
// ID of the blob's own active lease renews it. Lease changes do not bump the
// etag.
func (b *FileBlob) AcquireLease(leaseID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	meta, exists, err := b.loadMeta()
	if err != nil {
		return err
	}
	if !exists {
		return ErrBlobNotFound
	}
	if meta.LeaseID != "" && meta.LeaseID != leaseID {
		return ErrLeaseAlreadyPresent
	}
	meta.LeaseID = leaseID
	return b.saveMeta(meta)
}

// ReleaseLease releases the blob's active lease.
func (b *FileBlob) ReleaseLease(leaseID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	meta, exists, err := b.loadMeta()
	if err != nil {
		return err
	}
	if !exists {
		return ErrBlobNotFound
	}
	if meta.LeaseID == "" {
		return ErrLeaseNotPresent
	}
	if meta.LeaseID != leaseID {
		return ErrLeaseIDMismatch
	}
	meta.LeaseID = ""
	return b.saveMeta(meta)
}

// Ensure FileBlob implements BlockBlob at compile time.
var _ BlockBlob = (*FileBlob)(nil)

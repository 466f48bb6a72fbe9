// Package remote provides the Google Cloud Storage backend for blockferry.
//
// GCS has no native block-blob model, so staging is emulated with temporary
// objects and the commit with server-side Compose:
//
//	StageBlock()      → object write to {name}.blocks/{hex(block_id)}
//	CommitBlockList() → Compose chains (32 sources per call) into the final
//	                    object, then staged-object cleanup
//
// ETags are quoted generation numbers; IfMatch/IfNoneMatch translate to
// generation preconditions, and IfNoneMatch "*" to a DoesNotExist
// precondition. Time conditions and leases are not expressible and are
// rejected.
//
// Credentials are resolved via Application Default Credentials
// (GOOGLE_APPLICATION_CREDENTIALS, gcloud auth, metadata server).
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// maxComposeSources is the GCS limit on the number of source objects per
// Compose call.
const maxComposeSources = 32

// GCSAPI defines the subset of the GCS client interface that the backend
// uses. This allows mocking in tests.
type GCSAPI interface {
	// NewWriter returns a writer for the given GCS object, applying the
	// attributes and write preconditions.
	NewWriter(ctx context.Context, bucket, object string, attrs gcs.ObjectAttrs, conds *gcs.Conditions) GCSWriter
	// NewRangeReader returns a ranged reader for the given GCS object,
	// along with the attributes observed on the response.
	NewRangeReader(ctx context.Context, bucket, object string, offset, length int64, conds *gcs.Conditions) (io.ReadCloser, gcs.ReaderObjectAttrs, error)
	// Attrs returns the attributes of the given GCS object.
	Attrs(ctx context.Context, bucket, object string, conds *gcs.Conditions) (*gcs.ObjectAttrs, error)
	// Compose composes multiple GCS source objects into a single destination
	// object, applying the attributes and write preconditions.
	Compose(ctx context.Context, bucket, dstObject string, srcObjects []string, attrs gcs.ObjectAttrs, conds *gcs.Conditions) (*gcs.ObjectAttrs, error)
	// Delete deletes the given GCS object.
	Delete(ctx context.Context, bucket, object string) error
	// ListObjects lists object names with the given prefix.
	ListObjects(ctx context.Context, bucket, prefix string) ([]string, error)
}

// GCSWriter is a writer for one GCS object write. Attrs reports the created
// object's attributes after a successful Close.
type GCSWriter interface {
	io.WriteCloser
	Attrs() *gcs.ObjectAttrs
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object string, attrs gcs.ObjectAttrs, conds *gcs.Conditions) GCSWriter {
	obj := c.client.Bucket(bucket).Object(object)
	if conds != nil {
		obj = obj.If(*conds)
	}
	w := obj.NewWriter(ctx)
	w.ContentType = attrs.ContentType
	w.CacheControl = attrs.CacheControl
	w.ContentDisposition = attrs.ContentDisposition
	w.ContentEncoding = attrs.ContentEncoding
	w.ContentLanguage = attrs.ContentLanguage
	w.MD5 = attrs.MD5
	w.Metadata = attrs.Metadata
	return w
}

func (c *realGCSClient) NewRangeReader(ctx context.Context, bucket, object string, offset, length int64, conds *gcs.Conditions) (io.ReadCloser, gcs.ReaderObjectAttrs, error) {
	obj := c.client.Bucket(bucket).Object(object)
	if conds != nil {
		obj = obj.If(*conds)
	}
	r, err := obj.NewRangeReader(ctx, offset, length)
	if err != nil {
		return nil, gcs.ReaderObjectAttrs{}, err
	}
	return r, r.Attrs, nil
}

func (c *realGCSClient) Attrs(ctx context.Context, bucket, object string, conds *gcs.Conditions) (*gcs.ObjectAttrs, error) {
	obj := c.client.Bucket(bucket).Object(object)
	if conds != nil {
		obj = obj.If(*conds)
	}
	return obj.Attrs(ctx)
}

func (c *realGCSClient) Compose(ctx context.Context, bucket, dstObject string, srcObjects []string, attrs gcs.ObjectAttrs, conds *gcs.Conditions) (*gcs.ObjectAttrs, error) {
	dst := c.client.Bucket(bucket).Object(dstObject)
	if conds != nil {
		dst = dst.If(*conds)
	}
	var srcs []*gcs.ObjectHandle
	for _, name := range srcObjects {
		srcs = append(srcs, c.client.Bucket(bucket).Object(name))
	}
	comp := dst.ComposerFrom(srcs...)
	comp.ContentType = attrs.ContentType
	comp.CacheControl = attrs.CacheControl
	comp.ContentDisposition = attrs.ContentDisposition
	comp.ContentEncoding = attrs.ContentEncoding
	comp.ContentLanguage = attrs.ContentLanguage
	comp.Metadata = attrs.Metadata
	return comp.Run(ctx)
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// GCSBlockBlob implements the BlockBlob interface against one object in a
// Google Cloud Storage bucket, emulating block staging with temporary
// objects and the commit with Compose.
type GCSBlockBlob struct {
	// Bucket is the GCS bucket name.
	Bucket string
	// Project is the GCP project ID.
	Project string
	// Name is the object name of the blob.
	Name string
	// client is the GCS client (satisfying GCSAPI interface).
	client GCSAPI
}

// NewGCSBlockBlob creates a handle to one object in a GCS bucket. It
// initializes the GCS client using Application Default Credentials and
// verifies the bucket is accessible.
func NewGCSBlockBlob(ctx context.Context, bucket, project, name string) (*GCSBlockBlob, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	b := &GCSBlockBlob{
		Bucket:  bucket,
		Project: project,
		Name:    name,
		client:  &realGCSClient{client: client},
	}

	// Verify the bucket is accessible by listing with a non-matching prefix.
	// The blob itself need not exist yet.
	_, err = b.client.ListObjects(ctx, bucket, "\x00nonexistent\x00")
	if err != nil {
		return nil, fmt.Errorf("cannot access GCS bucket %q: %w", bucket, err)
	}

	slog.Info("GCS blob backend initialized", "bucket", bucket, "project", project, "name", name)
	return b, nil
}

// NewGCSBlockBlobWithClient creates a GCSBlockBlob with a pre-configured GCS
// client. This is primarily used for testing with mock clients.
func NewGCSBlockBlobWithClient(bucket, project, name string, client GCSAPI) *GCSBlockBlob {
	return &GCSBlockBlob{
		Bucket:  bucket,
		Project: project,
		Name:    name,
		client:  client,
	}
}

// blocksPrefix is the object-name prefix holding all staged blocks for this
// blob. Compose intermediates live under it too, so one prefix sweep cleans
// up everything.
func (b *GCSBlockBlob) blocksPrefix() string {
	return b.Name + ".blocks/"
}

// blockObject maps a block ID to the temporary staged-object name. Block IDs
// are hex-encoded: they are caller-chosen opaque strings and may not be
// name-safe.
func (b *GCSBlockBlob) blockObject(blockID string) string {
	return fmt.Sprintf("%s%x", b.blocksPrefix(), blockID)
}

// gcsETag renders a generation number in etag form.
func gcsETag(generation int64) ETag {
	return ETag(fmt.Sprintf(`"%d"`, generation))
}

// gcsConditions converts etag conditions to generation preconditions. Time
// conditions and leases have no GCS equivalent, nor does the IfMatch "*"
// wildcard (GCS can express "does not exist" but not "exists").
func gcsConditions(cond Conditions) (*gcs.Conditions, error) {
	if cond.IfModifiedSince != nil || cond.IfUnmodifiedSince != nil || cond.LeaseID != nil {
		return nil, ErrNotImplemented
	}
	if cond.IfMatch == nil && cond.IfNoneMatch == nil {
		return nil, nil
	}
	conds := &gcs.Conditions{}
	if cond.IfMatch != nil {
		gen, err := parseGeneration(*cond.IfMatch)
		if err != nil {
			return nil, err
		}
		conds.GenerationMatch = gen
	}
	if cond.IfNoneMatch != nil {
		if *cond.IfNoneMatch == ETagAny {
			conds.DoesNotExist = true
		} else {
			gen, err := parseGeneration(*cond.IfNoneMatch)
			if err != nil {
				return nil, err
			}
			conds.GenerationNotMatch = gen
		}
	}
	return conds, nil
}

// parseGeneration extracts the generation number from a GCS etag.
func parseGeneration(e ETag) (int64, error) {
	if e == ETagAny {
		return 0, ErrNotImplemented
	}
	gen, err := strconv.ParseInt(strings.Trim(string(e), `"`), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("etag %q is not a GCS generation: %w", e, err)
	}
	return gen, nil
}

// Upload replaces the object in a single write. GCS computes and stores the
// content MD5 server-side; a caller-supplied MD5 is validated by the service.
func (b *GCSBlockBlob) Upload(ctx context.Context, body io.ReadSeeker, h Headers, md Metadata, cond Conditions) (*UploadInfo, error) {
	conds, err := gcsConditions(cond)
	if err != nil {
		return nil, err
	}

	attrs := gcs.ObjectAttrs{
		CacheControl:       h.CacheControl,
		ContentDisposition: h.ContentDisposition,
		ContentEncoding:    h.ContentEncoding,
		ContentLanguage:    h.ContentLanguage,
		ContentType:        h.ContentType,
		MD5:                h.ContentMD5,
		Metadata:           md,
	}
	w := b.client.NewWriter(ctx, b.Bucket, b.Name, attrs, conds)
	if _, err := io.Copy(w, body); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("uploading to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, mapGCSError(err, cond)
	}

	res := w.Attrs()
	return &UploadInfo{
		ETag:         gcsETag(res.Generation),
		LastModified: res.Updated,
		ContentMD5:   res.MD5,
	}, nil
}

// StageBlock stores one uncommitted block as a temporary object.
func (b *GCSBlockBlob) StageBlock(ctx context.Context, blockID string, body io.ReadSeeker, cond Conditions) error {
	if cond.LeaseID != nil {
		return ErrNotImplemented
	}

	w := b.client.NewWriter(ctx, b.Bucket, b.blockObject(blockID), gcs.ObjectAttrs{}, nil)
	if _, err := io.Copy(w, body); err != nil {
		_ = w.Close()
		return fmt.Errorf("uploading block to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return mapGCSError(err, cond)
	}
	return nil
}

// CommitBlockList composes staged blocks into the final object. GCS compose
// supports at most 32 source objects per call; for more blocks the compose
// is chained in batches of 32, with preconditions and attributes applied on
// the final call only. GCS computes no content MD5 for composite objects.
// On success the staged objects are cleaned up best-effort; GCS has no
// service-side expiry for them.
func (b *GCSBlockBlob) CommitBlockList(ctx context.Context, blockIDs []string, h Headers, md Metadata, cond Conditions) (*UploadInfo, error) {
	conds, err := gcsConditions(cond)
	if err != nil {
		return nil, err
	}

	if len(blockIDs) == 0 {
		// An empty block list commits an empty blob.
		return b.Upload(ctx, strings.NewReader(""), h, md, cond)
	}

	sourceNames := make([]string, len(blockIDs))
	for i, id := range blockIDs {
		sourceNames[i] = b.blockObject(id)
	}

	attrs := gcs.ObjectAttrs{
		CacheControl:       h.CacheControl,
		ContentDisposition: h.ContentDisposition,
		ContentEncoding:    h.ContentEncoding,
		ContentLanguage:    h.ContentLanguage,
		ContentType:        h.ContentType,
		Metadata:           md,
	}

	var res *gcs.ObjectAttrs
	if len(sourceNames) <= maxComposeSources {
		// Simple case: single compose call.
		res, err = b.client.Compose(ctx, b.Bucket, b.Name, sourceNames, attrs, conds)
	} else {
		// Chain compose in batches of 32.
		res, err = b.chainCompose(ctx, sourceNames, attrs, conds)
	}
	if err != nil {
		if isGCSNotFound(err) {
			return nil, ErrInvalidBlockList
		}
		return nil, mapGCSError(err, cond)
	}

	if err := b.deleteStagedBlocks(ctx); err != nil {
		slog.Warn("Failed to clean up staged blocks after commit", "bucket", b.Bucket, "name", b.Name, "error", err)
	}

	return &UploadInfo{
		ETag:         gcsETag(res.Generation),
		LastModified: res.Updated,
	}, nil
}

// chainCompose chains GCS compose calls for >32 sources. Intermediate
// composites are written under the blocks prefix so the post-commit sweep
// removes them.
func (b *GCSBlockBlob) chainCompose(ctx context.Context, sourceNames []string, attrs gcs.ObjectAttrs, conds *gcs.Conditions) (*gcs.ObjectAttrs, error) {
	currentSources := sourceNames

	generation := 0
	for len(currentSources) > maxComposeSources {
		var nextSources []string
		for i := 0; i < len(currentSources); i += maxComposeSources {
			end := i + maxComposeSources
			if end > len(currentSources) {
				end = len(currentSources)
			}
			batch := currentSources[i:end]
			if len(batch) == 1 {
				// Single source: no compose needed, just pass through.
				nextSources = append(nextSources, batch[0])
				continue
			}
			intermediateName := fmt.Sprintf("%scompose-%d-%d", b.blocksPrefix(), generation, i)
			_, err := b.client.Compose(ctx, b.Bucket, intermediateName, batch, gcs.ObjectAttrs{}, nil)
			if err != nil {
				return nil, fmt.Errorf("composing intermediate batch (gen=%d, offset=%d): %w", generation, i, err)
			}
			nextSources = append(nextSources, intermediateName)
		}
		currentSources = nextSources
		generation++
	}

	// Final compose carries the attributes and preconditions.
	res, err := b.client.Compose(ctx, b.Bucket, b.Name, currentSources, attrs, conds)
	if err != nil {
		return nil, fmt.Errorf("final compose in GCS: %w", err)
	}
	return res, nil
}

// deleteStagedBlocks removes all staged block objects (and compose
// intermediates) for this blob. Lists objects under {name}.blocks/ and
// deletes each one.
func (b *GCSBlockBlob) deleteStagedBlocks(ctx context.Context) error {
	names, err := b.client.ListObjects(ctx, b.Bucket, b.blocksPrefix())
	if err != nil {
		return fmt.Errorf("listing staged blocks: %w", err)
	}

	for _, name := range names {
		if delErr := b.client.Delete(ctx, b.Bucket, name); delErr != nil {
			if !isGCSNotFound(delErr) {
				return fmt.Errorf("deleting staged block %s: %w", name, delErr)
			}
		}
	}

	return nil
}

// GetProperties retrieves the object's current attributes.
func (b *GCSBlockBlob) GetProperties(ctx context.Context, cond Conditions) (*Properties, error) {
	conds, err := gcsConditions(cond)
	if err != nil {
		return nil, err
	}

	attrs, err := b.client.Attrs(ctx, b.Bucket, b.Name, conds)
	if err != nil {
		return nil, mapGCSError(err, cond)
	}

	return &Properties{
		ETag:          gcsETag(attrs.Generation),
		LastModified:  attrs.Updated,
		ContentLength: attrs.Size,
		Headers: Headers{
			CacheControl:       attrs.CacheControl,
			ContentDisposition: attrs.ContentDisposition,
			ContentEncoding:    attrs.ContentEncoding,
			ContentLanguage:    attrs.ContentLanguage,
			ContentType:        attrs.ContentType,
			ContentMD5:         attrs.MD5,
		},
		Metadata: Metadata(attrs.Metadata).clone(),
	}, nil
}

// Download opens a ranged read of the object. The caller owns the returned
// body.
func (b *GCSBlockBlob) Download(ctx context.Context, rng Range, cond Conditions) (*DownloadResponse, error) {
	conds, err := gcsConditions(cond)
	if err != nil {
		return nil, err
	}

	length := int64(-1)
	if rng.Count != CountToEnd {
		length = rng.Count
	}
	body, attrs, err := b.client.NewRangeReader(ctx, b.Bucket, b.Name, rng.Offset, length, conds)
	if err != nil {
		return nil, mapGCSError(err, cond)
	}

	start, end, err := rng.resolve(attrs.Size)
	if err != nil {
		body.Close()
		return nil, err
	}
	var contentRange string
	if rng != (Range{}) {
		contentRange = fmt.Sprintf("bytes %d-%d/%d", start, end-1, attrs.Size)
	}

	return &DownloadResponse{
		Body:          body,
		ETag:          gcsETag(attrs.Generation),
		LastModified:  attrs.LastModified,
		ContentLength: end - start,
		ContentRange:  contentRange,
	}, nil
}

// mapGCSError converts a GCS client error to a ServiceError, preserving the
// HTTP status and attributing precondition failures to the condition that
// was sent. GCS reports no stable string codes, so the API reason string
// stands in where present.
func mapGCSError(err error, cond Conditions) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
		return ErrBlobNotFound
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}

	code := ""
	if len(gerr.Errors) > 0 {
		code = gerr.Errors[0].Reason
	}
	if code == "" {
		code = strconv.Itoa(gerr.Code)
	}
	message := gerr.Message
	if message == "" {
		message = http.StatusText(gerr.Code)
	}

	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: gerr.Code,
		Condition:  inferConditionKind(cond, gerr.Code, code),
	}
}

// isGCSNotFound checks if a GCS error is a 404/not-found error.
func isGCSNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
		return true
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == 404
	}
	return false
}

// Ensure GCSBlockBlob implements BlockBlob at compile time.
var _ BlockBlob = (*GCSBlockBlob)(nil)

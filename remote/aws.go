// Package remote provides the Amazon S3 backend for blockferry.
//
// S3 has no native block-blob model, so staging is emulated with temporary
// objects and the commit with a native multipart upload assembled by
// server-side copy:
//
//	StageBlock()      → PutObject to {key}.blocks/{hex(block_id)}
//	CommitBlockList() → CreateMultipartUpload + UploadPartCopy per block
//	                    + CompleteMultipartUpload, then staged-object cleanup
//
// Conditional support is partial: writes honor IfMatch/IfNoneMatch (native
// S3 conditional writes), reads honor all four HTTP conditions. Time
// conditions on writes and leases are not expressible and are rejected.
//
// Credentials are resolved via the standard AWS credential chain
// (env vars, ~/.aws/credentials, IAM role, etc.).
package remote

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API defines the subset of the AWS S3 client interface that the backend
// uses. This allows mocking in tests.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	UploadPartCopy(ctx context.Context, params *s3.UploadPartCopyInput, optFns ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3BlockBlob implements the BlockBlob interface against one object in an
// Amazon S3 bucket, emulating block staging with temporary objects.
type S3BlockBlob struct {
	// Bucket is the S3 bucket name.
	Bucket string
	// Region is the AWS region of the bucket.
	Region string
	// Key is the object key of the blob.
	Key string
	// client is the AWS S3 client (satisfying S3API interface).
	client S3API
}

// NewS3BlockBlob creates a handle to one object in an S3 bucket. It
// initializes the AWS SDK client using the default credential chain, with
// optional overrides for custom endpoint, path-style addressing, and static
// credentials, and verifies the bucket is accessible.
func NewS3BlockBlob(ctx context.Context, bucket, region, key, endpointURL string, usePathStyle bool, accessKeyID, secretAccessKey string) (*S3BlockBlob, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(region))

	// Use static credentials if provided, otherwise fall back to default chain.
	if accessKeyID != "" && secretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	// Build S3 client options for custom endpoint and path-style.
	var s3Opts []func(*s3.Options)
	if endpointURL != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpointURL)
		})
	}
	if usePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(cfg, s3Opts...)

	b := &S3BlockBlob{
		Bucket: bucket,
		Region: region,
		Key:    key,
		client: client,
	}

	// Verify the bucket is accessible. The blob itself need not exist yet.
	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("cannot access S3 bucket %q: %w", bucket, err)
	}

	slog.Info("S3 blob backend initialized", "bucket", bucket, "region", region, "key", key)
	return b, nil
}

// NewS3BlockBlobWithClient creates an S3BlockBlob with a pre-configured S3
// client. This is primarily used for testing with mock clients.
func NewS3BlockBlobWithClient(bucket, region, key string, client S3API) *S3BlockBlob {
	return &S3BlockBlob{
		Bucket: bucket,
		Region: region,
		Key:    key,
		client: client,
	}
}

// blockKey maps a block ID to the temporary staged-object key. Block IDs are
// hex-encoded: they are caller-chosen opaque strings and may not be key-safe.
func (b *S3BlockBlob) blockKey(blockID string) string {
	return fmt.Sprintf("%s.blocks/%x", b.Key, blockID)
}

// blocksPrefix is the key prefix holding all staged blocks for this blob.
func (b *S3BlockBlob) blocksPrefix() string {
	return b.Key + ".blocks/"
}

// checkS3WriteConditions rejects condition kinds S3 cannot enforce on writes.
// IfMatch and IfNoneMatch map to native S3 conditional writes; time
// conditions and leases do not exist on the S3 write path.
func checkS3WriteConditions(cond Conditions) error {
	if cond.IfModifiedSince != nil || cond.IfUnmodifiedSince != nil || cond.LeaseID != nil {
		return ErrNotImplemented
	}
	return nil
}

// Upload replaces the object in a single PutObject call. The MD5 is computed
// locally when the headers carry none, sent for server-side validation, and
// recorded in the result.
func (b *S3BlockBlob) Upload(ctx context.Context, body io.ReadSeeker, h Headers, md Metadata, cond Conditions) (*UploadInfo, error) {
	if err := checkS3WriteConditions(cond); err != nil {
		return nil, err
	}

	md5sum := h.ContentMD5
	if md5sum == nil {
		hash := md5.New()
		if _, err := io.Copy(hash, body); err != nil {
			return nil, fmt.Errorf("hashing upload body: %w", err)
		}
		if _, err := body.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("rewinding upload body: %w", err)
		}
		md5sum = hash.Sum(nil)
	}

	input := &s3.PutObjectInput{
		Bucket:     aws.String(b.Bucket),
		Key:        aws.String(b.Key),
		Body:       body,
		ContentMD5: aws.String(base64.StdEncoding.EncodeToString(md5sum)),
	}
	applyS3Headers(input, h)
	if len(md) > 0 {
		input.Metadata = md
	}
	if cond.IfMatch != nil {
		input.IfMatch = aws.String(string(*cond.IfMatch))
	}
	if cond.IfNoneMatch != nil {
		input.IfNoneMatch = aws.String(string(*cond.IfNoneMatch))
	}

	resp, err := b.client.PutObject(ctx, input)
	if err != nil {
		return nil, mapS3Error(err, cond)
	}

	// PutObject does not return Last-Modified; the write just happened.
	return &UploadInfo{
		ETag:         ETag(aws.ToString(resp.ETag)),
		LastModified: time.Now(),
		ContentMD5:   md5sum,
	}, nil
}

// StageBlock stores one uncommitted block as a temporary object.
func (b *S3BlockBlob) StageBlock(ctx context.Context, blockID string, body io.ReadSeeker, cond Conditions) error {
	if cond.LeaseID != nil {
		return ErrNotImplemented
	}

	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.blockKey(blockID)),
		Body:   body,
	})
	if err != nil {
		return mapS3Error(err, cond)
	}
	return nil
}

// CommitBlockList assembles staged blocks into the final object with a native
// S3 multipart upload and server-side copy. Blocks smaller than the S3 part
// minimum fall back to download + re-upload per part. On success the staged
// objects are cleaned up best-effort; S3 has no service-side expiry for them.
//
// Single-block commits take the same multipart path: CopyObject cannot carry
// destination write conditions.
func (b *S3BlockBlob) CommitBlockList(ctx context.Context, blockIDs []string, h Headers, md Metadata, cond Conditions) (*UploadInfo, error) {
	if err := checkS3WriteConditions(cond); err != nil {
		return nil, err
	}

	if len(blockIDs) == 0 {
		// An empty block list commits an empty blob.
		return b.Upload(ctx, bytes.NewReader(nil), h, md, cond)
	}

	createInput := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.Key),
	}
	applyS3MultipartHeaders(createInput, h)
	if len(md) > 0 {
		createInput.Metadata = md
	}
	createResp, err := b.client.CreateMultipartUpload(ctx, createInput)
	if err != nil {
		return nil, mapS3Error(err, cond)
	}
	uploadID := aws.ToString(createResp.UploadId)

	var completedParts []types.CompletedPart
	abortOnError := func() {
		_, abortErr := b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(b.Bucket),
			Key:      aws.String(b.Key),
			UploadId: aws.String(uploadID),
		})
		if abortErr != nil {
			slog.Warn("Failed to abort S3 multipart upload", "upload_id", uploadID, "error", abortErr)
		}
	}

	for idx, blockID := range blockIDs {
		partNumber := int32(idx + 1) // S3 part numbers are 1-indexed
		bk := b.blockKey(blockID)
		copySource := b.Bucket + "/" + bk

		copyResp, copyErr := b.client.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
			Bucket:     aws.String(b.Bucket),
			Key:        aws.String(b.Key),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int32(partNumber),
			CopySource: aws.String(copySource),
		})

		var partETag string
		if copyErr != nil {
			if isS3NotFound(copyErr) {
				abortOnError()
				return nil, ErrInvalidBlockList
			}
			// EntityTooSmall: the staged block is under the S3 part-copy
			// minimum. Fall back to download + re-upload.
			if isS3EntityTooSmall(copyErr) {
				getResp, getErr := b.client.GetObject(ctx, &s3.GetObjectInput{
					Bucket: aws.String(b.Bucket),
					Key:    aws.String(bk),
				})
				if getErr != nil {
					abortOnError()
					return nil, fmt.Errorf("downloading block %d for fallback upload: %w", idx, getErr)
				}
				blockData, readErr := io.ReadAll(getResp.Body)
				getResp.Body.Close()
				if readErr != nil {
					abortOnError()
					return nil, fmt.Errorf("reading block %d data: %w", idx, readErr)
				}

				uploadResp, uploadErr := b.client.UploadPart(ctx, &s3.UploadPartInput{
					Bucket:     aws.String(b.Bucket),
					Key:        aws.String(b.Key),
					UploadId:   aws.String(uploadID),
					PartNumber: aws.Int32(partNumber),
					Body:       bytes.NewReader(blockData),
				})
				if uploadErr != nil {
					abortOnError()
					return nil, fmt.Errorf("uploading block %d fallback: %w", idx, uploadErr)
				}
				partETag = aws.ToString(uploadResp.ETag)
			} else {
				abortOnError()
				return nil, fmt.Errorf("copying block %d: %w", idx, mapS3Error(copyErr, cond))
			}
		} else {
			if copyResp.CopyPartResult != nil && copyResp.CopyPartResult.ETag != nil {
				partETag = *copyResp.CopyPartResult.ETag
			}
		}

		completedParts = append(completedParts, types.CompletedPart{
			ETag:       aws.String(partETag),
			PartNumber: aws.Int32(partNumber),
		})
	}

	completeInput := &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(b.Bucket),
		Key:      aws.String(b.Key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completedParts,
		},
	}
	if cond.IfMatch != nil {
		completeInput.IfMatch = aws.String(string(*cond.IfMatch))
	}
	if cond.IfNoneMatch != nil {
		completeInput.IfNoneMatch = aws.String(string(*cond.IfNoneMatch))
	}
	completeResp, err := b.client.CompleteMultipartUpload(ctx, completeInput)
	if err != nil {
		abortOnError()
		return nil, mapS3Error(err, cond)
	}

	if err := b.deleteStagedBlocks(ctx); err != nil {
		slog.Warn("Failed to clean up staged blocks after commit", "bucket", b.Bucket, "key", b.Key, "error", err)
	}

	// The composite multipart ETag is not a content MD5, so none is recorded.
	return &UploadInfo{
		ETag:         ETag(aws.ToString(completeResp.ETag)),
		LastModified: time.Now(),
	}, nil
}

// deleteStagedBlocks removes all staged block objects for this blob. Lists
// objects under {key}.blocks/ and batch-deletes them.
func (b *S3BlockBlob) deleteStagedBlocks(ctx context.Context) error {
	prefix := b.blocksPrefix()

	for {
		listResp, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket: aws.String(b.Bucket),
			Prefix: aws.String(prefix),
		})
		if err != nil {
			return fmt.Errorf("listing staged blocks: %w", err)
		}

		if len(listResp.Contents) == 0 {
			break
		}

		var objects []types.ObjectIdentifier
		for _, obj := range listResp.Contents {
			objects = append(objects, types.ObjectIdentifier{
				Key: obj.Key,
			})
		}

		_, err = b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.Bucket),
			Delete: &types.Delete{
				Objects: objects,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return fmt.Errorf("batch-deleting staged blocks: %w", err)
		}

		if !aws.ToBool(listResp.IsTruncated) {
			break
		}
	}

	return nil
}

// GetProperties retrieves the object's current state via HeadObject. S3 does
// not persist a separate Content-MD5 header, so that field stays nil.
func (b *S3BlockBlob) GetProperties(ctx context.Context, cond Conditions) (*Properties, error) {
	if cond.LeaseID != nil {
		return nil, ErrNotImplemented
	}

	input := &s3.HeadObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.Key),
	}
	if cond.IfMatch != nil {
		input.IfMatch = aws.String(string(*cond.IfMatch))
	}
	if cond.IfNoneMatch != nil {
		input.IfNoneMatch = aws.String(string(*cond.IfNoneMatch))
	}
	input.IfModifiedSince = cond.IfModifiedSince
	input.IfUnmodifiedSince = cond.IfUnmodifiedSince

	resp, err := b.client.HeadObject(ctx, input)
	if err != nil {
		return nil, mapS3Error(err, cond)
	}

	return &Properties{
		ETag:          ETag(aws.ToString(resp.ETag)),
		LastModified:  timeValue(resp.LastModified),
		ContentLength: int64Value(resp.ContentLength),
		Headers: Headers{
			CacheControl:       aws.ToString(resp.CacheControl),
			ContentDisposition: aws.ToString(resp.ContentDisposition),
			ContentEncoding:    aws.ToString(resp.ContentEncoding),
			ContentLanguage:    aws.ToString(resp.ContentLanguage),
			ContentType:        aws.ToString(resp.ContentType),
		},
		Metadata: Metadata(resp.Metadata).clone(),
	}, nil
}

// Download opens a ranged GetObject read. The caller owns the returned body.
func (b *S3BlockBlob) Download(ctx context.Context, rng Range, cond Conditions) (*DownloadResponse, error) {
	if cond.LeaseID != nil {
		return nil, ErrNotImplemented
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.Key),
	}
	if r := rng.String(); r != "" {
		input.Range = aws.String(r)
	}
	if cond.IfMatch != nil {
		input.IfMatch = aws.String(string(*cond.IfMatch))
	}
	if cond.IfNoneMatch != nil {
		input.IfNoneMatch = aws.String(string(*cond.IfNoneMatch))
	}
	input.IfModifiedSince = cond.IfModifiedSince
	input.IfUnmodifiedSince = cond.IfUnmodifiedSince

	resp, err := b.client.GetObject(ctx, input)
	if err != nil {
		return nil, mapS3Error(err, cond)
	}

	return &DownloadResponse{
		Body:          resp.Body,
		ETag:          ETag(aws.ToString(resp.ETag)),
		LastModified:  timeValue(resp.LastModified),
		ContentLength: int64Value(resp.ContentLength),
		ContentRange:  aws.ToString(resp.ContentRange),
	}, nil
}

// applyS3Headers copies blob headers onto a PutObject input.
func applyS3Headers(input *s3.PutObjectInput, h Headers) {
	input.CacheControl = s3OptString(h.CacheControl)
	input.ContentDisposition = s3OptString(h.ContentDisposition)
	input.ContentEncoding = s3OptString(h.ContentEncoding)
	input.ContentLanguage = s3OptString(h.ContentLanguage)
	input.ContentType = s3OptString(h.ContentType)
}

// applyS3MultipartHeaders copies blob headers onto a CreateMultipartUpload
// input.
func applyS3MultipartHeaders(input *s3.CreateMultipartUploadInput, h Headers) {
	input.CacheControl = s3OptString(h.CacheControl)
	input.ContentDisposition = s3OptString(h.ContentDisposition)
	input.ContentEncoding = s3OptString(h.ContentEncoding)
	input.ContentLanguage = s3OptString(h.ContentLanguage)
	input.ContentType = s3OptString(h.ContentType)
}

func s3OptString(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}

// mapS3Error converts an SDK error to a ServiceError, preserving the
// service's error code and HTTP status and attributing precondition failures
// to the condition that was sent.
func mapS3Error(err error, cond Conditions) error {
	if err == nil {
		return nil
	}

	status := 0
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}

	code := ""
	message := ""
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
		message = apiErr.ErrorMessage()
	}

	if code == "" && status == 0 {
		return err
	}
	if code == "" {
		code = strconv.Itoa(status)
	}
	if message == "" {
		message = http.StatusText(status)
	}

	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: status,
		Condition:  inferConditionKind(cond, status, code),
	}
}

// isS3NotFound checks if an S3 error is a 404/NoSuchKey/NotFound error.
func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchKey" || code == "NotFound" || code == "404" || code == "NoSuchBucket" {
			return true
		}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		if respErr.HTTPStatusCode() == 404 {
			return true
		}
	}
	return false
}

// isS3EntityTooSmall checks if an S3 error is an EntityTooSmall error.
func isS3EntityTooSmall(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "EntityTooSmall"
	}
	return false
}

// Ensure S3BlockBlob implements BlockBlob at compile time.
var _ BlockBlob = (*S3BlockBlob)(nil)

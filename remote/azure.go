// Package remote provides the Azure Blob Storage backend for blockferry.
//
// Azure is the native block-blob service, so the mapping is direct: Upload,
// StageBlock, CommitBlockList, GetProperties, and Download each translate to
// the corresponding Blob Storage operation with no emulation. Uncommitted
// blocks auto-expire on the service side in 7 days.
//
// Credentials are resolved via connection string, shared key, managed
// identity, or DefaultAzureCredential (env vars, workload identity, Azure
// CLI, etc.).
package remote

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
)

// AzureAPI defines the subset of the Azure block blob client interface that
// the backend uses. The method signatures match *blockblob.Client, so the
// real SDK client satisfies it directly. This allows mocking in tests.
type AzureAPI interface {
	Upload(ctx context.Context, body io.ReadSeekCloser, o *blockblob.UploadOptions) (blockblob.UploadResponse, error)
	StageBlock(ctx context.Context, base64BlockID string, body io.ReadSeekCloser, o *blockblob.StageBlockOptions) (blockblob.StageBlockResponse, error)
	CommitBlockList(ctx context.Context, base64BlockIDs []string, o *blockblob.CommitBlockListOptions) (blockblob.CommitBlockListResponse, error)
	GetProperties(ctx context.Context, o *blob.GetPropertiesOptions) (blob.GetPropertiesResponse, error)
	DownloadStream(ctx context.Context, o *blob.DownloadStreamOptions) (blob.DownloadStreamResponse, error)
}

// AzureBlockBlob implements the BlockBlob interface against one blob in
// Azure Blob Storage.
type AzureBlockBlob struct {
	// AccountURL is the storage account URL (e.g. https://account.blob.core.windows.net).
	AccountURL string
	// Container is the blob's container name.
	Container string
	// Blob is the blob name within the container.
	Blob string
	// client is the Azure block blob client (satisfying AzureAPI).
	client AzureAPI
}

// NewAzureBlockBlob creates a handle to one blob in Azure Blob Storage,
// initializing the SDK client per the auth configuration. The blob itself
// need not exist yet.
func NewAzureBlockBlob(accountURL, container, blobName string, auth AzureAuth) (*AzureBlockBlob, error) {
	client, err := newAzureBlockBlobClient(accountURL, container, blobName, auth)
	if err != nil {
		return nil, err
	}

	slog.Info("Azure blob backend initialized", "account", accountURL, "container", container, "blob", blobName)
	return &AzureBlockBlob{
		AccountURL: accountURL,
		Container:  container,
		Blob:       blobName,
		client:     client,
	}, nil
}

// NewAzureBlockBlobWithClient creates an AzureBlockBlob with a pre-configured
// client. This is primarily used for testing with mock clients.
func NewAzureBlockBlobWithClient(accountURL, container, blobName string, client AzureAPI) *AzureBlockBlob {
	return &AzureBlockBlob{
		AccountURL: accountURL,
		Container:  container,
		Blob:       blobName,
		client:     client,
	}
}

// Upload replaces the blob content with a single Put Blob call. The service
// computes and stores a ContentMD5 when the headers carry none.
func (b *AzureBlockBlob) Upload(ctx context.Context, body io.ReadSeeker, h Headers, md Metadata, cond Conditions) (*UploadInfo, error) {
	resp, err := b.client.Upload(ctx, streaming.NopCloser(body), &blockblob.UploadOptions{
		HTTPHeaders:      azureHeaders(h),
		Metadata:         azureMetadata(md),
		AccessConditions: azureAccessConditions(cond),
	})
	if err != nil {
		return nil, mapAzureError(err, cond)
	}
	return &UploadInfo{
		ETag:         etagValue(resp.ETag),
		LastModified: timeValue(resp.LastModified),
		ContentMD5:   resp.ContentMD5,
	}, nil
}

// StageBlock uploads one uncommitted block. Only the lease condition applies.
func (b *AzureBlockBlob) StageBlock(ctx context.Context, blockID string, body io.ReadSeeker, cond Conditions) error {
	var opts *blockblob.StageBlockOptions
	if cond.LeaseID != nil {
		opts = &blockblob.StageBlockOptions{
			LeaseAccessConditions: &blob.LeaseAccessConditions{LeaseID: cond.LeaseID},
		}
	}
	_, err := b.client.StageBlock(ctx, blockID, streaming.NopCloser(body), opts)
	return mapAzureError(err, cond)
}

// CommitBlockList finalizes the blob from previously staged blocks. Azure
// does not compute a content MD5 at commit.
func (b *AzureBlockBlob) CommitBlockList(ctx context.Context, blockIDs []string, h Headers, md Metadata, cond Conditions) (*UploadInfo, error) {
	resp, err := b.client.CommitBlockList(ctx, blockIDs, &blockblob.CommitBlockListOptions{
		HTTPHeaders:      azureHeaders(h),
		Metadata:         azureMetadata(md),
		AccessConditions: azureAccessConditions(cond),
	})
	if err != nil {
		return nil, mapAzureError(err, cond)
	}
	return &UploadInfo{
		ETag:         etagValue(resp.ETag),
		LastModified: timeValue(resp.LastModified),
		ContentMD5:   resp.ContentMD5,
	}, nil
}

// GetProperties retrieves the blob's current state.
func (b *AzureBlockBlob) GetProperties(ctx context.Context, cond Conditions) (*Properties, error) {
	resp, err := b.client.GetProperties(ctx, &blob.GetPropertiesOptions{
		AccessConditions: azureAccessConditions(cond),
	})
	if err != nil {
		return nil, mapAzureError(err, cond)
	}
	return &Properties{
		ETag:          etagValue(resp.ETag),
		LastModified:  timeValue(resp.LastModified),
		ContentLength: int64Value(resp.ContentLength),
		Headers: Headers{
			CacheControl:       stringValue(resp.CacheControl),
			ContentDisposition: stringValue(resp.ContentDisposition),
			ContentEncoding:    stringValue(resp.ContentEncoding),
			ContentLanguage:    stringValue(resp.ContentLanguage),
			ContentType:        stringValue(resp.ContentType),
			ContentMD5:         resp.ContentMD5,
		},
		Metadata: fromAzureMetadata(resp.Metadata),
	}, nil
}

// Download opens a ranged read of the blob. The caller owns the returned body.
func (b *AzureBlockBlob) Download(ctx context.Context, rng Range, cond Conditions) (*DownloadResponse, error) {
	resp, err := b.client.DownloadStream(ctx, &blob.DownloadStreamOptions{
		Range:            blob.HTTPRange{Offset: rng.Offset, Count: rng.Count},
		AccessConditions: azureAccessConditions(cond),
	})
	if err != nil {
		return nil, mapAzureError(err, cond)
	}
	return &DownloadResponse{
		Body:          resp.Body,
		ETag:          etagValue(resp.ETag),
		LastModified:  timeValue(resp.LastModified),
		ContentLength: int64Value(resp.ContentLength),
		ContentRange:  stringValue(resp.ContentRange),
	}, nil
}

// azureHeaders converts blob headers to the SDK form.
func azureHeaders(h Headers) *blob.HTTPHeaders {
	hh := &blob.HTTPHeaders{BlobContentMD5: h.ContentMD5}
	if h.CacheControl != "" {
		hh.BlobCacheControl = to.Ptr(h.CacheControl)
	}
	if h.ContentDisposition != "" {
		hh.BlobContentDisposition = to.Ptr(h.ContentDisposition)
	}
	if h.ContentEncoding != "" {
		hh.BlobContentEncoding = to.Ptr(h.ContentEncoding)
	}
	if h.ContentLanguage != "" {
		hh.BlobContentLanguage = to.Ptr(h.ContentLanguage)
	}
	if h.ContentType != "" {
		hh.BlobContentType = to.Ptr(h.ContentType)
	}
	return hh
}

// azureMetadata converts metadata to the SDK's pointer-valued map.
func azureMetadata(md Metadata) map[string]*string {
	if len(md) == 0 {
		return nil
	}
	out := make(map[string]*string, len(md))
	for k, v := range md {
		out[k] = to.Ptr(v)
	}
	return out
}

// fromAzureMetadata converts the SDK's pointer-valued map back.
func fromAzureMetadata(md map[string]*string) Metadata {
	if len(md) == 0 {
		return nil
	}
	out := make(Metadata, len(md))
	for k, v := range md {
		if v != nil {
			out[k] = *v
		}
	}
	return out
}

// azureAccessConditions converts conditions to the SDK form. All five kinds
// map natively.
func azureAccessConditions(cond Conditions) *blob.AccessConditions {
	if cond.IsZero() {
		return nil
	}
	ac := &blob.AccessConditions{}
	if cond.LeaseID != nil {
		ac.LeaseAccessConditions = &blob.LeaseAccessConditions{LeaseID: cond.LeaseID}
	}
	if cond.IfMatch != nil || cond.IfNoneMatch != nil || cond.IfModifiedSince != nil || cond.IfUnmodifiedSince != nil {
		mac := &blob.ModifiedAccessConditions{
			IfModifiedSince:   cond.IfModifiedSince,
			IfUnmodifiedSince: cond.IfUnmodifiedSince,
		}
		if cond.IfMatch != nil {
			mac.IfMatch = to.Ptr(azcore.ETag(*cond.IfMatch))
		}
		if cond.IfNoneMatch != nil {
			mac.IfNoneMatch = to.Ptr(azcore.ETag(*cond.IfNoneMatch))
		}
		ac.ModifiedAccessConditions = mac
	}
	return ac
}

// mapAzureError converts an SDK response error to a ServiceError, preserving
// the service's error code and HTTP status and attributing precondition
// failures to the condition that was sent.
func mapAzureError(err error, cond Conditions) error {
	if err == nil {
		return nil
	}
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return err
	}
	return &ServiceError{
		Code:       respErr.ErrorCode,
		Message:    http.StatusText(respErr.StatusCode),
		HTTPStatus: respErr.StatusCode,
		Condition:  inferConditionKind(cond, respErr.StatusCode, respErr.ErrorCode),
	}
}

func etagValue(e *azcore.ETag) ETag {
	if e == nil {
		return ""
	}
	return ETag(*e)
}

func timeValue(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func int64Value(n *int64) int64 {
	if n == nil {
		return 0
	}
	return *n
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Ensure AzureBlockBlob implements BlockBlob at compile time.
var _ BlockBlob = (*AzureBlockBlob)(nil)

package remote

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"io"
	"strings"
	"testing"
)

// uploadString writes content as the blob's full body, failing the test on
// error, and returns the service receipt.
func uploadString(t *testing.T, b BlockBlob, content string) *UploadInfo {
	t.Helper()
	info, err := b.Upload(context.Background(), strings.NewReader(content), Headers{}, nil, Conditions{})
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	return info
}

// readBody drains a download body and closes it.
func readBody(t *testing.T, resp *DownloadResponse) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading download body failed: %v", err)
	}
	return data
}

// --- Tests ---

func TestMemoryUploadRoundTrip(t *testing.T) {
	m := NewMemoryBlob()
	content := []byte("hello block storage")
	headers := Headers{ContentType: "text/plain", CacheControl: "no-cache"}
	metadata := Metadata{"owner": "ingest"}

	info, err := m.Upload(context.Background(), bytes.NewReader(content), headers, metadata, Conditions{})
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if info.ETag != `"0x1"` {
		t.Errorf("ETag = %q, want %q", info.ETag, `"0x1"`)
	}
	wantMD5 := md5.Sum(content)
	if !bytes.Equal(info.ContentMD5, wantMD5[:]) {
		t.Errorf("ContentMD5 = %x, want %x", info.ContentMD5, wantMD5)
	}
	if info.LastModified.IsZero() {
		t.Error("LastModified is zero")
	}

	props, err := m.GetProperties(context.Background(), Conditions{})
	if err != nil {
		t.Fatalf("GetProperties failed: %v", err)
	}
	if props.ContentLength != int64(len(content)) {
		t.Errorf("ContentLength = %d, want %d", props.ContentLength, len(content))
	}
	if props.ETag != info.ETag {
		t.Errorf("properties ETag = %q, want %q", props.ETag, info.ETag)
	}
	if props.Headers.ContentType != "text/plain" || props.Headers.CacheControl != "no-cache" {
		t.Errorf("headers did not round-trip: %+v", props.Headers)
	}
	if !bytes.Equal(props.Headers.ContentMD5, wantMD5[:]) {
		t.Errorf("stored ContentMD5 = %x, want %x", props.Headers.ContentMD5, wantMD5)
	}
	if props.Metadata["owner"] != "ingest" {
		t.Errorf("metadata did not round-trip: %v", props.Metadata)
	}

	resp, err := m.Download(context.Background(), Range{}, Conditions{})
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if got := readBody(t, resp); !bytes.Equal(got, content) {
		t.Errorf("downloaded %q, want %q", got, content)
	}
	if resp.ContentLength != int64(len(content)) {
		t.Errorf("response ContentLength = %d, want %d", resp.ContentLength, len(content))
	}
	if resp.ContentRange != "" {
		t.Errorf("whole-blob ContentRange = %q, want empty", resp.ContentRange)
	}
}

func TestMemoryUploadKeepsCallerMD5(t *testing.T) {
	m := NewMemoryBlob()
	supplied := []byte("not-a-real-digest")

	info, err := m.Upload(context.Background(), strings.NewReader("content"), Headers{ContentMD5: supplied}, nil, Conditions{})
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if !bytes.Equal(info.ContentMD5, supplied) {
		t.Errorf("ContentMD5 = %q, want the caller's digest", info.ContentMD5)
	}
}

func TestMemoryEmptyBlob(t *testing.T) {
	m := NewMemoryBlob()
	info := uploadString(t, m, "")

	if info.ETag != `"0x1"` {
		t.Errorf("ETag = %q, want %q", info.ETag, `"0x1"`)
	}
	props, err := m.GetProperties(context.Background(), Conditions{})
	if err != nil {
		t.Fatalf("GetProperties failed: %v", err)
	}
	if props.ContentLength != 0 {
		t.Errorf("ContentLength = %d, want 0", props.ContentLength)
	}
	resp, err := m.Download(context.Background(), Range{}, Conditions{})
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if got := readBody(t, resp); len(got) != 0 {
		t.Errorf("downloaded %d bytes from empty blob", len(got))
	}
}

func TestMemoryStagedBlocksInvisible(t *testing.T) {
	m := NewMemoryBlob()

	if err := m.StageBlock(context.Background(), "block-0", strings.NewReader("aaaa"), Conditions{}); err != nil {
		t.Fatalf("StageBlock failed: %v", err)
	}
	if err := m.StageBlock(context.Background(), "block-1", strings.NewReader("bbbb"), Conditions{}); err != nil {
		t.Fatalf("StageBlock failed: %v", err)
	}

	if _, err := m.GetProperties(context.Background(), Conditions{}); !IsNotFound(err) {
		t.Errorf("GetProperties before commit = %v, want not-found", err)
	}
	if _, err := m.Download(context.Background(), Range{}, Conditions{}); !IsNotFound(err) {
		t.Errorf("Download before commit = %v, want not-found", err)
	}
}

func TestMemoryCommitAssemblesInOrder(t *testing.T) {
	m := NewMemoryBlob()
	ctx := context.Background()

	// Stage out of commit order; the list, not staging time, decides layout.
	for _, b := range []struct{ id, data string }{
		{"block-2", "cccc"},
		{"block-0", "aaaa"},
		{"block-1", "bbbb"},
	} {
		if err := m.StageBlock(ctx, b.id, strings.NewReader(b.data), Conditions{}); err != nil {
			t.Fatalf("StageBlock(%s) failed: %v", b.id, err)
		}
	}

	info, err := m.CommitBlockList(ctx, []string{"block-0", "block-1", "block-2"}, Headers{}, nil, Conditions{})
	if err != nil {
		t.Fatalf("CommitBlockList failed: %v", err)
	}
	if info.ETag != `"0x1"` {
		t.Errorf("ETag = %q, want %q", info.ETag, `"0x1"`)
	}
	if info.ContentMD5 != nil {
		t.Errorf("ContentMD5 = %x, want nil for a block list commit", info.ContentMD5)
	}

	resp, err := m.Download(ctx, Range{}, Conditions{})
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if got := readBody(t, resp); string(got) != "aaaabbbbcccc" {
		t.Errorf("committed content = %q, want %q", got, "aaaabbbbcccc")
	}
}

func TestMemoryCommitMissingBlock(t *testing.T) {
	m := NewMemoryBlob()
	ctx := context.Background()

	if err := m.StageBlock(ctx, "block-0", strings.NewReader("aaaa"), Conditions{}); err != nil {
		t.Fatalf("StageBlock failed: %v", err)
	}
	_, err := m.CommitBlockList(ctx, []string{"block-0", "block-9"}, Headers{}, nil, Conditions{})
	if !errors.Is(err, ErrInvalidBlockList) {
		t.Fatalf("CommitBlockList = %v, want ErrInvalidBlockList", err)
	}
	if _, err := m.GetProperties(ctx, Conditions{}); !IsNotFound(err) {
		t.Errorf("blob exists after failed commit: %v", err)
	}
}

func TestMemoryCommitConsumesStaged(t *testing.T) {
	m := NewMemoryBlob()
	ctx := context.Background()

	if err := m.StageBlock(ctx, "block-0", strings.NewReader("aaaa"), Conditions{}); err != nil {
		t.Fatalf("StageBlock failed: %v", err)
	}
	if _, err := m.CommitBlockList(ctx, []string{"block-0"}, Headers{}, nil, Conditions{}); err != nil {
		t.Fatalf("first CommitBlockList failed: %v", err)
	}
	_, err := m.CommitBlockList(ctx, []string{"block-0"}, Headers{}, nil, Conditions{})
	if !errors.Is(err, ErrInvalidBlockList) {
		t.Errorf("second CommitBlockList = %v, want ErrInvalidBlockList", err)
	}
}

func TestMemoryUploadDiscardsStaged(t *testing.T) {
	m := NewMemoryBlob()
	ctx := context.Background()

	if err := m.StageBlock(ctx, "block-0", strings.NewReader("aaaa"), Conditions{}); err != nil {
		t.Fatalf("StageBlock failed: %v", err)
	}
	uploadString(t, m, "replacement")

	_, err := m.CommitBlockList(ctx, []string{"block-0"}, Headers{}, nil, Conditions{})
	if !errors.Is(err, ErrInvalidBlockList) {
		t.Errorf("commit of discarded block = %v, want ErrInvalidBlockList", err)
	}
}

func TestMemoryEtagAdvancesPerMutation(t *testing.T) {
	m := NewMemoryBlob()
	ctx := context.Background()

	uploadString(t, m, "v1")
	if err := m.StageBlock(ctx, "block-0", strings.NewReader("aaaa"), Conditions{}); err != nil {
		t.Fatalf("StageBlock failed: %v", err)
	}
	props, err := m.GetProperties(ctx, Conditions{})
	if err != nil {
		t.Fatalf("GetProperties failed: %v", err)
	}
	if props.ETag != `"0x1"` {
		t.Errorf("ETag after staging = %q, want unchanged %q", props.ETag, `"0x1"`)
	}

	info, err := m.CommitBlockList(ctx, []string{"block-0"}, Headers{}, nil, Conditions{})
	if err != nil {
		t.Fatalf("CommitBlockList failed: %v", err)
	}
	if info.ETag != `"0x2"` {
		t.Errorf("ETag after commit = %q, want %q", info.ETag, `"0x2"`)
	}

	// Versions render as uppercase hex.
	for i := 0; i < 8; i++ {
		uploadString(t, m, "again")
	}
	props, err = m.GetProperties(ctx, Conditions{})
	if err != nil {
		t.Fatalf("GetProperties failed: %v", err)
	}
	if props.ETag != `"0xA"` {
		t.Errorf("ETag after ten mutations = %q, want %q", props.ETag, `"0xA"`)
	}
}

func TestMemoryDownloadRanged(t *testing.T) {
	m := NewMemoryBlob()
	uploadString(t, m, "0123456789")

	tests := []struct {
		name      string
		rng       Range
		want      string
		wantRange string
	}{
		{"interior", Range{Offset: 2, Count: 4}, "2345", "bytes 2-5/10"},
		{"offset to end", Range{Offset: 5, Count: CountToEnd}, "56789", "bytes 5-9/10"},
		{"count clamped", Range{Offset: 9, Count: 100}, "9", "bytes 9-9/10"},
		{"prefix", Range{Offset: 0, Count: 3}, "012", "bytes 0-2/10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := m.Download(context.Background(), tt.rng, Conditions{})
			if err != nil {
				t.Fatalf("Download failed: %v", err)
			}
			if got := readBody(t, resp); string(got) != tt.want {
				t.Errorf("body = %q, want %q", got, tt.want)
			}
			if resp.ContentRange != tt.wantRange {
				t.Errorf("ContentRange = %q, want %q", resp.ContentRange, tt.wantRange)
			}
			if resp.ContentLength != int64(len(tt.want)) {
				t.Errorf("ContentLength = %d, want %d", resp.ContentLength, len(tt.want))
			}
		})
	}

	_, err := m.Download(context.Background(), Range{Offset: 10, Count: CountToEnd}, Conditions{})
	if !errors.Is(err, ErrInvalidRange) {
		t.Errorf("Download past end = %v, want ErrInvalidRange", err)
	}
}

func TestMemoryDownloadSnapshot(t *testing.T) {
	m := NewMemoryBlob()
	uploadString(t, m, "original content")

	resp, err := m.Download(context.Background(), Range{}, Conditions{})
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	uploadString(t, m, "replacement")

	if got := readBody(t, resp); string(got) != "original content" {
		t.Errorf("open reader saw %q, want the pre-replacement content", got)
	}

	resp, err = m.Download(context.Background(), Range{}, Conditions{})
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if got := readBody(t, resp); string(got) != "replacement" {
		t.Errorf("fresh reader saw %q, want %q", got, "replacement")
	}
}

func TestMemoryCreateOnly(t *testing.T) {
	m := NewMemoryBlob()
	createOnly := Conditions{IfNoneMatch: condPtr(ETagAny)}

	if _, err := m.Upload(context.Background(), strings.NewReader("first"), Headers{}, nil, createOnly); err != nil {
		t.Fatalf("create-only upload of missing blob failed: %v", err)
	}

	_, err := m.Upload(context.Background(), strings.NewReader("second"), Headers{}, nil, createOnly)
	if !errors.Is(err, ErrConditionNotMet) {
		t.Fatalf("create-only upload of existing blob = %v, want ErrConditionNotMet", err)
	}
	se, _ := AsServiceError(err)
	if se.Condition != ConditionIfNoneMatch {
		t.Errorf("Condition = %q, want %q", se.Condition, ConditionIfNoneMatch)
	}
}

func TestMemoryStaleIfMatch(t *testing.T) {
	m := NewMemoryBlob()
	uploadString(t, m, "v1")
	uploadString(t, m, "v2")

	_, err := m.Upload(context.Background(), strings.NewReader("v3"),
		Headers{}, nil, Conditions{IfMatch: condPtr(ETag(`"0x1"`))})
	if !IsPrecondition(err) {
		t.Fatalf("upload with stale etag = %v, want precondition failure", err)
	}

	props, err := m.GetProperties(context.Background(), Conditions{})
	if err != nil {
		t.Fatalf("GetProperties failed: %v", err)
	}
	if props.ETag != `"0x2"` {
		t.Errorf("failed write advanced the etag: %q", props.ETag)
	}
}

func TestMemoryStageBlockIgnoresEtagConditions(t *testing.T) {
	m := NewMemoryBlob()
	uploadString(t, m, "v1")

	// Staging applies only the lease condition; etag guards belong to the
	// commit.
	cond := Conditions{IfMatch: condPtr(ETag(`"0xDEAD"`))}
	if err := m.StageBlock(context.Background(), "block-0", strings.NewReader("aaaa"), cond); err != nil {
		t.Errorf("StageBlock with stale etag condition = %v, want success", err)
	}
}

func TestMemoryLeaseLifecycle(t *testing.T) {
	m := NewMemoryBlob()
	ctx := context.Background()

	if err := m.AcquireLease("lease-1"); !IsNotFound(err) {
		t.Fatalf("AcquireLease on missing blob = %v, want not-found", err)
	}

	uploadString(t, m, "content")
	if err := m.AcquireLease("lease-1"); err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}
	if err := m.AcquireLease("lease-1"); err != nil {
		t.Errorf("renewing own lease = %v, want success", err)
	}
	if err := m.AcquireLease("lease-2"); !errors.Is(err, ErrLeaseAlreadyPresent) {
		t.Errorf("AcquireLease with competing ID = %v, want ErrLeaseAlreadyPresent", err)
	}

	if _, err := m.Upload(ctx, strings.NewReader("x"), Headers{}, nil, Conditions{}); !errors.Is(err, ErrLeaseIDMissing) {
		t.Errorf("write without lease ID = %v, want ErrLeaseIDMissing", err)
	}
	wrongLease := Conditions{LeaseID: condPtr("lease-2")}
	if _, err := m.Upload(ctx, strings.NewReader("x"), Headers{}, nil, wrongLease); !errors.Is(err, ErrLeaseIDMismatch) {
		t.Errorf("write with wrong lease ID = %v, want ErrLeaseIDMismatch", err)
	}
	rightLease := Conditions{LeaseID: condPtr("lease-1")}
	if _, err := m.Upload(ctx, strings.NewReader("held"), Headers{}, nil, rightLease); err != nil {
		t.Errorf("write with holder's lease ID = %v, want success", err)
	}
	if _, err := m.GetProperties(ctx, Conditions{}); err != nil {
		t.Errorf("read of leased blob without lease ID = %v, want success", err)
	}

	if err := m.ReleaseLease("lease-2"); !errors.Is(err, ErrLeaseIDMismatch) {
		t.Errorf("ReleaseLease with wrong ID = %v, want ErrLeaseIDMismatch", err)
	}
	if err := m.ReleaseLease("lease-1"); err != nil {
		t.Fatalf("ReleaseLease failed: %v", err)
	}
	if err := m.ReleaseLease("lease-1"); !errors.Is(err, ErrLeaseNotPresent) {
		t.Errorf("ReleaseLease of idle blob = %v, want ErrLeaseNotPresent", err)
	}
	if _, err := m.Upload(ctx, strings.NewReader("free"), Headers{}, nil, Conditions{}); err != nil {
		t.Errorf("write after release = %v, want success", err)
	}
}

func TestMemoryNotFound(t *testing.T) {
	m := NewMemoryBlob()

	if _, err := m.GetProperties(context.Background(), Conditions{}); !IsNotFound(err) {
		t.Errorf("GetProperties = %v, want not-found", err)
	}
	if _, err := m.Download(context.Background(), Range{}, Conditions{}); !IsNotFound(err) {
		t.Errorf("Download = %v, want not-found", err)
	}
}

func TestMemoryContextCanceled(t *testing.T) {
	m := NewMemoryBlob()
	uploadString(t, m, "content")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ops := []struct {
		name string
		call func() error
	}{
		{"Upload", func() error {
			_, err := m.Upload(ctx, strings.NewReader("x"), Headers{}, nil, Conditions{})
			return err
		}},
		{"StageBlock", func() error {
			return m.StageBlock(ctx, "block-0", strings.NewReader("x"), Conditions{})
		}},
		{"CommitBlockList", func() error {
			_, err := m.CommitBlockList(ctx, nil, Headers{}, nil, Conditions{})
			return err
		}},
		{"GetProperties", func() error {
			_, err := m.GetProperties(ctx, Conditions{})
			return err
		}},
		{"Download", func() error {
			_, err := m.Download(ctx, Range{}, Conditions{})
			return err
		}},
	}
	for _, op := range ops {
		t.Run(op.name, func(t *testing.T) {
			if err := op.call(); !errors.Is(err, context.Canceled) {
				t.Errorf("%s with canceled context = %v, want context.Canceled", op.name, err)
			}
		})
	}
}

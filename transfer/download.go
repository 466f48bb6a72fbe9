package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/blockferry/blockferry/internal/metrics"
	"github.com/blockferry/blockferry/remote"
)

// DownloadBlobToFile downloads rng of target into file, fetching ranged
// chunks with bounded parallelism. The zero Range means the whole blob.
//
// The engine reads the blob's properties first and pins the etag it saw:
// unless o.AccessConditions says otherwise, every chunk fetch carries
// if-match on the pinned etag, so a blob that mutates mid-transfer fails the
// download with a precondition error instead of splicing bytes from two
// versions. The file is truncated to the transfer length before the first
// chunk lands.
//
// On success the returned properties are the ones observed at the pin, so
// their content length is the whole blob's even for a partial-range
// download.
func DownloadBlobToFile(ctx context.Context, target remote.BlockBlob, rng remote.Range, file *os.File, o DownloadOptions) (*remote.Properties, error) {
	if target == nil {
		return nil, &ArgumentError{Param: "target", Reason: "must not be nil"}
	}
	if file == nil {
		return nil, &ArgumentError{Param: "file", Reason: "must not be nil"}
	}
	return downloadBlob(ctx, target, rng, o, func(length int64) (io.WriterAt, error) {
		if err := file.Truncate(length); err != nil {
			return nil, fmt.Errorf("sizing destination file: %w", err)
		}
		return file, nil
	})
}

// DownloadBlobToBuffer downloads rng of target into b with the same
// pinning, chunking, and retry behavior as DownloadBlobToFile. b must be at
// least as long as the transfer.
func DownloadBlobToBuffer(ctx context.Context, target remote.BlockBlob, rng remote.Range, b []byte, o DownloadOptions) (*remote.Properties, error) {
	if target == nil {
		return nil, &ArgumentError{Param: "target", Reason: "must not be nil"}
	}
	if b == nil {
		return nil, &ArgumentError{Param: "buffer", Reason: "must not be nil"}
	}
	return downloadBlob(ctx, target, rng, o, func(length int64) (io.WriterAt, error) {
		if int64(len(b)) < length {
			return nil, fmt.Errorf("buffer of %d bytes cannot hold %d-byte transfer", len(b), length)
		}
		return bytesWriterAt(b), nil
	})
}

// downloadBlob is the shared engine behind both download entry points.
// prepare receives the resolved transfer length and returns the destination;
// it runs after the properties are pinned and before any chunk is fetched.
func downloadBlob(ctx context.Context, target remote.BlockBlob, rng remote.Range, o DownloadOptions, prepare func(length int64) (io.WriterAt, error)) (*remote.Properties, error) {
	if rng.Offset < 0 {
		return nil, &ArgumentError{Param: "range.offset", Reason: "must be non-negative"}
	}
	if rng.Count < 0 {
		return nil, &ArgumentError{Param: "range.count", Reason: "must be non-negative"}
	}
	if err := o.validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	props, size, err := downloadChunks(ctx, target, rng, o, prepare)
	metrics.TransferDuration.WithLabelValues("download").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DownloadsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.DownloadsTotal.WithLabelValues("success").Inc()
	metrics.TransferSize.WithLabelValues("download").Observe(float64(size))
	metrics.BytesDownloadedTotal.Add(float64(size))
	slog.Debug("download complete", "size", size, "etag", string(props.ETag))
	return props, nil
}

func downloadChunks(ctx context.Context, target remote.BlockBlob, rng remote.Range, o DownloadOptions, prepare func(length int64) (io.WriterAt, error)) (*remote.Properties, int64, error) {
	cond := o.AccessConditions.toRemote()
	props, err := target.GetProperties(ctx, cond)
	if err != nil {
		return nil, 0, fmt.Errorf("reading blob properties: %w", err)
	}

	// Every chunk fetch must observe the same blob version the pin saw.
	// Caller-supplied conditions already reject a mutated blob; absent
	// those, match the pinned etag.
	chunkCond := cond
	if o.AccessConditions.IsZero() {
		etag := props.ETag
		chunkCond = remote.Conditions{IfMatch: &etag}
	}

	offset, length, err := resolveRange(rng, props.ContentLength)
	if err != nil {
		return nil, 0, err
	}

	dst, err := prepare(length)
	if err != nil {
		return nil, 0, err
	}
	if length == 0 {
		return props, 0, nil
	}

	blockSize := o.blockSize()
	chunkCount := int((length + blockSize - 1) / blockSize)
	var transferred atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.parallelism())
	for i := 0; i < chunkCount; i++ {
		chunkOffset := offset + int64(i)*blockSize
		chunkLen := blockSize
		if remaining := offset + length - chunkOffset; remaining < chunkLen {
			chunkLen = remaining
		}
		g.Go(func() error {
			chunkRng := remote.Range{Offset: chunkOffset, Count: chunkLen}
			resp, err := target.Download(gctx, chunkRng, chunkCond)
			if err != nil {
				return fmt.Errorf("fetching chunk %d: %w", i, err)
			}
			body := newRetryReader(gctx, resp.Body, chunkRng, o.maxRetries(), func(ctx context.Context, r remote.Range) (io.ReadCloser, error) {
				resp, err := target.Download(ctx, r, chunkCond)
				if err != nil {
					return nil, err
				}
				return resp.Body, nil
			})
			defer body.Close()

			n, err := io.Copy(io.NewOffsetWriter(dst, chunkOffset-offset), body)
			if err != nil {
				return fmt.Errorf("reading chunk %d: %w", i, err)
			}
			metrics.ChunksFetchedTotal.Inc()
			slog.Debug("fetched chunk", "ordinal", i, "offset", chunkOffset, "length", chunkLen)
			if o.Progress != nil {
				o.Progress(transferred.Add(n))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	return props, length, nil
}

// resolveRange maps rng onto a blob of the given size, returning the
// absolute start offset and byte length of the transfer. The zero Range
// resolves to the whole blob at any size, including empty. A non-zero range
// starting at or past the end of the blob is unsatisfiable and fails the
// way the service would.
func resolveRange(rng remote.Range, size int64) (offset, length int64, err error) {
	if rng.Offset == 0 && rng.Count == remote.CountToEnd {
		return 0, size, nil
	}
	if rng.Offset >= size {
		return 0, 0, fmt.Errorf("resolving range %s against %d-byte blob: %w", rng, size, remote.ErrInvalidRange)
	}
	length = size - rng.Offset
	if rng.Count != remote.CountToEnd && rng.Count < length {
		length = rng.Count
	}
	return rng.Offset, length, nil
}

// bytesWriterAt adapts a byte slice to io.WriterAt for buffer downloads.
type bytesWriterAt []byte

func (b bytesWriterAt) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(b)) {
		return 0, fmt.Errorf("write at offset %d outside buffer of %d bytes", off, len(b))
	}
	n := copy(b[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

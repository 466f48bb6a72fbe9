package transfer

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/blockferry/blockferry/internal/metrics"
	"github.com/blockferry/blockferry/internal/uid"
	"github.com/blockferry/blockferry/remote"
)

// UploadFileToBlockBlob uploads file to target. Sources at or under the
// single-shot ceiling go up in one whole-blob call; larger sources are split
// into blockSize-sized blocks, staged with bounded parallelism, and
// committed as an ordered block list. blockSize must be in
// (0, MaxStageBlockBytes] even when the source ends up single-shot.
//
// The upload is atomic either way: readers of target observe the previous
// blob until the whole-blob call or the commit lands, and a failed
// multi-block upload leaves the committed blob untouched.
func UploadFileToBlockBlob(ctx context.Context, file *os.File, target remote.BlockBlob, blockSize int64, o UploadOptions) (*TransferResult, error) {
	if file == nil {
		return nil, &ArgumentError{Param: "file", Reason: "must not be nil"}
	}
	if target == nil {
		return nil, &ArgumentError{Param: "target", Reason: "must not be nil"}
	}
	fi, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("sizing source file: %w", err)
	}
	return uploadReaderAt(ctx, file, fi.Size(), target, blockSize, o)
}

// UploadBufferToBlockBlob uploads b to target with the same strategy
// selection, staging, and commit behavior as UploadFileToBlockBlob. An empty
// or nil buffer uploads a zero-length blob.
func UploadBufferToBlockBlob(ctx context.Context, b []byte, target remote.BlockBlob, blockSize int64, o UploadOptions) (*TransferResult, error) {
	if target == nil {
		return nil, &ArgumentError{Param: "target", Reason: "must not be nil"}
	}
	return uploadReaderAt(ctx, bytes.NewReader(b), int64(len(b)), target, blockSize, o)
}

// uploadReaderAt is the shared engine behind both upload entry points. src
// must serve concurrent ReadAt calls; *os.File and *bytes.Reader both do.
func uploadReaderAt(ctx context.Context, src io.ReaderAt, size int64, target remote.BlockBlob, blockSize int64, o UploadOptions) (*TransferResult, error) {
	if blockSize <= 0 {
		return nil, &ArgumentError{Param: "blockSize", Reason: "must be positive"}
	}
	if blockSize > MaxStageBlockBytes {
		return nil, &ArgumentError{Param: "blockSize", Reason: fmt.Sprintf("must not exceed %d bytes", int64(MaxStageBlockBytes))}
	}
	if err := o.validate(); err != nil {
		return nil, err
	}

	strategy := StrategySingleShot
	if size > maxSingleShotBytes {
		strategy = StrategyMultiBlock
	}
	cond := o.AccessConditions.toRemote()

	start := time.Now()
	var (
		res *TransferResult
		err error
	)
	if strategy == StrategySingleShot {
		res, err = uploadSingleShot(ctx, src, size, target, o, cond)
	} else {
		res, err = uploadBlocks(ctx, src, size, target, blockSize, o, cond)
	}
	metrics.TransferDuration.WithLabelValues("upload").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.UploadsTotal.WithLabelValues(string(strategy), "error").Inc()
		return nil, err
	}
	metrics.UploadsTotal.WithLabelValues(string(strategy), "success").Inc()
	metrics.TransferSize.WithLabelValues("upload").Observe(float64(size))
	metrics.BytesUploadedTotal.Add(float64(size))
	slog.Debug("upload complete",
		"strategy", string(strategy),
		"size", size,
		"blocks", res.BlockCount,
		"etag", string(res.ETag))
	return res, nil
}

func uploadSingleShot(ctx context.Context, src io.ReaderAt, size int64, target remote.BlockBlob, o UploadOptions, cond remote.Conditions) (*TransferResult, error) {
	body := io.NewSectionReader(src, 0, size)
	info, err := target.Upload(ctx, body, o.Headers, o.Metadata, cond)
	if err != nil {
		return nil, fmt.Errorf("uploading blob: %w", err)
	}
	return &TransferResult{
		Strategy:     StrategySingleShot,
		ETag:         info.ETag,
		LastModified: info.LastModified,
		ContentMD5:   info.ContentMD5,
		Size:         size,
	}, nil
}

func uploadBlocks(ctx context.Context, src io.ReaderAt, size int64, target remote.BlockBlob, blockSize int64, o UploadOptions, cond remote.Conditions) (*TransferResult, error) {
	blockCount := int((size + blockSize - 1) / blockSize)
	if blockCount > MaxBlocksPerBlob {
		return nil, &ArgumentError{
			Param:  "blockSize",
			Reason: fmt.Sprintf("%d bytes at %d bytes per block needs %d blocks; the limit is %d", size, blockSize, blockCount, MaxBlocksPerBlob),
		}
	}

	// All ids of one transfer share a random prefix, and the ordinal is
	// fixed-width, so the encoded ids have uniform length and sort in
	// source order.
	prefix := uid.New()
	blockIDs := make([]string, blockCount)
	for i := range blockIDs {
		blockIDs[i] = blockID(prefix, i)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.parallelism())
	for i, id := range blockIDs {
		offset := int64(i) * blockSize
		length := blockSize
		if remaining := size - offset; remaining < length {
			length = remaining
		}
		g.Go(func() error {
			body := io.NewSectionReader(src, offset, length)
			if err := target.StageBlock(gctx, id, body, cond); err != nil {
				return fmt.Errorf("staging block %d: %w", i, err)
			}
			metrics.BlocksStagedTotal.Inc()
			slog.Debug("staged block", "ordinal", i, "offset", offset, "length", length)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	info, err := target.CommitBlockList(ctx, blockIDs, o.Headers, o.Metadata, cond)
	if err != nil {
		return nil, fmt.Errorf("committing block list: %w", err)
	}
	return &TransferResult{
		Strategy:     StrategyMultiBlock,
		ETag:         info.ETag,
		LastModified: info.LastModified,
		ContentMD5:   info.ContentMD5,
		BlockCount:   blockCount,
		Size:         size,
	}, nil
}

// blockID encodes one block's id. The %05d width covers every ordinal the
// block-count limit admits.
func blockID(prefix string, ordinal int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%s:%05d", prefix, ordinal)))
}

package transfer

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/blockferry/blockferry/internal/metrics"
	"github.com/blockferry/blockferry/remote"
)

// defaultMaxRetries is the per-chunk stream re-issue budget used when
// DownloadOptions.RetryPolicy is nil.
const defaultMaxRetries = 3

// chunkGetter re-issues the ranged request for one chunk and returns the
// fresh body. The engine binds the transfer's conditions into the getter, so
// every re-issue carries the same conditions as the original fetch.
type chunkGetter func(ctx context.Context, rng remote.Range) (io.ReadCloser, error)

// RetryReader delivers one chunk's body and heals interrupted streams. When
// a read fails mid-body, it discards the broken stream and asks its getter
// for the unread remainder of the chunk, from the last consumed offset to
// the chunk's end, then keeps reading. Bytes already handed to the caller
// are never re-fetched.
//
// maxRetries bounds re-issues over the reader's whole lifetime, not per
// failure; once spent, the read error that triggered the last attempt
// surfaces. A re-issue the service itself rejects (a *remote.ServiceError,
// for example because the pinned etag no longer matches) surfaces
// immediately and ends the stream, since no number of retries can change
// the service's verdict. A re-issue that fails in transport counts against
// the budget like any other interruption.
//
// Not safe for concurrent use. Each chunk of a download gets its own reader.
type RetryReader struct {
	ctx        context.Context
	getter     chunkGetter
	body       io.ReadCloser
	offset     int64 // next unread byte, in blob coordinates
	end        int64 // one past the chunk's last byte
	maxRetries int
	retries    int
	failed     error // pending stream failure, handled on the next Read
}

// newRetryReader wraps body, the already-open stream for the chunk spanning
// [rng.Offset, rng.Offset+rng.Count).
func newRetryReader(ctx context.Context, body io.ReadCloser, rng remote.Range, maxRetries int, getter chunkGetter) *RetryReader {
	return &RetryReader{
		ctx:        ctx,
		getter:     getter,
		body:       body,
		offset:     rng.Offset,
		end:        rng.Offset + rng.Count,
		maxRetries: maxRetries,
	}
}

func (r *RetryReader) Read(p []byte) (int, error) {
	for {
		if r.failed != nil {
			if err := r.reissue(); err != nil {
				return 0, err
			}
		}
		if r.offset >= r.end {
			return 0, io.EOF
		}
		n, err := r.body.Read(p)
		r.offset += int64(n)
		if err == io.EOF && r.offset < r.end {
			// The stream ended early without reporting an error.
			// Treat it like any other interruption.
			err = io.ErrUnexpectedEOF
		}
		if err == nil || err == io.EOF {
			return n, err
		}
		r.failed = err
		if n > 0 {
			// Hand over what arrived; the re-issue happens on the
			// next call.
			return n, nil
		}
	}
}

// reissue discards the broken body and requests the unread remainder of the
// chunk, spending retry budget until a fresh stream opens or the budget or
// the context runs out.
func (r *RetryReader) reissue() error {
	if r.body != nil {
		r.body.Close()
		r.body = nil
	}
	for {
		if err := r.ctx.Err(); err != nil {
			return err
		}
		if r.retries >= r.maxRetries {
			return r.failed
		}
		r.retries++
		metrics.StreamRetriesTotal.Inc()
		slog.Warn("retrying interrupted chunk stream",
			"offset", r.offset,
			"remaining", r.end-r.offset,
			"attempt", r.retries,
			"max_retries", r.maxRetries,
			"error", r.failed)
		body, err := r.getter(r.ctx, remote.Range{Offset: r.offset, Count: r.end - r.offset})
		if err == nil {
			r.body = body
			r.failed = nil
			return nil
		}
		var se *remote.ServiceError
		if errors.As(err, &se) {
			return err
		}
		r.failed = err
	}
}

// Close releases the underlying stream. Safe to call after a failed Read.
func (r *RetryReader) Close() error {
	if r.body == nil {
		return nil
	}
	err := r.body.Close()
	r.body = nil
	return err
}

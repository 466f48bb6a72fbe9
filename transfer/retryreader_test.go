package transfer

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/blockferry/blockferry/remote"
)

// scriptedBody replays a fixed sequence of read results, then EOF.
type scriptedBody struct {
	reads  []scriptedRead
	closed bool
}

type scriptedRead struct {
	data string
	err  error
}

func (s *scriptedBody) Read(p []byte) (int, error) {
	if len(s.reads) == 0 {
		return 0, io.EOF
	}
	r := s.reads[0]
	s.reads = s.reads[1:]
	n := copy(p, r.data)
	return n, r.err
}

func (s *scriptedBody) Close() error {
	s.closed = true
	return nil
}

// recordingGetter hands out queued bodies (or errors) and records the ranges
// it was asked for.
type recordingGetter struct {
	ranges []remote.Range
	queue  []func() (io.ReadCloser, error)
}

func (g *recordingGetter) get(ctx context.Context, rng remote.Range) (io.ReadCloser, error) {
	g.ranges = append(g.ranges, rng)
	if len(g.queue) == 0 {
		return nil, errors.New("getter queue exhausted")
	}
	next := g.queue[0]
	g.queue = g.queue[1:]
	return next()
}

func body(s string) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(s)), nil
	}
}

func fail(err error) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		return nil, err
	}
}

// --- Tests ---

func TestRetryReaderCleanStream(t *testing.T) {
	g := &recordingGetter{}
	r := newRetryReader(context.Background(), io.NopCloser(strings.NewReader("abcdefghij")), remote.Range{Offset: 0, Count: 10}, 3, g.get)
	defer r.Close()

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(got) != "abcdefghij" {
		t.Errorf("read %q, want %q", got, "abcdefghij")
	}
	if len(g.ranges) != 0 {
		t.Errorf("getter called %d times, want 0 for a clean stream", len(g.ranges))
	}
}

func TestRetryReaderResumesAfterMidStreamError(t *testing.T) {
	first := &scriptedBody{reads: []scriptedRead{
		{data: "abcd"},
		{err: errors.New("connection reset")},
	}}
	g := &recordingGetter{queue: []func() (io.ReadCloser, error){body("efghij")}}
	r := newRetryReader(context.Background(), first, remote.Range{Offset: 100, Count: 10}, 3, g.get)
	defer r.Close()

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(got) != "abcdefghij" {
		t.Errorf("read %q, want %q", got, "abcdefghij")
	}
	// The re-issue covers exactly the unread remainder, in blob
	// coordinates.
	want := []remote.Range{{Offset: 104, Count: 6}}
	if len(g.ranges) != 1 || g.ranges[0] != want[0] {
		t.Errorf("re-issued ranges = %v, want %v", g.ranges, want)
	}
	if !first.closed {
		t.Error("broken body was not closed")
	}
}

func TestRetryReaderCountsPartialReadBeforeError(t *testing.T) {
	// A read that delivers bytes and fails in the same call: the bytes
	// must reach the caller and must not be re-fetched.
	first := &scriptedBody{reads: []scriptedRead{
		{data: "abcd"},
		{data: "efg", err: errors.New("connection reset")},
	}}
	g := &recordingGetter{queue: []func() (io.ReadCloser, error){body("hij")}}
	r := newRetryReader(context.Background(), first, remote.Range{Offset: 100, Count: 10}, 3, g.get)
	defer r.Close()

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(got) != "abcdefghij" {
		t.Errorf("read %q, want %q", got, "abcdefghij")
	}
	want := remote.Range{Offset: 107, Count: 3}
	if len(g.ranges) != 1 || g.ranges[0] != want {
		t.Errorf("re-issued ranges = %v, want [%v]", g.ranges, want)
	}
}

func TestRetryReaderHealsPrematureEOF(t *testing.T) {
	// The stream ends cleanly but early; that is an interruption, not
	// completion.
	first := &scriptedBody{reads: []scriptedRead{{data: "abcd"}}}
	g := &recordingGetter{queue: []func() (io.ReadCloser, error){body("efghij")}}
	r := newRetryReader(context.Background(), first, remote.Range{Offset: 0, Count: 10}, 3, g.get)
	defer r.Close()

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(got) != "abcdefghij" {
		t.Errorf("read %q, want %q", got, "abcdefghij")
	}
	want := remote.Range{Offset: 4, Count: 6}
	if len(g.ranges) != 1 || g.ranges[0] != want {
		t.Errorf("re-issued ranges = %v, want [%v]", g.ranges, want)
	}
}

func TestRetryReaderBudgetIsPerLifetime(t *testing.T) {
	// Two interruptions against a budget of one: the second failure
	// surfaces.
	reset1 := errors.New("reset 1")
	reset2 := errors.New("reset 2")
	first := &scriptedBody{reads: []scriptedRead{{err: reset1}}}
	second := &scriptedBody{reads: []scriptedRead{{err: reset2}}}
	g := &recordingGetter{queue: []func() (io.ReadCloser, error){
		func() (io.ReadCloser, error) { return second, nil },
	}}
	r := newRetryReader(context.Background(), first, remote.Range{Offset: 0, Count: 10}, 1, g.get)
	defer r.Close()

	_, err := io.ReadAll(r)
	if !errors.Is(err, reset2) {
		t.Fatalf("error = %v, want %v", err, reset2)
	}
	if len(g.ranges) != 1 {
		t.Errorf("getter called %d times, want 1", len(g.ranges))
	}
}

func TestRetryReaderZeroBudget(t *testing.T) {
	reset := errors.New("reset")
	first := &scriptedBody{reads: []scriptedRead{{data: "abcd"}, {err: reset}}}
	g := &recordingGetter{}
	r := newRetryReader(context.Background(), first, remote.Range{Offset: 0, Count: 10}, 0, g.get)
	defer r.Close()

	got, err := io.ReadAll(r)
	if !errors.Is(err, reset) {
		t.Fatalf("error = %v, want %v", err, reset)
	}
	if string(got) != "abcd" {
		t.Errorf("read %q before failing, want %q", got, "abcd")
	}
	if len(g.ranges) != 0 {
		t.Errorf("getter called %d times, want 0", len(g.ranges))
	}
}

func TestRetryReaderServiceErrorIsFinal(t *testing.T) {
	first := &scriptedBody{reads: []scriptedRead{{err: errors.New("reset")}}}
	g := &recordingGetter{queue: []func() (io.ReadCloser, error){
		fail(remote.ErrConditionNotMet.WithCondition(remote.ConditionIfMatch)),
	}}
	r := newRetryReader(context.Background(), first, remote.Range{Offset: 0, Count: 10}, 5, g.get)
	defer r.Close()

	_, err := io.ReadAll(r)
	if !remote.IsPrecondition(err) {
		t.Fatalf("error = %v, want precondition failure", err)
	}
	// The verdict ends the stream; the remaining budget is not spent.
	if len(g.ranges) != 1 {
		t.Errorf("getter called %d times, want 1", len(g.ranges))
	}
}

func TestRetryReaderTransportReissueFailuresCount(t *testing.T) {
	t1 := errors.New("dial timeout 1")
	t2 := errors.New("dial timeout 2")
	first := &scriptedBody{reads: []scriptedRead{{err: errors.New("reset")}}}
	g := &recordingGetter{queue: []func() (io.ReadCloser, error){fail(t1), fail(t2)}}
	r := newRetryReader(context.Background(), first, remote.Range{Offset: 0, Count: 10}, 2, g.get)
	defer r.Close()

	_, err := io.ReadAll(r)
	if !errors.Is(err, t2) {
		t.Fatalf("error = %v, want %v", err, t2)
	}
	if len(g.ranges) != 2 {
		t.Errorf("getter called %d times, want 2", len(g.ranges))
	}
}

func TestRetryReaderContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	first := &scriptedBody{reads: []scriptedRead{{data: "abcd"}, {err: errors.New("reset")}}}
	g := &recordingGetter{queue: []func() (io.ReadCloser, error){body("efghij")}}
	r := newRetryReader(ctx, first, remote.Range{Offset: 0, Count: 10}, 3, g.get)
	defer r.Close()

	buf := make([]byte, 4)
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatalf("first read failed: %v", err)
	}
	cancel()

	_, err := io.ReadAll(r)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if len(g.ranges) != 0 {
		t.Errorf("getter called %d times after cancellation, want 0", len(g.ranges))
	}
}

func TestRetryReaderClose(t *testing.T) {
	first := &scriptedBody{}
	g := &recordingGetter{}
	r := newRetryReader(context.Background(), first, remote.Range{Offset: 0, Count: 0}, 3, g.get)

	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !first.closed {
		t.Error("Close did not close the body")
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

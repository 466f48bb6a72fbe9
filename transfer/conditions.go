package transfer

import (
	"time"

	"github.com/blockferry/blockferry/remote"
)

// AccessConditions is the caller-facing conditional-request set for a
// transfer. The zero value imposes no conditions; each zero field is absent.
// Engines translate it once, up front, and attach the result to every remote
// call the transfer makes.
type AccessConditions struct {
	// IfModifiedSince admits the operation only if the blob changed
	// after this time.
	IfModifiedSince time.Time

	// IfUnmodifiedSince admits the operation only if the blob has not
	// changed since this time.
	IfUnmodifiedSince time.Time

	// IfMatch admits the operation only if the blob's current etag
	// equals this one. remote.ETagAny matches any existing blob.
	IfMatch remote.ETag

	// IfNoneMatch admits the operation only if the blob's current etag
	// differs from this one. remote.ETagAny admits only creation.
	IfNoneMatch remote.ETag

	// LeaseID must name the blob's active lease, when the blob is leased.
	LeaseID string
}

// IsZero reports whether no condition is set.
func (ac AccessConditions) IsZero() bool {
	return ac.IfModifiedSince.IsZero() &&
		ac.IfUnmodifiedSince.IsZero() &&
		ac.IfMatch == "" &&
		ac.IfNoneMatch == "" &&
		ac.LeaseID == ""
}

// toRemote translates the set to its remote-call form. Zero fields map to
// absent; nothing else changes, and no I/O happens here.
func (ac AccessConditions) toRemote() remote.Conditions {
	var cond remote.Conditions
	if !ac.IfModifiedSince.IsZero() {
		t := ac.IfModifiedSince
		cond.IfModifiedSince = &t
	}
	if !ac.IfUnmodifiedSince.IsZero() {
		t := ac.IfUnmodifiedSince
		cond.IfUnmodifiedSince = &t
	}
	if ac.IfMatch != "" {
		etag := ac.IfMatch
		cond.IfMatch = &etag
	}
	if ac.IfNoneMatch != "" {
		etag := ac.IfNoneMatch
		cond.IfNoneMatch = &etag
	}
	if ac.LeaseID != "" {
		lease := ac.LeaseID
		cond.LeaseID = &lease
	}
	return cond
}

package remote

import "time"

// blobState is the current blob state a condition set is evaluated against.
type blobState struct {
	exists       bool
	etag         ETag
	lastModified time.Time
	leaseID      string
}

// checkConditions evaluates cond against the blob's current state and returns
// nil when every condition holds. Used by the local backends (MemoryBlob,
// FileBlob); the vendor backends delegate the same evaluation to their
// services.
//
// Lease checks come first, then the etag/time conditions in RFC 7232
// priority order:
//  1. If-Match (412 on mismatch; a missing blob never matches, not even "*")
//  2. If-Unmodified-Since, only without If-Match (412 if modified since)
//  3. If-None-Match (304 on reads, 412 on writes)
//  4. If-Modified-Since, only without If-None-Match (304 reads / 412 writes)
//
// ETags are compared unquoted; times at second resolution, matching the
// header forms real services exchange.
func checkConditions(cond Conditions, st blobState, write bool) error {
	if cond.LeaseID != nil {
		if st.leaseID == "" {
			return ErrLeaseNotPresent
		}
		if *cond.LeaseID != st.leaseID {
			return ErrLeaseIDMismatch
		}
	} else if write && st.exists && st.leaseID != "" {
		return ErrLeaseIDMissing
	}

	if cond.IfMatch != nil {
		matched := st.exists && (*cond.IfMatch == ETagAny || cond.IfMatch.Equals(st.etag))
		if !matched {
			return ErrConditionNotMet.WithCondition(ConditionIfMatch)
		}
	} else if cond.IfUnmodifiedSince != nil {
		if st.exists && after(st.lastModified, *cond.IfUnmodifiedSince) {
			return ErrConditionNotMet.WithCondition(ConditionIfUnmodifiedSince)
		}
	}

	if cond.IfNoneMatch != nil {
		matched := st.exists && (*cond.IfNoneMatch == ETagAny || cond.IfNoneMatch.Equals(st.etag))
		if matched {
			if write {
				return ErrConditionNotMet.WithCondition(ConditionIfNoneMatch)
			}
			return ErrNotModified.WithCondition(ConditionIfNoneMatch)
		}
	} else if cond.IfModifiedSince != nil {
		if st.exists && !after(st.lastModified, *cond.IfModifiedSince) {
			if write {
				return ErrConditionNotMet.WithCondition(ConditionIfModifiedSince)
			}
			return ErrNotModified.WithCondition(ConditionIfModifiedSince)
		}
	}

	return nil
}

// after compares two times at second resolution.
func after(a, b time.Time) bool {
	return a.Truncate(time.Second).After(b.Truncate(time.Second))
}

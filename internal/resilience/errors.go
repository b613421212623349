// Package resilience holds the shared retry/backoff helper and the error
// taxonomy used by every remote call in the playback core: narration
// synthesis, intent classification and illustration generation.
package resilience

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Sentinel errors for the two failure modes that must surface to the user
// instead of being retried or silently recovered.
var (
	// ErrQuotaExhausted means the allotted usage for the current
	// credential/model is used up. Retrying is pointless; the caller should
	// offer a model switch.
	ErrQuotaExhausted = errors.New("synthesis quota exhausted")

	// ErrAuthFailed means the credential itself is bad. Never retried.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrRateLimited marks a transient throttle (HTTP 429 and friends) from
	// services that do not speak gRPC status codes.
	ErrRateLimited = errors.New("rate limited")

	// ErrServiceUnavailable marks a transient server-side failure (HTTP 5xx,
	// request timeouts) from services that do not speak gRPC status codes.
	ErrServiceUnavailable = errors.New("service unavailable")
)

// Class buckets an error by how the caller should react to it.
type Class int

const (
	// ClassPermanent errors are neither retried nor user-actionable; the
	// caller degrades (local voice, tap-to-choose) and moves on.
	ClassPermanent Class = iota
	// ClassTransient errors (network blips, 5xx, rate limits) are retried
	// with backoff.
	ClassTransient
	// ClassQuota is quota exhaustion, surfaced as a model-switch prompt.
	ClassQuota
	// ClassAuth is a credential failure, surfaced immediately.
	ClassAuth
)

// Classify buckets err. It understands the package sentinels, context
// cancellation and gRPC status codes from the Google cloud clients.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassPermanent
	case errors.Is(err, ErrQuotaExhausted):
		return ClassQuota
	case errors.Is(err, ErrAuthFailed):
		return ClassAuth
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrServiceUnavailable):
		return ClassTransient
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ClassPermanent
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.ResourceExhausted:
			return ClassQuota
		case codes.Unauthenticated, codes.PermissionDenied:
			return ClassAuth
		case codes.Unavailable, codes.Aborted, codes.Internal, codes.DeadlineExceeded:
			return ClassTransient
		}
	}
	return ClassPermanent
}

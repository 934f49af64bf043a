// Package errors defines the tagged error types returned across component
// boundaries of the reconciler. Each type carries the identity of what failed
// and wraps the underlying cause, so callers can branch with [errors.As]
// instead of inspecting strings.
package errors

import (
	stderrors "errors"
	"fmt"

	"k8s.io/apimachinery/pkg/types"
)

// Kind labels used in logs and metrics.
const (
	KindResourceStore = "resource_store"
	KindIssuance      = "issuance"
	KindApply         = "apply"
	KindUnknown       = "unknown"
)

// ResourceStoreError is a read or write failure against the Kubernetes API
// that is not itself a publish step.
type ResourceStoreError struct {
	// Op is the verb that failed, e.g. "get".
	Op string
	// Object identifies the object the operation targeted.
	Object types.NamespacedName
	// Err is the underlying API error.
	Err error
}

func (e *ResourceStoreError) Error() string {
	return fmt.Sprintf("resource store %s %s: %v", e.Op, e.Object, e.Err)
}

func (e *ResourceStoreError) Unwrap() error { return e.Err }

// IssuanceError means no token could be produced: either the retry budget was
// exhausted or the identity mechanism could not be initialized.
type IssuanceError struct {
	Account   string
	Container string
	// Attempts is the number of issuance attempts made. Zero when the
	// failure happened before the first attempt.
	Attempts int
	Err      error
}

func (e *IssuanceError) Error() string {
	if e.Attempts == 0 {
		return fmt.Sprintf("issuing SAS for %s/%s: %v", e.Account, e.Container, e.Err)
	}
	return fmt.Sprintf("issuing SAS for %s/%s after %d attempt(s): %v",
		e.Account, e.Container, e.Attempts, e.Err)
}

func (e *IssuanceError) Unwrap() error { return e.Err }

// CredentialError means the environment's identity configuration is missing
// or unusable. It is always returned wrapped in an [IssuanceError].
type CredentialError struct {
	Err error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("initializing credential: %v", e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// Apply targets.
const (
	TargetSecret = "secret"
	TargetStatus = "status"
)

// ApplyError is a failed create or patch of the generated Secret or of the
// status subresource.
type ApplyError struct {
	// Target is [TargetSecret] or [TargetStatus].
	Target string
	Object types.NamespacedName
	Err    error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("applying %s %s: %v", e.Target, e.Object, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// Kind returns the label of the first tagged error found in err's chain.
func Kind(err error) string {
	var (
		storeErr *ResourceStoreError
		issueErr *IssuanceError
		applyErr *ApplyError
	)
	switch {
	case err == nil:
		return ""
	case stderrors.As(err, &issueErr):
		return KindIssuance
	case stderrors.As(err, &applyErr):
		return KindApply
	case stderrors.As(err, &storeErr):
		return KindResourceStore
	default:
		return KindUnknown
	}
}

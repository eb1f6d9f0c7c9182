package tracker

import (
	"errors"
	"fmt"

	"github.com/zkVerify/zkVerify-qa/internal/common"
)

// Tag is the closed set of failure outcomes a tracked submission can end in
type Tag string

const (
	TagTimedOut                    Tag = "timed out"
	TagUnexpectedDispatch          Tag = "unexpected dispatch error"
	TagExpectedFailureButSucceeded Tag = "expected failure but succeeded"
	TagMissingAttestationID        Tag = "missing attestation id"
	TagInvalidAttestationData      Tag = "invalid attestation data"
	TagAttestationTimeout          Tag = "attestation timeout"
	TagRejected                    Tag = "rejected"
	TagTransport                   Tag = "transport error"
	TagCanceled                    Tag = "canceled"
)

var (
	ErrSubmissionTimeout           = fmt.Errorf("transaction not finalized in time: %w", common.ErrTimeout)
	ErrUnexpectedDispatch          = errors.New("transaction failed unexpectedly")
	ErrExpectedFailureButSucceeded = errors.New("transaction succeeded but was expected to fail")
	ErrMissingAttestationID        = errors.New("no attestation id in the proof verification event")
	ErrInvalidAttestationData      = errors.New("invalid attestation data")
	ErrRejected                    = errors.New("transaction rejected by the pool")
	ErrStreamClosed                = fmt.Errorf("status stream ended before finalization: %w", common.ErrConnectionLost)
)

// Failure is the only error type Track returns
type Failure struct {
	Tag   Tag
	Kind  string
	Nonce uint64
	Err   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s proof (nonce %d) %s: %v", f.Kind, f.Nonce, f.Tag, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Retryable is true only for outcomes where a resubmission could help. A
// categorized cause decides for itself.
func (f *Failure) Retryable() bool {
	var c *common.CategorizedError
	if errors.As(f.Err, &c) {
		return c.Retryable()
	}

	switch f.Tag {
	case TagTimedOut, TagTransport, TagAttestationTimeout:
		return true
	default:
		return false
	}
}

// TagOf returns the tag of a tracker failure, or "" for any other error
func TagOf(err error) Tag {
	var f *Failure
	if errors.As(err, &f) {
		return f.Tag
	}
	return ""
}

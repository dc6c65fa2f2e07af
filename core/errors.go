package core

import (
	"errors"
	"fmt"
)

var (
	ErrTransientNetwork    = errors.New("transient network failure")
	ErrUnauthorized        = errors.New("update session unauthorized")
	ErrMalformedResponse   = errors.New("malformed release response")
	ErrCallbackRejected    = errors.New("callback rejected")
	ErrConfigurationMisuse = errors.New("configuration misuse")
	ErrDisabled            = errors.New("update distribution disabled")
	ErrNotActivated        = errors.New("update service not started")
	ErrNoPendingRelease    = errors.New("no release awaiting a decision")
)

// FailureKind classifies a failed release check
type FailureKind string

const (
	FailureTransient    FailureKind = "transient"
	FailureUnauthorized FailureKind = "unauthorized"
	FailureMalformed    FailureKind = "malformed"
)

func (k FailureKind) sentinel() error {
	switch k {
	case FailureTransient:
		return ErrTransientNetwork
	case FailureUnauthorized:
		return ErrUnauthorized
	default:
		return ErrMalformedResponse
	}
}

// CheckError carries the failure kind of a release check plus the raw
// response context needed to diagnose it.
type CheckError struct {
	Kind       FailureKind
	StatusCode int
	Body       string
	Err        error
}

func (e *CheckError) Error() string {
	msg := e.Kind.sentinel().Error()
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: status %d", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *CheckError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}

func NewCheckError(kind FailureKind, status int, body string, err error) *CheckError {
	return &CheckError{Kind: kind, StatusCode: status, Body: body, Err: err}
}

// FailureKindOf walks the error chain and returns the check failure kind, if any.
func FailureKindOf(err error) (FailureKind, bool) {
	var checkErr *CheckError
	if errors.As(err, &checkErr) {
		return checkErr.Kind, true
	}
	switch {
	case errors.Is(err, ErrUnauthorized):
		return FailureUnauthorized, true
	case errors.Is(err, ErrTransientNetwork):
		return FailureTransient, true
	case errors.Is(err, ErrMalformedResponse):
		return FailureMalformed, true
	}
	return "", false
}

// RejectReason says why an inbound callback URL was not accepted
type RejectReason string

const (
	RejectMalformedURL     RejectReason = "malformed_url"
	RejectUnexpectedTarget RejectReason = "unexpected_target"
	RejectNoOutstanding    RejectReason = "no_outstanding_request"
	RejectIDMismatch       RejectReason = "id_mismatch"
	RejectExpired          RejectReason = "expired"
	RejectSetupFailed      RejectReason = "setup_failed"
	RejectMalformedToken   RejectReason = "malformed_token"
	RejectTokenExpired     RejectReason = "token_expired"
	RejectReusedToken      RejectReason = "reused_token"
)

// consumes reports whether a rejection for this reason invalidates the
// outstanding correlation. Only callbacks that proved they carry the
// outstanding ID may do that.
func (r RejectReason) consumes() bool {
	switch r {
	case RejectExpired, RejectSetupFailed, RejectMalformedToken, RejectTokenExpired, RejectReusedToken:
		return true
	}
	return false
}

type RejectedError struct {
	Reason RejectReason
	Detail string
}

func (e *RejectedError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", ErrCallbackRejected, e.Reason, e.Detail)
	}
	return fmt.Sprintf("%s: %s", ErrCallbackRejected, e.Reason)
}

func (e *RejectedError) Unwrap() error {
	return ErrCallbackRejected
}

func reject(reason RejectReason, detail string) *RejectedError {
	return &RejectedError{Reason: reason, Detail: detail}
}

// RejectReasonOf returns the rejection reason carried by err, if any.
func RejectReasonOf(err error) (RejectReason, bool) {
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return rejected.Reason, true
	}
	return "", false
}

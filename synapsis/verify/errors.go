package verify

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Machine-readable rejection code, returned to peers in the JSON 'error' field.
type Code string

const (
	CodeMalformed        Code = "MALFORMED"
	CodeInvalidTimestamp Code = "INVALID_TIMESTAMP"
	CodeUserNotFound     Code = "USER_NOT_FOUND"
	CodeHandleMismatch   Code = "HANDLE_MISMATCH"
	CodeInvalidSignature Code = "INVALID_SIGNATURE"
	CodeKeyConflict      Code = "KEY_CONFLICT"
	CodeReplayedNonce    Code = "REPLAYED_NONCE"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeNotFound         Code = "NOT_FOUND"
	CodeForbidden        Code = "FORBIDDEN"
	CodePeerUnavailable  Code = "PEER_UNAVAILABLE"
)

type Class string

const (
	ClassValidation      Class = "validation"
	ClassSignature       Class = "signature"
	ClassReplay          Class = "replay"
	ClassNotFound        Class = "not-found"
	ClassPeerUnavailable Class = "peer-unavailable"
	ClassRateLimit       Class = "rate-limit"
)

// Tells a sender what to do with a rejected request.
type Retry string

const (
	// the request will never succeed as sent
	RetryNever Retry = "never"
	// the request may succeed later, eg after a rate limit window or key resolution
	RetryLater Retry = "later"
	// the effect was already applied; treat as success
	RetryApplied Retry = "applied"
)

type codeInfo struct {
	class  Class
	retry  Retry
	status int
}

var codeTable = map[Code]codeInfo{
	CodeMalformed:        {ClassValidation, RetryNever, http.StatusBadRequest},
	CodeInvalidTimestamp: {ClassSignature, RetryNever, http.StatusBadRequest},
	CodeUserNotFound:     {ClassSignature, RetryNever, http.StatusForbidden},
	CodeHandleMismatch:   {ClassSignature, RetryNever, http.StatusForbidden},
	CodeInvalidSignature: {ClassSignature, RetryNever, http.StatusForbidden},
	CodeKeyConflict:      {ClassSignature, RetryLater, http.StatusForbidden},
	CodeReplayedNonce:    {ClassReplay, RetryApplied, http.StatusOK},
	CodeRateLimited:      {ClassRateLimit, RetryLater, http.StatusTooManyRequests},
	CodeNotFound:         {ClassNotFound, RetryNever, http.StatusNotFound},
	CodeForbidden:        {ClassValidation, RetryNever, http.StatusForbidden},
	CodePeerUnavailable:  {ClassPeerUnavailable, RetryLater, http.StatusBadGateway},
}

// Structured rejection of an inbound or outbound action.
type Error struct {
	Code    Code
	Message string
	// only set for [CodeRateLimited]
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Class() Class {
	return codeTable[e.Code].class
}

func (e *Error) Retry() Retry {
	info, ok := codeTable[e.Code]
	if !ok {
		return RetryNever
	}
	return info.retry
}

func (e *Error) HTTPStatus() int {
	info, ok := codeTable[e.Code]
	if !ok {
		return http.StatusInternalServerError
	}
	return info.status
}

// Security-relevant rejections get logged with a 'security' attribute and counted separately.
func (e *Error) IsSecurity() bool {
	switch e.Code {
	case CodeInvalidSignature, CodeHandleMismatch, CodeKeyConflict, CodeReplayedNonce:
		return true
	}
	return false
}

func Reject(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func RejectErr(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func RateLimited(retryAfter time.Duration) *Error {
	return &Error{Code: CodeRateLimited, Message: "too many requests", RetryAfter: retryAfter}
}

// Extracts the structured rejection from an error chain, if there is one.
func AsError(err error) (*Error, bool) {
	var verr *Error
	if errors.As(err, &verr) {
		return verr, true
	}
	return nil, false
}

// Returns the rejection code from an error chain, or an empty code.
func CodeOf(err error) Code {
	if verr, ok := AsError(err); ok {
		return verr.Code
	}
	return ""
}

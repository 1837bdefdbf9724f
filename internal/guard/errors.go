package guard

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrorCode categorizes transition failures.
type ErrorCode string

const (
	// CodeAlreadyPublished means the flag was already set. Benign.
	CodeAlreadyPublished ErrorCode = "ALREADY_PUBLISHED"

	// CodePublishingInProgress means another transaction holds the lock.
	// Retryable.
	CodePublishingInProgress ErrorCode = "PUBLISHING_IN_PROGRESS"

	// CodeSideEffectFailed means the hook failed and the transition was
	// rolled back. Retryable.
	CodeSideEffectFailed ErrorCode = "SIDE_EFFECT_FAILED"

	// CodeStoreError means the backing store failed for a reason unrelated
	// to contention.
	CodeStoreError ErrorCode = "STORE_ERROR"

	// CodeNotFound means the article does not exist.
	CodeNotFound ErrorCode = "NOT_FOUND"
)

// Stage names the protocol step at which an attempt stopped.
type Stage string

const (
	StagePrecheck   Stage = "precheck"
	StageBegin      Stage = "begin"
	StageLock       Stage = "lock"
	StageRecheck    Stage = "recheck"
	StageMark       Stage = "mark"
	StageSideEffect Stage = "side_effect"
	StageCommit     Stage = "commit"
)

var codeMessages = map[ErrorCode]string{
	CodeAlreadyPublished:     "article already published",
	CodePublishingInProgress: "article is being published elsewhere",
	CodeSideEffectFailed:     "side effect failed, transition rolled back",
	CodeStoreError:           "backing store failed",
	CodeNotFound:             "article not found",
}

// TransitionError is returned for every unsuccessful publish attempt.
type TransitionError struct {
	// Code identifies the outcome.
	Code ErrorCode

	// ArticleID is the article the attempt targeted.
	ArticleID uuid.UUID

	// Stage is the protocol step that produced the outcome.
	Stage Stage

	// Err is the underlying cause, if any. Nil for AlreadyPublished
	// detected by a flag check.
	Err error
}

func newError(code ErrorCode, id uuid.UUID, stage Stage, err error) *TransitionError {
	return &TransitionError{Code: code, ArticleID: id, Stage: stage, Err: err}
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("%s: %s (article=%s, stage=%s)", e.Code, codeMessages[e.Code], e.ArticleID, e.Stage)
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *TransitionError) Unwrap() error {
	return e.Err
}

// CodeOf returns the ErrorCode carried by err, or "" if err is not a
// TransitionError.
func CodeOf(err error) ErrorCode {
	var te *TransitionError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// IsAlreadyPublished returns true if the article had already been published.
func IsAlreadyPublished(err error) bool {
	return CodeOf(err) == CodeAlreadyPublished
}

// IsPublishingInProgress returns true if another transaction held the lock.
func IsPublishingInProgress(err error) bool {
	return CodeOf(err) == CodePublishingInProgress
}

// IsSideEffectFailed returns true if the hook failed and was rolled back.
func IsSideEffectFailed(err error) bool {
	return CodeOf(err) == CodeSideEffectFailed
}

// IsStoreError returns true if the backing store failed.
func IsStoreError(err error) bool {
	return CodeOf(err) == CodeStoreError
}

// IsNotFound returns true if the article does not exist.
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}

// Retryable returns true for outcomes that leave the article unpublished and
// may succeed on a later attempt.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodePublishingInProgress, CodeSideEffectFailed:
		return true
	default:
		return false
	}
}

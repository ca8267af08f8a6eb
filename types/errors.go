package types

import "errors"

// ErrValidation indicates bad or missing submission input; the caller
// should fix the request, not retry it.
var ErrValidation = errors.New("invalid input")

// ErrNotFound indicates an unknown workflow or recipient token.
var ErrNotFound = errors.New("not found")

// ErrAlreadySubmitted indicates the recipient is no longer pending. It is
// distinct from ErrValidation so callers can show "already done" instead of
// a generic failure.
var ErrAlreadySubmitted = errors.New("recipient already submitted")

// ErrOutOfTurn indicates an earlier recipient in the sequence has not
// submitted yet.
var ErrOutOfTurn = errors.New("recipient is not the current step")

// ErrDocumentGeneration indicates the codec failed to load, fill or
// flatten the completed document.
var ErrDocumentGeneration = errors.New("document generation failed")

// ErrAuditGeneration indicates the audit certificate could not be
// produced. It never rolls back a completed workflow.
var ErrAuditGeneration = errors.New("audit generation failed")

// ErrNotificationDispatch indicates an outbound dispatch failed. It never
// blocks the state transition that triggered it.
var ErrNotificationDispatch = errors.New("notification dispatch failed")

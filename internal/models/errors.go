// StrideSync - Fitness Activity Sync and Enrichment Engine
// Copyright 2026 StrideWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/strideworks/stridesync

package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a sync error into the retry taxonomy.
type ErrorKind string

const (
	ErrKindNetwork        ErrorKind = "network_error"
	ErrKindRateLimit      ErrorKind = "rate_limit"
	ErrKindTemporaryAPI   ErrorKind = "temporary_api_error"
	ErrKindDBTimeout      ErrorKind = "database_timeout"
	ErrKindAuthentication ErrorKind = "authentication_error"
	ErrKindInvalidData    ErrorKind = "invalid_data"
	ErrKindPermission     ErrorKind = "permission_denied"
	ErrKindQuotaExceeded  ErrorKind = "quota_exceeded"
	ErrKindSystemLimit    ErrorKind = "system_limit"
	ErrKindUnknown        ErrorKind = "unknown_error"
)

// Retryable reports whether re-attempting the operation is expected to
// eventually succeed. Unknown errors are treated as non-retryable, which is
// the conservative default.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindNetwork, ErrKindRateLimit, ErrKindTemporaryAPI, ErrKindDBTimeout:
		return true
	}
	return false
}

// SyncError is a structured error attached to a session or batch.
type SyncError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Kind      ErrorKind         `json:"kind"`
	Phase     SyncPhase         `json:"phase,omitempty"`
	Retryable bool              `json:"retryable"`
	Context   map[string]string `json:"context,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	if e.Phase != "" {
		return fmt.Sprintf("%s [%s/%s]: %s", e.Code, e.Kind, e.Phase, e.Message)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Code, e.Kind, e.Message)
}

// NewSyncError builds a SyncError with the retryable flag derived from kind.
func NewSyncError(kind ErrorKind, phase SyncPhase, code, message string) *SyncError {
	return &SyncError{
		Code:      code,
		Message:   message,
		Kind:      kind,
		Phase:     phase,
		Retryable: kind.Retryable(),
		Timestamp: time.Now().UTC(),
	}
}

// WithContext attaches a key/value pair to the error's free-form context.
func (e *SyncError) WithContext(key, value string) *SyncError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// ClassifyError derives a SyncError from an arbitrary error. Errors that are
// already SyncErrors pass through with the phase filled in; everything else is
// classified as unknown (non-retryable by default).
func ClassifyError(err error, phase SyncPhase) *SyncError {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		if syncErr.Phase == "" {
			syncErr.Phase = phase
		}
		return syncErr
	}
	return NewSyncError(ErrKindUnknown, phase, "unclassified", err.Error())
}

// Sentinel errors returned by the state manager.
var (
	// ErrSessionConflict indicates an active, non-stale session already
	// exists for the user.
	ErrSessionConflict = errors.New("an active sync session already exists for this user")

	// ErrSessionNotFound indicates no session matched the id/user pair.
	ErrSessionNotFound = errors.New("sync session not found")

	// ErrInvalidTransition indicates a status change not permitted by the
	// transition table. State is left unchanged.
	ErrInvalidTransition = errors.New("invalid session status transition")

	// ErrSessionTerminal indicates a write against a session already in a
	// terminal status.
	ErrSessionTerminal = errors.New("sync session is in a terminal status")
)

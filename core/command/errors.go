// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package command

import (
	"errors"
	"fmt"
	"strings"
)

// The error labels the server attaches to retryable transaction failures.
const (
	TransientTransactionErrorLabel    = "TransientTransactionError"
	UnknownTransactionCommitResultLabel = "UnknownTransactionCommitResult"
)

var networkErrorCodes = map[int32]struct{}{
	6:     {}, // HostUnreachable
	7:     {}, // HostNotFound
	9001:  {}, // SocketException
	11600: {}, // InterruptedAtShutdown
	11601: {}, // Interrupted
	11602: {}, // InterruptedDueToReplStateChange
}

var timeoutErrorCodes = map[int32]struct{}{
	50:    {}, // MaxTimeMSExpired
	89:    {}, // NetworkTimeout
	11601: {}, // Interrupted
}

var duplicateKeyCodes = map[int32]struct{}{
	11000: {},
	11001: {},
}

var transientTransactionCodes = map[int32]struct{}{
	251:   {}, // NoSuchTransaction
	91:    {}, // ShutdownInProgress
	189:   {}, // PrimarySteppedDown
	262:   {}, // ExceededTimeLimit
	10107: {}, // NotWritablePrimary
	13435: {}, // NotPrimaryNoSecondaryOk
	13436: {}, // NotPrimaryOrSecondary
}

var unknownCommitCodes = map[int32]struct{}{
	50:    {},
	91:    {},
	189:   {},
	262:   {},
	9001:  {},
	10107: {},
	11600: {},
	11602: {},
	13435: {},
	13436: {},
}

// Error is a command execution error from the server.
type Error struct {
	Code          int32
	Name          string
	Message       string
	Labels        []string
	OperationType string
}

// Error implements the error interface.
func (e Error) Error() string {
	return fmt.Sprintf("E%d %s: %s", e.Code, e.Name, e.Message)
}

// HasErrorLabel reports whether the error contains the given label.
func (e Error) HasErrorLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// NetworkError reports whether the error is one of the server's
// network-category codes.
func (e Error) NetworkError() bool {
	_, ok := networkErrorCodes[e.Code]
	return ok
}

// Timeout reports whether the error indicates an exceeded time limit.
func (e Error) Timeout() bool {
	_, ok := timeoutErrorCodes[e.Code]
	return ok
}

// WriteError is a non-write-concern failure of a single write.
type WriteError struct {
	Index   int64
	Code    int32
	Message string
}

// Error implements the error interface.
func (e WriteError) Error() string { return e.Message }

// WriteConcernError is a write concern failure.
type WriteConcernError struct {
	Code    int32
	Name    string
	Message string
}

// Error implements the error interface.
func (e WriteConcernError) Error() string { return e.Message }

// WriteCommandError is the aggregate failure of a write command: per-write
// errors, a write concern error, or both.
type WriteCommandError struct {
	WriteErrors       []WriteError
	WriteConcernError *WriteConcernError
	Labels            []string
	OperationType     string
}

// Error implements the error interface.
func (e WriteCommandError) Error() string {
	var sb strings.Builder
	sb.WriteString("write command error: [")
	for i, we := range e.WriteErrors {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "{code: %d, message: %q}", we.Code, we.Message)
	}
	sb.WriteString("]")
	if e.WriteConcernError != nil {
		fmt.Fprintf(&sb, ", {writeConcernError: %q}", e.WriteConcernError.Message)
	}
	return sb.String()
}

// HasErrorLabel reports whether the error contains the given label.
func (e WriteCommandError) HasErrorLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// IsDuplicateKeyError reports whether err represents a duplicate key
// violation (codes 11000 and 11001).
func IsDuplicateKeyError(err error) bool {
	var cmdErr Error
	if errors.As(err, &cmdErr) {
		_, ok := duplicateKeyCodes[cmdErr.Code]
		return ok
	}
	var wce WriteCommandError
	if errors.As(err, &wce) {
		for _, we := range wce.WriteErrors {
			if _, ok := duplicateKeyCodes[we.Code]; ok {
				return true
			}
		}
	}
	return false
}

// IsNetworkError reports whether err carries one of the server's network
// error codes.
func IsNetworkError(err error) bool {
	var cmdErr Error
	return errors.As(err, &cmdErr) && cmdErr.NetworkError()
}

// IsTimeout reports whether err indicates an exceeded time limit.
func IsTimeout(err error) bool {
	var cmdErr Error
	if errors.As(err, &cmdErr) {
		return cmdErr.Timeout()
	}
	var tErr interface{ Timeout() bool }
	return errors.As(err, &tErr) && tErr.Timeout()
}

// IsTransientTransactionError is a pure predicate deciding whether a failed
// transaction may be retried from the top with a new transaction.
func IsTransientTransactionError(err error) bool {
	var cmdErr Error
	if errors.As(err, &cmdErr) {
		if cmdErr.HasErrorLabel(TransientTransactionErrorLabel) {
			return true
		}
		_, ok := transientTransactionCodes[cmdErr.Code]
		return ok
	}
	var wce WriteCommandError
	if errors.As(err, &wce) {
		return wce.HasErrorLabel(TransientTransactionErrorLabel)
	}
	return false
}

// IsUnknownTransactionCommitResult is a pure predicate deciding whether a
// failed commit may or may not have applied, so the commit itself should be
// retried.
func IsUnknownTransactionCommitResult(err error) bool {
	var cmdErr Error
	if errors.As(err, &cmdErr) {
		if cmdErr.HasErrorLabel(UnknownTransactionCommitResultLabel) {
			return true
		}
		_, ok := unknownCommitCodes[cmdErr.Code]
		return ok
	}
	return false
}

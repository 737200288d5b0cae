// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongolite

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/mongolite/mongolite/core/command"
)

// ErrInvalidArgument is returned for user-side validation failures.
var ErrInvalidArgument = errors.New("mongolite: invalid argument")

// ErrClientDisconnected is returned when an operation is attempted before
// Connect or after Close.
var ErrClientDisconnected = errors.New("mongolite: client is disconnected")

// AlreadyExistsError is returned by CreateCollection when the target
// collection exists.
type AlreadyExistsError struct {
	Name string
}

// Error implements the error interface.
func (e AlreadyExistsError) Error() string {
	return fmt.Sprintf("mongolite: collection %q already exists", e.Name)
}

// TransactionError is returned for transaction state machine violations and
// exhausted retry budgets.
type TransactionError struct {
	Message string
	Wrapped error
}

// Error implements the error interface.
func (e TransactionError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("mongolite: transaction error: %s: %s", e.Message, e.Wrapped)
	}
	return "mongolite: transaction error: " + e.Message
}

// Unwrap returns the underlying error.
func (e TransactionError) Unwrap() error { return e.Wrapped }

// BulkWriteException is returned when part of a multi-document write fails.
// It carries the documents that were prepared so callers can tell which
// writes were attempted.
type BulkWriteException struct {
	WriteErrors       []command.WriteError
	WriteConcernError *command.WriteConcernError
	Labels            []string
	PartialResult     []bson.D
	InsertedCount     int64
}

// Error implements the error interface.
func (e BulkWriteException) Error() string {
	return fmt.Sprintf("mongolite: bulk write failed after %d inserted documents: %d write errors", e.InsertedCount, len(e.WriteErrors))
}

// IsDuplicateKeyError reports whether err represents a duplicate key
// violation.
func IsDuplicateKeyError(err error) bool {
	var bwe BulkWriteException
	if errors.As(err, &bwe) {
		for _, we := range bwe.WriteErrors {
			if we.Code == 11000 || we.Code == 11001 {
				return true
			}
		}
	}
	return command.IsDuplicateKeyError(err)
}

// IsNetworkError reports whether err carries one of the server's network
// error codes.
func IsNetworkError(err error) bool { return command.IsNetworkError(err) }

// IsTimeout reports whether err indicates an exceeded time limit, either
// server-side (maxTimeMS) or in the transport.
func IsTimeout(err error) bool { return command.IsTimeout(err) }

// IsTransientTransactionError reports whether a failed transaction may be
// retried from the top.
func IsTransientTransactionError(err error) bool {
	return command.IsTransientTransactionError(err)
}

// IsUnknownTransactionCommitResult reports whether a failed commit may have
// applied and should itself be retried.
func IsUnknownTransactionCommitResult(err error) bool {
	return command.IsUnknownTransactionCommitResult(err)
}
